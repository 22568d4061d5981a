package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
)

// maxResponseBytes bounds how much of a workflow response is read.
const maxResponseBytes = 8 << 20

// PreferenceSource looks up an owner's personalization settings.
type PreferenceSource interface {
	Preferences(ctx context.Context, ownerID string) (models.Preferences, error)
}

// DefaultPreferenceSource hands out the built-in defaults for every owner.
type DefaultPreferenceSource struct{}

// Preferences returns models.DefaultPreferences.
func (DefaultPreferenceSource) Preferences(context.Context, string) (models.Preferences, error) {
	return models.DefaultPreferences(), nil
}

// WebhookExecutor runs the search/analyze/summarize workflow by calling the
// workflow engine's webhook and returning its JSON response as the result.
type WebhookExecutor struct {
	url        string
	apiKey     string
	httpClient *http.Client
	prefs      PreferenceSource
	logger     *log.Logger
	now        func() time.Time
}

// workflowRequest is the body posted to the webhook.
type workflowRequest struct {
	JobID       string               `json:"jobId"`
	UserID      string               `json:"userId"`
	Kind        string               `json:"kind"`
	Config      models.RefreshConfig `json:"config"`
	Preferences models.Preferences   `json:"preferences"`
	Timestamp   string               `json:"timestamp"`
}

// NewWebhookExecutor builds an executor from config. prefs may be nil.
func NewWebhookExecutor(cfg config.Config, prefs PreferenceSource) *WebhookExecutor {
	timeout := cfg.WebhookTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	if prefs == nil {
		prefs = DefaultPreferenceSource{}
	}
	return &WebhookExecutor{
		url:    cfg.WebhookURL,
		apiKey: cfg.WebhookAPIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		prefs:  prefs,
		logger: log.Default(),
		now:    time.Now,
	}
}

// Execute validates the job config, then posts it to the webhook.
func (e *WebhookExecutor) Execute(ctx context.Context, job models.Job) (json.RawMessage, error) {
	cfg, err := models.DecodeRefreshConfig(job.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh config: %w", err)
	}
	if e.url == "" {
		return nil, errors.New("workflow webhook URL not configured")
	}

	prefs, err := e.prefs.Preferences(ctx, job.OwnerID)
	if err != nil {
		e.logger.Printf("load preferences for %s: %v; using defaults", job.OwnerID, err)
		prefs = models.DefaultPreferences()
	}

	body, err := json.Marshal(workflowRequest{
		JobID:       job.ID,
		UserID:      job.OwnerID,
		Kind:        job.Kind,
		Config:      cfg,
		Preferences: prefs,
		Timestamp:   e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal workflow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call workflow webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workflow webhook failed: %s", http.StatusText(resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read workflow response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("workflow response too large (>%d bytes)", maxResponseBytes)
	}
	if !json.Valid(raw) {
		return nil, errors.New("workflow response is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
