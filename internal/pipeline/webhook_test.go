package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
)

type stubPrefs struct {
	prefs models.Preferences
	err   error
}

func (s stubPrefs) Preferences(context.Context, string) (models.Preferences, error) {
	return s.prefs, s.err
}

func newTestExecutor(url string, prefs PreferenceSource) *WebhookExecutor {
	e := NewWebhookExecutor(config.Config{WebhookURL: url, WebhookAPIKey: "secret", WebhookTimeout: 2 * time.Second}, prefs)
	e.logger = log.New(io.Discard, "", 0)
	e.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func refreshJob(cfg string) models.Job {
	return models.Job{ID: "job_1", OwnerID: "user-1", Kind: models.KindNewsRefresh, Config: json.RawMessage(cfg)}
}

func TestWebhookPostsJobAndReturnsResponse(t *testing.T) {
	var got workflowRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"articles":[{"title":"a"}],"count":1}`))
	}))
	defer srv.Close()

	exec := newTestExecutor(srv.URL, nil)
	res, err := exec.Execute(context.Background(), refreshJob(`{"maxResults":5}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res) != `{"articles":[{"title":"a"}],"count":1}` {
		t.Fatalf("unexpected result %s", res)
	}
	if auth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	if got.JobID != "job_1" || got.UserID != "user-1" || got.Kind != models.KindNewsRefresh {
		t.Fatalf("unexpected request ids %+v", got)
	}
	if got.Config.MaxResults != 5 || got.Config.SearchDepth != "medium" {
		t.Fatalf("expected overlay on defaults, got %+v", got.Config)
	}
	if got.Preferences.Language != "en" {
		t.Fatalf("expected default preferences, got %+v", got.Preferences)
	}
	if got.Timestamp != "2024-03-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", got.Timestamp)
	}
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestExecutor(srv.URL, nil).Execute(context.Background(), refreshJob(`{}`))
	if err == nil || err.Error() != "workflow webhook failed: Bad Gateway" {
		t.Fatalf("expected webhook failure, got %v", err)
	}
}

func TestWebhookInvalidConfigSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := newTestExecutor(srv.URL, nil).Execute(context.Background(), refreshJob(`{"searchDepth":"bottomless"}`))
	if err == nil || !strings.Contains(err.Error(), "invalid refresh config") {
		t.Fatalf("expected config error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("webhook should not be called")
	}
}

func TestWebhookMissingURL(t *testing.T) {
	_, err := newTestExecutor("", nil).Execute(context.Background(), refreshJob(`{}`))
	if err == nil || err.Error() != "workflow webhook URL not configured" {
		t.Fatalf("expected missing url error, got %v", err)
	}
}

func TestWebhookPreferenceFailureFallsBack(t *testing.T) {
	var got workflowRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec := newTestExecutor(srv.URL, stubPrefs{err: errors.New("db down")})
	if _, err := exec.Execute(context.Background(), refreshJob(`{}`)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Preferences.ReadingLevel != "intermediate" {
		t.Fatalf("expected default preferences, got %+v", got.Preferences)
	}
}

func TestWebhookUsesOwnerPreferences(t *testing.T) {
	var got workflowRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := models.DefaultPreferences()
	p.Language = "de"
	if _, err := newTestExecutor(srv.URL, stubPrefs{prefs: p}).Execute(context.Background(), refreshJob(`{}`)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Preferences.Language != "de" {
		t.Fatalf("expected owner preferences, got %+v", got.Preferences)
	}
}

func TestWebhookRejectsNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	if _, err := newTestExecutor(srv.URL, nil).Execute(context.Background(), refreshJob(`{}`)); err == nil {
		t.Fatalf("expected error for non-JSON response")
	}
}

func TestWebhookHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := newTestExecutor(srv.URL, nil).Execute(ctx, refreshJob(`{}`)); err == nil {
		t.Fatalf("expected context error")
	}
}
