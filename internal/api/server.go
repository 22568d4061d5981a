package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsfeed-refresh/internal/auth"
	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
	"newsfeed-refresh/internal/queue"
	"newsfeed-refresh/internal/ratelimit"
	"newsfeed-refresh/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Limiter decides whether an owner may submit another job.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// PreferenceStore reads and writes owner preferences.
type PreferenceStore interface {
	Preferences(ctx context.Context, ownerID string) (models.Preferences, error)
	SavePreferences(ctx context.Context, ownerID string, prefs models.Preferences) error
}

// Server wires HTTP handlers for the refresh API.
type Server struct {
	cfg      config.Config
	svc      *queue.Service
	verifier *auth.Verifier
	limiter  Limiter
	prefs    PreferenceStore
	logger   *log.Logger
	now      func() time.Time
}

// New constructs the API server. limiter and prefs are optional.
func New(cfg config.Config, svc *queue.Service, verifier *auth.Verifier, limiter Limiter, prefs PreferenceStore) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		limiter:  limiter,
		prefs:    prefs,
		logger:   log.Default(),
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Post("/api/refresh-async", s.handleSubmit)
		r.Get("/api/refresh-async", s.handleStatus)
		r.Get("/api/jobs/{id}/watch", s.handleWatch)
		r.Get("/api/queue-stats", s.handleQueueStats)
		r.Get("/api/users/preferences", s.handleGetPreferences)
		r.Put("/api/users/preferences", s.handlePutPreferences)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queueLength": stats.PendingCount,
		"health":      s.health(stats.PendingCount),
	})
}

type submitRequest struct {
	Config json.RawMessage `json:"config"`
}

type submitMetadata struct {
	UserID    string               `json:"userId"`
	Timestamp string               `json:"timestamp"`
	Config    models.RefreshConfig `json:"config"`
}

type submitResponse struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	JobID         string         `json:"jobId"`
	Status        string         `json:"status"`
	EstimatedTime string         `json:"estimatedTime"`
	Metadata      submitMetadata `json:"metadata"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req submitRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	cfg, err := models.DecodeRefreshConfig(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// An overloaded queue rejects before a rate-limit token is spent.
	if s.cfg.MaxPendingJobs > 0 {
		stats, err := s.svc.Stats(r.Context())
		if err != nil {
			s.storeError(w, err)
			return
		}
		if stats.PendingCount >= s.cfg.MaxPendingJobs {
			telemetry.BackpressureRejects.Inc()
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, "queue is overloaded, try again later")
			return
		}
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), id.UserID)
		if err != nil {
			s.logger.Printf("rate limit check for %s: %v", id.UserID, err)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many refresh requests")
			return
		}
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode config")
		return
	}
	jobID, err := s.svc.Submit(r.Context(), id.UserID, models.KindNewsRefresh, raw)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Printf("queued refresh %s for %s", jobID, id.Email)

	writeJSON(w, http.StatusAccepted, submitResponse{
		Success:       true,
		Message:       "Refresh job queued successfully",
		JobID:         jobID,
		Status:        "queued",
		EstimatedTime: "30-60 seconds",
		Metadata: submitMetadata{
			UserID:    id.UserID,
			Timestamp: s.now().UTC().Format(time.RFC3339),
			Config:    cfg,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job ID required")
		return
	}
	job, ok := s.ownedJob(w, r, jobID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

// ownedJob loads a job the caller owns. Jobs of other owners are reported
// as missing.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request, jobID string) (models.Job, bool) {
	id, _ := auth.FromContext(r.Context())
	job, err := s.svc.Status(r.Context(), jobID)
	if err != nil {
		s.storeError(w, err)
		return models.Job{}, false
	}
	if job.OwnerID != id.UserID {
		writeError(w, http.StatusNotFound, "Job not found")
		return models.Job{}, false
	}
	return job, true
}

type queueStats struct {
	QueueLength       int64  `json:"queueLength"`
	MaxConcurrentJobs int    `json:"maxConcurrentJobs"`
	Timestamp         string `json:"timestamp"`
	Health            string `json:"health"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": queueStats{
			QueueLength:       stats.PendingCount,
			MaxConcurrentJobs: stats.MaxConcurrency,
			Timestamp:         s.now().UTC().Format(time.RFC3339),
			Health:            s.health(stats.PendingCount),
		},
	})
}

func (s *Server) health(pending int64) string {
	threshold := s.cfg.OverloadThreshold
	if threshold <= 0 {
		threshold = 100
	}
	if pending >= threshold {
		return "overloaded"
	}
	return "healthy"
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if s.prefs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "preferences": models.DefaultPreferences()})
		return
	}
	prefs, err := s.prefs.Preferences(r.Context(), id.UserID)
	if err != nil {
		s.logger.Printf("load preferences for %s: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "preferences": prefs})
}

// handlePutPreferences merges the body into the caller's current
// preferences, so partial updates leave other fields alone.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		writeError(w, http.StatusNotImplemented, "preference storage is not configured")
		return
	}
	id, _ := auth.FromContext(r.Context())
	prefs, err := s.prefs.Preferences(r.Context(), id.UserID)
	if err != nil {
		s.logger.Printf("load preferences for %s: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := prefs.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.prefs.SavePreferences(r.Context(), id.UserID, prefs); err != nil {
		s.logger.Printf("save preferences for %s: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Preferences updated successfully",
		"preferences": prefs,
	})
}

// storeError maps queue errors onto status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, queue.ErrStoreUnavailable):
		s.logger.Printf("store unavailable: %v", err)
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
	case errors.Is(err, queue.ErrInvalidConfig), errors.Is(err, queue.ErrMissingOwner):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Printf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
