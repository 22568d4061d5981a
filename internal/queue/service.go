package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"newsfeed-refresh/internal/models"
	"newsfeed-refresh/internal/telemetry"
)

const (
	defaultMaxConcurrency = 10
	defaultRetention      = 24 * time.Hour
)

var (
	// ErrInvalidConfig is returned by Submit for configs that are not JSON.
	ErrInvalidConfig = errors.New("queue: config must be valid JSON")
	// ErrMissingOwner is returned by Submit without an owner id.
	ErrMissingOwner = errors.New("queue: owner id is required")
)

// Service is the only writer of new job records and the read side for callers.
type Service struct {
	store          Store
	maxConcurrency int
	retention      time.Duration
	now            func() time.Time
	newID          func(time.Time) string
	logger         Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMaxConcurrency sets the worker bound reported by Stats.
func WithMaxConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithRetention sets how long terminal jobs are kept before Cleanup deletes them.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the job id generator.
func WithIDGenerator(fn func(time.Time) string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLogger sets the logger used for maintenance messages.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService builds a service on top of st.
func NewService(st Store, opts ...Option) *Service {
	s := &Service{
		store:          st,
		maxConcurrency: defaultMaxConcurrency,
		retention:      defaultRetention,
		now:            time.Now,
		newID:          newJobID,
		logger:         log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newJobID combines the submission time with a random UUID.
func newJobID(now time.Time) string {
	return fmt.Sprintf("job_%d_%s", now.UnixMilli(), uuid.NewString())
}

// Submit queues a job and returns its id without waiting for execution.
func (s *Service) Submit(ctx context.Context, ownerID, kind string, cfg json.RawMessage) (string, error) {
	if ownerID == "" {
		return "", ErrMissingOwner
	}
	if kind == "" {
		kind = models.KindNewsRefresh
	}
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	if !json.Valid(cfg) {
		return "", ErrInvalidConfig
	}

	now := s.now()
	job := models.Job{
		ID:        s.newID(now),
		OwnerID:   ownerID,
		Kind:      kind,
		Config:    cfg,
		Status:    models.StatusPending,
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", err
	}
	telemetry.JobsSubmitted.Inc()
	return job.ID, nil
}

// Status returns the current record, ErrNotFound, or a store error.
func (s *Service) Status(ctx context.Context, id string) (models.Job, error) {
	if id == "" {
		return models.Job{}, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// Stats reports the pending list length and the configured worker bound.
func (s *Service) Stats(ctx context.Context) (models.QueueStats, error) {
	n, err := s.store.PendingCount(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	telemetry.QueueDepthGauge.Set(float64(n))
	return models.QueueStats{PendingCount: n, MaxConcurrency: s.maxConcurrency}, nil
}

// Cleanup deletes terminal jobs that completed before the retention window.
// Pending and processing jobs are never deleted, however old.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	var expired []string
	err := s.store.Scan(ctx, func(job models.Job) error {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			expired = append(expired, job.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range expired {
		if err := s.store.Delete(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	telemetry.JobsCleaned.Add(float64(deleted))
	return deleted, nil
}

// ReapStale fails jobs that have been processing for longer than ceiling.
// Those belong to workers that died mid-job; live workers finish well before
// the ceiling because executor calls run under a shorter deadline.
func (s *Service) ReapStale(ctx context.Context, ceiling time.Duration) (int, error) {
	if ceiling <= 0 {
		return 0, nil
	}
	now := s.now()
	cutoff := now.Add(-ceiling)
	var stale []string
	err := s.store.Scan(ctx, func(job models.Job) error {
		if job.Status == models.StatusProcessing && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			stale = append(stale, job.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	msg := fmt.Sprintf("processing exceeded %s without completing", ceiling)
	reaped := 0
	for _, id := range stale {
		err := s.store.MarkFailed(ctx, id, msg, now)
		switch {
		case err == nil:
			reaped++
			s.logger.Printf("reaped stale job %s", id)
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
			// finished or cleaned up after the scan
		default:
			return reaped, err
		}
	}
	telemetry.JobsFailed.Add(float64(reaped))
	return reaped, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
