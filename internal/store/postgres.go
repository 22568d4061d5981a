package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsfeed-refresh/internal/models"
)

// Postgres keeps job history and owner preferences. Redis stays the
// authoritative job store; rows here are written after a job is terminal.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordTerminal upserts the history row for a finished job.
func (s *Postgres) RecordTerminal(ctx context.Context, job models.Job) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("record history for %s: status %q is not terminal", job.ID, job.Status)
	}
	cfg := []byte(job.Config)
	if len(cfg) == 0 {
		cfg = []byte(`{}`)
	}
	var result []byte
	if len(job.Result) > 0 {
		result = job.Result
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_history (id, owner_id, kind, status, config, result, error, worker_id, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			worker_id = EXCLUDED.worker_id,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			recorded_at = NOW()
	`, job.ID, job.OwnerID, job.Kind, string(job.Status), cfg, result,
		emptyToNil(job.Error), emptyToNil(job.WorkerID), job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert history %s: %w", job.ID, err)
	}
	return nil
}

// History returns an owner's most recent terminal jobs, newest first.
func (s *Postgres) History(ctx context.Context, ownerID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, kind, status, config, result, error, worker_id, created_at, started_at, completed_at
		FROM job_history WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var (
			job         models.Job
			status      string
			cfg, result []byte
			errText     pgtype.Text
			workerID    pgtype.Text
		)
		if err := rows.Scan(&job.ID, &job.OwnerID, &job.Kind, &status, &cfg, &result, &errText, &workerID,
			&job.CreatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		job.Status = models.Status(status)
		job.Config = json.RawMessage(cfg)
		if len(result) > 0 {
			job.Result = json.RawMessage(result)
		}
		job.Error = errText.String
		job.WorkerID = workerID.String
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Preferences returns the owner's saved preferences, or the defaults when
// nothing has been saved.
func (s *Postgres) Preferences(ctx context.Context, ownerID string) (models.Preferences, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT preferences FROM user_preferences WHERE owner_id = $1`, ownerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultPreferences(), nil
	}
	if err != nil {
		return models.Preferences{}, fmt.Errorf("query preferences: %w", err)
	}
	prefs := models.DefaultPreferences()
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return models.Preferences{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences replaces the owner's preferences.
func (s *Postgres) SavePreferences(ctx context.Context, ownerID string, prefs models.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_preferences (owner_id, preferences, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET preferences = EXCLUDED.preferences, updated_at = NOW()
	`, ownerID, raw)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// Summary counts an owner's recorded jobs by terminal status.
type Summary struct {
	OwnerID   string     `json:"ownerId"`
	Completed int64      `json:"completed"`
	Failed    int64      `json:"failed"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
}

// OwnerSummary aggregates the history table for one owner.
func (s *Postgres) OwnerSummary(ctx context.Context, ownerID string) (Summary, error) {
	sum := Summary{OwnerID: ownerID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			MAX(completed_at)
		FROM job_history WHERE owner_id = $1
	`, ownerID, string(models.StatusCompleted), string(models.StatusFailed)).Scan(&sum.Completed, &sum.Failed, &sum.LastRunAt)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize history: %w", err)
	}
	return sum, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
