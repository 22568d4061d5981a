package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"newsfeed-refresh/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("queue: job not found")
	// ErrInvalidTransition is returned when a status change does not start
	// from the expected state. The record is left untouched.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrStoreUnavailable wraps every transport failure of the backing store.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrDuplicateJob is returned by Create when a record with the id exists.
	ErrDuplicateJob = errors.New("queue: job already exists")
)

// Store is the durable record + pending list the service and workers share.
type Store interface {
	// Create writes the record and appends its id to the pending list in one
	// atomic step. On error neither happened. An existing id is rejected
	// with ErrDuplicateJob.
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	// Claim destructively pops the oldest pending id, blocking up to timeout.
	// It returns "" with a nil error when the timeout elapses.
	Claim(ctx context.Context, timeout time.Duration) (string, error)
	// Requeue puts a claimed id back at the head of the pending list so it is
	// the next one claimed.
	Requeue(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id, workerID string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	MarkFailed(ctx context.Context, id, message string, at time.Time) error
	PendingCount(ctx context.Context) (int64, error)
	// Scan calls fn for every stored job. Iteration stops at the first error fn returns.
	Scan(ctx context.Context, fn func(models.Job) error) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// completedResult normalizes a missing result so completed jobs always carry one.
func completedResult(result json.RawMessage) json.RawMessage {
	if len(result) == 0 || string(result) == "null" {
		return json.RawMessage(`{}`)
	}
	return result
}
