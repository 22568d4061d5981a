package worker

import (
	"context"
	"encoding/json"

	"newsfeed-refresh/internal/models"
)

// Executor runs the pipeline for one job and returns its result payload.
// Implementations must honor ctx cancellation; the pool attaches a deadline.
type Executor interface {
	Execute(ctx context.Context, job models.Job) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Recorder receives every job that reached a terminal state.
type Recorder interface {
	RecordTerminal(ctx context.Context, job models.Job) error
}
