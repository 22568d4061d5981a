package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// KindNewsRefresh is the only job kind the feed currently produces.
const KindNewsRefresh = "news_refresh"

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one unit of background work. Result is set only when completed and
// Error only when failed.
type Job struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Kind        string          `json:"kind"`
	Config      json.RawMessage `json:"config"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
}

// QueueStats is the health snapshot reported by the queue service.
type QueueStats struct {
	PendingCount   int64 `json:"pendingCount"`
	MaxConcurrency int   `json:"maxConcurrency"`
}
