package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"newsfeed-refresh/internal/models"
)

// MemoryStore is an in-process Store for single-process development and
// tests. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	pending []string
	wake    chan struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]models.Job),
		wake: make(chan struct{}, 1),
	}
}

func (s *MemoryStore) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Create stores the job and appends its id to the pending list.
func (s *MemoryStore) Create(_ context.Context, job models.Job) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	s.pending = append(s.pending, job.ID)
	s.mu.Unlock()
	s.signal()
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	if len(s.pending) > 0 {
		// pass the wake-up on so another blocked claimer sees the remainder
		s.signal()
	}
	return id, true
}

// Claim pops the oldest pending id, waiting up to timeout for one to arrive.
func (s *MemoryStore) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	if id, ok := s.pop(); ok || timeout <= 0 {
		return id, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.wake:
			if id, ok := s.pop(); ok {
				return id, nil
			}
		case <-timer.C:
			id, _ := s.pop()
			return id, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Requeue puts id back at the front of the pending list.
func (s *MemoryStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	s.pending = append([]string{id}, s.pending...)
	s.mu.Unlock()
	s.signal()
	return nil
}

// MarkProcessing moves a pending job to processing.
func (s *MemoryStore) MarkProcessing(_ context.Context, id, workerID string, at time.Time) error {
	return s.transition(id, models.StatusPending, func(job *models.Job) {
		job.Status = models.StatusProcessing
		started := at
		job.StartedAt = &started
		job.WorkerID = workerID
	})
}

// MarkCompleted records the result of a processing job.
func (s *MemoryStore) MarkCompleted(_ context.Context, id string, result json.RawMessage, at time.Time) error {
	return s.transition(id, models.StatusProcessing, func(job *models.Job) {
		job.Status = models.StatusCompleted
		completed := at
		job.CompletedAt = &completed
		job.Result = append(json.RawMessage(nil), completedResult(result)...)
	})
}

// MarkFailed records the failure of a processing job.
func (s *MemoryStore) MarkFailed(_ context.Context, id, message string, at time.Time) error {
	return s.transition(id, models.StatusProcessing, func(job *models.Job) {
		job.Status = models.StatusFailed
		completed := at
		job.CompletedAt = &completed
		job.Error = message
	})
}

func (s *MemoryStore) transition(id string, from models.Status, apply func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, id, job.Status, from)
	}
	apply(&job)
	s.jobs[id] = job
	return nil
}

// PendingCount returns the number of unclaimed ids.
func (s *MemoryStore) PendingCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

// Scan iterates over a snapshot so fn may call back into the store.
func (s *MemoryStore) Scan(_ context.Context, fn func(models.Job) error) error {
	s.mu.Lock()
	snapshot := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot = append(snapshot, cloneJob(job))
	}
	s.mu.Unlock()

	for _, job := range snapshot {
		if err := fn(job); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the record. Unknown ids are ignored.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneJob(job models.Job) models.Job {
	out := job
	out.Config = append(json.RawMessage(nil), job.Config...)
	if job.Result != nil {
		out.Result = append(json.RawMessage(nil), job.Result...)
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
