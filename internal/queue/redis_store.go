package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
	"newsfeed-refresh/internal/telemetry"
)

// RedisStore keeps one hash per job (job:<id>) and the pending list (job_queue).
// Ids are pushed on the left and popped on the right, so the list is FIFO.
type RedisStore struct {
	client     *redis.Client
	jobPrefix  string
	pendingKey string
	logger     Logger
}

// NewRedisClient builds the client shared by the store and the rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisStore wraps an existing client. keyPrefix namespaces every key.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:     client,
		jobPrefix:  keyPrefix + "job:",
		pendingKey: keyPrefix + "job_queue",
		logger:     log.Default(),
	}
}

// SetLogger replaces the logger used for unreadable records.
func (s *RedisStore) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *RedisStore) jobKey(id string) string {
	return s.jobPrefix + id
}

// Create stores the record and queues the id inside one MULTI/EXEC. The
// record key is watched so an existing id is never overwritten or queued twice.
func (s *RedisStore) Create(ctx context.Context, job models.Job) error {
	key := s.jobKey(job.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateJob
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeJob(job))
			pipe.LPush(ctx, s.pendingKey, job.ID)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateJob), errors.Is(err, redis.TxFailedErr):
		// TxFailedErr: another writer created the key while we watched it
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	default:
		return unavailable("create job", err)
	}
}

// Get reads the full record.
func (s *RedisStore) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, unavailable("get job", err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrNotFound
	}
	return decodeJob(fields)
}

// Claim pops the oldest pending id with BRPOP.
func (s *RedisStore) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		id, err := s.client.RPop(ctx, s.pendingKey).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if err != nil {
			return "", unavailable("claim job", err)
		}
		return id, nil
	}
	res, err := s.client.BRPop(ctx, timeout, s.pendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", unavailable("claim job", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply: %v", res)
	}
	return res[1], nil
}

// Requeue pushes id onto the right end of the list, where BRPOP takes from.
func (s *RedisStore) Requeue(ctx context.Context, id string) error {
	if err := s.client.RPush(ctx, s.pendingKey, id).Err(); err != nil {
		return unavailable("requeue job", err)
	}
	return nil
}

// MarkProcessing moves a pending job to processing.
func (s *RedisStore) MarkProcessing(ctx context.Context, id, workerID string, at time.Time) error {
	return s.transition(ctx, id, models.StatusProcessing, models.StatusPending,
		"startedAt", formatTime(at),
		"workerId", workerID,
	)
}

// MarkCompleted records the result of a processing job.
func (s *RedisStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	return s.transition(ctx, id, models.StatusCompleted, models.StatusProcessing,
		"completedAt", formatTime(at),
		"result", string(completedResult(result)),
	)
}

// MarkFailed records the failure of a processing job.
func (s *RedisStore) MarkFailed(ctx context.Context, id, message string, at time.Time) error {
	return s.transition(ctx, id, models.StatusFailed, models.StatusProcessing,
		"completedAt", formatTime(at),
		"error", message,
	)
}

func (s *RedisStore) transition(ctx context.Context, id string, to, from models.Status, fields ...string) error {
	args := make([]any, 0, len(fields)+3)
	args = append(args, string(from), "status", string(to))
	for _, f := range fields {
		args = append(args, f)
	}
	res, err := transitionScript.Run(ctx, s.client, []string{s.jobKey(id)}, args...).Int()
	if err != nil {
		return unavailable("transition job", err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, id, to)
	}
}

// PendingCount returns the pending list length.
func (s *RedisStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, s.pendingKey).Result()
	if err != nil {
		return 0, unavailable("pending count", err)
	}
	return n, nil
}

// Scan walks job hashes with SCAN so large keyspaces do not block Redis.
func (s *RedisStore) Scan(ctx context.Context, fn func(models.Job) error) error {
	iter := s.client.Scan(ctx, 0, s.jobPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return unavailable("scan jobs", err)
		}
		if len(fields) == 0 {
			continue // deleted since SCAN returned it
		}
		job, err := decodeJob(fields)
		if err != nil {
			telemetry.UnreadableRecords.Inc()
			s.logger.Printf("skipping unreadable job record %s: %v", iter.Val(), err)
			continue
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("scan jobs", err)
	}
	return nil
}

// Delete removes the job record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.jobKey(id)).Err(); err != nil {
		return unavailable("delete job", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func encodeJob(job models.Job) map[string]any {
	cfg := job.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	fields := map[string]any{
		"id":        job.ID,
		"ownerId":   job.OwnerID,
		"kind":      job.Kind,
		"config":    string(cfg),
		"status":    string(job.Status),
		"createdAt": formatTime(job.CreatedAt),
	}
	if job.StartedAt != nil {
		fields["startedAt"] = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		fields["completedAt"] = formatTime(*job.CompletedAt)
	}
	if len(job.Result) > 0 {
		fields["result"] = string(job.Result)
	}
	if job.Error != "" {
		fields["error"] = job.Error
	}
	if job.WorkerID != "" {
		fields["workerId"] = job.WorkerID
	}
	return fields
}

func decodeJob(fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:       fields["id"],
		OwnerID:  fields["ownerId"],
		Kind:     fields["kind"],
		Status:   models.Status(fields["status"]),
		Error:    fields["error"],
		WorkerID: fields["workerId"],
	}
	if job.ID == "" {
		return models.Job{}, errors.New("job record missing id")
	}
	if v := fields["config"]; v != "" {
		job.Config = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	created, err := parseTime(fields["createdAt"])
	if err != nil {
		return models.Job{}, fmt.Errorf("job %s createdAt: %w", job.ID, err)
	}
	job.CreatedAt = created
	if v := fields["startedAt"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("job %s startedAt: %w", job.ID, err)
		}
		job.StartedAt = &t
	}
	if v := fields["completedAt"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("job %s completedAt: %w", job.ID, err)
		}
		job.CompletedAt = &t
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

// transitionScript sets status=ARGV[3] plus the trailing field pairs only if
// the current status equals ARGV[1]. Returns 1 on success, 0 on a status
// mismatch and -1 when the record does not exist.
var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then return -1 end
if current ~= ARGV[1] then return 0 end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)
