// Package app wires configuration into the stores, services and workers the
// binaries share.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
	"newsfeed-refresh/internal/pipeline"
	"newsfeed-refresh/internal/queue"
	"newsfeed-refresh/internal/store"
	"newsfeed-refresh/internal/worker"
)

// Runtime holds the long-lived dependencies of a process.
type Runtime struct {
	Cfg      config.Config
	Store    queue.Store
	Service  *queue.Service
	Redis    *redis.Client   // nil with the memory backend
	Postgres *store.Postgres // nil without POSTGRES_DSN
}

// Open connects the configured backends, retrying the first ping with
// exponential backoff for up to cfg.StartupRetryMax.
func Open(ctx context.Context, cfg config.Config) (*Runtime, error) {
	rt := &Runtime{Cfg: cfg}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Printf("using in-memory job store; jobs are lost on restart")
		rt.Store = queue.NewMemoryStore()
	case config.BackendRedis, "":
		rt.Redis = queue.NewRedisClient(cfg)
		rt.Store = queue.NewRedisStore(rt.Redis, cfg.RedisKeyPrefix)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	if err := retry(ctx, cfg.StartupRetryMax, "redis", func() error { return rt.Store.Ping(ctx) }); err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.PostgresDSN != "" {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Postgres = pg
		if err := retry(ctx, cfg.StartupRetryMax, "postgres", func() error { return pg.Ping(ctx) }); err != nil {
			rt.Close()
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	rt.Service = queue.NewService(rt.Store,
		queue.WithMaxConcurrency(cfg.WorkerConcurrency),
		queue.WithRetention(cfg.JobRetention),
	)
	return rt, nil
}

func retry(ctx context.Context, max time.Duration, what string, fn func() error) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if max > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxInterval = 5 * time.Second
		exp.MaxElapsedTime = max
		b = exp
	}
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err != nil && attempt > 1 {
			log.Printf("waiting for %s (attempt %d): %v", what, attempt, err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("connect %s: %w", what, err)
	}
	return nil
}

// NewPool builds a worker pool with the refresh executor registered. Results
// are archived when ARCHIVE_DIR or ARCHIVE_S3_BUCKET is set, and terminal
// jobs are written to Postgres when it is configured.
func (rt *Runtime) NewPool(ctx context.Context) (*worker.Pool, error) {
	opts := worker.OptionsFromConfig(rt.Cfg)

	var prefs pipeline.PreferenceSource
	if rt.Postgres != nil {
		prefs = rt.Postgres
		opts.Recorder = rt.Postgres
	}

	uploader, err := pipeline.NewUploader(ctx, rt.Cfg)
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	exec := pipeline.Archiving(pipeline.NewWebhookExecutor(rt.Cfg, prefs), uploader, rt.Cfg.ArchivePrefix)

	pool := worker.NewPool(rt.Store, opts)
	pool.RegisterExecutor(models.KindNewsRefresh, exec)
	return pool, nil
}

// NewJanitor builds the retention and stale-job sweeper.
func (rt *Runtime) NewJanitor() *queue.Janitor {
	return queue.NewJanitor(rt.Service, rt.Cfg.CleanupInterval, rt.Cfg.ProcessingCeiling)
}

func (rt *Runtime) Close() {
	if rt.Postgres != nil {
		rt.Postgres.Close()
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
}
