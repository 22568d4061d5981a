package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
)

func TestOpenMemoryBackend(t *testing.T) {
	rt, err := Open(context.Background(), config.Config{StoreBackend: config.BackendMemory})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Redis != nil || rt.Postgres != nil {
		t.Fatalf("memory backend should not open redis or postgres")
	}
	if _, err := rt.Service.Stats(context.Background()); err != nil {
		t.Fatalf("stats: %v", err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), config.Config{StoreBackend: "etcd"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestOpenRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	start := time.Now()
	_, err = Open(context.Background(), config.Config{StoreBackend: config.BackendRedis, RedisAddr: addr, StartupRetryMax: 300 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected connect error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("retry should give up after StartupRetryMax")
	}
}

// TestPoolRunsRefreshEndToEnd submits through the service, lets the pool
// call a fake workflow webhook and checks the archived result.
func TestPoolRunsRefreshEndToEnd(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"articles":[],"count":0}`))
	}))
	defer hook.Close()

	dir := t.TempDir()
	cfg := config.Config{
		StoreBackend:      config.BackendRedis,
		RedisAddr:         mr.Addr(),
		WorkerConcurrency: 2,
		ClaimTimeout:      time.Second,
		ExecutorTimeout:   5 * time.Second,
		WorkerID:          "e2e",
		WebhookURL:        hook.URL,
		WebhookTimeout:    5 * time.Second,
		ArchiveDir:        dir,
		ArchivePrefix:     "results",
	}
	ctx := context.Background()
	rt, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	pool, err := rt.NewPool(ctx)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pool.Stop()

	id, err := rt.Service.Submit(ctx, "user-1", models.KindNewsRefresh, json.RawMessage(`{"maxResults":3}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var job models.Job
	for time.Now().Before(deadline) {
		job, err = rt.Service.Status(ctx, id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if job.Status.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", job.Status, job.Error)
	}
	if string(job.Result) != `{"articles":[],"count":0}` {
		t.Fatalf("unexpected result %s", job.Result)
	}
	if _, err := os.Stat(filepath.Join(dir, "results", "user-1", id+".json")); err != nil {
		t.Fatalf("expected archived result: %v", err)
	}
}
