package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"newsfeed-refresh/internal/auth"
	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
)

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return config.Config{
		StoreBackend:      config.BackendRedis,
		RedisAddr:         mr.Addr(),
		WorkerConcurrency: 3,
		JobRetention:      time.Hour,
		JWTSecret:         "cli-secret",
	}
}

func TestSubmitStatusStats(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, SubmitCmd(cfg), "--owner", "u1", "--config", `{"maxResults":7}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := strings.TrimSpace(out)
	if !strings.HasPrefix(id, "job_") {
		t.Fatalf("expected job id, got %q", out)
	}

	out, err = run(t, StatusCmd(cfg), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if job.Status != models.StatusPending || job.OwnerID != "u1" {
		t.Fatalf("unexpected job %+v", job)
	}
	cfgOut, _ := models.DecodeRefreshConfig(job.Config)
	if cfgOut.MaxResults != 7 {
		t.Fatalf("expected stored config, got %s", job.Config)
	}

	out, err = run(t, StatsCmd(cfg))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats models.QueueStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.PendingCount != 1 || stats.MaxConcurrency != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	cfg := testConfig(t)
	if _, err := run(t, SubmitCmd(cfg)); err == nil {
		t.Fatalf("expected error without --owner")
	}
	if _, err := run(t, SubmitCmd(cfg), "--owner", "u1", "--config", `{"maxResults":500}`); err == nil {
		t.Fatalf("expected error for invalid config")
	}
}

func TestCleanupAndReapOnEmptyQueue(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, CleanupCmd(cfg))
	if err != nil || !strings.Contains(out, "deleted 0 jobs") {
		t.Fatalf("cleanup: %q %v", out, err)
	}
	out, err = run(t, ReapCmd(cfg), "--ceiling", "1m")
	if err != nil || !strings.Contains(out, "reaped 0 jobs") {
		t.Fatalf("reap: %q %v", out, err)
	}
}

func TestHistoryNeedsPostgres(t *testing.T) {
	cfg := testConfig(t)
	if _, err := run(t, HistoryCmd(cfg), "--owner", "u1"); err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("expected postgres error, got %v", err)
	}
}

func TestTokenIsAccepted(t *testing.T) {
	cfg := config.Config{JWTSecret: "cli-secret"}
	out, err := run(t, TokenCmd(cfg), "--user", "u1", "--email", "u1@example.com")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	id, err := auth.NewVerifier("cli-secret").Verify(strings.TrimSpace(out))
	if err != nil || id.UserID != "u1" {
		t.Fatalf("minted token rejected: %+v %v", id, err)
	}
}
