package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
	"newsfeed-refresh/internal/worker"
)

type failingUploader struct{ calls int }

func (f *failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	f.calls++
	return "", errors.New("bucket gone")
}

func TestArchivingWritesLocalFile(t *testing.T) {
	dir := t.TempDir()
	up, err := NewUploader(context.Background(), config.Config{ArchiveDir: dir})
	if err != nil {
		t.Fatalf("uploader: %v", err)
	}
	inner := worker.ExecutorFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"count":2}`), nil
	})
	exec := Archiving(inner, up, "results")

	job := models.Job{ID: "job_42", OwnerID: "user-7"}
	res, err := exec.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res) != `{"count":2}` {
		t.Fatalf("result changed: %s", res)
	}
	data, err := os.ReadFile(filepath.Join(dir, "results", "user-7", "job_42.json"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(data) != `{"count":2}` {
		t.Fatalf("unexpected archive content %s", data)
	}
}

func TestArchivingUploadFailureKeepsResult(t *testing.T) {
	up := &failingUploader{}
	inner := worker.ExecutorFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	exec := Archiving(inner, up, "results")
	exec.(*archivingExecutor).logger = log.New(io.Discard, "", 0)

	res, err := exec.Execute(context.Background(), models.Job{ID: "j", OwnerID: "o"})
	if err != nil {
		t.Fatalf("upload failure should not fail the job: %v", err)
	}
	if string(res) != `{"ok":true}` || up.calls != 1 {
		t.Fatalf("unexpected result %s calls=%d", res, up.calls)
	}
}

func TestArchivingSkipsFailedJobs(t *testing.T) {
	up := &failingUploader{}
	inner := worker.ExecutorFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		return nil, errors.New("provider down")
	})
	if _, err := Archiving(inner, up, "results").Execute(context.Background(), models.Job{ID: "j"}); err == nil {
		t.Fatalf("expected executor error to pass through")
	}
	if up.calls != 0 {
		t.Fatalf("failed jobs should not be archived")
	}
}

func TestArchivingDisabled(t *testing.T) {
	up, err := NewUploader(context.Background(), config.Config{})
	if err != nil || up != nil {
		t.Fatalf("expected no uploader, got %v %v", up, err)
	}
	inner := worker.ExecutorFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		return nil, nil
	})
	if _, ok := Archiving(inner, nil, "results").(worker.ExecutorFunc); !ok {
		t.Fatalf("expected the inner executor back")
	}
}

func TestArchiveKeySanitizes(t *testing.T) {
	key := ArchiveKey("results", models.Job{ID: "../x", OwnerID: "a/b"})
	if key != "results/a_b/__x.json" {
		t.Fatalf("unexpected key %q", key)
	}
	if got := ArchiveKey("results", models.Job{ID: "j"}); got != "results/unknown/j.json" {
		t.Fatalf("unexpected key %q", got)
	}
}
