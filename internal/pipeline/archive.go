package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
	"newsfeed-refresh/internal/worker"
)

// Uploader stores an object under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewUploader picks S3 when a bucket is configured, then a local directory.
// It returns nil when archiving is disabled.
func NewUploader(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	}
	if cfg.ArchiveDir != "" {
		return &localUploader{baseDir: cfg.ArchiveDir}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
	}), nil
}

// archivingExecutor copies every successful result to an Uploader.
type archivingExecutor struct {
	next     worker.Executor
	uploader Uploader
	prefix   string
	logger   *log.Logger
}

// Archiving wraps next so completed results are also written to
// <prefix>/<ownerId>/<jobId>.json. A failed upload is logged and does not
// fail the job. A nil uploader returns next unchanged.
func Archiving(next worker.Executor, uploader Uploader, prefix string) worker.Executor {
	if uploader == nil {
		return next
	}
	return &archivingExecutor{next: next, uploader: uploader, prefix: prefix, logger: log.Default()}
}

func (a *archivingExecutor) Execute(ctx context.Context, job models.Job) (json.RawMessage, error) {
	result, err := a.next.Execute(ctx, job)
	if err != nil {
		return nil, err
	}
	key := ArchiveKey(a.prefix, job)
	if _, err := a.uploader.Upload(ctx, key, result, "application/json"); err != nil {
		a.logger.Printf("archive result of %s: %v", job.ID, err)
	}
	return result, nil
}

// ArchiveKey is the object key a job's result is archived under.
func ArchiveKey(prefix string, job models.Job) string {
	owner := sanitizeSegment(job.OwnerID)
	if owner == "" {
		owner = "unknown"
	}
	return path.Join(prefix, owner, sanitizeSegment(job.ID)+".json")
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
