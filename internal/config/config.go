package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds shared runtime configuration for the API, worker and CLI binaries.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	StoreBackend   string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	PostgresDSN    string

	WorkerConcurrency int
	WorkerID          string
	EmbeddedWorkers   bool
	ClaimTimeout      time.Duration
	ExecutorTimeout   time.Duration
	IdleBackoff       time.Duration
	ProcessingCeiling time.Duration
	JobRetention      time.Duration
	CleanupInterval   time.Duration

	PollInterval      time.Duration
	OverloadThreshold int64
	MaxPendingJobs    int64
	RateLimitCapacity int
	RateLimitRefill   float64
	JWTSecret         string

	WebhookURL     string
	WebhookAPIKey  string
	WebhookTimeout time.Duration

	ArchiveDir         string
	ArchivePrefix      string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3PathStyle bool

	StartupRetryMax time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendRedis)),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", ""),
		PostgresDSN:    getEnv("POSTGRES_DSN", ""),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		WorkerID:          getEnv("WORKER_ID", ""),
		EmbeddedWorkers:   getEnvBool("EMBEDDED_WORKERS", true),
		ClaimTimeout:      getEnvDuration("CLAIM_TIMEOUT", 5*time.Second),
		ExecutorTimeout:   getEnvDuration("EXECUTOR_TIMEOUT", 2*time.Minute),
		IdleBackoff:       getEnvDuration("IDLE_BACKOFF", time.Second),
		ProcessingCeiling: getEnvDuration("PROCESSING_CEILING", 5*time.Minute),
		JobRetention:      getEnvDuration("JOB_RETENTION", 24*time.Hour),
		CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL", time.Hour),

		PollInterval:      getEnvDuration("POLL_INTERVAL", 2*time.Second),
		OverloadThreshold: int64(getEnvInt("OVERLOAD_THRESHOLD", 100)),
		MaxPendingJobs:    int64(getEnvInt("MAX_PENDING_JOBS", 0)),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.2),
		JWTSecret:         getEnv("JWT_SECRET", "your-secret-key"),

		WebhookURL:     getEnv("N8N_WEBHOOK_URL", ""),
		WebhookAPIKey:  getEnv("N8N_API_KEY", ""),
		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 90*time.Second),

		ArchiveDir:         getEnv("ARCHIVE_DIR", ""),
		ArchivePrefix:      getEnv("ARCHIVE_PREFIX", "results"),
		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3PathStyle: getEnvBool("ARCHIVE_S3_PATH_STYLE", false),

		StartupRetryMax: getEnvDuration("STARTUP_RETRY_MAX", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
