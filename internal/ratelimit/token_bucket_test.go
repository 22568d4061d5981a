package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewTokenBucket(client, "test:", capacity, refill).WithClock(func() time.Time { return now })
	return b, mr, &now
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "user-1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d.Remaining != 1 {
		t.Fatalf("expected 1 token remaining, got %v", d.Remaining)
	}
	if d, _ = bucket.Allow(ctx, "user-1"); !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "user-1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected 1s retry-after, got %s", d.RetryAfter)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, _, now := newBucket(t, 1, 0.5)

	if d, _ := bucket.Allow(ctx, "user-1"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	d, _ := bucket.Allow(ctx, "user-1")
	if d.Allowed || d.RetryAfter != 2*time.Second {
		t.Fatalf("expected rejection with 2s retry-after, got %+v", d)
	}

	*now = now.Add(2 * time.Second)
	if d, _ := bucket.Allow(ctx, "user-1"); !d.Allowed {
		t.Fatalf("expected token after refill, got %+v", d)
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, mr, _ := newBucket(t, 1, 1)

	if d, _ := bucket.Allow(ctx, "a"); !d.Allowed {
		t.Fatalf("expected a allowed")
	}
	if d, _ := bucket.Allow(ctx, "b"); !d.Allowed {
		t.Fatalf("expected b allowed")
	}
	if !mr.Exists("test:rl:a") || !mr.Exists("test:rl:b") {
		t.Fatalf("expected per-key buckets, got %v", mr.Keys())
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	bucket, _, _ := newBucket(t, 0, 1)
	for i := 0; i < 5; i++ {
		if d, err := bucket.Allow(context.Background(), "x"); err != nil || !d.Allowed {
			t.Fatalf("zero capacity should disable limiting: %+v %v", d, err)
		}
	}
}
