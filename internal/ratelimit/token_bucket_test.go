package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, "rl:", capacity, refill, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "client")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "client")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "client")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry-after within a second, got %s", d.RetryAfter)
	}

	if d, _ := bucket.Allow(ctx, "other"); !d.Allowed {
		t.Fatalf("buckets must be per client")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	if d, _ := bucket.Allow(ctx, "client"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "client"); d.Allowed {
		t.Fatalf("expected empty bucket")
	}

	*clock = clock.Add(250 * time.Millisecond)
	d, err := bucket.Allow(ctx, "client")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("half a token is not enough")
	}
	if d.Remaining < 0.49 || d.Remaining > 0.51 {
		t.Fatalf("expected fractional refill preserved, got %v", d.Remaining)
	}

	*clock = clock.Add(250 * time.Millisecond)
	if d, _ := bucket.Allow(ctx, "client"); !d.Allowed {
		t.Fatalf("expected token after refill")
	}
}
