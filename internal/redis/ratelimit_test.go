package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := &Client{rdb: rdb, logger: zap.NewNop()}
	return NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: limit, Window: window}), mr
}

func TestRateLimiter_QuotaCountsDown(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		result, err := limiter.Allow(ctx, "acme")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request with %d slots left was rejected", want+1)
		}
		if result.Remaining != want {
			t.Errorf("remaining = %d, want %d", result.Remaining, want)
		}
	}

	result, err := limiter.Allow(ctx, "acme")
	if err != nil {
		t.Fatalf("allow past quota: %v", err)
	}
	if result.Allowed {
		t.Fatal("request past the quota was accepted")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining past quota = %d, want 0", result.Remaining)
	}
}

func TestRateLimiter_TenantsAreIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "acme")
	limiter.Allow(ctx, "acme")

	result, err := limiter.Allow(ctx, "globex")
	if err != nil {
		t.Fatalf("allow other tenant: %v", err)
	}
	if !result.Allowed {
		t.Fatal("one tenant exhausting its quota blocked another")
	}
	if result.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", result.Remaining)
	}
}

func TestRateLimiter_BatchIsAllOrNothing(t *testing.T) {
	limiter, _ := newTestLimiter(t, 8, time.Minute)
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "acme", 6)
	if err != nil {
		t.Fatalf("allow batch: %v", err)
	}
	if !result.Allowed || result.Remaining != 2 {
		t.Fatalf("batch of 6: allowed=%v remaining=%d, want true/2", result.Allowed, result.Remaining)
	}

	// Three more would cross the limit; a rejected batch must not
	// consume anything.
	result, err = limiter.AllowN(ctx, "acme", 3)
	if err != nil {
		t.Fatalf("allow overfull batch: %v", err)
	}
	if result.Allowed {
		t.Fatal("batch crossing the quota was accepted")
	}

	for i := 0; i < 2; i++ {
		result, err = limiter.Allow(ctx, "acme")
		if err != nil {
			t.Fatalf("allow after rejection: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("slot %d vanished after a rejected batch", i+1)
		}
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1, 30*time.Second)
	ctx := context.Background()

	if result, _ := limiter.Allow(ctx, "acme"); !result.Allowed {
		t.Fatal("first request rejected")
	}
	if result, _ := limiter.Allow(ctx, "acme"); result.Allowed {
		t.Fatal("second request inside the window accepted")
	}

	// Redis-side expiry clears the set once the window has fully passed.
	mr.FastForward(31 * time.Second)

	result, err := limiter.Allow(ctx, "acme")
	if err != nil {
		t.Fatalf("allow after window: %v", err)
	}
	if !result.Allowed {
		t.Fatal("quota did not recover after the window passed")
	}
}
