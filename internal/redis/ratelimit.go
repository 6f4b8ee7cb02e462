package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig is the per-tenant send quota: at most Limit accepted
// requests in any sliding Window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult reports one quota decision. Remaining counts the
// requests still available in the current window; ResetAt is when the
// oldest in-window request ages out.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces the send quota with a sliding window over a
// Redis sorted set, one set per tenant, scored by request time. The
// gateway checks it before accepting a send so a noisy tenant cannot
// starve the enqueue path for everyone else.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, logger: logger, config: config}
}

// Allow asks for one request slot for the tenant.
func (r *RateLimiter) Allow(ctx context.Context, tenant string) (*RateLimitResult, error) {
	return r.AllowN(ctx, tenant, 1)
}

// AllowN asks for n slots at once. A batch is all-or-nothing: if n
// slots would cross the limit, none are consumed.
func (r *RateLimiter) AllowN(ctx context.Context, tenant string, n int) (*RateLimitResult, error) {
	now := time.Now()
	key := "courier:quota:" + tenant
	cutoff := strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10)

	// Trim aged-out entries and count what is left in one round trip.
	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	inWindow := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit window trim for %s: %w", tenant, err)
	}

	used := int(inWindow.Val())
	resetAt := now.Add(r.config.Window)

	if used+n > r.config.Limit {
		r.logger.Debug("tenant over send quota",
			zap.String("tenant", tenant),
			zap.Int("in_window", used),
			zap.Int("requested", n),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Limit:     r.config.Limit,
			Remaining: max(0, r.config.Limit-used),
			ResetAt:   resetAt,
		}, nil
	}

	entries := make([]redis.Z, n)
	for i := range entries {
		entries[i] = redis.Z{
			Score:  float64(now.UnixNano() + int64(i)),
			Member: fmt.Sprintf("%d:%d", now.UnixNano(), i),
		}
	}

	record := r.client.rdb.Pipeline()
	record.ZAdd(ctx, key, entries...)
	record.Expire(ctx, key, r.config.Window+time.Second)
	if _, err := record.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit record for %s: %w", tenant, err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.Limit,
		Remaining: r.config.Limit - used - n,
		ResetAt:   resetAt,
	}, nil
}
