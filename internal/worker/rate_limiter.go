package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript increments the current window counter and reports whether
// the caller is within the limit. The key carries the window in its name so
// expiry is just a TTL.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], 2)
end
if current > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

// RateLimiter is a cluster-wide fixed-window dispatch limiter. All replicas
// share the same window counters, so the limit holds across the fleet.
type RateLimiter struct {
	redis *redis.Client
	name  string
	limit int
}

// NewRateLimiter caps dispatches to limit per second for the named consumer.
func NewRateLimiter(rdb *redis.Client, name string, limit int) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	return &RateLimiter{redis: rdb, name: name, limit: limit}
}

// Allow reports whether one dispatch fits in the current window.
func (r *RateLimiter) Allow(ctx context.Context) (bool, error) {
	key := fmt.Sprintf("nurture:rate:%s:%d", r.name, time.Now().Unix())
	allowed, err := rateLimitScript.Run(ctx, r.redis, []string{key}, r.limit).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return allowed == 1, nil
}

// Wait blocks until a dispatch slot is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		allowed, err := r.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
