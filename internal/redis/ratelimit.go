package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindowScript trims the window, and admits n entries only if they
// fit. Returns {allowed, count after}.
//
// KEYS: window zset. ARGV: now (ns), window start (ns), limit, n, ttl (ms).
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '0', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
if count + n > limit then
  return {0, count}
end
for i = 0, n - 1 do
  redis.call('ZADD', KEYS[1], ARGV[1] + i, ARGV[1] .. '-' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count + n}
`)

// RateLimiter is a Redis sorted-set sliding window, used to cap location
// pings per user.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit. The check
// and the insert run in one script so concurrent callers cannot overshoot.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)
	ttl := r.config.Window + time.Second

	res, err := slidingWindowScript.Run(ctx, r.client.rdb,
		[]string{fmt.Sprintf("ratelimit:%s", key)},
		now.UnixNano(), windowStart.UnixNano(), r.config.Limit, n, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script: %w", err)
	}

	allowed := res[0] == 1
	count := int(res[1])
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   resetAt,
	}, nil
}
