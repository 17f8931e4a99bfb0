package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	Limit  int           // maximum calls in any window
	Window time.Duration // sliding window length
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the oldest call leaves the window. Zero
	// when Allowed.
	RetryAfter time.Duration
}

// slidingWindow trims, counts and conditionally adds in one round trip so
// concurrent callers cannot overshoot the limit. Times are milliseconds so
// Lua formats them without rounding.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, count, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return {1, count + 1, 0}
`)

// RateLimiter is a sliding-window limiter shared by every replica using the
// same Redis.
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

// Allow records one call under key if the window has room.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now().UnixMilli()
	window := r.config.Window.Milliseconds()

	res, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{"ratelimit:" + key},
		now, window, r.config.Limit, uuid.NewString(), window+1000,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis rate limit script returned %d values", len(res))
	}

	result := &RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: max(0, r.config.Limit-int(res[1])),
	}
	if !result.Allowed {
		result.RetryAfter = time.Duration(res[2]) * time.Millisecond
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
			zap.Duration("retry_after", result.RetryAfter),
		)
	}

	return result, nil
}

// Reserve takes one call from the budget under key. It satisfies the
// meetings call budget used to keep all workers under the provider quota.
func (r *RateLimiter) Reserve(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := r.Allow(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed, res.RetryAfter, nil
}
