package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"checkout-service/internal/bucketing"
	"checkout-service/internal/client"
	"checkout-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	opTimeout       = 5 * time.Second
)

// fixedWindowScript rejects without counting once the window is full, and
// sets the window TTL on the first hit. Returns {allowed, count, pttl}.
var fixedWindowScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {0, current, redis.call('PTTL', KEYS[1])}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current, redis.call('PTTL', KEYS[1])}
`)

type WindowResult struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

type RateLimitCache struct {
	client  *client.RedisClient
	buckets *bucketing.BucketingManager
}

func NewRateLimitCache(client *client.RedisClient, buckets *bucketing.BucketingManager) *RateLimitCache {
	return &RateLimitCache{client: client, buckets: buckets}
}

func (c *RateLimitCache) windowKey(scope, key string, window time.Duration) string {
	return fmt.Sprintf("%s%s:%s:%d", rateLimitPrefix, scope, key, c.buckets.GetTimeBucket(window))
}

// FixedWindow counts one request against scope/key in the current window.
func (c *RateLimitCache) FixedWindow(ctx context.Context, scope, key string, limit int, window time.Duration) (*WindowResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	redisKey := c.windowKey(scope, key, window)
	raw, err := c.client.RunScript(ctx, fixedWindowScript, []string{redisKey}, limit, window.Milliseconds())
	if err != nil {
		util.Error("Failed to execute fixed window rate limit",
			util.String("scope", scope),
			util.Int("limit", limit),
			util.Duration("window", window),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to execute fixed window rate limit: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected result format from fixed window script")
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	pttl, _ := values[2].(int64)

	result := &WindowResult{Allowed: allowed == 1, Count: int(count)}
	if !result.Allowed {
		result.RetryAfter = time.Duration(pttl) * time.Millisecond
		if result.RetryAfter <= 0 {
			result.RetryAfter = c.buckets.WindowRemaining(window)
		}
	}

	util.Debug("Fixed window rate limit check",
		util.String("scope", scope),
		util.Bool("allowed", result.Allowed),
		util.Int("count", result.Count),
		util.Int("limit", limit))

	return result, nil
}
