package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vote-service/internal/client"
	"vote-service/internal/util"
)

// RateLimitCache is the Redis-backed counter store behind the rate limiter
// when multiple server instances must share throttle state.
type RateLimitCache struct {
	client *client.RedisClient
	nowFn  func() time.Time
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client, nowFn: time.Now}
}

// IncrementCounter bumps the window counter for a key, setting the window
// TTL on first touch, and returns the new count plus the remaining window.
func (c *RateLimitCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		return count, window, nil
	}
	return count, ttl, nil
}

// SlidingWindow records one event and returns how many fall inside the
// trailing window, atomically in a Lua script: prune entries older than the
// window, add the new one, count. The second return is the time until the
// oldest event leaves the window, which is when the count next decreases.
func (c *RateLimitCache) SlidingWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := c.nowFn()
	nowSec := float64(now.UnixNano()) / float64(time.Second)
	windowStart := nowSec - window.Seconds()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	luaScript := `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local member = ARGV[3]
		local ttl = tonumber(ARGV[4])

		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
		redis.call('ZADD', key, now, member)
		redis.call('EXPIRE', key, ttl)
		local count = redis.call('ZCARD', key)
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {count, oldest[2]}
	`

	result, err := c.client.Eval(ctx, luaScript, []string{key},
		nowSec, windowStart, member, int(window.Seconds())+1)
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return 0, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	count, ok := resultSlice[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected count type from sliding window script")
	}
	oldestScore, ok := resultSlice[1].(string)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected score type from sliding window script")
	}
	oldest, err := strconv.ParseFloat(oldestScore, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid score from sliding window script: %w", err)
	}

	remaining := time.Duration((oldest-windowStart)*float64(time.Second)) + time.Nanosecond
	if remaining > window {
		remaining = window
	}
	return count, remaining, nil
}

// ResetCounter clears a key, used by operators after a false positive.
func (c *RateLimitCache) ResetCounter(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}

// SlidingWindowStore exposes the sliding window through the limiter's
// counter contract. Used for origin windows, where the velocity heuristic
// cares about the trailing minute rather than fixed-window edges.
type SlidingWindowStore struct {
	cache *RateLimitCache
}

func NewSlidingWindowStore(cache *RateLimitCache) *SlidingWindowStore {
	return &SlidingWindowStore{cache: cache}
}

func (s *SlidingWindowStore) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return s.cache.SlidingWindow(ctx, key, window)
}
