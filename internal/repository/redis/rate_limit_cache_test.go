package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vote-service/internal/client"
	"vote-service/internal/config"
	"vote-service/internal/ratelimit"
)

func setupCache(t *testing.T) (*RateLimitCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:      "redis://" + mr.Addr(),
			PoolSize: 10,
		},
	}

	redisClient, err := client.NewRedisClient(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	return NewRateLimitCache(redisClient), mr
}

func TestIncrementCounterSetsWindowOnce(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	count, ttl, err := cache.IncrementCounter(ctx, "rl:origin:example.com", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(30 * time.Second)

	count, ttl, err = cache.IncrementCounter(ctx, "rl:origin:example.com", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.LessOrEqual(t, ttl, 30*time.Second)
}

func TestIncrementCounterResetsAfterWindow(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	_, _, err := cache.IncrementCounter(ctx, "rl:identity:abc", time.Minute)
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	count, _, err := cache.IncrementCounter(ctx, "rl:identity:abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSlidingWindowCountsTrailingWindow(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.nowFn = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		count, remaining, err := cache.SlidingWindow(ctx, "rl:origin:203.0.113.9", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.Greater(t, remaining, time.Duration(0))
		assert.LessOrEqual(t, remaining, time.Minute)
	}

	// All three events fall out of the trailing minute together.
	now = now.Add(61 * time.Second)
	count, _, err := cache.SlidingWindow(ctx, "rl:origin:203.0.113.9", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSlidingWindowPrunesPerEvent(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.nowFn = func() time.Time { return now }

	_, _, err := cache.SlidingWindow(ctx, "rl:origin:k", time.Minute)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	count, _, err := cache.SlidingWindow(ctx, "rl:origin:k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The first event ages out, the second is still inside the window.
	now = now.Add(31 * time.Second)
	count, _, err = cache.SlidingWindow(ctx, "rl:origin:k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSlidingWindowStoreBacksLimiter(t *testing.T) {
	cache, _ := setupCache(t)
	limiter := ratelimit.NewLimiter(NewSlidingWindowStore(cache), ratelimit.Rule{
		Window:      time.Minute,
		MaxAttempts: 2,
	})

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(context.Background(), ratelimit.OriginKey("203.0.113.9"))
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}

	decision, err := limiter.Allow(context.Background(), ratelimit.OriginKey("203.0.113.9"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)
}

func TestResetCounter(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()

	_, _, err := cache.IncrementCounter(ctx, "rl:identity:abc", time.Minute)
	require.NoError(t, err)

	require.NoError(t, cache.ResetCounter(ctx, "rl:identity:abc"))

	count, _, err := cache.IncrementCounter(ctx, "rl:identity:abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
