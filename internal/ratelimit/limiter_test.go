package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUpToMax(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, Rule{Window: time.Minute, MaxAttempts: 3})

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(context.Background(), "origin:example.com")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.False(t, decision.FailedOpen)
	}

	decision, err := limiter.Allow(context.Background(), "origin:example.com")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, Rule{Window: time.Minute, MaxAttempts: 1})

	first, err := limiter.Allow(context.Background(), IdentityKey("abc"))
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	blocked, err := limiter.Allow(context.Background(), IdentityKey("abc"))
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	other, err := limiter.Allow(context.Background(), IdentityKey("def"))
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestLimiterWindowExpiryResets(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }

	limiter := NewLimiter(store, Rule{Window: 2 * time.Minute, MaxAttempts: 1})

	decision, err := limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	now = now.Add(2*time.Minute + time.Second)

	decision, err = limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Count)
}

type failingStore struct{}

func (failingStore) IncrementCounter(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	limiter := NewLimiter(failingStore{}, Rule{Window: time.Minute, MaxAttempts: 1})

	decision, err := limiter.Allow(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.FailedOpen)
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }

	_, _, err := store.IncrementCounter(context.Background(), "old", time.Minute)
	require.NoError(t, err)
	_, _, err = store.IncrementCounter(context.Background(), "fresh", time.Hour)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	removed := store.Sweep()
	assert.Equal(t, 1, removed)

	count, _, err := store.IncrementCounter(context.Background(), "fresh", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMemoryStoreSweeperEvictsInBackground(t *testing.T) {
	store := NewMemoryStore()

	_, _, err := store.IncrementCounter(context.Background(), "short-lived", time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.StartSweeper(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.counters) == 0
	}, time.Second, 5*time.Millisecond)
}
