package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vote-service/internal/util"
)

// IdentityKey and OriginKey namespace counters so one identity hammering
// requests never collides with an origin-level window.
func IdentityKey(dedupKey string) string {
	return "rl:identity:" + dedupKey
}

func OriginKey(origin string) string {
	return "rl:origin:" + origin
}

// Rule describes one fixed-window limit.
type Rule struct {
	Window      time.Duration
	MaxAttempts int64
}

// Decision is the outcome of a limit check. FailedOpen means the backing
// store was unreachable and the request was admitted anyway; callers should
// record a security event when they see it.
type Decision struct {
	Allowed    bool
	FailedOpen bool
	Count      int64
	RetryAfter time.Duration
}

// CounterStore increments a windowed counter and reports the new count plus
// the remaining window. Implementations set the window TTL on first touch.
type CounterStore interface {
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Limiter applies a Rule against a CounterStore. Throttling is advisory
// protection for the request path; it must never take the service down with
// it, so store failures admit the request and surface in the Decision.
type Limiter struct {
	store CounterStore
	rule  Rule
}

func NewLimiter(store CounterStore, rule Rule) *Limiter {
	return &Limiter{store: store, rule: rule}
}

func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	count, remaining, err := l.store.IncrementCounter(ctx, key, l.rule.Window)
	if err != nil {
		util.Error("Rate limit store unavailable, admitting request",
			zap.String("key", key),
			zap.Error(err))
		return Decision{Allowed: true, FailedOpen: true}, err
	}

	if count > l.rule.MaxAttempts {
		retryAfter := remaining
		if retryAfter <= 0 {
			retryAfter = l.rule.Window
		}
		return Decision{Allowed: false, Count: count, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Count: count}, nil
}

// MemoryStore is the single-instance CounterStore. Windows are tracked per
// key with their expiry; expired windows reset on the next increment.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	nowFn    func() time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		nowFn:    time.Now,
	}
}

func (s *MemoryStore) IncrementCounter(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	counter, ok := s.counters[key]
	if !ok || !counter.expiresAt.After(now) {
		counter = &memoryCounter{expiresAt: now.Add(window)}
		s.counters[key] = counter
	}
	counter.count++
	return counter.count, counter.expiresAt.Sub(now), nil
}

// Sweep drops expired windows so long-lived processes do not accumulate
// counters for every identity ever seen.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	removed := 0
	for key, counter := range s.counters {
		if !counter.expiresAt.After(now) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on a fixed interval until the context is
// cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
