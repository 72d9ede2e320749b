package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vote-service/internal/config"
	"vote-service/internal/encryption"
	"vote-service/internal/fraud"
	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/ratelimit"
	"vote-service/internal/repository/memory"
	"vote-service/internal/security"
)

const (
	testContact   = "+2348012345678"
	testProject   = "P1"
	testOrigin    = "203.0.113.9"
	testSignature = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Gecko/20100101"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureSender struct {
	mu       sync.Mutex
	lastCode string
	sent     int
	failErr  error
}

func (s *captureSender) Send(_ context.Context, _ identity.Identity, code, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.lastCode = code
	s.sent++
	return nil
}

func (s *captureSender) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

type testEnv struct {
	clock      *fakeClock
	challenges *memory.ChallengeStore
	voteStore  *memory.VoteStore
	tallies    *memory.TallyStore
	sender     *captureSender
	sink       *security.MemorySink
	votes      *VoteService
	service    *ChallengeService
}

type envOption func(*envSettings)

type envSettings struct {
	identityRule ratelimit.Rule
	counterStore ratelimit.CounterStore
	otp          config.OTPConfig
}

func withIdentityRule(rule ratelimit.Rule) envOption {
	return func(s *envSettings) { s.identityRule = rule }
}

func withCounterStore(store ratelimit.CounterStore) envOption {
	return func(s *envSettings) { s.counterStore = store }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	settings := &envSettings{
		// Generous by default so individual tests opt in to throttling.
		identityRule: ratelimit.Rule{Window: time.Minute, MaxAttempts: 1000},
		counterStore: ratelimit.NewMemoryStore(),
		otp: config.OTPConfig{
			TTL:             5 * time.Minute,
			MaxAttempts:     3,
			CodeLength:      6,
			RetentionWindow: 24 * time.Hour,
			SweepInterval:   10 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(settings)
	}

	hasher, err := hashing.NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			DedupSaltHex:      strings.Repeat("ab", 16),
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
	require.NoError(t, err)

	encryptor, err := encryption.NewManagerWithKey(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	clock := newFakeClock()
	sink := security.NewMemorySink()
	sender := &captureSender{}

	challenges := memory.NewChallengeStore()
	voteStore := memory.NewVoteStore()
	tallies := memory.NewTallyStore()

	votes := NewVoteService(voteStore, tallies, encryptor, hasher, sink)
	votes.nowFn = clock.now

	fraudCfg := config.FraudConfig{MinSignatureLength: 20, OriginVelocityThreshold: 10}
	engine := fraud.NewEngine(fraud.NewDenylist(), fraudCfg, sink)

	svc := NewChallengeService(
		challenges,
		votes,
		ratelimit.NewLimiter(settings.counterStore, settings.identityRule),
		ratelimit.NewLimiter(settings.counterStore, ratelimit.Rule{Window: time.Minute, MaxAttempts: 1000}),
		engine,
		encryptor,
		hasher,
		sender,
		sink,
		settings.otp,
	)
	svc.nowFn = clock.now

	return &testEnv{
		clock:      clock,
		challenges: challenges,
		voteStore:  voteStore,
		tallies:    tallies,
		sender:     sender,
		sink:       sink,
		votes:      votes,
		service:    svc,
	}
}

func (e *testEnv) request() ChallengeRequest {
	return ChallengeRequest{
		Method:          identity.MethodPhone,
		Contact:         testContact,
		ProjectID:       testProject,
		Origin:          testOrigin,
		ClientSignature: testSignature,
	}
}

func TestRequestVerifyVoteFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	code := env.sender.code()
	require.Len(t, code, 6)

	_, err := env.service.VerifyChallenge(ctx, env.request(), "000000")
	if code == "000000" {
		t.Skip("random code collided with the deliberate wrong guess")
	}
	assert.ErrorIs(t, err, ErrInvalidCode)

	voteID, err := env.service.VerifyChallenge(ctx, env.request(), code)
	require.NoError(t, err)
	assert.NotEmpty(t, voteID)

	tally, err := env.votes.Tally(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally)

	err = env.service.RequestChallenge(ctx, env.request())
	assert.ErrorIs(t, err, ErrAlreadyVoted)
}

func TestRequestRejectsMalformedContact(t *testing.T) {
	env := newTestEnv(t)

	req := env.request()
	req.Contact = "not-a-phone"
	err := env.service.RequestChallenge(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRequestWhileChallengeOutstanding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))

	err := env.service.RequestChallenge(ctx, env.request())
	var outstanding *ChallengeOutstandingError
	require.ErrorAs(t, err, &outstanding)
	assert.Greater(t, outstanding.TTL, time.Duration(0))
	assert.LessOrEqual(t, outstanding.TTL, 5*time.Minute)
	assert.Equal(t, 1, env.sender.sent)
}

func TestRequestAfterExpiryReplacesChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	firstCode := env.sender.code()

	env.clock.advance(5*time.Minute + time.Second)

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	assert.Equal(t, 2, env.sender.sent)

	// The stale challenge is gone; only the fresh code works.
	_, err := env.service.VerifyChallenge(ctx, env.request(), firstCode)
	if firstCode != env.sender.code() {
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	code := env.sender.code()

	env.clock.advance(5*time.Minute + time.Second)

	_, err := env.service.VerifyChallenge(ctx, env.request(), code)
	assert.ErrorIs(t, err, ErrChallengeExpired)

	// Terminal state is sticky.
	_, err = env.service.VerifyChallenge(ctx, env.request(), code)
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestVerifyJustBeforeExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	code := env.sender.code()

	env.clock.advance(5*time.Minute - time.Second)

	voteID, err := env.service.VerifyChallenge(ctx, env.request(), code)
	require.NoError(t, err)
	assert.NotEmpty(t, voteID)
}

func TestAttemptCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	code := env.sender.code()
	wrong := "000000"
	if code == wrong {
		wrong = "999999"
	}

	for i := 0; i < 3; i++ {
		_, err := env.service.VerifyChallenge(ctx, env.request(), wrong)
		assert.ErrorIs(t, err, ErrInvalidCode, "attempt %d", i+1)
	}

	// Correct code no longer helps once the cap is hit.
	_, err := env.service.VerifyChallenge(ctx, env.request(), code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	tally, err := env.votes.Tally(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally)
}

func TestVerifyWithoutChallenge(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.VerifyChallenge(context.Background(), env.request(), "482913")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestConcurrentVerifyProducesOneVote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	code := env.sender.code()

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.VerifyChallenge(ctx, env.request(), code)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, losers int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyConsumed), errors.Is(err, ErrAlreadyVoted):
			losers++
		default:
			t.Fatalf("unexpected error from concurrent verify: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, losers)

	count, err := env.voteStore.CountByProject(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	tally, err := env.votes.Tally(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally)
}

func TestVerifyConsumedChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	code := env.sender.code()

	_, err := env.service.VerifyChallenge(ctx, env.request(), code)
	require.NoError(t, err)

	_, err = env.service.VerifyChallenge(ctx, env.request(), code)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	tally, err := env.votes.Tally(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally)
}

func TestDeliveryFailureRollsBackChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.sender.failErr = errors.New("smtp unreachable")
	err := env.service.RequestChallenge(ctx, env.request())
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// Nothing left behind: the next request issues a fresh challenge.
	env.sender.failErr = nil
	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	assert.Equal(t, 1, env.sender.sent)
}

func TestIdentityRateLimit(t *testing.T) {
	env := newTestEnv(t, withIdentityRule(ratelimit.Rule{Window: 2 * time.Minute, MaxAttempts: 1}))
	ctx := context.Background()

	env.sender.failErr = errors.New("smtp unreachable")
	err := env.service.RequestChallenge(ctx, env.request())
	require.ErrorIs(t, err, ErrDeliveryFailed)

	// The rolled-back challenge freed the pair, but the identity window
	// still counts the first attempt.
	env.sender.failErr = nil
	err = env.service.RequestChallenge(ctx, env.request())
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
}

func TestFraudDenialIsOpaque(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.request()
	req.ClientSignature = "curl/8.0"
	err := env.service.RequestChallenge(ctx, req)
	assert.ErrorIs(t, err, ErrRequestDenied)
	assert.NotContains(t, err.Error(), "signature")

	events := env.sink.EventsOfKind(models.EventSuspiciousRequest)
	require.Len(t, events, 1)
	assert.Equal(t, testOrigin, events[0].Origin)

	// No challenge was persisted and nothing was sent.
	assert.Equal(t, 0, env.sender.sent)
	_, err = env.service.VerifyChallenge(ctx, env.request(), "482913")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

type brokenCounterStore struct{}

func (brokenCounterStore) IncrementCounter(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestRateLimitStoreFailureAdmitsAndRecords(t *testing.T) {
	env := newTestEnv(t, withCounterStore(brokenCounterStore{}))
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))
	assert.Equal(t, 1, env.sender.sent)

	events := env.sink.EventsOfKind(models.EventRateLimitStoreError)
	assert.NotEmpty(t, events)
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.RequestChallenge(ctx, env.request()))

	// Inside the retention window nothing is collected.
	env.clock.advance(6 * time.Minute)
	deleted, err := env.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	env.clock.advance(24 * time.Hour)
	deleted, err = env.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
