package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vote-service/internal/config"
	"vote-service/internal/delivery"
	"vote-service/internal/encryption"
	"vote-service/internal/fraud"
	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/ratelimit"
	"vote-service/internal/repository"
	"vote-service/internal/security"
	"vote-service/internal/util"
)

// ChallengeService drives the OTP lifecycle: issue, verify, expire. A
// successful verify consumes the challenge and hands off to the vote ledger
// in the same call, so a verified challenge without a vote can only mean a
// crash between the two writes.
type ChallengeService struct {
	challenges      repository.ChallengeRepository
	votes           *VoteService
	identityLimiter *ratelimit.Limiter
	originLimiter   *ratelimit.Limiter
	fraudEngine     *fraud.Engine
	encryptor       *encryption.Manager
	hasher          *hashing.Hasher
	sender          delivery.Sender
	events          security.EventSink
	otpCfg          config.OTPConfig
	nowFn           func() time.Time
}

func NewChallengeService(
	challenges repository.ChallengeRepository,
	votes *VoteService,
	identityLimiter *ratelimit.Limiter,
	originLimiter *ratelimit.Limiter,
	fraudEngine *fraud.Engine,
	encryptor *encryption.Manager,
	hasher *hashing.Hasher,
	sender delivery.Sender,
	events security.EventSink,
	otpCfg config.OTPConfig,
) *ChallengeService {
	return &ChallengeService{
		challenges:      challenges,
		votes:           votes,
		identityLimiter: identityLimiter,
		originLimiter:   originLimiter,
		fraudEngine:     fraudEngine,
		encryptor:       encryptor,
		hasher:          hasher,
		sender:          sender,
		events:          events,
		otpCfg:          otpCfg,
		nowFn:           time.Now,
	}
}

// ChallengeRequest is one vote-intent request from the web layer.
type ChallengeRequest struct {
	Method          identity.ContactMethod
	Contact         string
	ProjectID       string
	Origin          string
	ClientSignature string
}

// RequestChallenge validates, throttles, screens, and finally issues a new
// OTP challenge, handing the code to the delivery collaborator. A reported
// delivery failure rolls the challenge back so no one is left with a code
// they never received.
func (s *ChallengeService) RequestChallenge(ctx context.Context, req ChallengeRequest) error {
	ident, err := identity.Normalize(req.Method, req.Contact)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	dedupKey := s.hasher.DedupHash(ident.Value)

	voted, err := s.votes.HasVoted(ctx, req.ProjectID, ident)
	if err != nil {
		return fmt.Errorf("failed to check existing vote: %w", err)
	}
	if voted {
		return ErrAlreadyVoted
	}

	now := s.nowFn().UTC()
	if err := s.rejectOutstanding(ctx, dedupKey, req.ProjectID, now); err != nil {
		return err
	}

	originCount, err := s.applyLimits(ctx, dedupKey, req.Origin)
	if err != nil {
		return err
	}

	assessment := s.fraudEngine.Assess(ctx, fraud.Input{
		IdentityHash:       dedupKey,
		Origin:             req.Origin,
		ClientSignature:    req.ClientSignature,
		OriginRequestCount: originCount,
	})
	if assessment.Suspicious {
		return ErrRequestDenied
	}

	code, err := generateCode(s.otpCfg.CodeLength)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return fmt.Errorf("failed to hash code: %w", err)
	}
	contactEncrypted, err := s.encryptor.Encrypt(ident.Value)
	if err != nil {
		return fmt.Errorf("failed to encrypt contact: %w", err)
	}

	challenge := &models.OTPChallenge{
		ChallengeID:      uuid.New().String(),
		DedupKey:         dedupKey,
		ProjectID:        req.ProjectID,
		ContactMethod:    ident.Method,
		ContactEncrypted: contactEncrypted,
		CodeHash:         codeHash,
		Status:           models.ChallengeIssued,
		AttemptCount:     0,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.otpCfg.TTL),
		Origin:           req.Origin,
		ClientSignature:  req.ClientSignature,
	}

	if err := s.challenges.Create(ctx, challenge); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost a race with a concurrent request for the same pair.
			return s.outstandingError(ctx, dedupKey, req.ProjectID, now)
		}
		return fmt.Errorf("failed to persist challenge: %w", err)
	}

	if err := s.sender.Send(ctx, ident, code, req.ProjectID); err != nil {
		util.Error("Code delivery failed, rolling challenge back",
			zap.String("project_id", req.ProjectID),
			zap.Error(err))
		if delErr := s.challenges.Delete(ctx, dedupKey, req.ProjectID); delErr != nil {
			util.Error("Failed to roll back undelivered challenge",
				zap.String("project_id", req.ProjectID),
				zap.Error(delErr))
		}
		return ErrDeliveryFailed
	}

	util.Info("Challenge issued",
		zap.String("project_id", req.ProjectID),
		zap.String("challenge_id", challenge.ChallengeID))
	return nil
}

// rejectOutstanding refuses when a live challenge already exists for the
// pair, and clears terminal or expired leftovers so a fresh insert can land.
func (s *ChallengeService) rejectOutstanding(ctx context.Context, dedupKey, projectID string, now time.Time) error {
	existing, err := s.challenges.Get(ctx, dedupKey, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load existing challenge: %w", err)
	}

	if !existing.Terminal() && !existing.ExpiredAt(now) {
		return &ChallengeOutstandingError{TTL: existing.ExpiresAt.Sub(now)}
	}

	if err := s.challenges.Delete(ctx, dedupKey, projectID); err != nil {
		return fmt.Errorf("failed to clear stale challenge: %w", err)
	}
	return nil
}

func (s *ChallengeService) outstandingError(ctx context.Context, dedupKey, projectID string, now time.Time) error {
	existing, err := s.challenges.Get(ctx, dedupKey, projectID)
	if err == nil && existing.Status == models.ChallengeIssued {
		return &ChallengeOutstandingError{TTL: existing.ExpiresAt.Sub(now)}
	}
	return &ChallengeOutstandingError{TTL: s.otpCfg.TTL}
}

// applyLimits runs both throttle windows. The identity window is a hard
// limit with a stated delay; the origin window only feeds the velocity
// heuristic, so abusive origins get the opaque denial instead of a
// tunable retry hint. Store failures admit the request and are recorded.
func (s *ChallengeService) applyLimits(ctx context.Context, dedupKey, origin string) (int64, error) {
	identityDecision, limErr := s.identityLimiter.Allow(ctx, ratelimit.IdentityKey(dedupKey))
	if identityDecision.FailedOpen {
		s.recordStoreFailure(ctx, dedupKey, origin, limErr)
	} else if !identityDecision.Allowed {
		return 0, &RateLimitedError{RetryAfter: identityDecision.RetryAfter}
	}

	originDecision, limErr := s.originLimiter.Allow(ctx, ratelimit.OriginKey(origin))
	if originDecision.FailedOpen {
		s.recordStoreFailure(ctx, dedupKey, origin, limErr)
		return 0, nil
	}
	return originDecision.Count, nil
}

func (s *ChallengeService) recordStoreFailure(ctx context.Context, dedupKey, origin string, cause error) {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	s.events.Record(ctx, models.SecurityEvent{
		Timestamp:    s.nowFn().UTC(),
		Kind:         models.EventRateLimitStoreError,
		IdentityHash: dedupKey,
		Origin:       origin,
		Reason:       "rate_limit_store_unavailable",
		Details:      details,
	})
}

// VerifyChallenge checks a submitted code against the outstanding challenge.
// On success the challenge transitions to verified exactly once and a vote
// is cast; the returned string is the vote id.
func (s *ChallengeService) VerifyChallenge(ctx context.Context, req ChallengeRequest, code string) (string, error) {
	ident, err := identity.Normalize(req.Method, req.Contact)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	dedupKey := s.hasher.DedupHash(ident.Value)
	now := s.nowFn().UTC()

	challenge, err := s.challenges.Get(ctx, dedupKey, req.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrChallengeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load challenge: %w", err)
	}

	switch challenge.Status {
	case models.ChallengeVerified:
		return "", ErrAlreadyConsumed
	case models.ChallengeExpired:
		return "", ErrChallengeExpired
	case models.ChallengeExhausted:
		return "", ErrTooManyAttempts
	}

	if challenge.ExpiredAt(now) {
		s.transition(ctx, dedupKey, req.ProjectID, models.ChallengeExpired)
		return "", ErrChallengeExpired
	}
	if challenge.AttemptCount >= s.otpCfg.MaxAttempts {
		s.transition(ctx, dedupKey, req.ProjectID, models.ChallengeExhausted)
		return "", ErrTooManyAttempts
	}

	matched, err := s.hasher.VerifyCode(code, challenge.CodeHash)
	if err != nil {
		return "", fmt.Errorf("failed to verify code: %w", err)
	}
	if !matched {
		if err := s.challenges.IncrementAttempt(ctx, dedupKey, req.ProjectID); err != nil {
			util.Error("Failed to record failed attempt",
				zap.String("project_id", req.ProjectID),
				zap.Error(err))
		}
		if challenge.AttemptCount+1 >= s.otpCfg.MaxAttempts {
			s.transition(ctx, dedupKey, req.ProjectID, models.ChallengeExhausted)
		}
		return "", ErrInvalidCode
	}

	// The conditional update is the arbiter: of N concurrent correct
	// verifies, exactly one applies the issued -> verified transition.
	err = s.challenges.UpdateStatus(ctx, dedupKey, req.ProjectID, models.ChallengeIssued, models.ChallengeVerified)
	if errors.Is(err, repository.ErrConflict) {
		return "", s.lostVerifyRace(ctx, dedupKey, req.ProjectID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume challenge: %w", err)
	}

	voteID, err := s.votes.CastVote(ctx, req.ProjectID, ident, OriginMeta{
		Origin:          challenge.Origin,
		ClientSignature: challenge.ClientSignature,
	})
	if errors.Is(err, ErrDuplicateVote) {
		return "", ErrAlreadyVoted
	}
	if err != nil {
		return "", fmt.Errorf("verified challenge failed to produce a vote: %w", err)
	}
	return voteID, nil
}

func (s *ChallengeService) lostVerifyRace(ctx context.Context, dedupKey, projectID string) error {
	current, err := s.challenges.Get(ctx, dedupKey, projectID)
	if err != nil {
		return ErrAlreadyConsumed
	}
	switch current.Status {
	case models.ChallengeExpired:
		return ErrChallengeExpired
	case models.ChallengeExhausted:
		return ErrTooManyAttempts
	default:
		return ErrAlreadyConsumed
	}
}

func (s *ChallengeService) transition(ctx context.Context, dedupKey, projectID string, to models.ChallengeStatus) {
	err := s.challenges.UpdateStatus(ctx, dedupKey, projectID, models.ChallengeIssued, to)
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		util.Error("Failed to transition challenge",
			zap.String("project_id", projectID),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

// SweepExpired garbage-collects challenges whose expiry passed more than the
// retention window ago.
func (s *ChallengeService) SweepExpired(ctx context.Context) (int, error) {
	cutoff := s.nowFn().UTC().Add(-s.otpCfg.RetentionWindow)
	deleted, err := s.challenges.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiry sweep failed: %w", err)
	}
	if deleted > 0 {
		util.Info("Expired challenges swept", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// StartSweeper runs SweepExpired on a fixed interval until the context is
// cancelled.
func (s *ChallengeService) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.otpCfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					util.Error("Challenge sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// generateCode draws a uniformly random numeric code of the given length
// from crypto/rand, preserving leading zeros.
func generateCode(length int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < length; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
