package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vote-service/internal/encryption"
	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/repository"
	"vote-service/internal/security"
	"vote-service/internal/util"
)

// VoteService is the vote ledger. It owns the one-vote-per-identity rule for
// each project and the denormalized tallies, and it is the only writer of
// both.
type VoteService struct {
	votes       repository.VoteRepository
	tallies     repository.TallyRepository
	encryptor   *encryption.Manager
	hasher      *hashing.Hasher
	events      security.EventSink
	tallyFlight singleflight.Group
	nowFn       func() time.Time
}

func NewVoteService(
	votes repository.VoteRepository,
	tallies repository.TallyRepository,
	encryptor *encryption.Manager,
	hasher *hashing.Hasher,
	events security.EventSink,
) *VoteService {
	return &VoteService{
		votes:     votes,
		tallies:   tallies,
		encryptor: encryptor,
		hasher:    hasher,
		events:    events,
		nowFn:     time.Now,
	}
}

// OriginMeta is the request metadata retained on a vote for later audit.
type OriginMeta struct {
	Origin          string
	ClientSignature string
}

// CastVote records one ballot for a verified identity. The conditional
// insert is the uniqueness check; a lost race or an out-of-band duplicate
// both surface as ErrDuplicateVote. The tally increment runs after the vote
// is durable, and a failed increment leaves a stale tally for Reconcile to
// repair rather than rolling the vote back.
func (s *VoteService) CastVote(ctx context.Context, projectID string, ident identity.Identity, meta OriginMeta) (string, error) {
	dedupKey := s.hasher.DedupHash(ident.Value)

	contactEncrypted, err := s.encryptor.Encrypt(ident.Value)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt contact for vote: %w", err)
	}

	vote := &models.Vote{
		VoteID:           uuid.New().String(),
		ProjectID:        projectID,
		DedupKey:         dedupKey,
		ContactMethod:    ident.Method,
		ContactEncrypted: contactEncrypted,
		Origin:           meta.Origin,
		ClientSignature:  meta.ClientSignature,
		CastAt:           s.nowFn().UTC(),
	}

	if err := s.votes.Insert(ctx, vote); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return "", ErrDuplicateVote
		}
		return "", fmt.Errorf("failed to persist vote: %w", err)
	}

	if err := s.tallies.Increment(ctx, projectID, 1); err != nil {
		util.Error("Tally increment failed after vote persisted, tally is stale until reconcile",
			zap.String("project_id", projectID),
			zap.Error(err))
		s.events.Record(ctx, models.SecurityEvent{
			Timestamp: s.nowFn().UTC(),
			Kind:      models.EventTallyIncrementError,
			Origin:    meta.Origin,
			Reason:    "tally_increment_failed",
			Details:   fmt.Sprintf("project=%s", projectID),
		})
	}

	util.Info("Vote recorded",
		zap.String("project_id", projectID),
		zap.String("vote_id", vote.VoteID))
	return vote.VoteID, nil
}

// HasVoted reports whether a ballot already exists for this identity and
// project. Used by the challenge flow to short-circuit before issuing codes.
func (s *VoteService) HasVoted(ctx context.Context, projectID string, ident identity.Identity) (bool, error) {
	dedupKey := s.hasher.DedupHash(ident.Value)
	return s.votes.Exists(ctx, projectID, dedupKey)
}

// Tally returns the denormalized counter for a project. Concurrent reads of
// the same project during a contest collapse into a single store round trip.
func (s *VoteService) Tally(ctx context.Context, projectID string) (int64, error) {
	count, err, _ := s.tallyFlight.Do(projectID, func() (interface{}, error) {
		return s.tallies.Get(ctx, projectID)
	})
	if err != nil {
		return 0, err
	}
	return count.(int64), nil
}

// Reconcile recomputes the tally from the live vote rows and corrects the
// stored counter by the observed difference. It is the only sanctioned way
// to change a tally outside CastVote, and repeated runs on an already
// consistent project change nothing.
func (s *VoteService) Reconcile(ctx context.Context, projectID string) (int64, error) {
	liveCount, err := s.votes.CountByProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes for reconcile: %w", err)
	}

	stored, err := s.tallies.Get(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to read tally for reconcile: %w", err)
	}

	delta := liveCount - stored
	if delta != 0 {
		if err := s.tallies.Increment(ctx, projectID, delta); err != nil {
			return 0, fmt.Errorf("failed to correct tally: %w", err)
		}
		util.Info("Tally reconciled",
			zap.String("project_id", projectID),
			zap.Int64("stored", stored),
			zap.Int64("live", liveCount))
	}
	return liveCount, nil
}
