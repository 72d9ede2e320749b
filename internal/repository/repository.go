package repository

import (
	"context"
	"errors"
	"time"

	"vote-service/internal/models"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write loses: the unique
	// constraint already holds, or the expected state was not current.
	// The storage layer is the arbiter of truth for these races.
	ErrConflict = errors.New("conditional write conflict")
)

// ChallengeRepository persists OTP challenges keyed (dedup_key, project_id).
type ChallengeRepository interface {
	// Create inserts a challenge if and only if no row exists for its
	// (dedup_key, project_id); otherwise ErrConflict.
	Create(ctx context.Context, challenge *models.OTPChallenge) error
	Get(ctx context.Context, dedupKey, projectID string) (*models.OTPChallenge, error)
	IncrementAttempt(ctx context.Context, dedupKey, projectID string) error
	// UpdateStatus transitions status from -> to atomically; ErrConflict
	// when the stored status is no longer `from` (someone else won).
	UpdateStatus(ctx context.Context, dedupKey, projectID string, from, to models.ChallengeStatus) error
	Delete(ctx context.Context, dedupKey, projectID string) error
	// DeleteExpired removes non-terminal rows whose expiry passed before
	// the cutoff, returning how many were deleted.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// VoteRepository persists accepted ballots keyed (project_id, dedup_key).
type VoteRepository interface {
	// Insert records a vote if and only if no vote exists for its
	// (project_id, dedup_key); otherwise ErrConflict.
	Insert(ctx context.Context, vote *models.Vote) error
	Exists(ctx context.Context, projectID, dedupKey string) (bool, error)
	Delete(ctx context.Context, projectID, dedupKey string) error
	CountByProject(ctx context.Context, projectID string) (int64, error)
	// ScanAll streams every vote in pages of at most batchSize. The
	// callback runs once per page; returning an error stops the scan.
	// Context cancellation is honored between pages.
	ScanAll(ctx context.Context, batchSize int, fn func(batch []*models.Vote) error) error
}

// TallyRepository maintains the denormalized per-project counters.
type TallyRepository interface {
	Increment(ctx context.Context, projectID string, delta int64) error
	Get(ctx context.Context, projectID string) (int64, error)
}
