package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/repository"
	"vote-service/internal/util"
)

// ChallengeRepository is the ScyllaDB implementation of
// repository.ChallengeRepository. Uniqueness and status transitions ride on
// lightweight transactions so concurrent callers race at the storage layer,
// not in application locks.
type ChallengeRepository struct {
	client *ScyllaClient
}

func NewChallengeRepository(client *ScyllaClient) *ChallengeRepository {
	return &ChallengeRepository{client: client}
}

func (r *ChallengeRepository) Create(ctx context.Context, challenge *models.OTPChallenge) error {
	query := r.client.Prepared.CreateChallenge.WithContext(ctx).Bind(
		challenge.DedupKey,
		challenge.ProjectID,
		challenge.ChallengeID,
		string(challenge.ContactMethod),
		challenge.ContactEncrypted,
		challenge.CodeHash.Hash,
		challenge.CodeHash.Salt,
		challenge.CodeHash.PepperVersion,
		challenge.CodeHash.Algorithm,
		string(challenge.Status),
		challenge.AttemptCount,
		challenge.IssuedAt,
		challenge.ExpiresAt,
		challenge.Origin,
		challenge.ClientSignature,
	)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to insert challenge",
			zap.String("project_id", challenge.ProjectID),
			zap.Error(err))
		return fmt.Errorf("failed to insert challenge: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

func (r *ChallengeRepository) Get(ctx context.Context, dedupKey, projectID string) (*models.OTPChallenge, error) {
	var (
		challenge models.OTPChallenge
		method    string
		status    string
		codeHash  hashing.CodeHash
	)

	query := r.client.Prepared.GetChallenge.WithContext(ctx).Bind(dedupKey, projectID)
	err := r.client.ScanWithRetry(query,
		&challenge.DedupKey,
		&challenge.ProjectID,
		&challenge.ChallengeID,
		&method,
		&challenge.ContactEncrypted,
		&codeHash.Hash,
		&codeHash.Salt,
		&codeHash.PepperVersion,
		&codeHash.Algorithm,
		&status,
		&challenge.AttemptCount,
		&challenge.IssuedAt,
		&challenge.ExpiresAt,
		&challenge.Origin,
		&challenge.ClientSignature,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	challenge.ContactMethod = identity.ContactMethod(method)
	challenge.Status = models.ChallengeStatus(status)
	challenge.CodeHash = &codeHash
	return &challenge, nil
}

// IncrementAttempt bumps attempt_count with a compare-and-set loop so two
// concurrent verifications never collapse into a single counted attempt.
func (r *ChallengeRepository) IncrementAttempt(ctx context.Context, dedupKey, projectID string) error {
	for i := 0; i < 3; i++ {
		var current int
		readQuery := r.client.Query(
			`SELECT attempt_count FROM otp_challenges WHERE dedup_key = ? AND project_id = ?`,
			dedupKey, projectID,
		).WithContext(ctx)
		if err := readQuery.Scan(&current); err != nil {
			if err == gocql.ErrNotFound {
				return repository.ErrNotFound
			}
			return fmt.Errorf("failed to read attempt count: %w", err)
		}

		query := r.client.Prepared.IncrementAttempt.WithContext(ctx).Bind(
			current+1, dedupKey, projectID, current)
		applied, err := query.MapScanCAS(map[string]interface{}{})
		if err != nil {
			return fmt.Errorf("failed to increment attempt count: %w", err)
		}
		if applied {
			return nil
		}
	}
	return repository.ErrConflict
}

func (r *ChallengeRepository) UpdateStatus(ctx context.Context, dedupKey, projectID string, from, to models.ChallengeStatus) error {
	query := r.client.Prepared.UpdateStatus.WithContext(ctx).Bind(
		string(to), dedupKey, projectID, string(from))

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to update challenge status",
			zap.String("project_id", projectID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
		return fmt.Errorf("failed to update challenge status: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

func (r *ChallengeRepository) Delete(ctx context.Context, dedupKey, projectID string) error {
	query := r.client.Prepared.DeleteChallenge.WithContext(ctx).Bind(dedupKey, projectID)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// DeleteExpired walks the table and removes rows past the retention cutoff.
// The sweep runs on a background cadence, so a full scan is acceptable here.
func (r *ChallengeRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Prepared.ScanChallengeKeys.WithContext(ctx).Iter()

	type rowKey struct {
		dedupKey  string
		projectID string
	}
	var stale []rowKey

	var (
		dedupKey  string
		projectID string
		expiresAt time.Time
		status    string
	)
	for iter.Scan(&dedupKey, &projectID, &expiresAt, &status) {
		if expiresAt.Before(before) {
			stale = append(stale, rowKey{dedupKey: dedupKey, projectID: projectID})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan challenges for expiry: %w", err)
	}

	deleted := 0
	for _, key := range stale {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := r.Delete(ctx, key.dedupKey, key.projectID); err != nil {
			util.Error("Failed to delete expired challenge",
				zap.String("project_id", key.projectID),
				zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
