package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/repository"
	"vote-service/internal/util"
)

// VoteRepository is the ScyllaDB implementation of repository.VoteRepository.
// One-vote-per-identity-per-project is enforced by the primary key plus a
// lightweight transaction on insert.
type VoteRepository struct {
	client *ScyllaClient
}

func NewVoteRepository(client *ScyllaClient) *VoteRepository {
	return &VoteRepository{client: client}
}

func (r *VoteRepository) Insert(ctx context.Context, vote *models.Vote) error {
	query := r.client.Prepared.InsertVote.WithContext(ctx).Bind(
		vote.ProjectID,
		vote.DedupKey,
		vote.VoteID,
		string(vote.ContactMethod),
		vote.ContactEncrypted,
		vote.Origin,
		vote.ClientSignature,
		vote.CastAt,
	)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to insert vote",
			zap.String("project_id", vote.ProjectID),
			zap.Error(err))
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

func (r *VoteRepository) Exists(ctx context.Context, projectID, dedupKey string) (bool, error) {
	var voteID string
	query := r.client.Query(
		`SELECT vote_id FROM votes WHERE project_id = ? AND dedup_key = ?`,
		projectID, dedupKey,
	).WithContext(ctx)

	if err := query.Scan(&voteID); err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check vote existence: %w", err)
	}
	return true, nil
}

func (r *VoteRepository) Delete(ctx context.Context, projectID, dedupKey string) error {
	query := r.client.Prepared.DeleteVote.WithContext(ctx).Bind(projectID, dedupKey)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to delete vote: %w", err)
	}
	return nil
}

func (r *VoteRepository) CountByProject(ctx context.Context, projectID string) (int64, error) {
	var count int64
	query := r.client.Prepared.CountVotes.WithContext(ctx).Bind(projectID)
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count votes for project: %w", err)
	}
	return count, nil
}

// ScanAll streams the whole ledger in pages. The gocql iterator already
// fetches in driver-level pages; batches are re-chunked to batchSize so the
// callback sees a bounded amount of work at a time.
func (r *VoteRepository) ScanAll(ctx context.Context, batchSize int, fn func(batch []*models.Vote) error) error {
	iter := r.client.Prepared.ScanAllVotes.WithContext(ctx).PageSize(batchSize).Iter()

	batch := make([]*models.Vote, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
		batch = make([]*models.Vote, 0, batchSize)
		return nil
	}

	var (
		vote     models.Vote
		method   string
		castAt   time.Time
		scanNext = func() bool {
			return iter.Scan(
				&vote.ProjectID, &vote.DedupKey, &vote.VoteID, &method,
				&vote.ContactEncrypted, &vote.Origin, &vote.ClientSignature, &castAt)
		}
	)
	for scanNext() {
		v := vote
		v.ContactMethod = identity.ContactMethod(method)
		v.CastAt = castAt
		batch = append(batch, &v)

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				iter.Close()
				return err
			}
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to scan votes: %w", err)
	}
	return flush()
}
