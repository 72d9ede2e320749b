package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
)

// TallyRepository maintains the denormalized per-project vote counters in a
// ScyllaDB counter table. Counters only support relative updates, so
// corrections are applied as deltas rather than absolute writes.
type TallyRepository struct {
	client *ScyllaClient
}

func NewTallyRepository(client *ScyllaClient) *TallyRepository {
	return &TallyRepository{client: client}
}

func (r *TallyRepository) Increment(ctx context.Context, projectID string, delta int64) error {
	query := r.client.Prepared.IncrementTally.WithContext(ctx).Bind(delta, projectID)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update project tally: %w", err)
	}
	return nil
}

func (r *TallyRepository) Get(ctx context.Context, projectID string) (int64, error) {
	var count int64
	query := r.client.Prepared.GetTally.WithContext(ctx).Bind(projectID)
	if err := query.Scan(&count); err != nil {
		if err == gocql.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read project tally: %w", err)
	}
	return count, nil
}
