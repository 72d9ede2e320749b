// Package memory provides concurrency-safe in-process implementations of
// the repository interfaces. They back single-node development deployments
// and the test suite; conditional-write semantics match the Scylla
// implementations so races resolve the same way in both.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"vote-service/internal/models"
	"vote-service/internal/repository"
)

type challengeKey struct {
	dedupKey  string
	projectID string
}

type ChallengeStore struct {
	mu   sync.Mutex
	rows map[challengeKey]*models.OTPChallenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{rows: make(map[challengeKey]*models.OTPChallenge)}
}

func (s *ChallengeStore) Create(ctx context.Context, challenge *models.OTPChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := challengeKey{challenge.DedupKey, challenge.ProjectID}
	if _, ok := s.rows[key]; ok {
		return repository.ErrConflict
	}
	clone := *challenge
	s.rows[key] = &clone
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, dedupKey, projectID string) (*models.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[challengeKey{dedupKey, projectID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (s *ChallengeStore) IncrementAttempt(ctx context.Context, dedupKey, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[challengeKey{dedupKey, projectID}]
	if !ok {
		return repository.ErrNotFound
	}
	row.AttemptCount++
	return nil
}

func (s *ChallengeStore) UpdateStatus(ctx context.Context, dedupKey, projectID string, from, to models.ChallengeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[challengeKey{dedupKey, projectID}]
	if !ok {
		return repository.ErrNotFound
	}
	if row.Status != from {
		return repository.ErrConflict
	}
	row.Status = to
	return nil
}

func (s *ChallengeStore) Delete(ctx context.Context, dedupKey, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, challengeKey{dedupKey, projectID})
	return nil
}

func (s *ChallengeStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, row := range s.rows {
		if row.ExpiresAt.Before(before) {
			delete(s.rows, key)
			deleted++
		}
	}
	return deleted, nil
}

type voteKey struct {
	projectID string
	dedupKey  string
}

type VoteStore struct {
	mu   sync.Mutex
	rows map[voteKey]*models.Vote
}

func NewVoteStore() *VoteStore {
	return &VoteStore{rows: make(map[voteKey]*models.Vote)}
}

func (s *VoteStore) Insert(ctx context.Context, vote *models.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := voteKey{vote.ProjectID, vote.DedupKey}
	if _, ok := s.rows[key]; ok {
		return repository.ErrConflict
	}
	clone := *vote
	s.rows[key] = &clone
	return nil
}

func (s *VoteStore) Exists(ctx context.Context, projectID, dedupKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rows[voteKey{projectID, dedupKey}]
	return ok, nil
}

func (s *VoteStore) Delete(ctx context.Context, projectID, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, voteKey{projectID, dedupKey})
	return nil
}

func (s *VoteStore) CountByProject(ctx context.Context, projectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for key := range s.rows {
		if key.projectID == projectID {
			count++
		}
	}
	return count, nil
}

func (s *VoteStore) ScanAll(ctx context.Context, batchSize int, fn func(batch []*models.Vote) error) error {
	// Snapshot under lock, page outside it, so the callback may delete.
	s.mu.Lock()
	snapshot := make([]*models.Vote, 0, len(s.rows))
	for _, row := range s.rows {
		clone := *row
		snapshot = append(snapshot, &clone)
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].ProjectID != snapshot[j].ProjectID {
			return snapshot[i].ProjectID < snapshot[j].ProjectID
		}
		return snapshot[i].DedupKey < snapshot[j].DedupKey
	})

	for start := 0; start < len(snapshot); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		if err := fn(snapshot[start:end]); err != nil {
			return err
		}
	}
	return nil
}

type TallyStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewTallyStore() *TallyStore {
	return &TallyStore{counts: make(map[string]int64)}
}

func (s *TallyStore) Increment(ctx context.Context, projectID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[projectID] += delta
	return nil
}

func (s *TallyStore) Get(ctx context.Context, projectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[projectID], nil
}
