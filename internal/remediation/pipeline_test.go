package remediation

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vote-service/internal/config"
	"vote-service/internal/encryption"
	"vote-service/internal/fraud"
	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/repository/memory"
	"vote-service/internal/security"
	"vote-service/internal/service"
)

const legitSignature = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Gecko/20100101 Firefox/128.0"

type pipelineEnv struct {
	votes      *memory.VoteStore
	challenges *memory.ChallengeStore
	tallies    *memory.TallyStore
	ledger     *service.VoteService
	encryptor  *encryption.Manager
	hasher     *hashing.Hasher
	denylist   *fraud.Denylist
	writer     *MemoryWriter
	sink       *security.MemorySink
	pipeline   *Pipeline
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	hasher, err := hashing.NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			DedupSaltHex:      strings.Repeat("cd", 16),
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
	require.NoError(t, err)

	encryptor, err := encryption.NewManagerWithKey(bytes.Repeat([]byte{0x7a}, 32))
	require.NoError(t, err)

	denylist := fraud.NewDenylist()
	denylist.Replace([]string{"HeadlessChrome"}, []string{"mailinator.com"})

	votes := memory.NewVoteStore()
	challenges := memory.NewChallengeStore()
	tallies := memory.NewTallyStore()
	sink := security.NewMemorySink()
	writer := NewMemoryWriter()

	ledger := service.NewVoteService(votes, tallies, encryptor, hasher, sink)

	pipeline := NewPipeline(
		votes,
		challenges,
		ledger,
		encryptor,
		denylist,
		writer,
		sink,
		config.RemediationConfig{
			BatchSize:           2,
			OriginVoteThreshold: 2,
			SequentialDistance:  3,
			SampleSize:          10,
			ReportTable:         "remediation_reports",
		},
		config.FraudConfig{MinSignatureLength: 10},
	)

	return &pipelineEnv{
		votes:      votes,
		challenges: challenges,
		tallies:    tallies,
		ledger:     ledger,
		encryptor:  encryptor,
		hasher:     hasher,
		denylist:   denylist,
		writer:     writer,
		sink:       sink,
		pipeline:   pipeline,
	}
}

func (e *pipelineEnv) cast(t *testing.T, projectID string, method identity.ContactMethod, contact, origin, signature string) string {
	t.Helper()
	ident, err := identity.Normalize(method, contact)
	require.NoError(t, err)
	voteID, err := e.ledger.CastVote(context.Background(), projectID, ident,
		service.OriginMeta{Origin: origin, ClientSignature: signature})
	require.NoError(t, err)
	return voteID
}

func (e *pipelineEnv) seedChallenge(t *testing.T, projectID, contact string) {
	t.Helper()
	dedupKey := e.hasher.DedupHash(contact)
	err := e.challenges.Create(context.Background(), &models.OTPChallenge{
		DedupKey:  dedupKey,
		ProjectID: projectID,
		Status:    models.ChallengeVerified,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
	})
	require.NoError(t, err)
}

// classifyAll drives the two-phase classifier the way the pipeline does:
// one observe pass, finalize, then per-record reasons.
func classifyAll(c *classifier, votes []scannedVote) map[string][]string {
	for _, v := range votes {
		c.observe(v)
	}
	c.finalize()

	matched := make(map[string][]string)
	for _, v := range votes {
		if reasons := c.reasons(v); len(reasons) > 0 {
			matched[v.voteID] = reasons
		}
	}
	return matched
}

func TestClassifyPredicates(t *testing.T) {
	env := newPipelineEnv(t)
	c := newClassifier(env.denylist,
		config.FraudConfig{MinSignatureLength: 10},
		config.RemediationConfig{OriginVoteThreshold: 2, SequentialDistance: 3})

	votes := []scannedVote{
		{voteID: "legit", projectID: "P1", origin: "203.0.113.1", signature: legitSignature,
			contact: "voter@example.com", domain: "example.com"},
		{voteID: "disposable", projectID: "P1", origin: "203.0.113.2", signature: legitSignature,
			contact: "x@mx.mailinator.com", domain: "mx.mailinator.com"},
		{voteID: "short-sig", projectID: "P1", origin: "203.0.113.3", signature: "curl/8.0"},
		{voteID: "listed-sig", projectID: "P1", origin: "203.0.113.4",
			signature: "Mozilla/5.0 HeadlessChrome/120.0 Safari/537.36"},
		{voteID: "burst-1", projectID: "P1", origin: "198.51.100.7", signature: legitSignature},
		{voteID: "burst-2", projectID: "P1", origin: "198.51.100.7", signature: legitSignature},
		{voteID: "burst-3", projectID: "P1", origin: "198.51.100.7", signature: legitSignature},
		{voteID: "seq-1", projectID: "P2", origin: "203.0.113.5", signature: legitSignature,
			numericValue: 15550000001, hasNumeric: true},
		{voteID: "seq-2", projectID: "P2", origin: "203.0.113.6", signature: legitSignature,
			numericValue: 15550000002, hasNumeric: true},
		{voteID: "seq-far", projectID: "P2", origin: "203.0.113.7", signature: legitSignature,
			numericValue: 15550009000, hasNumeric: true},
	}

	matched := classifyAll(c, votes)

	assert.NotContains(t, matched, "legit")
	assert.NotContains(t, matched, "seq-far")
	assert.Equal(t, []string{models.PredicateDisposableDomain}, matched["disposable"])
	assert.Equal(t, []string{models.PredicateAutomationSignature}, matched["short-sig"])
	assert.Equal(t, []string{models.PredicateAutomationSignature}, matched["listed-sig"])
	for _, id := range []string{"burst-1", "burst-2", "burst-3"} {
		assert.Equal(t, []string{models.PredicateOriginVelocity}, matched[id], id)
	}
	assert.Equal(t, []string{models.PredicateSequentialIdentity}, matched["seq-1"])
	assert.Equal(t, []string{models.PredicateSequentialIdentity}, matched["seq-2"])
}

func TestClassifyRecordsEveryMatchedPredicateOnce(t *testing.T) {
	env := newPipelineEnv(t)
	c := newClassifier(env.denylist,
		config.FraudConfig{MinSignatureLength: 10},
		config.RemediationConfig{OriginVoteThreshold: 1, SequentialDistance: 3})

	votes := []scannedVote{
		{voteID: "multi-1", projectID: "P1", origin: "198.51.100.7", signature: "bot",
			domain: "mailinator.com", numericValue: 15550000001, hasNumeric: true},
		{voteID: "multi-2", projectID: "P1", origin: "198.51.100.7", signature: "bot",
			domain: "mailinator.com", numericValue: 15550000002, hasNumeric: true},
	}

	matched := classifyAll(c, votes)
	for _, id := range []string{"multi-1", "multi-2"} {
		assert.ElementsMatch(t, []string{
			models.PredicateDisposableDomain,
			models.PredicateAutomationSignature,
			models.PredicateOriginVelocity,
			models.PredicateSequentialIdentity,
		}, matched[id], id)
	}
}

func TestRunDeletesFlaggedAndReconciles(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.cast(t, "P1", identity.MethodEmail, "alice@example.com", "203.0.113.1", legitSignature)
	env.cast(t, "P1", identity.MethodEmail, "bob@example.com", "203.0.113.2", legitSignature)
	env.cast(t, "P1", identity.MethodEmail, "throwaway@mailinator.com", "203.0.113.3", legitSignature)
	env.cast(t, "P2", identity.MethodPhone, "+15550000001", "203.0.113.4", "curl/8.0")
	env.seedChallenge(t, "P1", "throwaway@mailinator.com")

	summary, err := env.pipeline.Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(4), summary.VotesScanned)
	assert.Equal(t, int64(2), summary.VotesDeleted)
	assert.Equal(t, int64(0), summary.RecordErrors)
	assert.Equal(t, []string{"P1", "P2"}, summary.ProjectsTouched)
	assert.Equal(t, int64(1), summary.CountsByPredicate[models.PredicateDisposableDomain])
	assert.Equal(t, int64(1), summary.CountsByPredicate[models.PredicateAutomationSignature])

	// Legitimate ballots survive, flagged ones and their challenges do not.
	exists, err := env.votes.Exists(ctx, "P1", env.hasher.DedupHash("alice@example.com"))
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = env.votes.Exists(ctx, "P1", env.hasher.DedupHash("throwaway@mailinator.com"))
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = env.challenges.Get(ctx, env.hasher.DedupHash("throwaway@mailinator.com"), "P1")
	assert.Error(t, err)

	// Tallies track the surviving rows.
	tally, err := env.ledger.Tally(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tally)
	tally, err = env.ledger.Tally(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally)

	// The audit report landed and carries the decrypted samples.
	reports := env.writer.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, summary.RunID, reports[0].RunID)
	assert.Len(t, reports[0].Samples, 2)
	contacts := []string{reports[0].Samples[0].Contact, reports[0].Samples[1].Contact}
	assert.Contains(t, contacts, "throwaway@mailinator.com")

	events := env.sink.EventsOfKind(models.EventRemediationSummary)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Details, summary.RunID)
}

func TestRunIsIdempotent(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.cast(t, "P1", identity.MethodEmail, "alice@example.com", "203.0.113.1", legitSignature)
	env.cast(t, "P1", identity.MethodEmail, "throwaway@mailinator.com", "203.0.113.3", legitSignature)

	first, err := env.pipeline.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.VotesDeleted)

	second, err := env.pipeline.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.VotesScanned)
	assert.Equal(t, int64(0), second.VotesDeleted)
	assert.Empty(t, second.ProjectsTouched)

	tally, err := env.ledger.Tally(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally)
}

func TestDryRunReportsWithoutDeleting(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.cast(t, "P1", identity.MethodEmail, "throwaway@mailinator.com", "203.0.113.3", legitSignature)

	summary, err := env.pipeline.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, int64(0), summary.VotesDeleted)
	assert.Equal(t, int64(1), summary.CountsByPredicate[models.PredicateDisposableDomain])

	exists, err := env.votes.Exists(ctx, "P1", env.hasher.DedupHash("throwaway@mailinator.com"))
	require.NoError(t, err)
	assert.True(t, exists)

	tally, err := env.ledger.Tally(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally)

	reports := env.writer.Reports()
	require.Len(t, reports, 1)
	assert.True(t, reports[0].DryRun)
}

func TestReportFailureAbortsBeforeDelete(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.cast(t, "P1", identity.MethodEmail, "throwaway@mailinator.com", "203.0.113.3", legitSignature)
	env.writer.FailWith(errors.New("warehouse unreachable"))

	_, err := env.pipeline.Run(ctx, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborting before delete")

	// Nothing was touched without the audit artifact.
	exists, err := env.votes.Exists(ctx, "P1", env.hasher.DedupHash("throwaway@mailinator.com"))
	require.NoError(t, err)
	assert.True(t, exists)

	tally, err := env.ledger.Tally(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally)
}

func TestUndecryptableVotesAreCountedAndKept(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.cast(t, "P1", identity.MethodEmail, "throwaway@mailinator.com", "203.0.113.3", legitSignature)
	require.NoError(t, env.votes.Insert(ctx, &models.Vote{
		VoteID:           uuid.New().String(),
		ProjectID:        "P1",
		DedupKey:         "opaque-row",
		ContactMethod:    identity.MethodEmail,
		ContactEncrypted: "not-a-ciphertext",
		Origin:           "203.0.113.9",
		ClientSignature:  legitSignature,
		CastAt:           time.Now().UTC(),
	}))

	summary, err := env.pipeline.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.VotesScanned)
	assert.Equal(t, int64(1), summary.DecryptFailures)
	assert.Equal(t, int64(1), summary.VotesDeleted)

	// The undecryptable row is skipped, not remediated.
	exists, err := env.votes.Exists(ctx, "P1", "opaque-row")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunHonorsCancellation(t *testing.T) {
	env := newPipelineEnv(t)

	env.cast(t, "P1", identity.MethodEmail, "alice@example.com", "203.0.113.1", legitSignature)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.pipeline.Run(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

// scanRecordingVotes counts ledger scans and the largest batch handed to a
// callback.
type scanRecordingVotes struct {
	*memory.VoteStore
	scans    int
	maxBatch int
}

func (s *scanRecordingVotes) ScanAll(ctx context.Context, batchSize int, fn func(batch []*models.Vote) error) error {
	s.scans++
	return s.VoteStore.ScanAll(ctx, batchSize, func(batch []*models.Vote) error {
		if len(batch) > s.maxBatch {
			s.maxBatch = len(batch)
		}
		return fn(batch)
	})
}

func TestRunStreamsLedgerInBoundedBatches(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	for _, contact := range []string{"a@mailinator.com", "b@mailinator.com", "c@mailinator.com"} {
		env.cast(t, "P1", identity.MethodEmail, contact, "203.0.113.3", legitSignature)
	}
	env.cast(t, "P1", identity.MethodEmail, "alice@example.com", "203.0.113.1", legitSignature)
	env.cast(t, "P1", identity.MethodEmail, "bob@example.com", "203.0.113.2", legitSignature)

	recorder := &scanRecordingVotes{VoteStore: env.votes}
	env.pipeline.votes = recorder

	summary, err := env.pipeline.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.VotesDeleted)

	// Aggregate, classify, and delete each stream the ledger once, and no
	// callback ever sees more than one batch.
	assert.Equal(t, 3, recorder.scans)
	assert.LessOrEqual(t, recorder.maxBatch, 2)

	// A dry run stops after the report stage and never runs the delete scan.
	recorder.scans = 0
	_, err = env.pipeline.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, recorder.scans)
}

func TestSampleSizeCapsReportSamples(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.pipeline.cfg.SampleSize = 2
	for _, contact := range []string{"a@mailinator.com", "b@mailinator.com", "c@mailinator.com", "d@mailinator.com"} {
		env.cast(t, "P1", identity.MethodEmail, contact, "203.0.113."+contact[:1], legitSignature)
	}

	summary, err := env.pipeline.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.CountsByPredicate[models.PredicateDisposableDomain])

	reports := env.writer.Reports()
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Samples, 2)
	assert.Equal(t, int64(4), reports[0].CountsByPredicate[models.PredicateDisposableDomain])
}
