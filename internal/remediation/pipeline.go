package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vote-service/internal/config"
	"vote-service/internal/encryption"
	"vote-service/internal/fraud"
	"vote-service/internal/identity"
	"vote-service/internal/models"
	"vote-service/internal/repository"
	"vote-service/internal/security"
	"vote-service/internal/service"
	"vote-service/internal/util"
)

// Pipeline is the offline fraud pass over the full vote ledger:
// aggregate, classify, report, delete, reconcile. Every stage streams the
// ledger in bounded batches and every stage is re-runnable; a second run
// over a clean ledger deletes nothing and moves no tally.
type Pipeline struct {
	votes      repository.VoteRepository
	challenges repository.ChallengeRepository
	ledger     *service.VoteService
	encryptor  *encryption.Manager
	denylist   *fraud.Denylist
	reports    ReportWriter
	events     security.EventSink
	cfg        config.RemediationConfig
	fraudCfg   config.FraudConfig
	nowFn      func() time.Time
}

func NewPipeline(
	votes repository.VoteRepository,
	challenges repository.ChallengeRepository,
	ledger *service.VoteService,
	encryptor *encryption.Manager,
	denylist *fraud.Denylist,
	reports ReportWriter,
	events security.EventSink,
	cfg config.RemediationConfig,
	fraudCfg config.FraudConfig,
) *Pipeline {
	return &Pipeline{
		votes:      votes,
		challenges: challenges,
		ledger:     ledger,
		encryptor:  encryptor,
		denylist:   denylist,
		reports:    reports,
		events:     events,
		cfg:        cfg,
		fraudCfg:   fraudCfg,
		nowFn:      time.Now,
	}
}

// Options controls one run. DryRun stops after the report stage.
type Options struct {
	DryRun bool
}

// Run executes the full pipeline. Per-record failures are counted, not
// fatal; only a failed report write or a cancelled context aborts the run.
//
// Resident state across passes is bounded by the flagged set: the
// aggregate pass keeps origin counts and numeric identities, the classify
// pass keeps vote ids and reasons, and plaintext contacts survive a batch
// only inside the report's capped samples.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*models.RemediationSummary, error) {
	runID := uuid.New().String()
	startedAt := p.nowFn().UTC()

	util.Info("Remediation run starting",
		zap.String("run_id", runID),
		zap.Bool("dry_run", opts.DryRun))

	cls := newClassifier(p.denylist, p.fraudCfg, p.cfg)
	votesScanned, decryptFailures, err := p.aggregate(ctx, cls)
	if err != nil {
		return nil, fmt.Errorf("remediation scan failed: %w", err)
	}
	cls.finalize()
	finishedScanAt := p.nowFn().UTC()

	report := &models.RemediationReport{
		RunID:             runID,
		StartedAt:         startedAt,
		FinishedScanAt:    finishedScanAt,
		VotesScanned:      votesScanned,
		DecryptFailures:   decryptFailures,
		CountsByPredicate: make(map[string]int64),
		CountsByProject:   make(map[string]int64),
		DryRun:            opts.DryRun,
	}
	matched, err := p.classify(ctx, cls, report)
	if err != nil {
		return nil, fmt.Errorf("remediation classify failed: %w", err)
	}

	if err := p.reports.Write(ctx, report); err != nil {
		// No audit artifact means no deletions. Abort before anything
		// irreversible happens.
		return nil, fmt.Errorf("remediation report write failed, aborting before delete: %w", err)
	}

	summary := &models.RemediationSummary{
		RunID:             runID,
		VotesScanned:      votesScanned,
		DecryptFailures:   decryptFailures,
		CountsByPredicate: report.CountsByPredicate,
		DryRun:            opts.DryRun,
	}

	if !opts.DryRun {
		if err := p.deleteMatched(ctx, matched, summary); err != nil {
			return nil, err
		}
		if err := p.reconcileTouched(ctx, summary); err != nil {
			return nil, err
		}
	}

	summary.CompletedAt = p.nowFn().UTC()
	p.emitSummary(ctx, summary)

	util.Info("Remediation run complete",
		zap.String("run_id", runID),
		zap.Int64("votes_scanned", summary.VotesScanned),
		zap.Int64("votes_deleted", summary.VotesDeleted),
		zap.Int64("decrypt_failures", summary.DecryptFailures))
	return summary, nil
}

// project decrypts one ledger row into the classifier's view of it.
func (p *Pipeline) project(vote *models.Vote) (scannedVote, error) {
	contact, err := p.encryptor.Decrypt(vote.ContactEncrypted)
	if err != nil {
		return scannedVote{}, err
	}

	record := scannedVote{
		voteID:    vote.VoteID,
		projectID: vote.ProjectID,
		dedupKey:  vote.DedupKey,
		origin:    vote.Origin,
		signature: vote.ClientSignature,
		contact:   contact,
	}
	ident := identity.Identity{Method: vote.ContactMethod, Value: contact}
	record.domain = ident.Domain()
	record.numericValue, record.hasNumeric = ident.NumericValue()
	return record, nil
}

// aggregate is the first ledger pass. Each identity is decrypted only long
// enough to feed the classifier's counters; records that fail to decrypt
// are counted and skipped, never fatal.
func (p *Pipeline) aggregate(ctx context.Context, cls *classifier) (int64, int64, error) {
	var scanned, decryptFailures int64

	err := p.votes.ScanAll(ctx, p.cfg.BatchSize, func(batch []*models.Vote) error {
		for _, vote := range batch {
			record, err := p.project(vote)
			if err != nil {
				decryptFailures++
				util.Warn("Skipping vote with undecryptable contact",
					zap.String("vote_id", vote.VoteID),
					zap.String("project_id", vote.ProjectID))
				continue
			}
			scanned++
			cls.observe(record)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return scanned, decryptFailures, nil
}

// classify is the second pass. Each record is evaluated against the
// aggregates and only flagged vote ids with their reasons are kept, plus
// up to SampleSize report samples. Undecryptable rows were already counted
// during the aggregate pass.
func (p *Pipeline) classify(ctx context.Context, cls *classifier, report *models.RemediationReport) (map[string][]string, error) {
	matched := make(map[string][]string)

	err := p.votes.ScanAll(ctx, p.cfg.BatchSize, func(batch []*models.Vote) error {
		for _, vote := range batch {
			record, err := p.project(vote)
			if err != nil {
				continue
			}
			reasons := cls.reasons(record)
			if len(reasons) == 0 {
				continue
			}
			matched[record.voteID] = reasons

			for _, reason := range reasons {
				report.CountsByPredicate[reason]++
			}
			report.CountsByProject[record.projectID]++

			if len(report.Samples) < p.cfg.SampleSize {
				report.Samples = append(report.Samples, models.MatchedVote{
					VoteID:    record.voteID,
					ProjectID: record.projectID,
					DedupKey:  record.dedupKey,
					Origin:    record.origin,
					Reasons:   reasons,
					Contact:   record.contact,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// deleteMatched is the final pass. It re-scans the ledger without
// decrypting and removes flagged votes and the challenge rows that produced
// them. Each record is independent; a failed delete is counted and the run
// moves on.
func (p *Pipeline) deleteMatched(ctx context.Context, matched map[string][]string, summary *models.RemediationSummary) error {
	touched := make(map[string]struct{})

	err := p.votes.ScanAll(ctx, p.cfg.BatchSize, func(batch []*models.Vote) error {
		for _, vote := range batch {
			if _, hit := matched[vote.VoteID]; !hit {
				continue
			}

			if err := p.votes.Delete(ctx, vote.ProjectID, vote.DedupKey); err != nil {
				summary.RecordErrors++
				util.Error("Failed to delete flagged vote",
					zap.String("vote_id", vote.VoteID),
					zap.Error(err))
				continue
			}
			summary.VotesDeleted++
			touched[vote.ProjectID] = struct{}{}

			if err := p.challenges.Delete(ctx, vote.DedupKey, vote.ProjectID); err != nil {
				summary.RecordErrors++
				util.Error("Failed to delete challenge for flagged vote",
					zap.String("vote_id", vote.VoteID),
					zap.Error(err))
				continue
			}
			summary.ChallengesDeleted++
		}
		return nil
	})
	if err != nil {
		return err
	}

	summary.ProjectsTouched = make([]string, 0, len(touched))
	for projectID := range touched {
		summary.ProjectsTouched = append(summary.ProjectsTouched, projectID)
	}
	sort.Strings(summary.ProjectsTouched)
	return nil
}

// reconcileTouched recomputes every affected tally from the surviving rows.
// Deltas are never assumed from our own deletion count; concurrent voting
// during the run makes that count stale by construction.
func (p *Pipeline) reconcileTouched(ctx context.Context, summary *models.RemediationSummary) error {
	for _, projectID := range summary.ProjectsTouched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.ledger.Reconcile(ctx, projectID); err != nil {
			summary.RecordErrors++
			util.Error("Failed to reconcile project after remediation",
				zap.String("project_id", projectID),
				zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) emitSummary(ctx context.Context, summary *models.RemediationSummary) {
	details, err := json.Marshal(summary)
	if err != nil {
		details = []byte(fmt.Sprintf("run_id=%s marshal_failed", summary.RunID))
	}
	p.events.Record(ctx, models.SecurityEvent{
		Timestamp: summary.CompletedAt,
		Kind:      models.EventRemediationSummary,
		Reason:    "remediation_run",
		Details:   string(details),
	})
}
