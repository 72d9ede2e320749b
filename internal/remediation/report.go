package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"vote-service/internal/client"
	"vote-service/internal/config"
	"vote-service/internal/models"
)

// ReportWriter persists the audit artifact. Writing the report must succeed
// before the pipeline is allowed to delete anything.
type ReportWriter interface {
	Write(ctx context.Context, report *models.RemediationReport) error
}

// ClickhouseWriter stores reports in an append-only ClickHouse table: one
// header row per run plus one row per matched sample. Rows are immutable;
// re-runs append new run ids rather than touching old ones.
type ClickhouseWriter struct {
	client *client.ClickHouseClient
	table  string
}

func NewClickhouseWriter(ch *client.ClickHouseClient, cfg config.RemediationConfig) *ClickhouseWriter {
	return &ClickhouseWriter{client: ch, table: cfg.ReportTable}
}

func (w *ClickhouseWriter) Write(ctx context.Context, report *models.RemediationReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal remediation report: %w", err)
	}

	insertReport := fmt.Sprintf(`
        INSERT INTO %s
            (run_id, started_at, finished_scan_at, votes_scanned, decrypt_failures, dry_run, report)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, w.table)

	err = w.client.Exec(ctx, insertReport,
		report.RunID,
		report.StartedAt,
		report.FinishedScanAt,
		report.VotesScanned,
		report.DecryptFailures,
		report.DryRun,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to write remediation report: %w", err)
	}

	if len(report.Samples) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(report.Samples))
	for _, sample := range report.Samples {
		reasons, err := json.Marshal(sample.Reasons)
		if err != nil {
			return fmt.Errorf("failed to marshal sample reasons: %w", err)
		}
		rows = append(rows, []interface{}{
			report.RunID,
			sample.VoteID,
			sample.ProjectID,
			sample.DedupKey,
			sample.Origin,
			string(reasons),
			sample.Contact,
		})
	}

	insertMatches := fmt.Sprintf(`
        INSERT INTO %s_matches
            (run_id, vote_id, project_id, dedup_key, origin, reasons, contact)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, w.table)

	if err := w.client.BatchInsert(ctx, insertMatches, rows); err != nil {
		return fmt.Errorf("failed to write remediation samples: %w", err)
	}
	return nil
}

// MemoryWriter collects reports for tests and dry runs without a warehouse.
type MemoryWriter struct {
	mu      sync.Mutex
	reports []*models.RemediationReport
	failErr error
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

// FailWith makes every subsequent Write return err. Used to test that
// deletion never proceeds without an audit artifact.
func (w *MemoryWriter) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failErr = err
}

func (w *MemoryWriter) Write(_ context.Context, report *models.RemediationReport) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failErr != nil {
		return w.failErr
	}
	w.reports = append(w.reports, report)
	return nil
}

func (w *MemoryWriter) Reports() []*models.RemediationReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*models.RemediationReport(nil), w.reports...)
}
