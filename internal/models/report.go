package models

import "time"

// Fraud predicate names recorded in remediation reports. Kept as data so
// report consumers never depend on pipeline internals.
const (
	PredicateDisposableDomain    = "disposable_domain"
	PredicateAutomationSignature = "automation_signature"
	PredicateOriginVelocity      = "origin_velocity"
	PredicateSequentialIdentity  = "sequential_identity"
)

// MatchedVote is one vote flagged by the remediation pipeline, with every
// predicate that matched it.
type MatchedVote struct {
	VoteID    string   `json:"vote_id"`
	ProjectID string   `json:"project_id"`
	DedupKey  string   `json:"dedup_key"`
	Origin    string   `json:"origin"`
	Reasons   []string `json:"reasons"`
	// Contact is the decrypted identity, present only inside the
	// access-controlled audit report, never in logs or events.
	Contact string `json:"contact"`
}

// RemediationReport is the durable, timestamped audit artifact written
// before any deletion happens.
type RemediationReport struct {
	RunID             string           `json:"run_id"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedScanAt    time.Time        `json:"finished_scan_at"`
	VotesScanned      int64            `json:"votes_scanned"`
	DecryptFailures   int64            `json:"decrypt_failures"`
	CountsByPredicate map[string]int64 `json:"counts_by_predicate"`
	CountsByProject   map[string]int64 `json:"counts_by_project"`
	Samples           []MatchedVote    `json:"samples"`
	DryRun            bool             `json:"dry_run"`
}

// RemediationSummary is the post-run outcome (deletions and reconciled
// tallies), reported to the observability sink and returned to the caller.
type RemediationSummary struct {
	RunID             string           `json:"run_id"`
	VotesScanned      int64            `json:"votes_scanned"`
	VotesDeleted      int64            `json:"votes_deleted"`
	ChallengesDeleted int64            `json:"challenges_deleted"`
	DecryptFailures   int64            `json:"decrypt_failures"`
	RecordErrors      int64            `json:"record_errors"`
	ProjectsTouched   []string         `json:"projects_touched"`
	CountsByPredicate map[string]int64 `json:"counts_by_predicate"`
	CompletedAt       time.Time        `json:"completed_at"`
	DryRun            bool             `json:"dry_run"`
}
