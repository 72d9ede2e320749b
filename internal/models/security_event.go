package models

import "time"

// Security event kinds emitted to the observability sink.
const (
	EventSuspiciousRequest   = "suspicious_request"
	EventRateLimitStoreError = "rate_limit_store_error"
	EventTallyIncrementError = "tally_increment_error"
	EventRemediationSummary  = "remediation_run_summary"
)

// SecurityEvent is the structured record published for suspicious requests
// and remediation run summaries. IdentityHash is the dedup key or empty;
// decrypted PII never appears here.
type SecurityEvent struct {
	EventBucket  int       `json:"event_bucket"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         string    `json:"kind"`
	IdentityHash string    `json:"identity_hash,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Details      string    `json:"details,omitempty"`
}
