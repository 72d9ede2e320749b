package models

import (
	"time"

	"vote-service/internal/identity"
)

// Vote is one accepted ballot. Created only by consuming a verified OTP
// challenge; never mutated afterwards except deletion by remediation.
type Vote struct {
	VoteID           string                 `json:"vote_id" db:"vote_id"`
	ProjectID        string                 `json:"project_id" db:"project_id"`
	DedupKey         string                 `json:"dedup_key" db:"dedup_key"`
	ContactMethod    identity.ContactMethod `json:"contact_method" db:"contact_method"`
	ContactEncrypted string                 `json:"contact_encrypted" db:"contact_encrypted"`
	Origin           string                 `json:"origin" db:"origin"`
	ClientSignature  string                 `json:"client_signature" db:"client_signature"`
	CastAt           time.Time              `json:"cast_at" db:"cast_at"`
}

// ProjectTally is the denormalized vote counter for one project. The count
// may drift transiently from the true vote count; Reconcile is the only
// operation allowed to overwrite it outside of vote acceptance.
type ProjectTally struct {
	ProjectID string `json:"project_id" db:"project_id"`
	VoteCount int64  `json:"vote_count" db:"vote_count"`
}
