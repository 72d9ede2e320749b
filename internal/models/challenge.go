package models

import (
	"time"

	"vote-service/internal/hashing"
	"vote-service/internal/identity"
)

// ChallengeStatus is the lifecycle state of an OTP challenge.
type ChallengeStatus string

const (
	ChallengeIssued    ChallengeStatus = "issued"
	ChallengeVerified  ChallengeStatus = "verified"
	ChallengeExpired   ChallengeStatus = "expired"
	ChallengeExhausted ChallengeStatus = "exhausted"
)

// OTPChallenge is one outstanding verification attempt. At most one
// unconsumed, unexpired challenge may exist per (dedup key, project); the
// storage layer enforces that with a conditional insert on the
// (dedup_key, project_id) primary key.
type OTPChallenge struct {
	ChallengeID      string                 `json:"challenge_id" db:"challenge_id"`
	DedupKey         string                 `json:"dedup_key" db:"dedup_key"`
	ProjectID        string                 `json:"project_id" db:"project_id"`
	ContactMethod    identity.ContactMethod `json:"contact_method" db:"contact_method"`
	ContactEncrypted string                 `json:"contact_encrypted" db:"contact_encrypted"`
	CodeHash         *hashing.CodeHash      `json:"code_hash" db:"code_hash"`
	Status           ChallengeStatus        `json:"status" db:"status"`
	AttemptCount     int                    `json:"attempt_count" db:"attempt_count"`
	IssuedAt         time.Time              `json:"issued_at" db:"issued_at"`
	ExpiresAt        time.Time              `json:"expires_at" db:"expires_at"`
	Origin           string                 `json:"origin" db:"origin"`
	ClientSignature  string                 `json:"client_signature" db:"client_signature"`
}

// ExpiredAt reports whether the challenge TTL has passed at the given time.
func (c *OTPChallenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Terminal reports whether the challenge can no longer be acted on.
func (c *OTPChallenge) Terminal() bool {
	return c.Status != ChallengeIssued
}
