package service

import (
	"errors"
	"fmt"
	"time"
)

// Stable error codes for the caller-facing boundary. The web layer maps
// these to responses verbatim, so the set changes only additively.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeRateLimited          = "RATE_LIMITED"
	CodeRequestDenied        = "REQUEST_DENIED"
	CodeAlreadyVoted         = "ALREADY_VOTED"
	CodeDuplicateVote        = "DUPLICATE_VOTE"
	CodeChallengeOutstanding = "CHALLENGE_OUTSTANDING"
	CodeChallengeNotFound    = "CHALLENGE_NOT_FOUND"
	CodeChallengeExpired     = "CHALLENGE_EXPIRED"
	CodeInvalidCode          = "INVALID_CODE"
	CodeTooManyAttempts      = "TOO_MANY_ATTEMPTS"
	CodeAlreadyConsumed      = "ALREADY_CONSUMED"
	CodeDeliveryFailed       = "DELIVERY_FAILED"
	CodeInternal             = "INTERNAL_ERROR"
)

var (
	ErrValidation = errors.New("invalid identity or code format")
	// ErrRequestDenied is the opaque denial for anything fraud-adjacent.
	// It never says which heuristic fired.
	ErrRequestDenied     = errors.New("request denied")
	ErrAlreadyVoted      = errors.New("a vote has already been recorded for this identity and project")
	ErrDuplicateVote     = errors.New("duplicate vote for this identity and project")
	ErrChallengeNotFound = errors.New("no outstanding challenge for this identity and project")
	ErrChallengeExpired  = errors.New("the code has expired, request a new one")
	ErrInvalidCode       = errors.New("the code does not match")
	ErrTooManyAttempts   = errors.New("too many failed attempts, request a new code")
	ErrAlreadyConsumed   = errors.New("this challenge was already used")
	ErrDeliveryFailed    = errors.New("could not deliver the code, try again")
)

// RateLimitedError tells the caller how long to wait. Pure throttling is the
// one denial that states a delay; fraud denials stay opaque.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// ChallengeOutstandingError reports the remaining TTL of the live challenge
// so callers wait instead of retrying blindly.
type ChallengeOutstandingError struct {
	TTL time.Duration
}

func (e *ChallengeOutstandingError) Error() string {
	return fmt.Sprintf("a code was already sent, expires in %s", e.TTL.Round(time.Second))
}

// ErrorCode maps any service error to its stable code. Unknown errors are
// internal: no raw detail crosses the boundary.
func ErrorCode(err error) string {
	var rateLimited *RateLimitedError
	var outstanding *ChallengeOutstandingError

	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.As(err, &rateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrRequestDenied):
		return CodeRequestDenied
	case errors.Is(err, ErrAlreadyVoted):
		return CodeAlreadyVoted
	case errors.Is(err, ErrDuplicateVote):
		return CodeDuplicateVote
	case errors.As(err, &outstanding):
		return CodeChallengeOutstanding
	case errors.Is(err, ErrChallengeNotFound):
		return CodeChallengeNotFound
	case errors.Is(err, ErrChallengeExpired):
		return CodeChallengeExpired
	case errors.Is(err, ErrInvalidCode):
		return CodeInvalidCode
	case errors.Is(err, ErrTooManyAttempts):
		return CodeTooManyAttempts
	case errors.Is(err, ErrAlreadyConsumed):
		return CodeAlreadyConsumed
	case errors.Is(err, ErrDeliveryFailed):
		return CodeDeliveryFailed
	default:
		return CodeInternal
	}
}
