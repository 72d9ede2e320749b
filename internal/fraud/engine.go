package fraud

import (
	"context"
	"strings"
	"time"

	"vote-service/internal/config"
	"vote-service/internal/models"
)

// Reason is the request-time heuristic that fired. Reasons reach logs and
// security events only; callers return a generic denial to the requester.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonShortSignature      Reason = "short_signature"
	ReasonDenylistedSignature Reason = "denylisted_signature"
	ReasonOriginVelocity      Reason = "origin_velocity"
)

// Input carries the request attributes the heuristics evaluate.
// OriginRequestCount is the rate limiter's current window count for the
// request's origin.
type Input struct {
	IdentityHash       string
	Origin             string
	ClientSignature    string
	OriginRequestCount int64
}

// Assessment is the outcome of one request-time check.
type Assessment struct {
	Suspicious bool
	Reason     Reason
}

// EventRecorder receives a structured security event when a heuristic fires.
type EventRecorder interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

// Engine runs the fast request-time heuristics. It is advisory only; the
// remediation pipeline is the authoritative fraud pass and may disagree in
// either direction.
type Engine struct {
	denylist *Denylist
	cfg      config.FraudConfig
	events   EventRecorder
	nowFn    func() time.Time
}

func NewEngine(denylist *Denylist, cfg config.FraudConfig, events EventRecorder) *Engine {
	return &Engine{
		denylist: denylist,
		cfg:      cfg,
		events:   events,
		nowFn:    time.Now,
	}
}

// Assess evaluates the heuristics in fast-reject order and stops at the first
// hit. A hit emits a suspicious-request security event as its only side
// effect.
func (e *Engine) Assess(ctx context.Context, input Input) Assessment {
	assessment := e.evaluate(input)
	if assessment.Suspicious {
		e.record(ctx, input, assessment.Reason)
	}
	return assessment
}

func (e *Engine) evaluate(input Input) Assessment {
	signature := strings.TrimSpace(input.ClientSignature)
	if len(signature) < e.cfg.MinSignatureLength {
		return Assessment{Suspicious: true, Reason: ReasonShortSignature}
	}

	if _, matched := e.denylist.MatchSignature(signature); matched {
		return Assessment{Suspicious: true, Reason: ReasonDenylistedSignature}
	}

	if input.OriginRequestCount > int64(e.cfg.OriginVelocityThreshold) {
		return Assessment{Suspicious: true, Reason: ReasonOriginVelocity}
	}

	return Assessment{Suspicious: false, Reason: ReasonNone}
}

func (e *Engine) record(ctx context.Context, input Input, reason Reason) {
	if e.events == nil {
		return
	}
	e.events.Record(ctx, models.SecurityEvent{
		Timestamp:    e.nowFn().UTC(),
		Kind:         models.EventSuspiciousRequest,
		IdentityHash: input.IdentityHash,
		Origin:       input.Origin,
		Reason:       string(reason),
	})
}
