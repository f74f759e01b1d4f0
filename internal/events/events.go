// Package events integrates patternd with the message bus.
//
// Three event streams are consumed (pattern observations, injection
// outcomes, manual disables) and two are produced (promotions, demotions).
// Consumption is safe under at-least-once delivery: outcome events carry a
// request id checked against a badger-backed idempotency store before any
// metric mutation is applied.
package events

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Subjects for the patternd event streams.
const (
	SubjectPatternObserved = "patternd.pattern.observed"
	SubjectOutcomeReported = "patternd.outcome.reported"
	SubjectManualDisable   = "patternd.pattern.disable"
	SubjectPatternPromoted = "patternd.pattern.promoted"
	SubjectPatternDemoted  = "patternd.pattern.demoted"
	SubjectDeadLetter      = "patternd.dlq"
)

// Validation errors for inbound events.
var (
	ErrMissingPatternID = errors.New("event missing pattern_id")
	ErrInvalidOutcome   = errors.New("outcome must be 'success' or 'failure'")
	ErrMissingRequestID = errors.New("outcome event missing request_id")
)

// PatternObserved is the upstream learning output announcing a pattern.
type PatternObserved struct {
	PatternID        string   `json:"pattern_id"`
	Signature        string   `json:"signature"`
	SignatureHash    string   `json:"signature_hash"`
	DomainID         string   `json:"domain_id"`
	Confidence       float64  `json:"confidence"`
	SourceSessionIDs []string `json:"source_session_ids,omitempty"`
	CorrelationID    string   `json:"correlation_id,omitempty"`
}

// Validate checks the observation payload. Confidence below the storage
// floor is a validation failure: not stored, not retried.
func (e *PatternObserved) Validate() error {
	if e.Signature == "" {
		return pattern.ErrEmptySignature
	}
	if e.SignatureHash == "" {
		return pattern.ErrEmptySignatureHash
	}
	if e.DomainID == "" {
		return pattern.ErrEmptyDomainID
	}
	if e.Confidence < 0.0 || e.Confidence > 1.0 {
		return pattern.ErrInvalidConfidence
	}
	if e.Confidence < pattern.ConfidenceFloor {
		return pattern.ErrConfidenceBelowFloor
	}
	return nil
}

// Outcome is the result of one pattern injection.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OutcomeReported is an injection result driving the rolling metrics.
type OutcomeReported struct {
	PatternID string    `json:"pattern_id"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`

	// RequestID is the upstream event id used as the idempotency key.
	RequestID string `json:"request_id"`

	// LatencyMillis and CostUnits feed the cost/latency forecaster when
	// present; zero values are ignored.
	LatencyMillis float64 `json:"latency_ms,omitempty"`
	CostUnits     float64 `json:"cost_units,omitempty"`
}

// Validate checks the outcome payload.
func (e *OutcomeReported) Validate() error {
	if e.PatternID == "" {
		return ErrMissingPatternID
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return ErrInvalidOutcome
	}
	if e.RequestID == "" {
		return ErrMissingRequestID
	}
	return nil
}

// ManualDisable is the hard trigger: immediate deprecation bypassing the
// normal evaluation cadence.
type ManualDisable struct {
	PatternID string `json:"pattern_id"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
}

// Validate checks the disable payload.
func (e *ManualDisable) Validate() error {
	if e.PatternID == "" {
		return ErrMissingPatternID
	}
	if e.Reason == "" {
		return errors.New("disable event missing reason")
	}
	return nil
}

// DeadLetter wraps a transition event whose publish exhausted its retry
// budget, routed to SubjectDeadLetter for operator replay.
type DeadLetter struct {
	Subject   string          `json:"subject"`
	Event     TransitionEvent `json:"event"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// TransitionEvent is published on every committed lifecycle transition.
// Consumers dedupe by (pattern_id, new_status, timestamp).
type TransitionEvent struct {
	PatternID      string         `json:"pattern_id"`
	PreviousStatus pattern.Status `json:"previous_status"`
	NewStatus      pattern.Status `json:"new_status"`
	Reliability    float64        `json:"reliability"`
	RunCount       int            `json:"run_count"`
	Reason         string         `json:"reason,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
