package pattern

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for pattern governance operations.
var (
	ErrNotFound             = errors.New("pattern not found")
	ErrDuplicate            = errors.New("pattern version already exists")
	ErrInvalidPattern       = errors.New("invalid pattern")
	ErrEmptySignature       = errors.New("pattern signature cannot be empty")
	ErrEmptySignatureHash   = errors.New("pattern signature hash cannot be empty")
	ErrEmptyDomainID        = errors.New("domain ID cannot be empty")
	ErrConfidenceBelowFloor = errors.New("confidence below storage floor of 0.5")
	ErrInvalidConfidence    = errors.New("confidence must be between 0.0 and 1.0")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrStatusConflict       = errors.New("pattern status changed concurrently")
	ErrPatternDisabled      = errors.New("pattern is deprecated and cannot be evaluated")
	ErrSchemaViolation      = errors.New("stored pattern violates expected schema")
)

// ConfidenceFloor is the minimum confidence a pattern must carry to be
// stored. Enforced at write time, not just input validation.
const ConfidenceFloor = 0.5

// WindowSize is the number of recent injection outcomes retained per
// pattern for lifecycle gating.
const WindowSize = 20

// Status represents the lifecycle state of a pattern.
type Status string

const (
	// StatusCandidate is the entry state for newly observed patterns.
	StatusCandidate Status = "candidate"

	// StatusProvisional marks patterns with early positive signal that have
	// not yet cleared the validation bar.
	StatusProvisional Status = "provisional"

	// StatusValidated marks patterns that cleared the validation run-count
	// and positive-signal thresholds.
	StatusValidated Status = "validated"

	// StatusPromoted marks patterns cleared for unrestricted use.
	StatusPromoted Status = "promoted"

	// StatusDeprecated is terminal. No automatic transition leaves it.
	StatusDeprecated Status = "deprecated"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusCandidate, StatusProvisional, StatusValidated, StatusPromoted, StatusDeprecated:
		return true
	}
	return false
}

// legalTransitions is the closed set of allowed (from -> to) status pairs.
// StatusDeprecated has no outgoing edges.
var legalTransitions = map[Status][]Status{
	StatusCandidate:   {StatusProvisional, StatusValidated, StatusDeprecated},
	StatusProvisional: {StatusValidated, StatusDeprecated},
	StatusValidated:   {StatusPromoted, StatusDeprecated},
	StatusPromoted:    {StatusDeprecated},
	StatusDeprecated:  {},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DomainCandidate is a ranked domain classification for a pattern.
type DomainCandidate struct {
	DomainID   string  `json:"domain_id"`
	Confidence float64 `json:"confidence"`
}

// RollingCounters holds the bounded recent-outcome counters persisted with
// a pattern. Counts never exceed WindowSize; the failure streak is
// unbounded until reset by a success.
type RollingCounters struct {
	InjectionCount int     `json:"injection_count_rolling_20"`
	SuccessCount   int     `json:"success_count_rolling_20"`
	FailureCount   int     `json:"failure_count_rolling_20"`
	FailureStreak  int     `json:"failure_streak"`
	Reliability    float64 `json:"reliability"`
}

// PositiveRatio returns the success share of the current window, or 0 when
// the window is empty.
func (c RollingCounters) PositiveRatio() float64 {
	if c.InjectionCount == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(c.InjectionCount)
}

// PatternRecord is the governed unit: a learned pattern with lifecycle
// state, rolling reliability evidence, provenance, and version lineage.
//
// A lineage is identified by (DomainID, SignatureHash); exactly one row
// per lineage is current. Records are never deleted: deprecation is a
// status transition that preserves full audit history.
type PatternRecord struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// Signature is the canonical text fingerprint of the pattern.
	Signature string `json:"signature"`

	// SignatureHash is the stable hash of the canonicalized signature.
	// It is the lineage key component, decoupled from free-text changes.
	SignatureHash string `json:"signature_hash"`

	// DomainID classifies the pattern. Part of the lineage key.
	DomainID string `json:"domain_id"`

	// DomainVersion is the classifier version that assigned DomainID.
	DomainVersion string `json:"domain_version,omitempty"`

	// DomainCandidates are alternative classifications, ranked.
	DomainCandidates []DomainCandidate `json:"domain_candidates,omitempty"`

	// Keywords are optional search labels.
	Keywords []string `json:"keywords,omitempty"`

	// Confidence is the upstream learning confidence, 0.0-1.0.
	// Invariant: >= ConfidenceFloor for every stored row.
	Confidence float64 `json:"confidence"`

	// QualityScore is an advisory score, 0.0-1.0.
	QualityScore float64 `json:"quality_score"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// PromotedAt is set when the pattern transitions to promoted.
	PromotedAt *time.Time `json:"promoted_at,omitempty"`

	// DeprecatedAt is set when the pattern transitions to deprecated.
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`

	// DeprecationReason records why the pattern was deprecated.
	DeprecationReason string `json:"deprecation_reason,omitempty"`

	// SourceSessionIDs are the originating session identifiers.
	SourceSessionIDs []string `json:"source_session_ids,omitempty"`

	// RecurrenceCount is how many times the pattern has been observed.
	RecurrenceCount int `json:"recurrence_count"`

	// FirstSeenAt / LastSeenAt bound the observation history.
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// DistinctDaysSeen counts calendar days with at least one observation.
	DistinctDaysSeen int `json:"distinct_days_seen"`

	// Rolling holds the bounded recent-outcome counters and reliability.
	Rolling RollingCounters `json:"rolling"`

	// Version is monotonic per lineage, starting at 1.
	Version int `json:"version"`

	// IsCurrent marks the single current row of the lineage.
	IsCurrent bool `json:"is_current"`

	// Supersedes / SupersededBy link adjacent versions of the lineage.
	Supersedes   string `json:"supersedes,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPatternRecord creates a candidate pattern with a generated UUID.
//
// Returns ErrConfidenceBelowFloor when confidence < ConfidenceFloor; such
// patterns must not be stored and the caller must not retry without
// changing the value.
func NewPatternRecord(signature, signatureHash, domainID string, confidence float64, sessionIDs []string) (*PatternRecord, error) {
	if signature == "" {
		return nil, ErrEmptySignature
	}
	if signatureHash == "" {
		return nil, ErrEmptySignatureHash
	}
	if domainID == "" {
		return nil, ErrEmptyDomainID
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, ErrInvalidConfidence
	}
	if confidence < ConfidenceFloor {
		return nil, ErrConfidenceBelowFloor
	}

	now := time.Now().UTC()
	return &PatternRecord{
		ID:               uuid.New().String(),
		Signature:        signature,
		SignatureHash:    signatureHash,
		DomainID:         domainID,
		Confidence:       confidence,
		Status:           StatusCandidate,
		SourceSessionIDs: sessionIDs,
		RecurrenceCount:  1,
		FirstSeenAt:      now,
		LastSeenAt:       now,
		DistinctDaysSeen: 1,
		Rolling:          RollingCounters{Reliability: 0.5},
		Version:          1,
		IsCurrent:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Validate checks the record against the storage invariants.
func (p *PatternRecord) Validate() error {
	if p.ID == "" {
		return errors.New("pattern ID cannot be empty")
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return errors.New("invalid pattern ID format")
	}
	if p.Signature == "" {
		return ErrEmptySignature
	}
	if p.SignatureHash == "" {
		return ErrEmptySignatureHash
	}
	if p.DomainID == "" {
		return ErrEmptyDomainID
	}
	if p.Confidence < 0.0 || p.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	if p.Confidence < ConfidenceFloor {
		return ErrConfidenceBelowFloor
	}
	if p.QualityScore < 0.0 || p.QualityScore > 1.0 {
		return errors.New("quality score must be between 0.0 and 1.0")
	}
	if !p.Status.Valid() {
		return errors.New("unknown lifecycle status")
	}
	if p.Version < 1 {
		return errors.New("version must be >= 1")
	}
	if p.Rolling.InjectionCount < 0 || p.Rolling.InjectionCount > WindowSize {
		return errors.New("injection count outside rolling window bound")
	}
	if p.Rolling.SuccessCount+p.Rolling.FailureCount != p.Rolling.InjectionCount {
		return errors.New("rolling counters do not sum to injection count")
	}
	return nil
}

// TransitionThresholds drives the lifecycle state machine. Configuration,
// not persisted per-pattern.
type TransitionThresholds struct {
	// ValidatedMinRuns is the minimum run count before a candidate can be
	// validated.
	ValidatedMinRuns int `koanf:"validated_min_runs"`

	// ValidatedPositiveFloor is the minimum positive-signal ratio for
	// validation.
	ValidatedPositiveFloor float64 `koanf:"validated_positive_signal_floor"`

	// PromotedMinRuns is the minimum run count before a validated pattern
	// can be promoted.
	PromotedMinRuns int `koanf:"promoted_min_runs"`

	// PromotedSignificance is the minimum reliability for promotion.
	PromotedSignificance float64 `koanf:"promoted_significance_threshold"`

	// ReliabilityFloor triggers degradation of promoted/validated patterns.
	ReliabilityFloor float64 `koanf:"reliability_floor"`

	// BlacklistFloor is the harder floor for auto-blacklisting.
	BlacklistFloor float64 `koanf:"blacklist_floor"`
}

// DefaultThresholds returns the stock transition thresholds.
func DefaultThresholds() TransitionThresholds {
	return TransitionThresholds{
		ValidatedMinRuns:       5,
		ValidatedPositiveFloor: 0.6,
		PromotedMinRuns:        10,
		PromotedSignificance:   0.7,
		ReliabilityFloor:       0.3,
		BlacklistFloor:         0.15,
	}
}

// Validate checks threshold sanity.
func (t TransitionThresholds) Validate() error {
	if t.ValidatedMinRuns < 1 || t.PromotedMinRuns < 1 {
		return errors.New("minimum run counts must be >= 1")
	}
	for _, v := range []float64{t.ValidatedPositiveFloor, t.PromotedSignificance, t.ReliabilityFloor, t.BlacklistFloor} {
		if v < 0.0 || v > 1.0 {
			return errors.New("threshold ratios must be between 0.0 and 1.0")
		}
	}
	if t.BlacklistFloor > t.ReliabilityFloor {
		return errors.New("blacklist floor cannot exceed reliability floor")
	}
	return nil
}

// AuditEntry is one append-only row of the status-change history.
type AuditEntry struct {
	ID        int64     `json:"id"`
	PatternID string    `json:"pattern_id"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
