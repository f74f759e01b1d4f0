// Package store provides persistence for governed pattern records.
//
// The PatternStore contract enforces the governance invariants at write
// time: the confidence floor, lineage uniqueness, the single-current-row
// rule, guarded status transitions with an append-only audit trail, and
// optimistic concurrency on status writes.
//
// Two implementations are provided: SQLiteStore for the daemon and
// MemoryStore for tests. Both are injected as capabilities; nothing in
// this module creates a store implicitly.
package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// ListFilter narrows and pages List results.
type ListFilter struct {
	// DomainID filters by domain. Empty matches all domains; an unknown
	// domain yields an empty page, never an error.
	DomainID string

	// Status filters by lifecycle status when non-empty.
	Status pattern.Status

	// MinConfidence drops rows below the given confidence.
	MinConfidence float64

	// CurrentOnly restricts results to current lineage rows.
	CurrentOnly bool

	// Limit is clamped to 1..200; zero means DefaultListLimit.
	Limit int

	// Offset is clamped to >= 0.
	Offset int
}

const (
	// DefaultListLimit is used when ListFilter.Limit is zero.
	DefaultListLimit = 50

	// MaxListLimit is the hard page-size cap.
	MaxListLimit = 200
)

// Clamp normalizes limit and offset to their allowed ranges.
func (f ListFilter) Clamp() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// PatternStore is the governed pattern repository contract.
type PatternStore interface {
	// Insert stores a new pattern lineage. Returns the stored pattern ID.
	//
	// Errors: pattern.ErrConfidenceBelowFloor for rows under the floor
	// (nothing is stored), pattern.ErrDuplicate when the lineage version
	// already exists (at-least-once delivery makes this a caller no-op).
	Insert(ctx context.Context, p *pattern.PatternRecord) (string, error)

	// InsertVersion appends a new version to an existing lineage: assigns
	// the next version number, marks the new row current, and links the
	// supersedes/superseded_by back-references.
	InsertVersion(ctx context.Context, p *pattern.PatternRecord) (string, error)

	// Get retrieves a pattern by ID. Returns pattern.ErrNotFound when absent.
	Get(ctx context.Context, id string) (*pattern.PatternRecord, error)

	// GetCurrent retrieves the current row of a lineage.
	GetCurrent(ctx context.Context, domainID, signatureHash string) (*pattern.PatternRecord, error)

	// SetStatus transitions a pattern between lifecycle states.
	//
	// The transition must be legal per the guard table
	// (pattern.ErrIllegalTransition otherwise) and the stored status must
	// still equal from at write time (pattern.ErrStatusConflict otherwise;
	// the caller re-reads and re-evaluates, never retries blindly). A
	// successful transition appends an audit row.
	SetStatus(ctx context.Context, id string, from, to pattern.Status, reason, actor string) error

	// UpdateMetrics persists the rolling counters and reliability.
	UpdateMetrics(ctx context.Context, id string, c pattern.RollingCounters) error

	// RecordObservation bumps the provenance counters for a repeat
	// observation of an already-stored pattern.
	RecordObservation(ctx context.Context, id, sessionID string, seenAt time.Time) error

	// List returns patterns matching the filter, newest first. An empty
	// result is not an error. Stored rows that violate the schema surface
	// pattern.ErrSchemaViolation.
	List(ctx context.Context, f ListFilter) ([]pattern.PatternRecord, error)

	// AuditTrail returns the append-only status-change history, oldest first.
	AuditTrail(ctx context.Context, id string) ([]pattern.AuditEntry, error)

	// Close releases underlying resources.
	Close() error
}
