package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// MemoryStore is an in-memory PatternStore for tests.
//
// It mirrors the SQLiteStore semantics, including the optimistic status
// check and the append-only audit trail, so evaluator tests exercise the
// same conflict paths the daemon sees.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]*pattern.PatternRecord
	lineage  map[string]string // domain_id|signature_hash|version -> id
	current  map[string]string // domain_id|signature_hash -> id
	audit    map[string][]pattern.AuditEntry
	auditSeq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns: make(map[string]*pattern.PatternRecord),
		lineage:  make(map[string]string),
		current:  make(map[string]string),
		audit:    make(map[string][]pattern.AuditEntry),
	}
}

func lineageKey(domainID, signatureHash string, version int) string {
	return fmt.Sprintf("%s|%s|%d", domainID, signatureHash, version)
}

func currentKey(domainID, signatureHash string) string {
	return domainID + "|" + signatureHash
}

// Insert stores a new pattern lineage.
func (s *MemoryStore) Insert(ctx context.Context, p *pattern.PatternRecord) (string, error) {
	if p == nil {
		return "", pattern.ErrInvalidPattern
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := lineageKey(p.DomainID, p.SignatureHash, p.Version)
	if _, exists := s.lineage[key]; exists {
		return "", pattern.ErrDuplicate
	}

	cp := clonePattern(p)
	s.patterns[cp.ID] = cp
	s.lineage[key] = cp.ID
	if cp.IsCurrent {
		s.current[currentKey(cp.DomainID, cp.SignatureHash)] = cp.ID
	}
	return cp.ID, nil
}

// InsertVersion appends a new version to an existing lineage.
func (s *MemoryStore) InsertVersion(ctx context.Context, p *pattern.PatternRecord) (string, error) {
	if p == nil {
		return "", pattern.ErrInvalidPattern
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	currentID, ok := s.current[currentKey(p.DomainID, p.SignatureHash)]
	if !ok {
		return "", pattern.ErrNotFound
	}
	prev := s.patterns[currentID]

	p.Version = prev.Version + 1
	p.IsCurrent = true
	p.Supersedes = prev.ID
	if err := p.Validate(); err != nil {
		return "", err
	}

	prev.IsCurrent = false
	prev.SupersededBy = p.ID
	prev.UpdatedAt = time.Now().UTC()

	cp := clonePattern(p)
	s.patterns[cp.ID] = cp
	s.lineage[lineageKey(cp.DomainID, cp.SignatureHash, cp.Version)] = cp.ID
	s.current[currentKey(cp.DomainID, cp.SignatureHash)] = cp.ID
	return cp.ID, nil
}

// Get retrieves a pattern by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*pattern.PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return nil, pattern.ErrNotFound
	}
	return clonePattern(p), nil
}

// GetCurrent retrieves the current row of a lineage.
func (s *MemoryStore) GetCurrent(ctx context.Context, domainID, signatureHash string) (*pattern.PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.current[currentKey(domainID, signatureHash)]
	if !ok {
		return nil, pattern.ErrNotFound
	}
	return clonePattern(s.patterns[id]), nil
}

// SetStatus transitions a pattern with the expected-status check.
func (s *MemoryStore) SetStatus(ctx context.Context, id string, from, to pattern.Status, reason, actor string) error {
	if !from.Valid() || !to.Valid() {
		return pattern.ErrIllegalTransition
	}
	if !pattern.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", pattern.ErrIllegalTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return pattern.ErrNotFound
	}
	if p.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", pattern.ErrStatusConflict, from, p.Status)
	}

	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	switch to {
	case pattern.StatusPromoted:
		t := now
		p.PromotedAt = &t
	case pattern.StatusDeprecated:
		t := now
		p.DeprecatedAt = &t
		p.DeprecationReason = reason
	}

	s.auditSeq++
	s.audit[id] = append(s.audit[id], pattern.AuditEntry{
		ID:        s.auditSeq,
		PatternID: id,
		OldStatus: from,
		NewStatus: to,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: now,
	})
	return nil
}

// UpdateMetrics persists rolling counters and reliability.
func (s *MemoryStore) UpdateMetrics(ctx context.Context, id string, c pattern.RollingCounters) error {
	if c.InjectionCount < 0 || c.InjectionCount > pattern.WindowSize {
		return fmt.Errorf("%w: injection count %d", pattern.ErrInvalidPattern, c.InjectionCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return pattern.ErrNotFound
	}
	p.Rolling = c
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordObservation bumps provenance counters for a repeat sighting.
func (s *MemoryStore) RecordObservation(ctx context.Context, id, sessionID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return pattern.ErrNotFound
	}

	seenAt = seenAt.UTC()
	if sessionID != "" && !containsString(p.SourceSessionIDs, sessionID) {
		p.SourceSessionIDs = append(p.SourceSessionIDs, sessionID)
	}
	if seenAt.Format("2006-01-02") != p.LastSeenAt.UTC().Format("2006-01-02") {
		p.DistinctDaysSeen++
	}
	p.RecurrenceCount++
	p.LastSeenAt = seenAt
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns matching patterns, newest first.
func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]pattern.PatternRecord, error) {
	f = f.Clamp()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]pattern.PatternRecord, 0)
	for _, p := range s.patterns {
		if f.DomainID != "" && p.DomainID != f.DomainID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.MinConfidence > 0 && p.Confidence < f.MinConfidence {
			continue
		}
		if f.CurrentOnly && !p.IsCurrent {
			continue
		}
		matched = append(matched, *clonePattern(p))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset >= len(matched) {
		return []pattern.PatternRecord{}, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], nil
}

// AuditTrail returns the status-change history, oldest first.
func (s *MemoryStore) AuditTrail(ctx context.Context, id string) ([]pattern.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]pattern.AuditEntry, len(s.audit[id]))
	copy(entries, s.audit[id])
	return entries, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func clonePattern(p *pattern.PatternRecord) *pattern.PatternRecord {
	cp := *p
	cp.DomainCandidates = append([]pattern.DomainCandidate(nil), p.DomainCandidates...)
	cp.Keywords = append([]string(nil), p.Keywords...)
	cp.SourceSessionIDs = append([]string(nil), p.SourceSessionIDs...)
	if p.PromotedAt != nil {
		t := *p.PromotedAt
		cp.PromotedAt = &t
	}
	if p.DeprecatedAt != nil {
		t := *p.DeprecatedAt
		cp.DeprecatedAt = &t
	}
	return &cp
}
