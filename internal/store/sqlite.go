package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
	id                 TEXT PRIMARY KEY,
	signature          TEXT NOT NULL,
	signature_hash     TEXT NOT NULL,
	domain_id          TEXT NOT NULL,
	domain_version     TEXT NOT NULL DEFAULT '',
	domain_candidates  TEXT NOT NULL DEFAULT '[]',
	keywords           TEXT NOT NULL DEFAULT '[]',
	confidence         REAL NOT NULL,
	quality_score      REAL NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	promoted_at        INTEGER,
	deprecated_at      INTEGER,
	deprecation_reason TEXT NOT NULL DEFAULT '',
	source_session_ids TEXT NOT NULL DEFAULT '[]',
	recurrence_count   INTEGER NOT NULL DEFAULT 1,
	first_seen_at      INTEGER NOT NULL,
	last_seen_at       INTEGER NOT NULL,
	distinct_days_seen INTEGER NOT NULL DEFAULT 1,
	injection_count    INTEGER NOT NULL DEFAULT 0,
	success_count      INTEGER NOT NULL DEFAULT 0,
	failure_count      INTEGER NOT NULL DEFAULT 0,
	failure_streak     INTEGER NOT NULL DEFAULT 0,
	reliability        REAL NOT NULL DEFAULT 0.5,
	version            INTEGER NOT NULL DEFAULT 1,
	is_current         INTEGER NOT NULL DEFAULT 1,
	supersedes         TEXT NOT NULL DEFAULT '',
	superseded_by      TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_lineage_version
	ON patterns(domain_id, signature_hash, version);
CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_lineage_current
	ON patterns(domain_id, signature_hash) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_patterns_domain_status ON patterns(domain_id, status);
CREATE INDEX IF NOT EXISTS idx_patterns_status ON patterns(status);

CREATE TABLE IF NOT EXISTS pattern_audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_id TEXT NOT NULL,
	old_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pattern_audit_pattern ON pattern_audit(pattern_id);

CREATE TABLE IF NOT EXISTS pattern_feedback (
	pattern_id    TEXT NOT NULL,
	node_type     TEXT NOT NULL DEFAULT '',
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (pattern_id, node_type)
);
`

// SQLiteStore is the sqlite-backed PatternStore used by the daemon.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the pattern database at path and
// applies the schema. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening pattern database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under the evaluator worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the handle for sibling services sharing the database
// (feedback accounting lives in its own table).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert stores a new pattern lineage.
func (s *SQLiteStore) Insert(ctx context.Context, p *pattern.PatternRecord) (string, error) {
	if p == nil {
		return "", pattern.ErrInvalidPattern
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (
			id, signature, signature_hash, domain_id, domain_version,
			domain_candidates, keywords, confidence, quality_score, status,
			promoted_at, deprecated_at, deprecation_reason, source_session_ids,
			recurrence_count, first_seen_at, last_seen_at, distinct_days_seen,
			injection_count, success_count, failure_count, failure_streak,
			reliability, version, is_current, supersedes, superseded_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Signature, p.SignatureHash, p.DomainID, p.DomainVersion,
		marshalJSON(p.DomainCandidates), marshalJSON(p.Keywords),
		p.Confidence, p.QualityScore, string(p.Status),
		nullMillis(p.PromotedAt), nullMillis(p.DeprecatedAt), p.DeprecationReason,
		marshalJSON(p.SourceSessionIDs),
		p.RecurrenceCount, p.FirstSeenAt.UnixMilli(), p.LastSeenAt.UnixMilli(), p.DistinctDaysSeen,
		p.Rolling.InjectionCount, p.Rolling.SuccessCount, p.Rolling.FailureCount, p.Rolling.FailureStreak,
		p.Rolling.Reliability, p.Version, boolInt(p.IsCurrent), p.Supersedes, p.SupersededBy,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return "", pattern.ErrDuplicate
		}
		return "", fmt.Errorf("inserting pattern: %w", err)
	}

	s.logger.Debug("pattern inserted",
		zap.String("pattern_id", p.ID),
		zap.String("domain_id", p.DomainID),
		zap.String("signature_hash", p.SignatureHash))
	return p.ID, nil
}

// InsertVersion appends a new version to an existing lineage.
func (s *SQLiteStore) InsertVersion(ctx context.Context, p *pattern.PatternRecord) (string, error) {
	if p == nil {
		return "", pattern.ErrInvalidPattern
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var currentID string
	var currentVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT id, version FROM patterns WHERE domain_id = ? AND signature_hash = ? AND is_current = 1`,
		p.DomainID, p.SignatureHash).Scan(&currentID, &currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return "", pattern.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading current version: %w", err)
	}

	p.Version = currentVersion + 1
	p.IsCurrent = true
	p.Supersedes = currentID
	if err := p.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE patterns SET is_current = 0, superseded_by = ?, updated_at = ? WHERE id = ?`,
		p.ID, now.UnixMilli(), currentID); err != nil {
		return "", fmt.Errorf("retiring previous version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patterns (
			id, signature, signature_hash, domain_id, domain_version,
			domain_candidates, keywords, confidence, quality_score, status,
			promoted_at, deprecated_at, deprecation_reason, source_session_ids,
			recurrence_count, first_seen_at, last_seen_at, distinct_days_seen,
			injection_count, success_count, failure_count, failure_streak,
			reliability, version, is_current, supersedes, superseded_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Signature, p.SignatureHash, p.DomainID, p.DomainVersion,
		marshalJSON(p.DomainCandidates), marshalJSON(p.Keywords),
		p.Confidence, p.QualityScore, string(p.Status),
		nullMillis(p.PromotedAt), nullMillis(p.DeprecatedAt), p.DeprecationReason,
		marshalJSON(p.SourceSessionIDs),
		p.RecurrenceCount, p.FirstSeenAt.UnixMilli(), p.LastSeenAt.UnixMilli(), p.DistinctDaysSeen,
		p.Rolling.InjectionCount, p.Rolling.SuccessCount, p.Rolling.FailureCount, p.Rolling.FailureStreak,
		p.Rolling.Reliability, p.Version, 1, p.Supersedes, p.SupersededBy,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli()); err != nil {
		if isUniqueViolation(err) {
			return "", pattern.ErrDuplicate
		}
		return "", fmt.Errorf("inserting version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing version insert: %w", err)
	}

	s.logger.Debug("pattern version appended",
		zap.String("pattern_id", p.ID),
		zap.String("supersedes", currentID),
		zap.Int("version", p.Version))
	return p.ID, nil
}

// Get retrieves a pattern by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*pattern.PatternRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.ErrNotFound
	}
	return p, err
}

// GetCurrent retrieves the current row of a lineage.
func (s *SQLiteStore) GetCurrent(ctx context.Context, domainID, signatureHash string) (*pattern.PatternRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM patterns WHERE domain_id = ? AND signature_hash = ? AND is_current = 1`,
		domainID, signatureHash)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.ErrNotFound
	}
	return p, err
}

// SetStatus transitions a pattern between lifecycle states with an
// optimistic expected-status check, appending an audit row on success.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, from, to pattern.Status, reason, actor string) error {
	if !from.Valid() || !to.Valid() {
		return pattern.ErrIllegalTransition
	}
	if !pattern.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", pattern.ErrIllegalTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `UPDATE patterns SET status = ?, updated_at = ?`
	args := []any{string(to), now.UnixMilli()}
	switch to {
	case pattern.StatusPromoted:
		query += `, promoted_at = ?`
		args = append(args, now.UnixMilli())
	case pattern.StatusDeprecated:
		query += `, deprecated_at = ?, deprecation_reason = ?`
		args = append(args, now.UnixMilli(), reason)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a concurrent transition.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM patterns WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return pattern.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking current status: %w", err)
		}
		return fmt.Errorf("%w: expected %s, found %s", pattern.ErrStatusConflict, from, current)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pattern_audit (pattern_id, old_status, new_status, reason, actor, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(from), string(to), reason, actor, now.UnixMilli()); err != nil {
		return fmt.Errorf("appending audit row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status change: %w", err)
	}

	s.logger.Info("pattern status changed",
		zap.String("pattern_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.String("actor", actor))
	return nil
}

// UpdateMetrics persists the rolling counters and reliability.
func (s *SQLiteStore) UpdateMetrics(ctx context.Context, id string, c pattern.RollingCounters) error {
	if c.InjectionCount < 0 || c.InjectionCount > pattern.WindowSize {
		return fmt.Errorf("%w: injection count %d", pattern.ErrInvalidPattern, c.InjectionCount)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET
			injection_count = ?, success_count = ?, failure_count = ?,
			failure_streak = ?, reliability = ?, updated_at = ?
		WHERE id = ?`,
		c.InjectionCount, c.SuccessCount, c.FailureCount,
		c.FailureStreak, c.Reliability, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("updating metrics: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return pattern.ErrNotFound
	}
	return nil
}

// RecordObservation bumps recurrence and provenance for a repeat sighting.
func (s *SQLiteStore) RecordObservation(ctx context.Context, id, sessionID string, seenAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionsJSON string
	var lastSeenMillis int64
	var distinctDays int
	err = tx.QueryRowContext(ctx,
		`SELECT source_session_ids, last_seen_at, distinct_days_seen FROM patterns WHERE id = ?`, id).
		Scan(&sessionsJSON, &lastSeenMillis, &distinctDays)
	if errors.Is(err, sql.ErrNoRows) {
		return pattern.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading provenance: %w", err)
	}

	var sessions []string
	if err := json.Unmarshal([]byte(sessionsJSON), &sessions); err != nil {
		return fmt.Errorf("%w: source_session_ids: %v", pattern.ErrSchemaViolation, err)
	}
	if sessionID != "" && !containsString(sessions, sessionID) {
		sessions = append(sessions, sessionID)
	}

	seenAt = seenAt.UTC()
	lastSeen := time.UnixMilli(lastSeenMillis).UTC()
	if seenAt.Format("2006-01-02") != lastSeen.Format("2006-01-02") {
		distinctDays++
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE patterns SET
			source_session_ids = ?, recurrence_count = recurrence_count + 1,
			last_seen_at = ?, distinct_days_seen = ?, updated_at = ?
		WHERE id = ?`,
		marshalJSON(sessions), seenAt.UnixMilli(), distinctDays, time.Now().UTC().UnixMilli(), id); err != nil {
		return fmt.Errorf("recording observation: %w", err)
	}

	return tx.Commit()
}

// List returns patterns matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]pattern.PatternRecord, error) {
	f = f.Clamp()

	query := selectColumns + ` FROM patterns WHERE 1=1`
	args := []any{}
	if f.DomainID != "" {
		query += ` AND domain_id = ?`
		args = append(args, f.DomainID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, f.MinConfidence)
	}
	if f.CurrentOnly {
		query += ` AND is_current = 1`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}
	defer rows.Close()

	patterns := make([]pattern.PatternRecord, 0, f.Limit)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patterns: %w", err)
	}
	return patterns, nil
}

// AuditTrail returns the status-change history for a pattern, oldest first.
func (s *SQLiteStore) AuditTrail(ctx context.Context, id string) ([]pattern.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern_id, old_status, new_status, reason, actor, created_at
		 FROM pattern_audit WHERE pattern_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading audit trail: %w", err)
	}
	defer rows.Close()

	var entries []pattern.AuditEntry
	for rows.Next() {
		var e pattern.AuditEntry
		var oldStatus, newStatus string
		var createdMillis int64
		if err := rows.Scan(&e.ID, &e.PatternID, &oldStatus, &newStatus, &e.Reason, &e.Actor, &createdMillis); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.OldStatus = pattern.Status(oldStatus)
		e.NewStatus = pattern.Status(newStatus)
		e.CreatedAt = time.UnixMilli(createdMillis).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const selectColumns = `SELECT
	id, signature, signature_hash, domain_id, domain_version,
	domain_candidates, keywords, confidence, quality_score, status,
	promoted_at, deprecated_at, deprecation_reason, source_session_ids,
	recurrence_count, first_seen_at, last_seen_at, distinct_days_seen,
	injection_count, success_count, failure_count, failure_streak,
	reliability, version, is_current, supersedes, superseded_by,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPattern maps a row to a PatternRecord, surfacing rows that violate
// the storage contract as pattern.ErrSchemaViolation rather than silently
// dropping them.
func scanPattern(row rowScanner) (*pattern.PatternRecord, error) {
	var p pattern.PatternRecord
	var candidatesJSON, keywordsJSON, sessionsJSON, status string
	var promotedMillis, deprecatedMillis sql.NullInt64
	var firstSeen, lastSeen, created, updated int64
	var isCurrent int

	err := row.Scan(
		&p.ID, &p.Signature, &p.SignatureHash, &p.DomainID, &p.DomainVersion,
		&candidatesJSON, &keywordsJSON, &p.Confidence, &p.QualityScore, &status,
		&promotedMillis, &deprecatedMillis, &p.DeprecationReason, &sessionsJSON,
		&p.RecurrenceCount, &firstSeen, &lastSeen, &p.DistinctDaysSeen,
		&p.Rolling.InjectionCount, &p.Rolling.SuccessCount, &p.Rolling.FailureCount,
		&p.Rolling.FailureStreak, &p.Rolling.Reliability, &p.Version, &isCurrent,
		&p.Supersedes, &p.SupersededBy, &created, &updated)
	if err != nil {
		return nil, err
	}

	p.Status = pattern.Status(status)
	if !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q on pattern %s", pattern.ErrSchemaViolation, status, p.ID)
	}
	if p.Confidence < pattern.ConfidenceFloor || p.Confidence > 1.0 {
		return nil, fmt.Errorf("%w: confidence %.3f on pattern %s", pattern.ErrSchemaViolation, p.Confidence, p.ID)
	}
	if err := json.Unmarshal([]byte(candidatesJSON), &p.DomainCandidates); err != nil {
		return nil, fmt.Errorf("%w: domain_candidates on pattern %s: %v", pattern.ErrSchemaViolation, p.ID, err)
	}
	if err := json.Unmarshal([]byte(keywordsJSON), &p.Keywords); err != nil {
		return nil, fmt.Errorf("%w: keywords on pattern %s: %v", pattern.ErrSchemaViolation, p.ID, err)
	}
	if err := json.Unmarshal([]byte(sessionsJSON), &p.SourceSessionIDs); err != nil {
		return nil, fmt.Errorf("%w: source_session_ids on pattern %s: %v", pattern.ErrSchemaViolation, p.ID, err)
	}

	if promotedMillis.Valid {
		t := time.UnixMilli(promotedMillis.Int64).UTC()
		p.PromotedAt = &t
	}
	if deprecatedMillis.Valid {
		t := time.UnixMilli(deprecatedMillis.Int64).UTC()
		p.DeprecatedAt = &t
	}
	p.FirstSeenAt = time.UnixMilli(firstSeen).UTC()
	p.LastSeenAt = time.UnixMilli(lastSeen).UTC()
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	p.IsCurrent = isCurrent == 1

	return &p, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
