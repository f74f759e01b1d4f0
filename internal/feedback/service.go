// Package feedback keeps cumulative per-node success accounting for
// patterns and derives the confidence score behind recommendations.
//
// Feedback is deliberately separate from the rolling reliability window:
// the window answers "is this pattern working right now", feedback answers
// "how much total evidence supports it". Counts only grow; there is no
// eviction.
package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fullWeightSamples is the evidence count at which the sample-size damper
// stops discounting the raw success rate.
const fullWeightSamples = 5

// ErrEmptyPatternID rejects feedback without a subject.
var ErrEmptyPatternID = errors.New("pattern ID cannot be empty")

// Recommendation is one pattern ranked by cumulative confidence.
type Recommendation struct {
	PatternID    string  `json:"pattern_id"`
	Confidence   float64 `json:"confidence"`
	SampleSize   int     `json:"sample_size"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
}

// Service records cumulative feedback and serves confidence queries.
type Service interface {
	// RecordFeedback adds one success or failure for a pattern under a
	// node type. NodeType may be empty for untyped feedback.
	RecordFeedback(ctx context.Context, patternID, nodeType string, success bool) error

	// Confidence returns the damped success rate across all node types.
	// A pattern with no feedback scores zero.
	Confidence(ctx context.Context, patternID string) (float64, error)

	// Recommended returns patterns at or above minConfidence, sorted by
	// confidence descending. A non-empty nodeType restricts the
	// accounting to that node type.
	Recommended(ctx context.Context, minConfidence float64, nodeType string) ([]Recommendation, error)
}

// Score computes the damped confidence: raw success rate scaled by
// min(sampleSize/fullWeightSamples, 1), so thin evidence cannot produce a
// perfect score.
func Score(successCount, failureCount int) float64 {
	total := successCount + failureCount
	if total == 0 {
		return 0
	}
	rate := float64(successCount) / float64(total)
	weight := float64(total) / float64(fullWeightSamples)
	if weight > 1 {
		weight = 1
	}
	return rate * weight
}

// SQLiteService stores feedback in the pattern_feedback table of the
// shared pattern database.
type SQLiteService struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteService wraps the shared database handle. The schema is owned
// by the pattern store; the handle must already be migrated.
func NewSQLiteService(db *sql.DB, logger *zap.Logger) (*SQLiteService, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteService{db: db, logger: logger}, nil
}

// RecordFeedback upserts one outcome into the (pattern, node type) row.
func (s *SQLiteService) RecordFeedback(ctx context.Context, patternID, nodeType string, success bool) error {
	if patternID == "" {
		return ErrEmptyPatternID
	}

	successInc, failureInc := 0, 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_feedback (pattern_id, node_type, success_count, failure_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (pattern_id, node_type) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count,
			updated_at    = excluded.updated_at`,
		patternID, nodeType, successInc, failureInc, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("recording feedback: %w", err)
	}
	return nil
}

// Confidence aggregates across node types and applies the sample damper.
func (s *SQLiteService) Confidence(ctx context.Context, patternID string) (float64, error) {
	if patternID == "" {
		return 0, ErrEmptyPatternID
	}

	var successCount, failureCount int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(success_count), 0), COALESCE(SUM(failure_count), 0)
		FROM pattern_feedback
		WHERE pattern_id = ?`, patternID).Scan(&successCount, &failureCount)
	if err != nil {
		return 0, fmt.Errorf("querying feedback: %w", err)
	}
	return Score(successCount, failureCount), nil
}

// Recommended ranks patterns by confidence.
func (s *SQLiteService) Recommended(ctx context.Context, minConfidence float64, nodeType string) ([]Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_id, COALESCE(SUM(success_count), 0), COALESCE(SUM(failure_count), 0)
		FROM pattern_feedback
		WHERE (? = '' OR node_type = ?)
		GROUP BY pattern_id`, nodeType, nodeType)
	if err != nil {
		return nil, fmt.Errorf("querying recommendations: %w", err)
	}
	defer rows.Close()

	var recs []Recommendation
	for rows.Next() {
		var r Recommendation
		if err := rows.Scan(&r.PatternID, &r.SuccessCount, &r.FailureCount); err != nil {
			return nil, fmt.Errorf("scanning recommendation: %w", err)
		}
		r.SampleSize = r.SuccessCount + r.FailureCount
		r.Confidence = Score(r.SuccessCount, r.FailureCount)
		if r.Confidence >= minConfidence {
			recs = append(recs, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recommendations: %w", err)
	}

	sortRecommendations(recs)
	return recs, nil
}

// MemoryService is a map-backed Service for tests.
type MemoryService struct {
	mu sync.RWMutex
	// counts[patternID][nodeType]
	counts map[string]map[string]*tally
}

type tally struct {
	success int
	failure int
}

// NewMemoryService creates an empty in-memory feedback service.
func NewMemoryService() *MemoryService {
	return &MemoryService{counts: make(map[string]map[string]*tally)}
}

// RecordFeedback adds one outcome.
func (s *MemoryService) RecordFeedback(ctx context.Context, patternID, nodeType string, success bool) error {
	if patternID == "" {
		return ErrEmptyPatternID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byNode := s.counts[patternID]
	if byNode == nil {
		byNode = make(map[string]*tally)
		s.counts[patternID] = byNode
	}
	c := byNode[nodeType]
	if c == nil {
		c = &tally{}
		byNode[nodeType] = c
	}
	if success {
		c.success++
	} else {
		c.failure++
	}
	return nil
}

// Confidence aggregates across node types.
func (s *MemoryService) Confidence(ctx context.Context, patternID string) (float64, error) {
	if patternID == "" {
		return 0, ErrEmptyPatternID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	successCount, failureCount := 0, 0
	for _, c := range s.counts[patternID] {
		successCount += c.success
		failureCount += c.failure
	}
	return Score(successCount, failureCount), nil
}

// Recommended ranks patterns by confidence.
func (s *MemoryService) Recommended(ctx context.Context, minConfidence float64, nodeType string) ([]Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []Recommendation
	for patternID, byNode := range s.counts {
		r := Recommendation{PatternID: patternID}
		for nt, c := range byNode {
			if nodeType != "" && nt != nodeType {
				continue
			}
			r.SuccessCount += c.success
			r.FailureCount += c.failure
		}
		r.SampleSize = r.SuccessCount + r.FailureCount
		if r.SampleSize == 0 {
			continue
		}
		r.Confidence = Score(r.SuccessCount, r.FailureCount)
		if r.Confidence >= minConfidence {
			recs = append(recs, r)
		}
	}

	sortRecommendations(recs)
	return recs, nil
}

// sortRecommendations orders by confidence descending, pattern id
// ascending for stable ties.
func sortRecommendations(recs []Recommendation) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Confidence != recs[j].Confidence {
			return recs[i].Confidence > recs[j].Confidence
		}
		return recs[i].PatternID < recs[j].PatternID
	})
}
