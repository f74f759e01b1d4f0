package evaluator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/rolling"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// Promoter evaluates patterns for upward transitions: candidate or
// provisional to validated, validated to promoted.
type Promoter struct {
	store      store.PatternStore
	tracker    *rolling.Tracker
	thresholds pattern.TransitionThresholds
	tracer     trace.Tracer
	emitter
}

// NewPromoter creates a promotion evaluator. The store, tracker, and
// publisher are required capabilities; metrics may be nil.
func NewPromoter(s store.PatternStore, tr *rolling.Tracker, pub events.Publisher, logger *zap.Logger, th pattern.TransitionThresholds, retryCfg RetryConfig, m *Metrics) (*Promoter, error) {
	if s == nil {
		return nil, fmt.Errorf("pattern store cannot be nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retryCfg.ApplyDefaults()

	return &Promoter{
		store:      s,
		tracker:    tr,
		thresholds: th,
		tracer:     otel.Tracer("patternd/evaluator"),
		emitter: emitter{
			publisher: pub,
			logger:    logger,
			retry:     retryCfg,
			metrics:   m,
		},
	}, nil
}

// Evaluate runs one promotion pass over the pattern.
//
// Deprecated patterns are a hard gate independent of the state machine: a
// manually disabled pattern must never be resurrected by automation, so
// the call fails with pattern.ErrPatternDisabled before any decision is
// computed. A concurrent transition surfaces as pattern.ErrStatusConflict
// ("already transitioned"); the caller re-reads and re-evaluates rather
// than retrying the same write.
func (p *Promoter) Evaluate(ctx context.Context, patternID string, dryRun bool) (Decision, error) {
	ctx = logging.WithPatternID(ctx, patternID)
	ctx, span := p.tracer.Start(ctx, "promoter.evaluate")
	span.SetAttributes(spanAttributes(patternID, dryRun)...)
	defer span.End()

	rec, err := p.store.Get(ctx, patternID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading pattern: %w", err)
	}

	if rec.Status == pattern.StatusDeprecated {
		p.logger.Error("refusing to evaluate deprecated pattern for promotion",
			append(logging.ContextFields(ctx), zap.String("pattern_id", patternID))...)
		p.metrics.recordEvaluation("promoter", "refused")
		return Decision{}, fmt.Errorf("%w: %s", pattern.ErrPatternDisabled, patternID)
	}

	counters := p.tracker.Snapshot(patternID)
	snapshot := pattern.Snapshot{
		Reliability:   counters.Reliability,
		RunCount:      p.tracker.RunCount(patternID),
		PositiveRatio: counters.PositiveRatio(),
	}

	decision := Decision{
		PatternID:   patternID,
		From:        rec.Status,
		DryRun:      dryRun,
		Reliability: snapshot.Reliability,
		RunCount:    snapshot.RunCount,
	}

	next := pattern.NextState(rec.Status, snapshot, p.thresholds)
	if next == rec.Status {
		decision.Reason = "thresholds not met"
		p.metrics.recordEvaluation("promoter", "not_eligible")
		return decision, nil
	}
	if next == pattern.StatusDeprecated {
		// Degradation belongs to the demotion evaluator.
		decision.Reason = "degradation pending"
		p.metrics.recordEvaluation("promoter", "not_eligible")
		return decision, nil
	}

	decision.To = next
	decision.Eligible = true
	switch next {
	case pattern.StatusPromoted:
		decision.Reason = "cleared promotion thresholds"
	case pattern.StatusValidated:
		decision.Reason = "cleared validation thresholds"
	}

	if dryRun {
		p.metrics.recordEvaluation("promoter", "dry_run")
		return decision, nil
	}

	err = retry(ctx, p.retry, p.logger, "set status", func() error {
		return p.store.SetStatus(ctx, patternID, rec.Status, next, decision.Reason, "promotion-evaluator")
	})
	if err != nil {
		p.metrics.recordEvaluation("promoter", "error")
		return Decision{}, fmt.Errorf("committing transition: %w", err)
	}

	p.metrics.recordEvaluation("promoter", "committed")
	p.metrics.recordTransition(string(rec.Status), string(next))
	p.logger.Info("pattern promoted",
		append(logging.ContextFields(ctx),
			zap.String("pattern_id", patternID),
			zap.String("from", string(rec.Status)),
			zap.String("to", string(next)),
			zap.Float64("reliability", snapshot.Reliability),
			zap.Int("run_count", snapshot.RunCount))...)

	p.emitTransition(ctx, events.SubjectPatternPromoted, events.TransitionEvent{
		PatternID:      patternID,
		PreviousStatus: rec.Status,
		NewStatus:      next,
		Reliability:    snapshot.Reliability,
		RunCount:       snapshot.RunCount,
		Reason:         decision.Reason,
		CorrelationID:  logging.CorrelationIDFromContext(ctx),
		Timestamp:      time.Now().UTC(),
	})

	return decision, nil
}
