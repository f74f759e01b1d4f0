package evaluator

import (
	"context"
	"errors"
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

// BlacklistReason marks deprecations triggered by the hard reliability
// floor. The audit row carries the distinction; the status set stays
// closed.
const BlacklistReason = "blacklisted"

// Demoter evaluates the degradation branch and exposes the manual-disable
// hard trigger.
type Demoter struct {
	store      store.PatternStore
	tracker    *rolling.Tracker
	thresholds pattern.TransitionThresholds
	tracer     trace.Tracer
	emitter
}

// NewDemoter creates a demotion evaluator.
func NewDemoter(s store.PatternStore, tr *rolling.Tracker, pub events.Publisher, logger *zap.Logger, th pattern.TransitionThresholds, retryCfg RetryConfig, m *Metrics) (*Demoter, error) {
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

	return &Demoter{
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

// Evaluate runs one demotion pass over the pattern.
//
// Deprecated patterns are terminal and report "not eligible" rather than
// an error: the demoter's job is already done. Blacklisting fires at most
// once per pattern: reliability under the blacklist floor deprecates with
// BlacklistReason, and the tracker remembers the action so the check is
// idempotent.
func (d *Demoter) Evaluate(ctx context.Context, patternID string, dryRun bool) (Decision, error) {
	ctx = logging.WithPatternID(ctx, patternID)
	ctx, span := d.tracer.Start(ctx, "demoter.evaluate")
	span.SetAttributes(spanAttributes(patternID, dryRun)...)
	defer span.End()

	rec, err := d.store.Get(ctx, patternID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading pattern: %w", err)
	}

	counters := d.tracker.Snapshot(patternID)
	snapshot := pattern.Snapshot{
		Reliability:   counters.Reliability,
		RunCount:      d.tracker.RunCount(patternID),
		PositiveRatio: counters.PositiveRatio(),
	}

	decision := Decision{
		PatternID:   patternID,
		From:        rec.Status,
		DryRun:      dryRun,
		Reliability: snapshot.Reliability,
		RunCount:    snapshot.RunCount,
	}

	if rec.Status == pattern.StatusDeprecated {
		decision.Reason = "already deprecated"
		d.metrics.recordEvaluation("demoter", "not_eligible")
		return decision, nil
	}

	reason := ""
	if rolling.ShouldBlacklist(snapshot.Reliability, d.thresholds, d.tracker.Blacklisted(patternID)) && snapshot.RunCount > 0 {
		reason = BlacklistReason
	} else if next := pattern.NextState(rec.Status, snapshot, d.thresholds); next == pattern.StatusDeprecated {
		reason = "reliability below floor"
	}

	if reason == "" {
		decision.Reason = "reliability within bounds"
		d.metrics.recordEvaluation("demoter", "not_eligible")
		return decision, nil
	}

	decision.To = pattern.StatusDeprecated
	decision.Eligible = true
	decision.Reason = reason

	if dryRun {
		d.metrics.recordEvaluation("demoter", "dry_run")
		return decision, nil
	}

	if err := d.commit(ctx, rec.Status, decision, "demotion-evaluator"); err != nil {
		return Decision{}, err
	}
	if reason == BlacklistReason {
		d.tracker.MarkBlacklisted(patternID)
	}
	return decision, nil
}

// Disable is the hard trigger: immediate deprecation bypassing the
// evaluation cadence and thresholds, recording the explicit reason.
// Disabling an already-deprecated pattern is a no-op.
func (d *Demoter) Disable(ctx context.Context, patternID, reason, actor string) error {
	ctx = logging.WithPatternID(ctx, patternID)
	ctx, span := d.tracer.Start(ctx, "demoter.disable")
	span.SetAttributes(spanAttributes(patternID, false)...)
	defer span.End()

	if reason == "" {
		return errors.New("disable requires a reason")
	}

	rec, err := d.store.Get(ctx, patternID)
	if err != nil {
		return fmt.Errorf("loading pattern: %w", err)
	}
	if rec.Status == pattern.StatusDeprecated {
		d.logger.Debug("disable requested for already-deprecated pattern",
			append(logging.ContextFields(ctx), zap.String("pattern_id", patternID))...)
		return nil
	}

	counters := d.tracker.Snapshot(patternID)
	decision := Decision{
		PatternID:   patternID,
		From:        rec.Status,
		To:          pattern.StatusDeprecated,
		Eligible:    true,
		Reliability: counters.Reliability,
		RunCount:    d.tracker.RunCount(patternID),
		Reason:      reason,
	}
	return d.commit(ctx, rec.Status, decision, actor)
}

// commit writes the deprecation and emits the demoted event.
func (d *Demoter) commit(ctx context.Context, from pattern.Status, decision Decision, actor string) error {
	err := retry(ctx, d.retry, d.logger, "set status", func() error {
		return d.store.SetStatus(ctx, decision.PatternID, from, pattern.StatusDeprecated, decision.Reason, actor)
	})
	if err != nil {
		d.metrics.recordEvaluation("demoter", "error")
		return fmt.Errorf("committing transition: %w", err)
	}

	d.metrics.recordEvaluation("demoter", "committed")
	d.metrics.recordTransition(string(from), string(pattern.StatusDeprecated))
	d.logger.Info("pattern demoted",
		append(logging.ContextFields(ctx),
			zap.String("pattern_id", decision.PatternID),
			zap.String("from", string(from)),
			zap.String("reason", decision.Reason),
			zap.String("actor", actor))...)

	d.emitTransition(ctx, events.SubjectPatternDemoted, events.TransitionEvent{
		PatternID:      decision.PatternID,
		PreviousStatus: from,
		NewStatus:      pattern.StatusDeprecated,
		Reliability:    decision.Reliability,
		RunCount:       decision.RunCount,
		Reason:         decision.Reason,
		CorrelationID:  logging.CorrelationIDFromContext(ctx),
		Timestamp:      time.Now().UTC(),
	})
	return nil
}
