// Package evaluator applies the lifecycle state machine to stored
// patterns and commits the resulting transitions.
//
// The Promoter advances patterns upward (validation, promotion); the
// Demoter retires them (degradation, blacklisting, manual disable). Both
// support a dry-run mode that computes the would-be transition without
// writing or publishing. Transitions are serialized per pattern by the
// repository's expected-status check: of two concurrent evaluations
// exactly one commits, the other observes a conflict and re-reads.
//
// Dependency failures are retried with exponential backoff; committed
// status changes are the durable fact and are never rolled back when the
// follow-up event publish fails — the event is dead-lettered instead.
package evaluator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Decision is the outcome of one evaluation pass.
type Decision struct {
	PatternID   string         `json:"pattern_id"`
	From        pattern.Status `json:"from"`
	To          pattern.Status `json:"to,omitempty"`
	Eligible    bool           `json:"eligible"`
	DryRun      bool           `json:"dry_run"`
	Reliability float64        `json:"reliability"`
	RunCount    int            `json:"run_count"`
	Reason      string         `json:"reason,omitempty"`
}

// emitter publishes transition events with retry and dead-letter fallback.
type emitter struct {
	publisher events.Publisher
	logger    *zap.Logger
	retry     RetryConfig
	metrics   *Metrics
}

// emitTransition publishes event to subject. The status write preceding
// this call is durable; publish failure is absorbed: after the retry
// budget the event is routed to the dead-letter subject and the error is
// not propagated.
func (e *emitter) emitTransition(ctx context.Context, subject string, event events.TransitionEvent) {
	err := retry(ctx, e.retry, e.logger, "publish "+subject, func() error {
		return e.publisher.Publish(ctx, subject, event)
	})
	if err == nil {
		return
	}

	e.logger.Error("transition event publish exhausted retries, dead-lettering",
		append(logging.ContextFields(ctx),
			zap.String("subject", subject),
			zap.String("pattern_id", event.PatternID),
			zap.Error(err))...)
	e.metrics.recordDeadLetter()

	dl := events.DeadLetter{
		Subject:   subject,
		Event:     event,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if dlErr := e.publisher.Publish(ctx, events.SubjectDeadLetter, dl); dlErr != nil {
		e.logger.Error("dead-letter publish failed",
			zap.String("subject", subject),
			zap.String("pattern_id", event.PatternID),
			zap.Error(dlErr))
	}
}

func spanAttributes(id string, dryRun bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pattern.id", id),
		attribute.Bool("dry_run", dryRun),
	}
}
