package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/rolling"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// queueGroup load-balances inbound subjects across daemon replicas.
const queueGroup = "patternd"

// DisableFunc applies a manual disable to a pattern.
type DisableFunc func(ctx context.Context, patternID, reason, actor string) error

// EnqueueFunc schedules a pattern for lifecycle evaluation.
type EnqueueFunc func(patternID string) bool

// SampleFunc feeds a latency/cost observation to the forecaster.
type SampleFunc func(patternID string, latencyMillis, costUnits float64)

// Consumer handles the inbound event streams: pattern observations,
// injection outcomes, and manual disables.
//
// Outcome handling is idempotent: the upstream request id is checked
// against the idempotency store before any counter moves, and marked only
// after the full mutation succeeds.
type Consumer struct {
	store   store.PatternStore
	tracker *rolling.Tracker
	idem    IdempotencyStore
	disable DisableFunc
	logger  *zap.Logger

	enqueue EnqueueFunc
	sample  SampleFunc

	eventsTotal *prometheus.CounterVec

	subs []*nats.Subscription
}

// ConsumerOption configures optional consumer behavior.
type ConsumerOption func(*Consumer)

// WithEnqueue sets the evaluation enqueue hook called after each applied
// outcome.
func WithEnqueue(fn EnqueueFunc) ConsumerOption {
	return func(c *Consumer) {
		c.enqueue = fn
	}
}

// WithSampler sets the forecaster sample hook for outcome events carrying
// latency or cost figures.
func WithSampler(fn SampleFunc) ConsumerOption {
	return func(c *Consumer) {
		c.sample = fn
	}
}

// WithConsumerMetrics registers the consumer counters with reg.
func WithConsumerMetrics(reg prometheus.Registerer) ConsumerOption {
	return func(c *Consumer) {
		if reg == nil {
			return
		}
		c.eventsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "patternd_events_consumed_total",
			Help: "Inbound events handled, by subject and result.",
		}, []string{"subject", "result"})
	}
}

// NewConsumer creates an event consumer. The disable hook is required so
// manual-disable events always have a handler.
func NewConsumer(s store.PatternStore, tr *rolling.Tracker, idem IdempotencyStore, disable DisableFunc, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if s == nil {
		return nil, fmt.Errorf("pattern store cannot be nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if idem == nil {
		return nil, fmt.Errorf("idempotency store cannot be nil")
	}
	if disable == nil {
		return nil, fmt.Errorf("disable hook cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Consumer{
		store:   s,
		tracker: tr,
		idem:    idem,
		disable: disable,
		logger:  logger,
		enqueue: func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe attaches the consumer to the three inbound subjects on nc.
func (c *Consumer) Subscribe(nc *nats.Conn) error {
	handlers := map[string]func(context.Context, []byte) error{
		SubjectPatternObserved: c.HandleObserved,
		SubjectOutcomeReported: c.HandleOutcome,
		SubjectManualDisable:   c.HandleDisable,
	}

	for subject, handler := range handlers {
		subject, handler := subject, handler
		sub, err := nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
			if err := handler(context.Background(), msg.Data); err != nil {
				c.logger.Warn("event handling failed",
					zap.String("subject", subject),
					zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	c.logger.Info("event consumer subscribed", zap.Int("subjects", len(c.subs)))
	return nil
}

// Close drains the subscriptions.
func (c *Consumer) Close() error {
	var firstErr error
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.subs = nil
	return firstErr
}

// HandleObserved processes one pattern observation.
//
// Observations are idempotent by construction: re-announcing a known
// lineage records provenance on the current row instead of inserting a
// duplicate. Observations below the confidence floor are rejected outright
// and never stored.
func (c *Consumer) HandleObserved(ctx context.Context, data []byte) error {
	var evt PatternObserved
	if err := json.Unmarshal(data, &evt); err != nil {
		c.count(SubjectPatternObserved, "invalid")
		return fmt.Errorf("decoding observation: %w", err)
	}
	if evt.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, evt.CorrelationID)
	}

	if err := evt.Validate(); err != nil {
		c.count(SubjectPatternObserved, "invalid")
		if errors.Is(err, pattern.ErrConfidenceBelowFloor) {
			c.logger.Info("observation below confidence floor, dropped",
				append(logging.ContextFields(ctx),
					zap.String("domain_id", evt.DomainID),
					zap.Float64("confidence", evt.Confidence))...)
			return nil
		}
		return fmt.Errorf("invalid observation: %w", err)
	}

	rec, err := pattern.NewPatternRecord(evt.Signature, evt.SignatureHash, evt.DomainID, evt.Confidence, evt.SourceSessionIDs)
	if err != nil {
		c.count(SubjectPatternObserved, "invalid")
		return fmt.Errorf("building pattern record: %w", err)
	}

	id, err := c.store.Insert(ctx, rec)
	switch {
	case err == nil:
		c.count(SubjectPatternObserved, "inserted")
		c.logger.Info("pattern observed",
			append(logging.ContextFields(ctx),
				zap.String("pattern_id", id),
				zap.String("domain_id", evt.DomainID))...)
		return nil

	case errors.Is(err, pattern.ErrDuplicate):
		return c.recordRepeatObservation(ctx, evt)

	default:
		c.count(SubjectPatternObserved, "error")
		return fmt.Errorf("inserting pattern: %w", err)
	}
}

// recordRepeatObservation attaches provenance from a re-announcement to
// the lineage's current row.
func (c *Consumer) recordRepeatObservation(ctx context.Context, evt PatternObserved) error {
	current, err := c.store.GetCurrent(ctx, evt.DomainID, evt.SignatureHash)
	if err != nil {
		c.count(SubjectPatternObserved, "error")
		return fmt.Errorf("resolving current pattern: %w", err)
	}

	now := time.Now().UTC()
	sessions := evt.SourceSessionIDs
	if len(sessions) == 0 {
		sessions = []string{""}
	}
	for _, sessionID := range sessions {
		if err := c.store.RecordObservation(ctx, current.ID, sessionID, now); err != nil {
			c.count(SubjectPatternObserved, "error")
			return fmt.Errorf("recording observation: %w", err)
		}
	}

	c.count(SubjectPatternObserved, "duplicate")
	c.logger.Debug("repeat observation recorded",
		append(logging.ContextFields(ctx),
			zap.String("pattern_id", current.ID))...)
	return nil
}

// HandleOutcome processes one injection outcome.
//
// The request id gates the whole mutation: a replayed event is dropped
// before any counter moves, and the id is marked only after metrics are
// persisted, so a crash between the two leaves a retryable event rather
// than a lost one.
func (c *Consumer) HandleOutcome(ctx context.Context, data []byte) error {
	var evt OutcomeReported
	if err := json.Unmarshal(data, &evt); err != nil {
		c.count(SubjectOutcomeReported, "invalid")
		return fmt.Errorf("decoding outcome: %w", err)
	}
	if err := evt.Validate(); err != nil {
		c.count(SubjectOutcomeReported, "invalid")
		return fmt.Errorf("invalid outcome: %w", err)
	}
	ctx = logging.WithPatternID(logging.WithRequestID(ctx, evt.RequestID), evt.PatternID)

	seen, err := c.idem.Seen(evt.RequestID)
	if err != nil {
		c.count(SubjectOutcomeReported, "error")
		return fmt.Errorf("checking idempotency: %w", err)
	}
	if seen {
		c.count(SubjectOutcomeReported, "duplicate")
		c.logger.Debug("duplicate outcome dropped",
			logging.ContextFields(ctx)...)
		return nil
	}

	if _, err := c.store.Get(ctx, evt.PatternID); err != nil {
		c.count(SubjectOutcomeReported, "error")
		return fmt.Errorf("loading pattern for outcome: %w", err)
	}

	success := evt.Outcome == OutcomeSuccess
	delta := 1.0
	if !success {
		delta = -1.0
	}
	c.tracker.RecordOutcome(evt.PatternID, success)
	counters := c.tracker.ApplyReward(evt.PatternID, delta)

	if err := c.store.UpdateMetrics(ctx, evt.PatternID, counters); err != nil {
		c.count(SubjectOutcomeReported, "error")
		return fmt.Errorf("persisting metrics: %w", err)
	}

	if c.sample != nil && (evt.LatencyMillis > 0 || evt.CostUnits > 0) {
		c.sample(evt.PatternID, evt.LatencyMillis, evt.CostUnits)
	}
	c.enqueue(evt.PatternID)

	if err := c.idem.MarkSeen(evt.RequestID); err != nil {
		c.count(SubjectOutcomeReported, "error")
		return fmt.Errorf("marking idempotency key: %w", err)
	}

	c.count(SubjectOutcomeReported, "applied")
	c.logger.Debug("outcome applied",
		append(logging.ContextFields(ctx),
			zap.String("outcome", string(evt.Outcome)),
			zap.Float64("reliability", counters.Reliability))...)
	return nil
}

// HandleDisable processes one manual-disable event.
func (c *Consumer) HandleDisable(ctx context.Context, data []byte) error {
	var evt ManualDisable
	if err := json.Unmarshal(data, &evt); err != nil {
		c.count(SubjectManualDisable, "invalid")
		return fmt.Errorf("decoding disable: %w", err)
	}
	if err := evt.Validate(); err != nil {
		c.count(SubjectManualDisable, "invalid")
		return fmt.Errorf("invalid disable: %w", err)
	}
	ctx = logging.WithPatternID(ctx, evt.PatternID)

	if err := c.disable(ctx, evt.PatternID, evt.Reason, evt.Actor); err != nil {
		c.count(SubjectManualDisable, "error")
		return fmt.Errorf("disabling pattern: %w", err)
	}

	c.count(SubjectManualDisable, "applied")
	c.logger.Info("manual disable applied",
		append(logging.ContextFields(ctx),
			zap.String("actor", evt.Actor),
			zap.String("reason", evt.Reason))...)
	return nil
}

func (c *Consumer) count(subject, result string) {
	if c.eventsTotal != nil {
		c.eventsTotal.WithLabelValues(subject, result).Inc()
	}
}
