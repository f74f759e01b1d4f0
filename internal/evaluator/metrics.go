package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the evaluator prometheus instruments.
type Metrics struct {
	transitionsTotal *prometheus.CounterVec
	deadLettersTotal prometheus.Counter
	evaluationsTotal *prometheus.CounterVec
}

// NewMetrics registers the evaluator metrics with reg. A nil registerer
// yields a disabled Metrics (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	return &Metrics{
		transitionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "patternd_transitions_total",
			Help: "Committed lifecycle transitions, by from/to status.",
		}, []string{"from", "to"}),
		deadLettersTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "patternd_dead_letters_total",
			Help: "Transition events routed to the dead-letter subject.",
		}),
		evaluationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "patternd_evaluations_total",
			Help: "Evaluator runs, by evaluator and result.",
		}, []string{"evaluator", "result"}),
	}
}

func (m *Metrics) recordTransition(from, to string) {
	if m != nil && m.transitionsTotal != nil {
		m.transitionsTotal.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) recordDeadLetter() {
	if m != nil && m.deadLettersTotal != nil {
		m.deadLettersTotal.Inc()
	}
}

func (m *Metrics) recordEvaluation(evaluator, result string) {
	if m != nil && m.evaluationsTotal != nil {
		m.evaluationsTotal.WithLabelValues(evaluator, result).Inc()
	}
}
