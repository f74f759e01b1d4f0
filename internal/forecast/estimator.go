// Package forecast estimates latency and cost baselines per pattern from
// completed injection outcomes.
//
// Estimates are advisory: they feed operator dashboards and the
// recommendation API, never lifecycle decisions. Each pattern keeps a
// bounded window of recent samples per metric plus an EMA-smoothed mean
// whose learning rate decays as evidence accumulates.
package forecast

import (
	"math"
	"sort"
	"sync"
)

// Metric selects which sample series of a pattern is consulted.
type Metric string

const (
	MetricLatency Metric = "latency_ms"
	MetricCost    Metric = "cost_units"
)

// defaultWindowSize bounds each sample series.
const defaultWindowSize = 128

// series is one bounded sample ring with a running EMA mean.
type series struct {
	samples []float64
	head    int
	size    int
	mean    float64
	count   int
}

func (s *series) observe(v float64, capacity int) {
	if s.samples == nil {
		s.samples = make([]float64, capacity)
	}
	s.samples[s.head] = v
	s.head = (s.head + 1) % capacity
	if s.size < capacity {
		s.size++
	}

	alpha := 1.0 / float64(s.count+1)
	s.mean += alpha * (v - s.mean)
	s.count++
}

// window returns the live samples in arbitrary order.
func (s *series) window() []float64 {
	out := make([]float64, s.size)
	copy(out, s.samples[:s.size])
	return out
}

// Estimator accumulates latency/cost samples keyed by pattern.
//
// Safe for concurrent use; the event consumer writes while the query API
// reads.
type Estimator struct {
	mu         sync.RWMutex
	windowSize int
	byPattern  map[string]map[Metric]*series
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithWindowSize overrides the per-series sample bound.
func WithWindowSize(n int) Option {
	return func(e *Estimator) {
		if n > 0 {
			e.windowSize = n
		}
	}
}

// NewEstimator creates an empty estimator.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{
		windowSize: defaultWindowSize,
		byPattern:  make(map[string]map[Metric]*series),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe records one completed outcome's figures. Non-positive values
// mean the upstream event did not carry that metric and are skipped.
func (e *Estimator) Observe(patternID string, latencyMillis, costUnits float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if latencyMillis > 0 {
		e.seriesLocked(patternID, MetricLatency).observe(latencyMillis, e.windowSize)
	}
	if costUnits > 0 {
		e.seriesLocked(patternID, MetricCost).observe(costUnits, e.windowSize)
	}
}

// Baseline returns the p50 and p95 of the pattern's recent samples. ok is
// false when no samples exist for the metric.
func (e *Estimator) Baseline(patternID string, metric Metric) (p50, p95 float64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := e.byPattern[patternID][metric]
	if s == nil || s.size == 0 {
		return 0, 0, false
	}

	window := s.window()
	sort.Float64s(window)
	return percentile(window, 0.50), percentile(window, 0.95), true
}

// Mean returns the EMA-smoothed mean, or 0 when no samples exist.
func (e *Estimator) Mean(patternID string, metric Metric) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if s := e.byPattern[patternID][metric]; s != nil {
		return s.mean
	}
	return 0
}

// Interval widens base by the observed dispersion (p95 minus p50) into a
// [low, high] band. Without samples the band collapses onto base. The low
// bound never goes negative: neither latency nor cost can.
func (e *Estimator) Interval(patternID string, metric Metric, base float64) (low, high float64) {
	p50, p95, ok := e.Baseline(patternID, metric)
	if !ok {
		return base, base
	}

	spread := p95 - p50
	low = math.Max(0, base-spread)
	return low, base + spread
}

// SampleCount returns the total observations recorded for the metric,
// including samples already evicted from the window.
func (e *Estimator) SampleCount(patternID string, metric Metric) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if s := e.byPattern[patternID][metric]; s != nil {
		return s.count
	}
	return 0
}

func (e *Estimator) seriesLocked(patternID string, metric Metric) *series {
	byMetric := e.byPattern[patternID]
	if byMetric == nil {
		byMetric = make(map[Metric]*series)
		e.byPattern[patternID] = byMetric
	}
	s := byMetric[metric]
	if s == nil {
		s = &series{}
		byMetric[metric] = s
	}
	return s
}

// percentile applies nearest-rank on an already-sorted window.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
