package forecast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineNoSamples(t *testing.T) {
	e := NewEstimator()

	_, _, ok := e.Baseline("p1", MetricLatency)
	assert.False(t, ok)
	assert.Zero(t, e.Mean("p1", MetricLatency))
	assert.Zero(t, e.SampleCount("p1", MetricLatency))
}

func TestBaselinePercentiles(t *testing.T) {
	e := NewEstimator()
	for i := 1; i <= 100; i++ {
		e.Observe("p1", float64(i), 0)
	}

	p50, p95, ok := e.Baseline("p1", MetricLatency)
	require.True(t, ok)
	assert.InDelta(t, 50, p50, 1e-9)
	assert.InDelta(t, 95, p95, 1e-9)
}

func TestBaselineSingleSample(t *testing.T) {
	e := NewEstimator()
	e.Observe("p1", 120, 0)

	p50, p95, ok := e.Baseline("p1", MetricLatency)
	require.True(t, ok)
	assert.Equal(t, 120.0, p50)
	assert.Equal(t, 120.0, p95)
}

func TestObserveSkipsMissingMetrics(t *testing.T) {
	e := NewEstimator()
	e.Observe("p1", 100, 0)
	e.Observe("p1", 0, 0.5)

	assert.Equal(t, 1, e.SampleCount("p1", MetricLatency))
	assert.Equal(t, 1, e.SampleCount("p1", MetricCost))

	_, _, ok := e.Baseline("p2", MetricCost)
	assert.False(t, ok)
}

func TestWindowEvictsOldSamples(t *testing.T) {
	e := NewEstimator(WithWindowSize(10))

	// Fill the window with slow samples, then push them all out.
	for i := 0; i < 10; i++ {
		e.Observe("p1", 1000, 0)
	}
	for i := 0; i < 10; i++ {
		e.Observe("p1", 10, 0)
	}

	p50, p95, ok := e.Baseline("p1", MetricLatency)
	require.True(t, ok)
	assert.Equal(t, 10.0, p50, "evicted samples must not affect the baseline")
	assert.Equal(t, 10.0, p95)
	assert.Equal(t, 20, e.SampleCount("p1", MetricLatency), "total count survives eviction")
}

func TestMeanDecayingAlpha(t *testing.T) {
	e := NewEstimator()

	e.Observe("p1", 100, 0)
	assert.InDelta(t, 100, e.Mean("p1", MetricLatency), 1e-9)

	// Second sample moves the mean halfway, third by a third.
	e.Observe("p1", 200, 0)
	assert.InDelta(t, 150, e.Mean("p1", MetricLatency), 1e-9)
	e.Observe("p1", 300, 0)
	assert.InDelta(t, 200, e.Mean("p1", MetricLatency), 1e-9)
}

func TestIntervalWidensByDispersion(t *testing.T) {
	e := NewEstimator()
	for i := 1; i <= 100; i++ {
		e.Observe("p1", float64(i), 0)
	}

	// spread = p95 - p50 = 45
	low, high := e.Interval("p1", MetricLatency, 100)
	assert.InDelta(t, 55, low, 1e-9)
	assert.InDelta(t, 145, high, 1e-9)
}

func TestIntervalClampsAtZero(t *testing.T) {
	e := NewEstimator()
	for i := 1; i <= 100; i++ {
		e.Observe("p1", float64(i), 0)
	}

	low, high := e.Interval("p1", MetricLatency, 20)
	assert.Zero(t, low)
	assert.InDelta(t, 65, high, 1e-9)
}

func TestIntervalWithoutSamples(t *testing.T) {
	e := NewEstimator()

	low, high := e.Interval("p1", MetricCost, 3.5)
	assert.Equal(t, 3.5, low)
	assert.Equal(t, 3.5, high)
}

func TestSeriesAreIndependent(t *testing.T) {
	e := NewEstimator()
	e.Observe("p1", 100, 1)
	e.Observe("p2", 500, 9)

	p50, _, ok := e.Baseline("p1", MetricLatency)
	require.True(t, ok)
	assert.Equal(t, 100.0, p50)

	p50, _, ok = e.Baseline("p2", MetricCost)
	require.True(t, ok)
	assert.Equal(t, 9.0, p50)
}
