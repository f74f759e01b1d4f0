package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextState_DeprecatedIsTerminal(t *testing.T) {
	th := DefaultThresholds()

	// Any metrics combination must leave a deprecated pattern deprecated,
	// including metrics that would otherwise qualify for promotion.
	snapshots := []Snapshot{
		{Reliability: 0.0, RunCount: 0, PositiveRatio: 0.0},
		{Reliability: 1.0, RunCount: 100, PositiveRatio: 1.0},
		{Reliability: th.PromotedSignificance, RunCount: th.PromotedMinRuns, PositiveRatio: 1.0},
	}

	for _, m := range snapshots {
		assert.Equal(t, StatusDeprecated, NextState(StatusDeprecated, m, th))
	}
}

func TestNextState_DegradationBeforePromotion(t *testing.T) {
	th := DefaultThresholds()

	// A promoted pattern with reliability below the floor degrades even
	// when it simultaneously meets the promotion run-count criteria.
	m := Snapshot{Reliability: 0.1, RunCount: th.PromotedMinRuns + 5, PositiveRatio: 1.0}
	assert.Equal(t, StatusDeprecated, NextState(StatusPromoted, m, th))

	// Same ordering for validated patterns: degradation wins over promotion.
	assert.Equal(t, StatusDeprecated, NextState(StatusValidated, m, th))
}

func TestNextState_Promotion(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name string
		m    Snapshot
		want Status
	}{
		{
			name: "meets both thresholds",
			m:    Snapshot{Reliability: 0.8, RunCount: 10, PositiveRatio: 0.8},
			want: StatusPromoted,
		},
		{
			name: "run count short",
			m:    Snapshot{Reliability: 0.8, RunCount: 9, PositiveRatio: 0.8},
			want: StatusValidated,
		},
		{
			name: "reliability short",
			m:    Snapshot{Reliability: 0.69, RunCount: 20, PositiveRatio: 0.8},
			want: StatusValidated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextState(StatusValidated, tt.m, th))
		})
	}
}

func TestNextState_Validation(t *testing.T) {
	th := DefaultThresholds()

	// Candidate clearing both validation bars moves to validated.
	m := Snapshot{Reliability: 0.5, RunCount: 5, PositiveRatio: 0.6}
	assert.Equal(t, StatusValidated, NextState(StatusCandidate, m, th))

	// Provisional patterns validate by the same rule.
	assert.Equal(t, StatusValidated, NextState(StatusProvisional, m, th))

	// Below the positive-signal floor, no change.
	m.PositiveRatio = 0.5
	assert.Equal(t, StatusCandidate, NextState(StatusCandidate, m, th))

	// Below the run count, no change.
	m = Snapshot{Reliability: 0.5, RunCount: 4, PositiveRatio: 1.0}
	assert.Equal(t, StatusCandidate, NextState(StatusCandidate, m, th))
}

func TestNextState_NoChange(t *testing.T) {
	th := DefaultThresholds()

	// Healthy promoted pattern stays promoted.
	m := Snapshot{Reliability: 0.9, RunCount: 50, PositiveRatio: 0.9}
	assert.Equal(t, StatusPromoted, NextState(StatusPromoted, m, th))

	// Candidate with no runs stays candidate.
	assert.Equal(t, StatusCandidate, NextState(StatusCandidate, Snapshot{}, th))
}
