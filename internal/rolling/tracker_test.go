package rolling

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func TestTracker_WindowBound(t *testing.T) {
	tr := NewTracker(nil)

	// After 25 outcomes the window must still hold at most 20 samples.
	var c pattern.RollingCounters
	for i := 0; i < 25; i++ {
		c = tr.RecordOutcome("p1", i%2 == 0)
	}
	assert.LessOrEqual(t, c.InjectionCount, pattern.WindowSize)
	assert.Equal(t, pattern.WindowSize, c.InjectionCount)
	assert.Equal(t, c.InjectionCount, c.SuccessCount+c.FailureCount)
}

func TestTracker_EvictionKeepsCountsConsistent(t *testing.T) {
	tr := NewTracker(nil)

	// Fill the window with successes, then push failures; evicted
	// successes must leave the success count.
	for i := 0; i < pattern.WindowSize; i++ {
		tr.RecordOutcome("p1", true)
	}
	c := tr.Snapshot("p1")
	assert.Equal(t, pattern.WindowSize, c.SuccessCount)

	for i := 0; i < 5; i++ {
		c = tr.RecordOutcome("p1", false)
	}
	assert.Equal(t, pattern.WindowSize, c.InjectionCount)
	assert.Equal(t, pattern.WindowSize-5, c.SuccessCount)
	assert.Equal(t, 5, c.FailureCount)
}

func TestTracker_FailureStreak(t *testing.T) {
	tr := NewTracker(nil)

	c := tr.RecordOutcome("p1", false)
	assert.Equal(t, 1, c.FailureStreak)
	c = tr.RecordOutcome("p1", false)
	assert.Equal(t, 2, c.FailureStreak)

	// The streak is independent of the ring buffer and can exceed it.
	for i := 0; i < 30; i++ {
		c = tr.RecordOutcome("p1", false)
	}
	assert.Equal(t, 32, c.FailureStreak)
	assert.Equal(t, pattern.WindowSize, c.InjectionCount)

	// A single success resets the streak.
	c = tr.RecordOutcome("p1", true)
	assert.Zero(t, c.FailureStreak)
}

func TestApplyRewardDelta_Convergence(t *testing.T) {
	// Repeated +1.0 rewards drive reliability monotonically toward 1.0
	// without overshoot.
	reliability := 0.5
	runs := 0
	failures := 0

	prev := reliability
	for i := 0; i < 50; i++ {
		reliability, runs, failures = ApplyRewardDelta(reliability, 1.0, runs, failures)
		assert.GreaterOrEqual(t, reliability, prev)
		assert.LessOrEqual(t, reliability, 1.0)
		prev = reliability
	}
	assert.Greater(t, reliability, 0.95)
	assert.Equal(t, 50, runs)
	assert.Zero(t, failures)

	// First update from a zero run count fully adopts the delta: clamped
	// at exactly 1.0 and stable afterwards.
	r, _, _ := ApplyRewardDelta(0.5, 1.0, 0, 0)
	assert.InDelta(t, 1.0, r, 1e-9)
	r, _, _ = ApplyRewardDelta(r, 1.0, 1, 0)
	assert.InDelta(t, 1.0, r, 1e-9)
}

func TestApplyRewardDelta_DecayingAlpha(t *testing.T) {
	// With a large run count the same delta moves reliability much less.
	early, _, _ := ApplyRewardDelta(0.5, 1.0, 1, 0)
	late, _, _ := ApplyRewardDelta(0.5, 1.0, 99, 0)
	assert.Greater(t, early-0.5, late-0.5)
}

func TestApplyRewardDelta_FailureAccounting(t *testing.T) {
	r, runs, failures := ApplyRewardDelta(0.8, -1.0, 4, 1)
	assert.Less(t, r, 0.8)
	assert.GreaterOrEqual(t, r, 0.0)
	assert.Equal(t, 5, runs)
	assert.Equal(t, 2, failures)

	// Delta is clamped to [-1, 1] before the update.
	r2, _, _ := ApplyRewardDelta(0.8, -5.0, 4, 1)
	assert.InDelta(t, r, r2, 1e-9)
}

func TestShouldBlacklist_Idempotent(t *testing.T) {
	th := pattern.DefaultThresholds()

	// Fires once below the hard floor.
	assert.True(t, ShouldBlacklist(0.1, th, false))

	// Never re-fires once blacklisted, regardless of reliability.
	assert.False(t, ShouldBlacklist(0.1, th, true))
	assert.False(t, ShouldBlacklist(0.0, th, true))

	// Above the floor, no action.
	assert.False(t, ShouldBlacklist(th.BlacklistFloor, th, false))
}

func TestTracker_BlacklistMark(t *testing.T) {
	tr := NewTracker(nil)

	assert.False(t, tr.Blacklisted("p1"))
	tr.MarkBlacklisted("p1")
	assert.True(t, tr.Blacklisted("p1"))

	c := tr.ApplyReward("p1", -1.0)
	assert.False(t, ShouldBlacklist(c.Reliability, pattern.DefaultThresholds(), tr.Blacklisted("p1")))
}

func TestTracker_Seed(t *testing.T) {
	tr := NewTracker(nil)

	tr.Seed("p1", 0.73, 12)
	assert.InDelta(t, 0.73, tr.Snapshot("p1").Reliability, 1e-9)
	assert.Equal(t, 12, tr.RunCount("p1"))

	// Seeding clamps out-of-range persisted values.
	tr.Seed("p2", 1.7, 1)
	assert.InDelta(t, 1.0, tr.Snapshot("p2").Reliability, 1e-9)
}
