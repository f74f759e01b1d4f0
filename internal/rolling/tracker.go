// Package rolling maintains bounded recent-outcome windows per pattern and
// the EMA-smoothed reliability score used for lifecycle gating.
//
// The window is a fixed-size ring of the most recent injection outcomes;
// counters are the ring's current occupancy, so they can never exceed the
// window size. The failure streak is tracked separately and is unbounded
// until a success resets it.
package rolling

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// window holds the per-pattern ring buffer state.
type window struct {
	outcomes      [pattern.WindowSize]bool
	head          int // next write position
	size          int // occupancy, 0..WindowSize
	successes     int
	failureStreak int
	reliability   float64
	runCount      int
	failureTotal  int
	blacklisted   bool
}

// Tracker accumulates rolling outcome windows for many patterns.
//
// All methods are safe for concurrent use; the tracker is shared between
// the event consumer and the evaluator worker pool.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*window

	outcomesTotal *prometheus.CounterVec
}

// NewTracker creates a tracker registering its metrics with reg.
// A nil registerer skips metric registration (tests).
func NewTracker(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		windows: make(map[string]*window),
	}
	if reg != nil {
		t.outcomesTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "patternd_outcomes_total",
			Help: "Injection outcomes recorded, by result.",
		}, []string{"result"})
	}
	return t
}

// RecordOutcome pushes one injection outcome into the pattern's window and
// returns the updated counters. When the window is full the oldest sample
// is evicted before the new one is added.
func (t *Tracker) RecordOutcome(patternID string, success bool) pattern.RollingCounters {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[patternID]
	if w == nil {
		w = &window{reliability: 0.5}
		t.windows[patternID] = w
	}

	if w.size == pattern.WindowSize {
		// Evict the oldest sample; head points at it when full.
		if w.outcomes[w.head] {
			w.successes--
		}
	} else {
		w.size++
	}
	w.outcomes[w.head] = success
	w.head = (w.head + 1) % pattern.WindowSize
	if success {
		w.successes++
		w.failureStreak = 0
	} else {
		w.failureStreak++
	}

	if t.outcomesTotal != nil {
		result := "failure"
		if success {
			result = "success"
		}
		t.outcomesTotal.WithLabelValues(result).Inc()
	}

	return countersLocked(w)
}

// ApplyReward folds a reward delta into the pattern's reliability using a
// decaying learning rate and returns the updated counters.
//
// The learning rate is alpha = 1/(runCount+1): early observations weigh
// heavily and reliability stabilizes as evidence accumulates, since early
// samples are the most informative for a brand-new pattern.
func (t *Tracker) ApplyReward(patternID string, delta float64) pattern.RollingCounters {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[patternID]
	if w == nil {
		w = &window{reliability: 0.5}
		t.windows[patternID] = w
	}

	w.reliability, w.runCount, w.failureTotal = ApplyRewardDelta(w.reliability, delta, w.runCount, w.failureTotal)
	return countersLocked(w)
}

// Snapshot returns the current counters for a pattern. Unknown patterns
// report an empty window with neutral reliability.
func (t *Tracker) Snapshot(patternID string) pattern.RollingCounters {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[patternID]
	if w == nil {
		return pattern.RollingCounters{Reliability: 0.5}
	}
	return countersLocked(w)
}

// RunCount returns the number of reward-bearing runs recorded.
func (t *Tracker) RunCount(patternID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w := t.windows[patternID]; w != nil {
		return w.runCount
	}
	return 0
}

// Seed primes the tracker's reliability and run count from persisted
// state, used when the daemon restarts and windows must be rebuilt.
func (t *Tracker) Seed(patternID string, reliability float64, runCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[patternID]
	if w == nil {
		w = &window{}
		t.windows[patternID] = w
	}
	w.reliability = clamp01(reliability)
	w.runCount = runCount
}

// MarkBlacklisted records that the blacklist action already fired for the
// pattern, making ShouldBlacklist idempotent across evaluations.
func (t *Tracker) MarkBlacklisted(patternID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[patternID]
	if w == nil {
		w = &window{reliability: 0.5}
		t.windows[patternID] = w
	}
	w.blacklisted = true
}

// Blacklisted reports whether the blacklist action already fired.
func (t *Tracker) Blacklisted(patternID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w := t.windows[patternID]; w != nil {
		return w.blacklisted
	}
	return false
}

func countersLocked(w *window) pattern.RollingCounters {
	return pattern.RollingCounters{
		InjectionCount: w.size,
		SuccessCount:   w.successes,
		FailureCount:   w.size - w.successes,
		FailureStreak:  w.failureStreak,
		Reliability:    w.reliability,
	}
}

// ApplyRewardDelta computes one EMA reliability update.
//
// alpha = 1/(runCount+1); the new reliability moves toward delta by alpha
// and is clamped to [0, 1]. The failure count increments for negative
// deltas. Pure function; the Tracker wraps it with per-pattern state.
func ApplyRewardDelta(reliability, delta float64, runCount, failureCount int) (float64, int, int) {
	if delta > 1 {
		delta = 1
	}
	if delta < -1 {
		delta = -1
	}

	alpha := 1.0 / float64(runCount+1)
	newReliability := clamp01(reliability + alpha*(delta-reliability))

	runCount++
	if delta < 0 {
		failureCount++
	}
	return newReliability, runCount, failureCount
}

// ShouldBlacklist reports whether the blacklist action should fire:
// reliability under the hard floor and not already blacklisted. The
// alreadyBlacklisted guard makes the check fire exactly once.
func ShouldBlacklist(reliability float64, th pattern.TransitionThresholds, alreadyBlacklisted bool) bool {
	if alreadyBlacklisted {
		return false
	}
	return reliability < th.BlacklistFloor
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
