package pattern

// Snapshot carries the metric inputs of a lifecycle decision.
type Snapshot struct {
	// Reliability is the EMA-smoothed recent success signal, 0.0-1.0.
	Reliability float64

	// RunCount is the number of recorded runs for the pattern.
	RunCount int

	// PositiveRatio is the success share of the rolling window.
	PositiveRatio float64
}

// NextState returns the lifecycle state a pattern should move to given its
// current state and metrics, or the current state when nothing applies.
//
// Checks are evaluated in strict priority order:
//
//  1. deprecated is terminal, returned unchanged
//  2. degradation of promoted/validated patterns below the reliability floor
//  3. promotion of validated patterns
//  4. validation of candidates
//
// Degradation is checked before promotion so a pattern that historically
// satisfied the promotion bar but is currently failing cannot be promoted
// in the same pass.
func NextState(current Status, m Snapshot, th TransitionThresholds) Status {
	if current == StatusDeprecated {
		return StatusDeprecated
	}

	if current == StatusPromoted || current == StatusValidated {
		if m.Reliability < th.ReliabilityFloor {
			return StatusDeprecated
		}
	}

	if current == StatusValidated {
		if m.RunCount >= th.PromotedMinRuns && m.Reliability >= th.PromotedSignificance {
			return StatusPromoted
		}
	}

	if current == StatusCandidate || current == StatusProvisional {
		if m.RunCount >= th.ValidatedMinRuns && m.PositiveRatio >= th.ValidatedPositiveFloor {
			return StatusValidated
		}
	}

	return current
}
