package evaluator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/rolling"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// testEnv bundles the in-memory dependencies shared by evaluator tests.
type testEnv struct {
	store     *store.MemoryStore
	tracker   *rolling.Tracker
	publisher *events.MemoryPublisher
	promoter  *Promoter
	demoter   *Demoter
}

// fastRetry keeps backoff negligible in tests.
func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s := store.NewMemoryStore()
	tr := rolling.NewTracker(nil)
	pub := events.NewMemoryPublisher()
	th := pattern.DefaultThresholds()

	promoter, err := NewPromoter(s, tr, pub, nil, th, fastRetry(), NewMetrics(nil))
	require.NoError(t, err)
	demoter, err := NewDemoter(s, tr, pub, nil, th, fastRetry(), NewMetrics(nil))
	require.NoError(t, err)

	return &testEnv{
		store:     s,
		tracker:   tr,
		publisher: pub,
		promoter:  promoter,
		demoter:   demoter,
	}
}

var seedSeq int

// seedPattern inserts a pattern and walks it to the requested status via
// legal transitions.
func (e *testEnv) seedPattern(t *testing.T, status pattern.Status) *pattern.PatternRecord {
	t.Helper()
	ctx := context.Background()

	seedSeq++
	rec, err := pattern.NewPatternRecord(
		fmt.Sprintf("when X fails, retry with Y (%d)", seedSeq),
		fmt.Sprintf("hash-%04d", seedSeq),
		"infra.retries",
		0.8,
		[]string{"session-1"},
	)
	require.NoError(t, err)

	_, err = e.store.Insert(ctx, rec)
	require.NoError(t, err)

	steps := map[pattern.Status][]pattern.Status{
		pattern.StatusCandidate:   {},
		pattern.StatusProvisional: {pattern.StatusProvisional},
		pattern.StatusValidated:   {pattern.StatusValidated},
		pattern.StatusPromoted:    {pattern.StatusValidated, pattern.StatusPromoted},
		pattern.StatusDeprecated:  {pattern.StatusDeprecated},
	}
	from := pattern.StatusCandidate
	for _, to := range steps[status] {
		require.NoError(t, e.store.SetStatus(ctx, rec.ID, from, to, "seed", "test"))
		from = to
	}
	rec.Status = status
	return rec
}

// recordRuns feeds n outcomes of the given result through both the window
// and the reward path, as the event consumer does.
func (e *testEnv) recordRuns(patternID string, n int, success bool) {
	delta := 1.0
	if !success {
		delta = -1.0
	}
	for i := 0; i < n; i++ {
		e.tracker.RecordOutcome(patternID, success)
		e.tracker.ApplyReward(patternID, delta)
	}
}

func (e *testEnv) status(t *testing.T, id string) pattern.Status {
	t.Helper()
	rec, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}
