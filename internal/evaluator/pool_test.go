package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func newTestPool(t *testing.T, env *testEnv, opts ...PoolOption) *Pool {
	t.Helper()
	pool, err := NewPool(env.promoter, env.demoter, env.store, nil, opts...)
	require.NoError(t, err)
	return pool
}

// statusIs is a poll condition safe to run off the test goroutine.
func statusIs(env *testEnv, id string, want pattern.Status) func() bool {
	return func() bool {
		rec, err := env.store.Get(context.Background(), id)
		return err == nil && rec.Status == want
	}
}

func TestPoolEnqueuedPatternGetsEvaluated(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusCandidate)
	env.recordRuns(rec.ID, 5, true)

	pool := newTestPool(t, env, WithWorkers(2), WithScanInterval(time.Hour))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	assert.True(t, pool.Enqueue(rec.ID))
	assert.Eventually(t, statusIs(env, rec.ID, pattern.StatusValidated),
		time.Second, 5*time.Millisecond)
}

func TestPoolDemotesBeforePromoting(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusValidated)
	env.tracker.Seed(rec.ID, 0.1, 12)

	pool := newTestPool(t, env, WithWorkers(1), WithScanInterval(time.Hour))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.True(t, pool.Enqueue(rec.ID))
	assert.Eventually(t, statusIs(env, rec.ID, pattern.StatusDeprecated),
		time.Second, 5*time.Millisecond)
}

func TestPoolPeriodicScanPicksUpPatterns(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusCandidate)
	env.recordRuns(rec.ID, 5, true)

	pool := newTestPool(t, env, WithWorkers(2), WithScanInterval(10*time.Millisecond))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	// No explicit enqueue; the scan loop must find the pattern.
	assert.Eventually(t, statusIs(env, rec.ID, pattern.StatusValidated),
		time.Second, 5*time.Millisecond)
}

func TestPoolDeprecatedPatternLogsQuietly(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusDeprecated)

	core, logs := observer.New(zapcore.DebugLevel)
	pool, err := NewPool(env.promoter, env.demoter, env.store, zap.New(core),
		WithWorkers(1), WithScanInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.True(t, pool.Enqueue(rec.ID))
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("pattern deprecated before evaluation").Len() > 0
	}, time.Second, 5*time.Millisecond)

	for _, entry := range logs.All() {
		assert.Less(t, entry.Level, zapcore.ErrorLevel,
			"terminal-state race must not log as a failure: %s", entry.Message)
	}
}

func TestPoolStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t)
	pool := newTestPool(t, env, WithScanInterval(time.Hour))

	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()), "second start must fail")

	pool.Stop()
	pool.Stop() // stopping twice is safe

	assert.False(t, pool.Enqueue("some-id"), "enqueue after stop must be rejected")

	// The pool can be restarted after a clean stop.
	require.NoError(t, pool.Start(context.Background()))
	pool.Stop()
}

func TestPoolEnqueueBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	pool := newTestPool(t, env)

	assert.False(t, pool.Enqueue("some-id"))
}

func TestNewPoolValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewPool(nil, env.demoter, env.store, nil)
	assert.Error(t, err)
	_, err = NewPool(env.promoter, nil, env.store, nil)
	assert.Error(t, err)
	_, err = NewPool(env.promoter, env.demoter, nil, nil)
	assert.Error(t, err)
	_, err = NewPool(env.promoter, env.demoter, env.store, nil, WithWorkers(0))
	assert.Error(t, err)
}
