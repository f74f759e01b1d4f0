package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func TestDemoterHealthyPatternUntouched(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusValidated)
	env.recordRuns(rec.ID, 5, true)

	decision, err := env.demoter.Evaluate(context.Background(), rec.ID, false)
	require.NoError(t, err)

	assert.False(t, decision.Eligible)
	assert.Equal(t, "reliability within bounds", decision.Reason)
	assert.Equal(t, pattern.StatusValidated, env.status(t, rec.ID))
	assert.Empty(t, env.publisher.Events())
}

func TestDemoterDegradesBelowReliabilityFloor(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusPromoted)
	env.tracker.Seed(rec.ID, 0.2, 12)

	decision, err := env.demoter.Evaluate(context.Background(), rec.ID, false)
	require.NoError(t, err)

	assert.True(t, decision.Eligible)
	assert.Equal(t, pattern.StatusDeprecated, decision.To)
	assert.Equal(t, "reliability below floor", decision.Reason)
	assert.Equal(t, pattern.StatusDeprecated, env.status(t, rec.ID))

	published := env.publisher.BySubject(events.SubjectPatternDemoted)
	require.Len(t, published, 1)
	evt, ok := published[0].Payload.(events.TransitionEvent)
	require.True(t, ok)
	assert.Equal(t, pattern.StatusPromoted, evt.PreviousStatus)
	assert.Equal(t, pattern.StatusDeprecated, evt.NewStatus)
}

func TestDemoterBlacklistsBelowHardFloor(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusCandidate)
	env.tracker.Seed(rec.ID, 0.1, 6)

	decision, err := env.demoter.Evaluate(context.Background(), rec.ID, false)
	require.NoError(t, err)

	assert.True(t, decision.Eligible)
	assert.Equal(t, BlacklistReason, decision.Reason)
	assert.Equal(t, pattern.StatusDeprecated, env.status(t, rec.ID))
	assert.True(t, env.tracker.Blacklisted(rec.ID))

	trail, err := env.store.AuditTrail(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, BlacklistReason, trail[0].Reason)
}

func TestDemoterBlacklistFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusCandidate)
	env.tracker.Seed(rec.ID, 0.1, 6)

	_, err := env.demoter.Evaluate(context.Background(), rec.ID, false)
	require.NoError(t, err)

	// Second pass sees a deprecated pattern; nothing new is written.
	decision, err := env.demoter.Evaluate(context.Background(), rec.ID, false)
	require.NoError(t, err)
	assert.False(t, decision.Eligible)
	assert.Equal(t, "already deprecated", decision.Reason)

	assert.Len(t, env.publisher.BySubject(events.SubjectPatternDemoted), 1)
	trail, err := env.store.AuditTrail(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestDemoterDryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusValidated)
	env.tracker.Seed(rec.ID, 0.2, 8)

	decision, err := env.demoter.Evaluate(context.Background(), rec.ID, true)
	require.NoError(t, err)

	assert.True(t, decision.Eligible)
	assert.True(t, decision.DryRun)
	assert.Equal(t, pattern.StatusValidated, env.status(t, rec.ID))
	assert.False(t, env.tracker.Blacklisted(rec.ID))
	assert.Empty(t, env.publisher.Events())
}

func TestDemoterCandidateAtNeutralReliability(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusCandidate)

	decision, err := env.demoter.Evaluate(context.Background(), rec.ID, false)
	require.NoError(t, err)

	assert.False(t, decision.Eligible)
	assert.Equal(t, pattern.StatusCandidate, env.status(t, rec.ID))
}

func TestDemoterDisable(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusPromoted)
	env.recordRuns(rec.ID, 10, true)

	err := env.demoter.Disable(context.Background(), rec.ID, "leaks credentials into prompts", "ops@example.com")
	require.NoError(t, err)

	assert.Equal(t, pattern.StatusDeprecated, env.status(t, rec.ID))

	trail, err := env.store.AuditTrail(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "leaks credentials into prompts", trail[0].Reason)
	assert.Equal(t, "ops@example.com", trail[0].Actor)

	published := env.publisher.BySubject(events.SubjectPatternDemoted)
	require.Len(t, published, 1)
}

func TestDemoterDisableIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusPromoted)

	require.NoError(t, env.demoter.Disable(context.Background(), rec.ID, "bad pattern", "ops"))
	require.NoError(t, env.demoter.Disable(context.Background(), rec.ID, "bad pattern", "ops"))

	assert.Len(t, env.publisher.BySubject(events.SubjectPatternDemoted), 1)
	trail, err := env.store.AuditTrail(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestDemoterDisableRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusPromoted)

	err := env.demoter.Disable(context.Background(), rec.ID, "", "ops")
	require.Error(t, err)
	assert.Equal(t, pattern.StatusPromoted, env.status(t, rec.ID))
}

func TestDemoterDisabledPatternStaysDown(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedPattern(t, pattern.StatusPromoted)

	require.NoError(t, env.demoter.Disable(context.Background(), rec.ID, "manual stop", "ops"))

	// Perfect subsequent metrics must not resurrect the pattern.
	env.recordRuns(rec.ID, 20, true)
	_, err := env.promoter.Evaluate(context.Background(), rec.ID, false)
	assert.ErrorIs(t, err, pattern.ErrPatternDisabled)
	assert.Equal(t, pattern.StatusDeprecated, env.status(t, rec.ID))
}
