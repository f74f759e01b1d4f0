package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), fastRetry(), zap.NewNop(), "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	for _, sentinel := range []error{
		pattern.ErrStatusConflict,
		pattern.ErrIllegalTransition,
		pattern.ErrNotFound,
		pattern.ErrConfidenceBelowFloor,
		pattern.ErrPatternDisabled,
	} {
		attempts := 0
		err := retry(context.Background(), fastRetry(), zap.NewNop(), "op", func() error {
			attempts++
			return sentinel
		})

		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, attempts, "non-retryable error must not be retried: %v", sentinel)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	boom := errors.New("still down")
	attempts := 0
	err := retry(context.Background(), fastRetry(), zap.NewNop(), "op", func() error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, attempts) // initial attempt + MaxRetries
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastRetry()
	cfg.InitialBackoff = 50 * time.Millisecond

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- retry(ctx, cfg, zap.NewNop(), "op", func() error {
			attempts++
			return errors.New("transient")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	case <-time.After(time.Second):
		t.Fatal("retry did not return after context cancellation")
	}
}

func TestRetryConfigApplyDefaults(t *testing.T) {
	var cfg RetryConfig
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultRetryConfig(), cfg)

	custom := RetryConfig{MaxRetries: 7}
	custom.ApplyDefaults()
	assert.Equal(t, 7, custom.MaxRetries)
	assert.Equal(t, time.Second, custom.InitialBackoff)
}
