package evaluator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// RetryConfig configures retry behavior for repository and event-bus calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// isRetryable classifies errors for the retry loop. Validation,
// governance, and conflict errors are never retried blindly: conflicts
// are resolved by re-read-and-reevaluate, the rest propagate to the
// caller. Everything else is treated as a dependency failure.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, pattern.ErrStatusConflict),
		errors.Is(err, pattern.ErrIllegalTransition),
		errors.Is(err, pattern.ErrNotFound),
		errors.Is(err, pattern.ErrConfidenceBelowFloor),
		errors.Is(err, pattern.ErrPatternDisabled),
		errors.Is(err, context.Canceled):
		return false
	}
	return err != nil
}

// retry runs op with exponential backoff until it succeeds, returns a
// non-retryable error, exhausts the attempt budget, or the context ends.
func retry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, name string, op func() error) error {
	cfg.ApplyDefaults()

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt+1))
			}
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Warn("operation failed, backing off",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}
