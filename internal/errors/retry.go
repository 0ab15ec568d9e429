package errors

import (
	"context"
	"fmt"
	"math"
	"time"

	"forge/internal/llm"
	"forge/internal/logging"
)

// RetryPolicy configures bounded retry with exponential backoff. RetryOn
// restricts retries to the listed generation-error kinds; when empty, any
// transient error is retried.
type RetryPolicy struct {
	MaxRetries      int             `yaml:"max_retries" mapstructure:"max_retries"`
	InitialDelay    time.Duration   `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay        time.Duration   `yaml:"max_delay" mapstructure:"max_delay"`
	ExponentialBase float64         `yaml:"exponential_base" mapstructure:"exponential_base"`
	RetryOn         []llm.ErrorKind `yaml:"retry_on_errors" mapstructure:"retry_on_errors"`
}

// DefaultRetryPolicy returns sensible defaults for generator calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		RetryOn: []llm.ErrorKind{
			llm.KindRateLimited,
			llm.KindTimeout,
			llm.KindNetworkError,
		},
	}
}

// Retryable reports whether the policy permits retrying err.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if len(p.RetryOn) == 0 {
		return IsTransient(err)
	}
	kind, ok := llm.KindOf(err)
	if !ok {
		return IsTransient(err)
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	// A provider error with an explicit retry signal is idempotent-safe.
	return kind == llm.KindProviderError && llm.RetrySignaled(err)
}

// Backoff returns the delay before the retry following the given zero-based
// attempt: min(maxDelay, initialDelay * base^attempt).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.ExponentialBase
	if base <= 0 {
		base = 2.0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(base, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = p.MaxDelay
	}
	return delay
}

// RetryObserver is notified after each failed attempt, before the backoff
// sleep. delay is zero when no further attempt will be made.
type RetryObserver func(attempt int, err error, delay time.Duration)

// RetryWithResult executes fn with bounded retry and exponential backoff.
// The function runs at most MaxRetries+1 times. Non-retryable errors and
// context cancellation surface immediately.
func RetryWithResult[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error), logger logging.Logger, observer RetryObserver) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zero T

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			logger.Debug("context cancelled, stopping retries")
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if attempt == 0 {
			logger.Debug("executing (attempt 1/%d)", policy.MaxRetries+1)
		} else {
			logger.Debug("retrying (attempt %d/%d)", attempt+1, policy.MaxRetries+1)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d failed: %v", attempt+1, err)

		if !policy.Retryable(err) {
			logger.Debug("error is not retryable, stopping")
			if observer != nil {
				observer(attempt, err, 0)
			}
			return zero, err
		}

		if attempt == policy.MaxRetries {
			logger.Warn("max retries (%d) exhausted", policy.MaxRetries)
			if observer != nil {
				observer(attempt, err, 0)
			}
			break
		}

		delay := policy.Backoff(attempt)
		if observer != nil {
			observer(attempt, err, delay)
		}
		logger.Debug("waiting %v before next retry", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			logger.Debug("context cancelled during backoff")
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}
