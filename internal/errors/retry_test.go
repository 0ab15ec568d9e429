package errors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/llm"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialDelay:    10 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		ExponentialBase: 2.0,
		RetryOn:         []llm.ErrorKind{llm.KindRateLimited, llm.KindTimeout, llm.KindNetworkError},
	}
}

func TestBackoffFormula(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, 10*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 40*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 80*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(4), "capped at max delay")
	assert.Equal(t, 100*time.Millisecond, p.Backoff(20))
}

func TestRetryableFilter(t *testing.T) {
	p := testPolicy()
	assert.True(t, p.Retryable(llm.NewError(llm.KindRateLimited, "429")))
	assert.True(t, p.Retryable(llm.NewError(llm.KindTimeout, "deadline")))
	assert.False(t, p.Retryable(llm.NewError(llm.KindInvalidRequest, "bad prompt")))
	assert.False(t, p.Retryable(llm.NewError(llm.KindProviderError, "500")))

	signaled := &llm.GenerationError{Kind: llm.KindProviderError, Message: "retry-after", RetrySignaled: true}
	assert.True(t, p.Retryable(signaled), "provider error with explicit retry signal")

	// An empty filter falls back to the transient classification.
	open := RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, ExponentialBase: 2}
	assert.True(t, open.Retryable(llm.NewError(llm.KindNetworkError, "conn reset")))
	assert.False(t, open.Retryable(llm.NewError(llm.KindInvalidRequest, "bad")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := testPolicy()
	calls := 0
	result, err := RetryWithResult(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", llm.NewError(llm.KindRateLimited, "429")
		}
		return "done", nil
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustion(t *testing.T) {
	p := testPolicy()
	calls := 0
	_, err := RetryWithResult(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, llm.NewError(llm.KindTimeout, "deadline")
	}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, p.MaxRetries+1, calls, "runs at most MaxRetries+1 times")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := testPolicy()
	calls := 0
	_, err := RetryWithResult(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		return 0, llm.NewError(llm.KindInvalidRequest, "bad prompt")
	}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors surface immediately")
}

func TestRetryObserverSeesDelays(t *testing.T) {
	p := testPolicy()
	var delays []time.Duration
	calls := 0
	_, err := RetryWithResult(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		if calls <= 2 {
			return 0, llm.NewError(llm.KindRateLimited, "429")
		}
		return 1, nil
	}, nil, func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	})
	require.NoError(t, err)
	require.Len(t, delays, 2)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
}

func TestRetryHonorsCancellation(t *testing.T) {
	p := testPolicy()
	p.InitialDelay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := RetryWithResult(ctx, p, func(ctx context.Context) (int, error) {
		calls++
		return 0, llm.NewError(llm.KindTimeout, "deadline")
	}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancellation interrupts the backoff sleep")
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(nil, "flaky")))
	assert.False(t, IsTransient(NewPermanentError(nil, "broken")))
	assert.True(t, IsPermanent(NewPermanentError(nil, "broken")))
	assert.True(t, IsDegraded(NewDegradedError(nil, "limping")))
	assert.False(t, IsDegraded(NewTransientError(nil, "flaky")))

	assert.True(t, IsTransient(llm.NewError(llm.KindNetworkError, "reset")))
	assert.False(t, IsTransient(llm.NewError(llm.KindProviderError, "500")))
	assert.True(t, IsTransient(&llm.GenerationError{Kind: llm.KindProviderError, RetrySignaled: true}))
	assert.True(t, IsPermanent(llm.NewError(llm.KindInvalidRequest, "bad")))
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("generator", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          30 * time.Millisecond,
	}, nil)

	fail := func(ctx context.Context) (int, error) {
		return 0, llm.NewError(llm.KindProviderError, "500")
	}
	ok := func(ctx context.Context) (int, error) { return 1, nil }

	ctx := context.Background()
	_, _ = ExecuteFunc(cb, ctx, fail)
	_, _ = ExecuteFunc(cb, ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	// Requests are rejected with a degraded error while open.
	_, err := ExecuteFunc(cb, ctx, ok)
	require.Error(t, err)
	assert.True(t, IsDegraded(err))

	time.Sleep(40 * time.Millisecond)
	_, err = ExecuteFunc(cb, ctx, ok)
	require.NoError(t, err, "half-open probe allowed after the timeout")
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteFuncNilBreaker(t *testing.T) {
	v, err := ExecuteFunc[int](nil, context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
