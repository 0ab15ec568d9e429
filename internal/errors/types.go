// Package errors carries the engine's error taxonomy and the retry/backoff
// controller that recovers transient generation failures.
package errors

import (
	"errors"
	"fmt"

	"forge/internal/llm"
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// DegradedError represents a failure where the workflow can continue with
// reduced functionality (circuit breaker open, checkpoint degraded).
type DegradedError struct {
	Err     error
	Message string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("degraded error: %v", e.Err)
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// NewTransientError marks an error as retryable.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError marks an error as non-retryable.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// NewDegradedError marks an error as degraded-but-survivable.
func NewDegradedError(err error, message string) *DegradedError {
	return &DegradedError{Err: err, Message: message}
}

// IsTransient checks whether an error may be retried, independent of any
// policy filter. Typed generation errors are transient for the
// RateLimited/Timeout/NetworkError kinds and for provider errors carrying
// an explicit retry signal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if kind, ok := llm.KindOf(err); ok {
		switch kind {
		case llm.KindRateLimited, llm.KindTimeout, llm.KindNetworkError:
			return true
		case llm.KindProviderError:
			return llm.RetrySignaled(err)
		default:
			return false
		}
	}

	return false
}

// IsPermanent checks whether an error must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	if kind, ok := llm.KindOf(err); ok {
		return kind == llm.KindInvalidRequest ||
			(kind == llm.KindProviderError && !llm.RetrySignaled(err))
	}
	return !IsTransient(err)
}

// IsDegraded checks whether an error allows degraded continuation.
func IsDegraded(err error) bool {
	var degradedErr *DegradedError
	return errors.As(err, &degradedErr)
}

// ConfigurationError prevents a workflow from starting.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// NewConfigurationError reports an invalid engine configuration value.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}
