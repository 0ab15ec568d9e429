package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a generation failure for retry decisions.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "RateLimited"
	KindTimeout        ErrorKind = "Timeout"
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindProviderError  ErrorKind = "ProviderError"
	KindNetworkError   ErrorKind = "NetworkError"
)

// GenerationError is the typed failure surfaced by Generator implementations.
type GenerationError struct {
	Kind    ErrorKind
	Message string
	Err     error

	// RetrySignaled marks a ProviderError that the provider explicitly
	// flagged as safe to retry.
	RetrySignaled bool
}

func (e *GenerationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewError creates a GenerationError of the given kind.
func NewError(kind ErrorKind, message string) *GenerationError {
	return &GenerationError{Kind: kind, Message: message}
}

// WrapError wraps an underlying error with a classification.
func WrapError(kind ErrorKind, err error) *GenerationError {
	return &GenerationError{Kind: kind, Err: err}
}

// KindOf extracts the error kind, when err carries one.
func KindOf(err error) (ErrorKind, bool) {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Kind, true
	}
	return "", false
}

// RetrySignaled reports whether err is a ProviderError with an explicit
// retry signal.
func RetrySignaled(err error) bool {
	var genErr *GenerationError
	return errors.As(err, &genErr) && genErr.RetrySignaled
}
