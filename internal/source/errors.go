package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/resilience"
)

// ValidationError reports a malformed identifier. Never retried.
type ValidationError struct {
	Source     model.SourceID
	Identifier string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid identifier %q: %s", e.Source, e.Identifier, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(source model.SourceID, identifier, format string, args ...any) *ValidationError {
	return &ValidationError{Source: source, Identifier: identifier, Reason: fmt.Sprintf(format, args...)}
}

// RateLimitError reports that the source quota is exhausted and no cached
// value could stand in before RetryAt.
type RateLimitError struct {
	Source  model.SourceID
	RetryAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited until %s", e.Source, e.RetryAt.Format(time.RFC3339))
}

// TransientNetworkError is a timeout, reset or 5xx from a registry. It
// unwraps to a resilience.TransientError so the retry policy picks it up.
type TransientNetworkError struct {
	Source model.SourceID
	cause  *resilience.TransientError
}

// Transient wraps err as a TransientNetworkError for source.
func Transient(source model.SourceID, err error, statusCode int) *TransientNetworkError {
	return &TransientNetworkError{Source: source, cause: resilience.NewTransientError(err, statusCode)}
}

func (e *TransientNetworkError) Error() string {
	if e.cause.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Source, e.cause.StatusCode, e.cause.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Source, e.cause.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.cause
}

// StatusCode returns the HTTP status behind the failure, or 0.
func (e *TransientNetworkError) StatusCode() int {
	return e.cause.StatusCode
}

// SourceUnavailableError is raised once retries are exhausted, the circuit
// is open or the source returned something unusable.
type SourceUnavailableError struct {
	Source   model.SourceID
	Attempts int
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("%s: source unavailable after %d attempt(s): %v", e.Source, e.Attempts, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// StatusFor maps an adapter error to the CheckResult status it produces.
func StatusFor(err error) model.CheckStatus {
	var ve *ValidationError
	var rl *RateLimitError
	switch {
	case err == nil:
		return model.StatusOK
	case errors.As(err, &ve):
		return model.StatusInvalidInput
	case errors.As(err, &rl):
		return model.StatusRateLimited
	default:
		return model.StatusSourceUnavailable
	}
}

func retryable(err error) bool {
	var ve *ValidationError
	var rl *RateLimitError
	if errors.As(err, &ve) || errors.As(err, &rl) {
		return false
	}
	return resilience.IsTransient(err)
}
