package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// CircuitOpenError is returned by a FailureGate when a request is rejected
// because the circuit is open. It carries a retry-after hint equal to the
// gate's open duration and the metrics snapshot taken at rejection time.
// It matches jperrors.ErrCircuitOpen under errors.Is.
type CircuitOpenError struct {
	// Gate is the name of the rejecting gate.
	Gate string

	// RetryAfter is the suggested wait before retrying.
	RetryAfter time.Duration

	// Metrics is the gate's snapshot at the moment of rejection.
	Metrics CircuitMetrics
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Gate, e.RetryAfter)
}

// Unwrap makes the error match jperrors.ErrCircuitOpen.
func (e *CircuitOpenError) Unwrap() error {
	return jperrors.ErrCircuitOpen
}

// ErrTooManyProbes is the sentinel for half-open admission rejections. Every
// *ProbeLimitError matches it under errors.Is.
var ErrTooManyProbes = errors.New("too many half-open probes")

// ProbeLimitError is returned by a FailureGate when a request is rejected
// because the half-open probe cap is already filled with in-flight requests.
// It matches ErrTooManyProbes under errors.Is.
type ProbeLimitError struct {
	// Gate is the name of the rejecting gate.
	Gate string

	// MaxProbes is the configured half-open admission cap.
	MaxProbes int
}

// Error implements the error interface.
func (e *ProbeLimitError) Error() string {
	return fmt.Sprintf("circuit %q is half-open with %d probes already in flight", e.Gate, e.MaxProbes)
}

// Unwrap makes the error match ErrTooManyProbes.
func (e *ProbeLimitError) Unwrap() error {
	return ErrTooManyProbes
}

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific
// error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// FailureClassifier determines whether an operation error counts as a
// circuit failure. The gate never inspects errors itself; it delegates the
// success/failure distinction here.
type FailureClassifier interface {
	// IsFailure returns true if the error should be recorded as a failure
	// against the circuit.
	IsFailure(err error) bool
}

// allFailures counts every non-nil error as a circuit failure.
type allFailures struct{}

func (allFailures) IsFailure(err error) bool { return err != nil }

// DefaultFailureClassifier counts every non-nil error as a circuit failure.
// Use WithFailureClassifier to exclude error classes (rate limits, caller
// cancellation) from tripping the circuit.
func DefaultFailureClassifier() FailureClassifier {
	return allFailures{}
}

// HTTPStatusClassifier classifies errors by HTTP status code. It treats
// certain codes as retryable and others as circuit failures, and excludes
// transient conditions (rate limits, timeouts, caller cancellation) from
// tripping the circuit.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists status codes that should trigger retries.
	// Defaults to 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int

	// FailureStatuses lists status codes that should count as circuit
	// failures. Defaults to 401, 403, 500, 502, 503, 504 if nil.
	FailureStatuses []int
}

// HTTPError represents an error with an associated HTTP status code. Many
// HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// NewHTTPStatusClassifier creates an HTTPStatusClassifier with default
// status code mappings.
// Retryable: 429 (rate limit), 500, 502, 503, 504 (server errors)
// Circuit failure: 401, 403 (auth errors), 500, 502, 503, 504 (server errors)
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses: []int{429, 500, 502, 503, 504},
		FailureStatuses:   []int{401, 403, 500, 502, 503, 504},
	}
}

// IsRetryable implements ErrorClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable: if the parent context is exceeded
	// or canceled, retrying with the same context fails immediately. Check
	// these before the timeout check, as context.DeadlineExceeded may be
	// considered a timeout by other error checkers.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, jperrors.ErrRateLimited) {
		return true
	}
	if jperrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Unknown errors might be retryable (network issues, etc.)
		return true
	}

	return containsStatus(c.retryableStatuses(), statusCode)
}

// IsFailure implements FailureClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) IsFailure(err error) bool {
	if err == nil {
		return false
	}

	// Rate limits, timeouts, and caller cancellation are transient and
	// should not trip the circuit.
	if errors.Is(err, jperrors.ErrRateLimited) {
		return false
	}
	if jperrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Unknown errors count as failures to be safe.
		return true
	}

	return containsStatus(c.failureStatuses(), statusCode)
}

func (c *HTTPStatusClassifier) retryableStatuses() []int {
	if c.RetryableStatuses != nil {
		return c.RetryableStatuses
	}
	return []int{429, 500, 502, 503, 504}
}

func (c *HTTPStatusClassifier) failureStatuses() []int {
	if c.FailureStatuses != nil {
		return c.FailureStatuses
	}
	return []int{401, 403, 500, 502, 503, 504}
}

// extractStatusCode attempts to extract an HTTP status code from an error.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier provides reasonable defaults for retry decisions.
// It treats 5xx errors, 429 (rate limit), network errors, and timeouts as
// retryable.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// StatusCodeError wraps an error with an HTTP status code. Use this when you
// need to add status code information to an existing error.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code. This implements the HTTPError
// interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return reliability.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
