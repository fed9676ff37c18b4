package types

import (
	"errors"
	"fmt"
)

// CallError is implemented by every failure the retry core recognizes as
// belonging to a call: service-reported errors, client-side errors, rate
// limiter refusals and non-retryable markers. Failures coming out of the
// transport that do not implement CallError get wrapped into a
// ClientError before any retry decision is made.
type CallError interface {
	error
	callError()
}

// ClientError represents a failure generated on the client side, such as
// a transport failure or an interrupted backoff wait. The service never
// saw (or never answered) the attempt.
type ClientError struct {
	Message string
	Cause   error
}

// NewClientError creates a client-side error wrapping an optional cause.
func NewClientError(message string, cause error) *ClientError {
	return &ClientError{Message: message, Cause: cause}
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ClientError) Unwrap() error {
	return e.Cause
}

func (e *ClientError) callError() {}

// ServiceError represents an error response reported by the remote
// service. Classification is fixed at construction: the response
// unmarshalling collaborator decides whether the error is throttling
// and whether it is retryable, and nothing downstream re-inspects the
// payload.
type ServiceError struct {
	Message    string
	StatusCode int
	// Code is the service-assigned error code, e.g. "ThrottlingException".
	Code string
	// Throttling marks the error as a server signal to slow down.
	Throttling bool
	// Retryable marks the error as safe to retry.
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("service error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("service error (status %d): %s", e.StatusCode, e.Message)
}

func (e *ServiceError) callError() {}

// RateLimitedError is returned when adaptive rate limiting refuses a
// send token under fast-fail. The attempt is aborted without consuming
// retry budget.
type RateLimitedError struct {
	Message string
}

func (e *RateLimitedError) Error() string {
	return e.Message
}

func (e *RateLimitedError) callError() {}

// NonRetryableError marks its cause as explicitly not retryable,
// short-circuiting any remaining retry budget.
type NonRetryableError struct {
	Cause error
}

// NonRetryable wraps err so the retry policy is never consulted for it.
func NonRetryable(err error) *NonRetryableError {
	return &NonRetryableError{Cause: err}
}

func (e *NonRetryableError) Error() string {
	return e.Cause.Error()
}

// Unwrap returns the underlying error
func (e *NonRetryableError) Unwrap() error {
	return e.Cause
}

func (e *NonRetryableError) callError() {}

// AsyncError wraps a failure delivered through an asynchronous task
// boundary. Consumers unwrap it to reach the real cause.
type AsyncError struct {
	Cause error
}

func (e *AsyncError) Error() string {
	return fmt.Sprintf("async task failed: %v", e.Cause)
}

// Unwrap returns the underlying error
func (e *AsyncError) Unwrap() error {
	return e.Cause
}

// IsThrottling reports whether err is a throttling-classified service
// error.
func IsThrottling(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Throttling
	}
	return false
}

// IsNonRetryable reports whether err was explicitly marked non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// StatusCode extracts the HTTP status carried by a service error, or 0.
func StatusCode(err error) int {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.StatusCode
	}
	return 0
}
