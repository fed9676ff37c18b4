package types

import (
	"context"
	"net/http"
	"time"
)

// Request is the wire-level request shape consumed by the retry core.
// Generated per-service request types are marshalled into this form
// before they reach the pipeline.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// NewRequest creates a request with an initialized header map.
func NewRequest(method, url string) *Request {
	return &Request{
		Method:  method,
		URL:     url,
		Headers: make(http.Header),
	}
}

// Clone returns a deep copy of the request. Mutating the copy never
// affects the original.
func (r *Request) Clone() *Request {
	clone := &Request{
		Method:  r.Method,
		URL:     r.URL,
		Headers: r.Headers.Clone(),
	}
	if clone.Headers == nil {
		clone.Headers = make(http.Header)
	}
	if r.Body != nil {
		clone.Body = make([]byte, len(r.Body))
		copy(clone.Body, r.Body)
	}
	return clone
}

// Response is the wire-level response shape returned by the transport.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Header returns the first value of the named header.
func (r *Response) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// IsSuccess reports whether the response carries a non-error status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport sends a single request attempt and returns the service
// response, or an error when no response was obtained. Connection
// management, TLS and signing live behind this interface.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// RoundTrip implements Transport
func (f TransportFunc) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ErrorClassifier turns an error response into a classified service
// error. It stands in for the response unmarshalling collaborator; the
// retry core only consumes the resulting classification.
type ErrorClassifier interface {
	Classify(resp *Response) *ServiceError
}

// ErrorCodeHeader carries the service-assigned error code on error
// responses handled by the default classifier.
const ErrorCodeHeader = "X-Error-Code"

// throttlingCodes are service error codes that signal throttling
// regardless of status code.
var throttlingCodes = map[string]struct{}{
	"Throttling":               {},
	"ThrottlingException":      {},
	"RequestThrottled":         {},
	"SlowDown":                 {},
	"TooManyRequestsException": {},
}

// retryableStatusCodes are statuses considered transient server faults.
var retryableStatusCodes = map[int]struct{}{
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// DefaultClassifier classifies error responses from status code and the
// error-code header alone.
type DefaultClassifier struct{}

// Classify implements ErrorClassifier
func (DefaultClassifier) Classify(resp *Response) *ServiceError {
	code := resp.Header(ErrorCodeHeader)
	_, throttlingCode := throttlingCodes[code]
	throttling := throttlingCode || resp.StatusCode == http.StatusTooManyRequests
	_, retryableStatus := retryableStatusCodes[resp.StatusCode]

	return &ServiceError{
		Message:    http.StatusText(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Code:       code,
		Throttling: throttling,
		Retryable:  throttling || retryableStatus,
	}
}

// Result contains the outcome of an asynchronous execution.
type Result[T any] struct {
	Value    T
	Error    error
	Duration time.Duration
}
