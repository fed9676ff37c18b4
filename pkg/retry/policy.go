package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jzx17/httpretry/pkg/types"
)

// Mode selects how retries and client-side rate limiting behave.
type Mode int

const (
	// ModeLegacy retries with per-service legacy defaults
	ModeLegacy Mode = iota
	// ModeStandard retries with standardized backoff defaults
	ModeStandard
	// ModeAdaptive couples standard retries with client-side rate limiting
	ModeAdaptive
)

// String returns string representation of mode
func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "Legacy"
	case ModeStandard:
		return "Standard"
	case ModeAdaptive:
		return "Adaptive"
	default:
		return "Unknown"
	}
}

// Condition is the aggregate retry predicate consulted between attempts,
// plus the bookkeeping hooks the policy is notified through. Conditions
// must be safe for concurrent use: one policy is shared by unboundedly
// many executions.
type Condition interface {
	// ShouldRetry determines whether the failed attempt may be retried
	ShouldRetry(ctx *Context) bool

	// RequestWillNotBeRetried is invoked once when ShouldRetry refused
	RequestWillNotBeRetried(ctx *Context)

	// RequestSucceeded is invoked once when an attempt succeeds
	RequestSucceeded(ctx *Context)
}

// noNotifications provides no-op notification hooks for stateless
// conditions.
type noNotifications struct{}

func (noNotifications) RequestWillNotBeRetried(*Context) {}
func (noNotifications) RequestSucceeded(*Context)        {}

// maxRetriesCondition refuses once the retry budget is spent.
type maxRetriesCondition struct {
	noNotifications
	maxRetries int
}

// MaxRetriesCondition allows at most maxRetries retries per execution.
func MaxRetriesCondition(maxRetries int) Condition {
	return &maxRetriesCondition{maxRetries: maxRetries}
}

func (c *maxRetriesCondition) ShouldRetry(ctx *Context) bool {
	return ctx.RetriesAttempted < c.maxRetries
}

// retryableErrorCondition retries classification-based: service errors
// marked retryable or throttling, and client-side errors other than
// cancellation.
type retryableErrorCondition struct {
	noNotifications
}

// RetryableErrorCondition retries errors whose classification marks them
// transient.
func RetryableErrorCondition() Condition {
	return &retryableErrorCondition{}
}

func (retryableErrorCondition) ShouldRetry(ctx *Context) bool {
	err := ctx.Exception
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Retryable || svcErr.Throttling
	}

	var clientErr *types.ClientError
	return errors.As(err, &clientErr)
}

// statusCodeCondition retries when the last HTTP status is in the set.
type statusCodeCondition struct {
	noNotifications
	codes map[int]struct{}
}

// StatusCodeCondition retries attempts whose response status is one of
// codes.
func StatusCodeCondition(codes ...int) Condition {
	set := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return &statusCodeCondition{codes: set}
}

func (c *statusCodeCondition) ShouldRetry(ctx *Context) bool {
	_, ok := c.codes[ctx.HTTPStatusCode]
	return ok
}

// andCondition retries only when every child condition agrees.
type andCondition struct {
	conditions []Condition
}

// AndCondition combines conditions; all must allow the retry.
func AndCondition(conditions ...Condition) Condition {
	return &andCondition{conditions: conditions}
}

func (c *andCondition) ShouldRetry(ctx *Context) bool {
	for _, cond := range c.conditions {
		if !cond.ShouldRetry(ctx) {
			return false
		}
	}
	return true
}

func (c *andCondition) RequestWillNotBeRetried(ctx *Context) {
	for _, cond := range c.conditions {
		cond.RequestWillNotBeRetried(ctx)
	}
}

func (c *andCondition) RequestSucceeded(ctx *Context) {
	for _, cond := range c.conditions {
		cond.RequestSucceeded(ctx)
	}
}

// orCondition retries when any child condition agrees.
type orCondition struct {
	conditions []Condition
}

// OrCondition combines conditions; any may allow the retry.
func OrCondition(conditions ...Condition) Condition {
	return &orCondition{conditions: conditions}
}

func (c *orCondition) ShouldRetry(ctx *Context) bool {
	for _, cond := range c.conditions {
		if cond.ShouldRetry(ctx) {
			return true
		}
	}
	return false
}

func (c *orCondition) RequestWillNotBeRetried(ctx *Context) {
	for _, cond := range c.conditions {
		cond.RequestWillNotBeRetried(ctx)
	}
}

func (c *orCondition) RequestSucceeded(ctx *Context) {
	for _, cond := range c.conditions {
		cond.RequestSucceeded(ctx)
	}
}

// Policy is the immutable retry configuration consumed by the pipeline.
// One policy instance is safely shared by all executions of a client.
type Policy struct {
	mode                      Mode
	numRetries                int
	retryCondition            Condition
	backoffStrategy           BackoffStrategy
	throttlingBackoffStrategy BackoffStrategy
	fastFailRateLimiting      bool
}

const (
	defaultNumRetries          = 3
	defaultBaseDelay           = 100 * time.Millisecond
	defaultThrottlingBaseDelay = 500 * time.Millisecond
)

// NewPolicy creates a retry policy. Without options it behaves like
// Standard mode with full-jitter exponential backoff and 3 retries.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		mode:       ModeStandard,
		numRetries: defaultNumRetries,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.retryCondition == nil {
		p.retryCondition = AndCondition(
			MaxRetriesCondition(p.numRetries),
			RetryableErrorCondition(),
		)
	}
	if p.backoffStrategy == nil {
		p.backoffStrategy = NewFullJitterBackoff(defaultBaseDelay)
	}
	if p.throttlingBackoffStrategy == nil {
		p.throttlingBackoffStrategy = NewFullJitterBackoff(defaultThrottlingBaseDelay)
	}

	return p
}

// Mode returns the retry mode
func (p *Policy) Mode() Mode {
	return p.mode
}

// NumRetries returns the configured maximum number of retries
func (p *Policy) NumRetries() int {
	return p.numRetries
}

// AggregateRetryCondition returns the aggregate retry predicate
func (p *Policy) AggregateRetryCondition() Condition {
	return p.retryCondition
}

// BackoffStrategy returns the backoff strategy for non-throttling errors
func (p *Policy) BackoffStrategy() BackoffStrategy {
	return p.backoffStrategy
}

// ThrottlingBackoffStrategy returns the backoff strategy for throttling
// errors
func (p *Policy) ThrottlingBackoffStrategy() BackoffStrategy {
	return p.throttlingBackoffStrategy
}

// FastFailRateLimiting reports whether a rate-limited send should refuse
// immediately instead of waiting for capacity
func (p *Policy) FastFailRateLimiting() bool {
	return p.fastFailRateLimiting
}

// PolicyOption is a configuration option for retry policies
type PolicyOption func(*Policy)

// WithMode sets the retry mode
func WithMode(mode Mode) PolicyOption {
	return func(p *Policy) {
		p.mode = mode
	}
}

// WithNumRetries sets the maximum number of retries
func WithNumRetries(numRetries int) PolicyOption {
	return func(p *Policy) {
		p.numRetries = numRetries
	}
}

// WithRetryCondition sets the aggregate retry condition, replacing the
// default max-retries + classification condition entirely
func WithRetryCondition(condition Condition) PolicyOption {
	return func(p *Policy) {
		p.retryCondition = condition
	}
}

// WithBackoffStrategy sets the backoff strategy for non-throttling errors
func WithBackoffStrategy(strategy BackoffStrategy) PolicyOption {
	return func(p *Policy) {
		p.backoffStrategy = strategy
	}
}

// WithThrottlingBackoffStrategy sets the backoff strategy for throttling
// errors
func WithThrottlingBackoffStrategy(strategy BackoffStrategy) PolicyOption {
	return func(p *Policy) {
		p.throttlingBackoffStrategy = strategy
	}
}

// WithFastFailRateLimiting makes adaptive rate limiting refuse
// immediately when the client is sending too fast
func WithFastFailRateLimiting(fastFail bool) PolicyOption {
	return func(p *Policy) {
		p.fastFailRateLimiting = fastFail
	}
}

// DefaultRetryableStatusCodes are the statuses the stock status-code
// condition treats as transient.
var DefaultRetryableStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}
