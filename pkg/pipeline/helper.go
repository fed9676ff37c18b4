package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jzx17/httpretry/pkg/ratelimit"
	"github.com/jzx17/httpretry/pkg/retry"
	"github.com/jzx17/httpretry/pkg/types"
)

// RetryInfoHeader is added to every outgoing attempt, carrying the
// attempt number and the policy's retry budget as
// "attempt=<n>; max=<m>".
const RetryInfoHeader = "X-Retry-Info"

// Attribute keys published by the retry stages for other stages to read.
var (
	// ExecutionAttemptAttribute is the current attempt number, starting
	// at 1.
	ExecutionAttemptAttribute = types.NewAttributeKey[int]("ExecutionAttempt")
	// LastBackoffDelayAttribute is the most recent backoff delay.
	LastBackoffDelayAttribute = types.NewAttributeKey[time.Duration]("LastBackoffDelay")
)

// RetryableStageHelper contains the logic shared by RetryableStage and
// AsyncRetryableStage when querying and interacting with the retry
// policy and the rate limiter. One helper serves exactly one execution
// and is driven by a single logical thread of control.
type RetryableStageHelper struct {
	request     *types.Request
	execCtx     *ExecutionContext
	retryPolicy *retry.Policy
	bucket      *ratelimit.TokenBucket
	deps        *Dependencies

	state         ExecutionState
	attemptNumber int
	lastResponse  *types.Response
	lastException error
}

// NewRetryableStageHelper creates the helper for one execution.
func NewRetryableStageHelper(
	request *types.Request,
	execCtx *ExecutionContext,
	retryPolicy *retry.Policy,
	bucket *ratelimit.TokenBucket,
	deps *Dependencies,
) *RetryableStageHelper {
	return &RetryableStageHelper{
		request:     request,
		execCtx:     execCtx,
		retryPolicy: retryPolicy,
		bucket:      bucket,
		deps:        deps,
		state:       StateInit,
	}
}

// StartingAttempt begins a request attempt, before the retry policy is
// queried. It advances the attempt number and publishes it into the
// execution's attribute bag.
func (h *RetryableStageHelper) StartingAttempt() {
	h.attemptNumber++
	h.state = StateAttempting
	types.PutAttribute(h.execCtx.Attributes, ExecutionAttemptAttribute, h.attemptNumber)
}

// RetryPolicyAllowsRetry returns true if the retry policy allows this
// attempt. Always true when the current attempt is not a retry, i.e.
// it is the first attempt of the execution.
func (h *RetryableStageHelper) RetryPolicyAllowsRetry() bool {
	if h.isInitialAttempt() {
		return true
	}

	if types.IsNonRetryable(h.lastException) {
		return false
	}

	ctx := h.retryPolicyContext(true)

	willRetry := h.retryPolicy.AggregateRetryCondition().ShouldRetry(ctx)
	if !willRetry {
		h.retryPolicy.AggregateRetryCondition().RequestWillNotBeRetried(ctx)
	}

	return willRetry
}

// RetryPolicyDisallowedRetryException returns the terminal error for the
// execution because the retry policy refused another attempt, reporting
// the final retry count first.
func (h *RetryableStageHelper) RetryPolicyDisallowedRetryException() error {
	h.execCtx.Metrics.ReportRetryCount(h.retriesAttemptedSoFar(true))
	h.state = StateFailedTerminal
	return h.lastException
}

// GetBackoffDelay returns how long the next attempt must be delayed.
// Zero for the first attempt. Throttling-classified failures use the
// policy's throttling backoff strategy, everything else the general one.
func (h *RetryableStageHelper) GetBackoffDelay() time.Duration {
	var result time.Duration
	if !h.isInitialAttempt() {
		ctx := h.retryPolicyContext(true)
		if types.IsThrottling(h.lastException) {
			result = h.retryPolicy.ThrottlingBackoffStrategy().ComputeDelay(ctx)
		} else {
			result = h.retryPolicy.BackoffStrategy().ComputeDelay(ctx)
		}
		if result < 0 {
			result = 0
		}
	}
	types.PutAttribute(h.execCtx.Attributes, LastBackoffDelayAttribute, result)
	return result
}

// EnteringBackoffWait records that the execution is suspended waiting
// out a backoff delay.
func (h *RetryableStageHelper) EnteringBackoffWait() {
	h.state = StateBackoffWait
}

// ResumingAttempt records that the backoff wait completed and dispatch
// is resuming.
func (h *RetryableStageHelper) ResumingAttempt() {
	h.state = StateAttempting
}

// LogBackingOff logs how long the execution will wait before retrying.
func (h *RetryableStageHelper) LogBackingOff(delay time.Duration) {
	h.execCtx.Logger.Debug("retryable error detected, backing off before retry",
		"delay_ms", delay.Milliseconds(),
		"attempt", h.attemptNumber,
		"error", h.lastException,
	)
}

// RequestToSend returns a copy of the original request carrying the
// retry-info header for this attempt. The original is never mutated.
func (h *RetryableStageHelper) RequestToSend() *types.Request {
	req := h.request.Clone()
	req.Headers.Set(RetryInfoHeader,
		fmt.Sprintf("attempt=%d; max=%d", h.attemptNumber, h.retryPolicy.NumRetries()))
	return req
}

// LogSendingRequest logs that the attempt is being dispatched.
func (h *RetryableStageHelper) LogSendingRequest() {
	verb := "sending"
	if !h.isInitialAttempt() {
		verb = "retrying"
	}
	h.execCtx.Logger.Debug(verb+" request",
		"attempt", h.attemptNumber,
		"method", h.request.Method,
		"url", h.request.URL,
	)
}

// AdjustClockIfClockSkew updates the shared signing time offset when the
// failed attempt indicates a large skew between client and service
// clocks, so the next attempt is signed with a more accurate time.
func (h *RetryableStageHelper) AdjustClockIfClockSkew(resp *types.Response, err error) {
	if err == nil {
		return
	}
	adjuster := h.deps.ClockSkewAdjuster
	if adjuster.ShouldAdjust(err) {
		h.deps.UpdateTimeOffset(adjuster.AdjustmentInSeconds(resp))
	}
}

// AttemptSucceeded notifies the retry policy that the attempt succeeded
// and reports the final retry count.
func (h *RetryableStageHelper) AttemptSucceeded() {
	h.retryPolicy.AggregateRetryCondition().RequestSucceeded(h.retryPolicyContext(false))
	h.execCtx.Metrics.ReportRetryCount(h.retriesAttemptedSoFar(false))
	h.state = StateSucceeded
}

// AttemptNumber returns the current attempt number, updated by
// StartingAttempt.
func (h *RetryableStageHelper) AttemptNumber() int {
	return h.attemptNumber
}

// State returns the execution's current state.
func (h *RetryableStageHelper) State() ExecutionState {
	return h.state
}

// LastException returns the most recent call failure, updated by
// SetLastException.
func (h *RetryableStageHelper) LastException() error {
	return h.lastException
}

// SetLastException records the failure of the most recent attempt.
// Async task wrappers are unwrapped to the real cause; recognized call
// errors are stored verbatim, anything else is wrapped into a
// client-side error. A previous attempt's value persists until
// overwritten.
func (h *RetryableStageHelper) SetLastException(err error) {
	if asyncErr, ok := err.(*types.AsyncError); ok && asyncErr.Cause != nil {
		h.SetLastException(asyncErr.Cause)
		return
	}
	if callErr, ok := err.(types.CallError); ok {
		h.lastException = callErr
		return
	}
	h.lastException = types.NewClientError("unable to execute HTTP request", err)
}

// SetLastResponse records the most recent response from the service.
func (h *RetryableStageHelper) SetLastResponse(resp *types.Response) {
	h.lastResponse = resp
}

// IsRateLimitingEnabled reports whether client-side rate limiting is
// active. Only adaptive retry mode enables it.
func (h *RetryableStageHelper) IsRateLimitingEnabled() bool {
	return h.retryPolicy.Mode() == retry.ModeAdaptive
}

// IsFastFailRateLimiting reports whether rate limiting should refuse
// immediately instead of waiting for capacity.
func (h *RetryableStageHelper) IsFastFailRateLimiting() bool {
	return h.retryPolicy.FastFailRateLimiting()
}

// IsLastExceptionThrottlingException reports whether the last failure is
// throttling-classified.
func (h *RetryableStageHelper) IsLastExceptionThrottlingException() bool {
	if h.lastException == nil {
		return false
	}
	return types.IsThrottling(h.lastException)
}

// GetSendToken acquires one send token from the rate limiter, blocking
// until capacity accrues. Returns immediately when rate limiting is not
// enabled. A fast-fail refusal aborts the call without consuming retry
// budget; a cancelled wait surfaces the context error as a client-side
// failure.
func (h *RetryableStageHelper) GetSendToken(ctx context.Context) error {
	if !h.IsRateLimitingEnabled() {
		return nil
	}

	acquired, err := h.bucket.Acquire(ctx, 1.0, h.IsFastFailRateLimiting())
	if err != nil {
		return types.NewClientError("interrupted while waiting for a send token", err)
	}
	if !acquired {
		return sendTokenRefusalError()
	}
	return nil
}

// sendTokenRefusalError is the client-side failure raised when fast-fail
// rate limiting refuses a send token. It aborts the call without
// consuming retry budget.
func sendTokenRefusalError() *types.RateLimitedError {
	return &types.RateLimitedError{
		Message: "unable to acquire a send token immediately without waiting; adaptive " +
			"retry mode with fast-fail rate limiting is enabled and rate limiting is " +
			"engaged because of prior throttled requests",
	}
}

// GetSendTokenNonBlocking queries the rate limiter without blocking.
// The duration is the minimum recommended wait before sending (zero
// means send now); ok=false reports a fast-fail refusal.
func (h *RetryableStageHelper) GetSendTokenNonBlocking() (time.Duration, bool) {
	if !h.IsRateLimitingEnabled() {
		return 0, true
	}
	return h.bucket.AcquireNonBlocking(1.0, h.IsFastFailRateLimiting())
}

// UpdateClientSendingRateForErrorResponse feeds the failed attempt into
// the rate limiter. Only throttling-classified failures lower the
// sending rate; other failures are handled like successes by
// UpdateClientSendingRateForSuccessResponse.
func (h *RetryableStageHelper) UpdateClientSendingRateForErrorResponse() {
	if !h.IsRateLimitingEnabled() {
		return
	}
	if h.IsLastExceptionThrottlingException() {
		h.bucket.UpdateClientSendingRate(true)
	}
}

// UpdateClientSendingRateForSuccessResponse feeds a successful attempt
// into the rate limiter.
func (h *RetryableStageHelper) UpdateClientSendingRateForSuccessResponse() {
	if !h.IsRateLimitingEnabled() {
		return
	}
	h.bucket.UpdateClientSendingRate(false)
}

func (h *RetryableStageHelper) isInitialAttempt() bool {
	return h.attemptNumber == 1
}

func (h *RetryableStageHelper) retryPolicyContext(beforeSend bool) *retry.Context {
	statusCode := 0
	if h.lastResponse != nil {
		statusCode = h.lastResponse.StatusCode
	}
	return &retry.Context{
		Request:          h.request,
		OriginalRequest:  h.execCtx.OriginalRequest,
		Exception:        h.lastException,
		RetriesAttempted: h.retriesAttemptedSoFar(beforeSend),
		HTTPStatusCode:   statusCode,
		Attributes:       h.execCtx.Attributes,
	}
}

// retriesAttemptedSoFar is the number of retries sent during this
// execution. During attempt 3 it is 1 before the send (attempt 2) and 2
// after the send (attempts 2 and 3).
func (h *RetryableStageHelper) retriesAttemptedSoFar(beforeSend bool) int {
	n := h.attemptNumber - 1
	if beforeSend {
		n = h.attemptNumber - 2
	}
	if n < 0 {
		return 0
	}
	return n
}
