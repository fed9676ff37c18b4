package pipeline

import (
	"context"
	"time"

	"github.com/jzx17/httpretry/pkg/ratelimit"
	"github.com/jzx17/httpretry/pkg/retry"
	"github.com/jzx17/httpretry/pkg/types"
)

// stageCore is the configuration shared by the synchronous and
// asynchronous retry stages: the transport, the error classifier, the
// retry policy and the client-wide token bucket.
type stageCore struct {
	transport   types.Transport
	classifier  types.ErrorClassifier
	retryPolicy *retry.Policy
	deps        *Dependencies
	bucket      *ratelimit.TokenBucket
}

func newStageCore(transport types.Transport, retryPolicy *retry.Policy, deps *Dependencies, opts []StageOption) *stageCore {
	c := &stageCore{
		transport:   transport,
		classifier:  types.DefaultClassifier{},
		retryPolicy: retryPolicy,
		deps:        deps,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.bucket == nil {
		c.bucket = ratelimit.NewTokenBucket(deps.Clock)
	}

	return c
}

// StageOption is a configuration option for retry stages
type StageOption func(*stageCore)

// WithErrorClassifier replaces the default error-response classifier
func WithErrorClassifier(classifier types.ErrorClassifier) StageOption {
	return func(c *stageCore) {
		c.classifier = classifier
	}
}

// WithTokenBucket shares an existing token bucket with the stage, so the
// synchronous and asynchronous stages of one client adapt to the same
// throttling feedback
func WithTokenBucket(bucket *ratelimit.TokenBucket) StageOption {
	return func(c *stageCore) {
		c.bucket = bucket
	}
}

func (c *stageCore) newHelper(request *types.Request, execCtx *ExecutionContext) *RetryableStageHelper {
	return NewRetryableStageHelper(request, execCtx, c.retryPolicy, c.bucket, c.deps)
}

// executeAttempt dispatches one attempt and records its outcome in the
// helper. A nil error means the execution succeeded terminally; any
// error has already been stored as the helper's last exception and fed
// into the rate limiter.
func (c *stageCore) executeAttempt(ctx context.Context, helper *RetryableStageHelper) (*types.Response, error) {
	helper.LogSendingRequest()

	resp, err := c.transport.RoundTrip(ctx, helper.RequestToSend())
	if err != nil {
		helper.SetLastException(err)
		helper.UpdateClientSendingRateForErrorResponse()
		return nil, helper.LastException()
	}

	helper.SetLastResponse(resp)

	if resp.IsSuccess() {
		helper.UpdateClientSendingRateForSuccessResponse()
		helper.AttemptSucceeded()
		return resp, nil
	}

	svcErr := c.classifier.Classify(resp)
	helper.SetLastException(svcErr)
	helper.AdjustClockIfClockSkew(resp, svcErr)
	helper.UpdateClientSendingRateForErrorResponse()
	return nil, svcErr
}

// RetryableStage executes one logical call as a blocking sequence of
// attempts. Backoff waits and rate-limiter waits block the calling
// goroutine and are cancelled by ctx.
type RetryableStage struct {
	*stageCore
}

// NewRetryableStage creates the synchronous retry stage.
func NewRetryableStage(transport types.Transport, retryPolicy *retry.Policy, deps *Dependencies, opts ...StageOption) *RetryableStage {
	return &RetryableStage{stageCore: newStageCore(transport, retryPolicy, deps, opts)}
}

// Execute runs the attempt loop until one attempt succeeds or the retry
// policy refuses another attempt. The caller receives exactly one
// response or one terminal error.
func (s *RetryableStage) Execute(ctx context.Context, request *types.Request, execCtx *ExecutionContext) (*types.Response, error) {
	helper := s.newHelper(request, execCtx)

	for {
		select {
		case <-ctx.Done():
			return nil, types.NewClientError("execution cancelled", ctx.Err())
		default:
		}

		helper.StartingAttempt()

		if !helper.RetryPolicyAllowsRetry() {
			return nil, helper.RetryPolicyDisallowedRetryException()
		}

		if delay := helper.GetBackoffDelay(); delay > 0 {
			helper.LogBackingOff(delay)
			helper.EnteringBackoffWait()
			if err := s.waitBackoff(ctx, delay); err != nil {
				return nil, err
			}
			helper.ResumingAttempt()
		}

		// A fast-fail refusal aborts the call without consuming retry
		// budget.
		if err := helper.GetSendToken(ctx); err != nil {
			return nil, err
		}

		resp, err := s.executeAttempt(ctx, helper)
		if err == nil {
			return resp, nil
		}
	}
}

// waitBackoff blocks for the delay, aborting promptly when ctx ends.
func (s *RetryableStage) waitBackoff(ctx context.Context, delay time.Duration) error {
	timer := s.deps.Clock.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return types.NewClientError("backoff wait interrupted", ctx.Err())
	case <-timer.C():
		return nil
	}
}
