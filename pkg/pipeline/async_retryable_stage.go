package pipeline

import (
	"context"
	"time"

	"github.com/jzx17/httpretry/pkg/retry"
	"github.com/jzx17/httpretry/pkg/types"
)

// AsyncRetryableStage executes one logical call as a sequence of
// scheduled continuations: backoff delays and rate-limiter waits are
// clock timers that schedule the next step instead of blocking the
// caller. Continuations of one execution never overlap, so the helper
// needs no synchronization.
type AsyncRetryableStage struct {
	*stageCore
}

// NewAsyncRetryableStage creates the asynchronous retry stage.
func NewAsyncRetryableStage(transport types.Transport, retryPolicy *retry.Policy, deps *Dependencies, opts ...StageOption) *AsyncRetryableStage {
	return &AsyncRetryableStage{stageCore: newStageCore(transport, retryPolicy, deps, opts)}
}

// ExecuteAsync starts the attempt loop and returns a channel that
// delivers exactly one result before closing.
func (s *AsyncRetryableStage) ExecuteAsync(ctx context.Context, request *types.Request, execCtx *ExecutionContext) <-chan types.Result[*types.Response] {
	resultChan := make(chan types.Result[*types.Response], 1)

	exec := &asyncExecution{
		ctx:        ctx,
		stage:      s,
		helper:     s.newHelper(request, execCtx),
		start:      s.deps.Clock.Now(),
		resultChan: resultChan,
	}

	go exec.maybeAttemptExecute()

	return resultChan
}

// asyncExecution is the suspend/resume task driving one execution
// through the asynchronous stage.
type asyncExecution struct {
	ctx        context.Context
	stage      *AsyncRetryableStage
	helper     *RetryableStageHelper
	start      time.Time
	resultChan chan types.Result[*types.Response]
}

// maybeAttemptExecute starts an attempt: queries the retry policy,
// then either dispatches now or schedules the dispatch after the
// backoff delay.
func (e *asyncExecution) maybeAttemptExecute() {
	e.helper.StartingAttempt()

	if !e.helper.RetryPolicyAllowsRetry() {
		e.finish(nil, e.helper.RetryPolicyDisallowedRetryException())
		return
	}

	if delay := e.helper.GetBackoffDelay(); delay > 0 {
		e.helper.LogBackingOff(delay)
		e.helper.EnteringBackoffWait()
		e.schedule(delay, e.acquireTokenAndExecute)
		return
	}

	e.acquireTokenAndExecute()
}

// acquireTokenAndExecute consults the rate limiter without blocking,
// rescheduling itself for the recommended wait when the client is
// sending too fast.
func (e *asyncExecution) acquireTokenAndExecute() {
	e.helper.ResumingAttempt()

	wait, ok := e.helper.GetSendTokenNonBlocking()
	if !ok {
		e.finish(nil, sendTokenRefusalError())
		return
	}
	if wait > 0 {
		// capacity may be taken by another execution during the wait, so
		// re-query instead of assuming the tokens are there
		e.schedule(wait, e.acquireTokenAndExecute)
		return
	}

	e.attemptExecute()
}

// attemptExecute dispatches the attempt and either completes the
// execution or loops back into the next retry decision.
func (e *asyncExecution) attemptExecute() {
	resp, err := e.stage.executeAttempt(e.ctx, e.helper)
	if err == nil {
		e.finish(resp, nil)
		return
	}
	e.maybeAttemptExecute()
}

// schedule runs fn after the delay, aborting the execution promptly
// when ctx ends first.
func (e *asyncExecution) schedule(delay time.Duration, fn func()) {
	timer := e.stage.deps.Clock.NewTimer(delay)
	go func() {
		select {
		case <-e.ctx.Done():
			timer.Stop()
			e.finish(nil, types.NewClientError("backoff wait interrupted", e.ctx.Err()))
		case <-timer.C():
			fn()
		}
	}()
}

// finish delivers the single terminal result and closes the channel.
func (e *asyncExecution) finish(resp *types.Response, err error) {
	e.resultChan <- types.Result[*types.Response]{
		Value:    resp,
		Error:    err,
		Duration: e.stage.deps.Clock.Since(e.start),
	}
	close(e.resultChan)
}
