package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jzx17/httpretry/internal/testutils"
	"github.com/jzx17/httpretry/pkg/metrics"
	"github.com/jzx17/httpretry/pkg/ratelimit"
	"github.com/jzx17/httpretry/pkg/retry"
	"github.com/jzx17/httpretry/pkg/types"
)

// scriptedTransport serves a fixed sequence of outcomes and records every
// dispatched request with its wall-clock time. Once the script runs out,
// the last outcome repeats.
type scriptedTransport struct {
	script []scriptStep

	mu       sync.Mutex
	requests []*types.Request
	times    []time.Time
}

type scriptStep struct {
	resp *types.Response
	err  error
}

func (s *scriptedTransport) RoundTrip(ctx context.Context, req *types.Request) (*types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	s.times = append(s.times, time.Now())

	idx := len(s.requests) - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	step := s.script[idx]
	return step.resp, step.err
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedTransport) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

func statusResponse(status int) *types.Response {
	return &types.Response{StatusCode: status, Headers: make(http.Header)}
}

func throttledResponse() *types.Response {
	resp := statusResponse(http.StatusTooManyRequests)
	resp.Headers.Set(types.ErrorCodeHeader, "ThrottlingException")
	return resp
}

func newStageFixture(t *testing.T, transport types.Transport, policy *retry.Policy, opts ...StageOption) (*RetryableStage, *ExecutionContext, *metrics.Recording, *Dependencies) {
	t.Helper()

	deps := NewDependencies(types.NewRealClock())
	collector := &metrics.Recording{}
	request := types.NewRequest(http.MethodGet, "https://service.example.com/items")
	execCtx := NewExecutionContext(request, WithMetrics(collector))

	return NewRetryableStage(transport, policy, deps, opts...), execCtx, collector, deps
}

func TestRetryableStage_SucceedsOnFirstAttempt(t *testing.T) {
	transport := &scriptedTransport{script: []scriptStep{{resp: statusResponse(200)}}}
	stage, execCtx, collector, _ := newStageFixture(t, transport, retry.NewPolicy())

	resp, err := stage.Execute(context.Background(), execCtx.OriginalRequest, execCtx)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if transport.calls() != 1 {
		t.Errorf("Expected 1 attempt, got %d", transport.calls())
	}

	counts := collector.RetryCounts()
	if len(counts) != 1 || counts[0] != 0 {
		t.Errorf("Expected retry count [0], got %v", counts)
	}

	sent := transport.requests[0]
	if got := sent.Headers.Get(RetryInfoHeader); got != "attempt=1; max=3" {
		t.Errorf("Unexpected retry-info header %q", got)
	}
}

func TestRetryableStage_MixedBackoffScenario(t *testing.T) {
	// Attempt 1 fails with a plain server error, attempt 2 is throttled,
	// attempt 3 succeeds. The two retries must use the general and the
	// throttling backoff strategies respectively.
	transport := &scriptedTransport{script: []scriptStep{
		{resp: statusResponse(500)},
		{resp: throttledResponse()},
		{resp: statusResponse(200)},
	}}
	policy := retry.NewPolicy(
		retry.WithNumRetries(2),
		retry.WithBackoffStrategy(retry.NewFixedBackoff(100*time.Millisecond)),
		retry.WithThrottlingBackoffStrategy(retry.NewFixedBackoff(500*time.Millisecond)),
	)
	stage, execCtx, collector, _ := newStageFixture(t, transport, policy)

	resp, err := stage.Execute(context.Background(), execCtx.OriginalRequest, execCtx)
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if transport.calls() != 3 {
		t.Fatalf("Expected 3 attempts, got %d", transport.calls())
	}

	counts := collector.RetryCounts()
	if len(counts) != 1 || counts[0] != 2 {
		t.Errorf("Expected retry count [2], got %v", counts)
	}

	times := transport.callTimes()
	if gap := times[1].Sub(times[0]); gap < 100*time.Millisecond {
		t.Errorf("Expected at least 100ms before attempt 2, got %v", gap)
	}
	if gap := times[2].Sub(times[1]); gap < 500*time.Millisecond {
		t.Errorf("Expected at least 500ms before attempt 3, got %v", gap)
	}

	if got := transport.requests[1].Headers.Get(RetryInfoHeader); got != "attempt=2; max=2" {
		t.Errorf("Unexpected retry-info header on attempt 2: %q", got)
	}
}

func TestRetryableStage_ExhaustsRetryBudget(t *testing.T) {
	transport := &scriptedTransport{script: []scriptStep{{resp: statusResponse(503)}}}
	policy := retry.NewPolicy(
		retry.WithNumRetries(2),
		retry.WithBackoffStrategy(retry.NewFixedBackoff(time.Millisecond)),
	)
	stage, execCtx, collector, _ := newStageFixture(t, transport, policy)

	_, err := stage.Execute(context.Background(), execCtx.OriginalRequest, execCtx)

	var svcErr *types.ServiceError
	if !errors.As(err, &svcErr) || svcErr.StatusCode != 503 {
		t.Fatalf("Expected the last service error as the terminal failure, got %v", err)
	}
	if transport.calls() != 3 {
		t.Errorf("Expected 3 attempts, got %d", transport.calls())
	}

	counts := collector.RetryCounts()
	if len(counts) != 1 || counts[0] != 2 {
		t.Errorf("Expected retry count [2], got %v", counts)
	}
}

func TestRetryableStage_NonRetryableStopsImmediately(t *testing.T) {
	cause := errors.New("request validation failed")
	transport := &scriptedTransport{script: []scriptStep{{err: types.NonRetryable(cause)}}}
	stage, execCtx, collector, _ := newStageFixture(t, transport, retry.NewPolicy())

	_, err := stage.Execute(context.Background(), execCtx.OriginalRequest, execCtx)

	var nonRetryable *types.NonRetryableError
	if !errors.As(err, &nonRetryable) {
		t.Fatalf("Expected the non-retryable error surfaced, got %v", err)
	}
	if transport.calls() != 1 {
		t.Errorf("Expected a single attempt, got %d", transport.calls())
	}

	counts := collector.RetryCounts()
	if len(counts) != 1 || counts[0] != 0 {
		t.Errorf("Expected retry count [0], got %v", counts)
	}
}

func TestRetryableStage_CancelledDuringBackoff(t *testing.T) {
	transport := &scriptedTransport{script: []scriptStep{{resp: statusResponse(503)}}}
	policy := retry.NewPolicy(
		retry.WithBackoffStrategy(retry.NewFixedBackoff(5 * time.Second)),
	)
	stage, execCtx, _, _ := newStageFixture(t, transport, policy)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := stage.Execute(ctx, execCtx.OriginalRequest, execCtx)

	var clientErr *types.ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Expected a client error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the context error as the cause, got %v", err)
	}
	// Must abort promptly, not after the full 5s backoff.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected prompt abort, took %v", elapsed)
	}
}

func TestRetryableStage_FastFailTokenRefusal(t *testing.T) {
	clock := testutils.NewClockWrapper(testutils.NewMockClock(t))
	bucket := ratelimit.NewTokenBucket(clock)
	bucket.UpdateClientSendingRate(true) // engage with an empty bucket

	transport := &scriptedTransport{script: []scriptStep{{resp: statusResponse(200)}}}
	policy := retry.NewPolicy(
		retry.WithMode(retry.ModeAdaptive),
		retry.WithFastFailRateLimiting(true),
	)
	stage, execCtx, collector, _ := newStageFixture(t, transport, policy, WithTokenBucket(bucket))

	_, err := stage.Execute(context.Background(), execCtx.OriginalRequest, execCtx)

	var rateErr *types.RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("Expected a rate-limited error, got %v", err)
	}
	if transport.calls() != 0 {
		t.Errorf("Expected no attempt to reach the transport, got %d", transport.calls())
	}
	// The refusal is not an execution outcome, so no retry count is
	// reported.
	if counts := collector.RetryCounts(); len(counts) != 0 {
		t.Errorf("Expected no retry count reports, got %v", counts)
	}
}

func TestRetryableStage_ThrottlingEngagesSharedBucket(t *testing.T) {
	clock := testutils.NewClockWrapper(testutils.NewMockClock(t))
	shared := ratelimit.NewTokenBucket(clock)

	transport := &scriptedTransport{script: []scriptStep{{resp: throttledResponse()}}}
	policy := retry.NewPolicy(
		retry.WithMode(retry.ModeAdaptive),
		retry.WithNumRetries(0),
	)
	stage, execCtx, _, _ := newStageFixture(t, transport, policy, WithTokenBucket(shared))

	_, err := stage.Execute(context.Background(), execCtx.OriginalRequest, execCtx)

	var svcErr *types.ServiceError
	if !errors.As(err, &svcErr) || !svcErr.Throttling {
		t.Fatalf("Expected the throttling error surfaced, got %v", err)
	}
	if !shared.Enabled() {
		t.Error("Expected the throttled attempt to engage the shared bucket")
	}
}

func TestRetryableStage_AdjustsClockOnSkewError(t *testing.T) {
	resp := statusResponse(http.StatusForbidden)
	resp.Headers.Set(types.ErrorCodeHeader, "RequestTimeTooSkewed")
	resp.Headers.Set("Date", time.Now().Add(-5*time.Minute).UTC().Format(http.TimeFormat))

	transport := &scriptedTransport{script: []scriptStep{{resp: resp}}}
	policy := retry.NewPolicy(retry.WithNumRetries(0))
	stage, execCtx, _, deps := newStageFixture(t, transport, policy)

	_, err := stage.Execute(context.Background(), execCtx.OriginalRequest, execCtx)
	if err == nil {
		t.Fatal("Expected a terminal failure")
	}
	if deps.TimeOffset() != 300 {
		t.Errorf("Expected time offset 300s, got %d", deps.TimeOffset())
	}
}

func TestAsyncRetryableStage_SucceedsAfterRetries(t *testing.T) {
	transport := &scriptedTransport{script: []scriptStep{
		{resp: statusResponse(503)},
		{resp: statusResponse(503)},
		{resp: statusResponse(200)},
	}}
	policy := retry.NewPolicy(
		retry.WithNumRetries(2),
		retry.WithBackoffStrategy(retry.NewFixedBackoff(10 * time.Millisecond)),
	)

	deps := NewDependencies(types.NewRealClock())
	collector := &metrics.Recording{}
	request := types.NewRequest(http.MethodGet, "https://service.example.com/items")
	execCtx := NewExecutionContext(request, WithMetrics(collector))
	stage := NewAsyncRetryableStage(transport, policy, deps)

	resultChan := stage.ExecuteAsync(context.Background(), request, execCtx)

	result, ok := <-resultChan
	if !ok {
		t.Fatal("Expected a result before the channel closes")
	}
	if result.Error != nil {
		t.Fatalf("Expected success, got %v", result.Error)
	}
	if result.Value.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", result.Value.StatusCode)
	}
	if result.Duration <= 0 {
		t.Errorf("Expected a positive duration, got %v", result.Duration)
	}

	if _, ok := <-resultChan; ok {
		t.Error("Expected the channel closed after the single result")
	}

	if transport.calls() != 3 {
		t.Errorf("Expected 3 attempts, got %d", transport.calls())
	}
	counts := collector.RetryCounts()
	if len(counts) != 1 || counts[0] != 2 {
		t.Errorf("Expected retry count [2], got %v", counts)
	}
}

func TestAsyncRetryableStage_TerminalError(t *testing.T) {
	transport := &scriptedTransport{script: []scriptStep{{resp: throttledResponse()}}}
	policy := retry.NewPolicy(
		retry.WithNumRetries(1),
		retry.WithThrottlingBackoffStrategy(retry.NewFixedBackoff(10 * time.Millisecond)),
	)

	deps := NewDependencies(types.NewRealClock())
	request := types.NewRequest(http.MethodGet, "https://service.example.com/items")
	execCtx := NewExecutionContext(request)
	stage := NewAsyncRetryableStage(transport, policy, deps)

	result := <-stage.ExecuteAsync(context.Background(), request, execCtx)

	var svcErr *types.ServiceError
	if !errors.As(result.Error, &svcErr) || !svcErr.Throttling {
		t.Fatalf("Expected the throttling error surfaced, got %v", result.Error)
	}
	if transport.calls() != 2 {
		t.Errorf("Expected 2 attempts, got %d", transport.calls())
	}
}

func TestAsyncRetryableStage_CancelledDuringBackoff(t *testing.T) {
	transport := &scriptedTransport{script: []scriptStep{{resp: statusResponse(503)}}}
	policy := retry.NewPolicy(
		retry.WithBackoffStrategy(retry.NewFixedBackoff(5 * time.Second)),
	)

	deps := NewDependencies(types.NewRealClock())
	request := types.NewRequest(http.MethodGet, "https://service.example.com/items")
	execCtx := NewExecutionContext(request)
	stage := NewAsyncRetryableStage(transport, policy, deps)

	ctx, cancel := context.WithCancel(context.Background())
	resultChan := stage.ExecuteAsync(ctx, request, execCtx)

	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	result := <-resultChan

	var clientErr *types.ClientError
	if !errors.As(result.Error, &clientErr) {
		t.Fatalf("Expected a client error, got %v", result.Error)
	}
	if !errors.Is(result.Error, context.Canceled) {
		t.Errorf("Expected the context error as the cause, got %v", result.Error)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected prompt abort, took %v", elapsed)
	}
}

func TestAsyncRetryableStage_FastFailTokenRefusal(t *testing.T) {
	clock := testutils.NewClockWrapper(testutils.NewMockClock(t))
	bucket := ratelimit.NewTokenBucket(clock)
	bucket.UpdateClientSendingRate(true)

	transport := &scriptedTransport{script: []scriptStep{{resp: statusResponse(200)}}}
	policy := retry.NewPolicy(
		retry.WithMode(retry.ModeAdaptive),
		retry.WithFastFailRateLimiting(true),
	)

	deps := NewDependencies(types.NewRealClock())
	request := types.NewRequest(http.MethodGet, "https://service.example.com/items")
	execCtx := NewExecutionContext(request)
	stage := NewAsyncRetryableStage(transport, policy, deps, WithTokenBucket(bucket))

	result := <-stage.ExecuteAsync(context.Background(), request, execCtx)

	var rateErr *types.RateLimitedError
	if !errors.As(result.Error, &rateErr) {
		t.Fatalf("Expected a rate-limited error, got %v", result.Error)
	}
	if transport.calls() != 0 {
		t.Errorf("Expected no attempt to reach the transport, got %d", transport.calls())
	}
}
