// Package pipeline drives one logical client call through repeated HTTP
// attempts: retry decisions, backoff waits, adaptive rate limiting and
// clock-skew correction.
package pipeline

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jzx17/httpretry/pkg/clockskew"
	"github.com/jzx17/httpretry/pkg/metrics"
	"github.com/jzx17/httpretry/pkg/types"
)

// ExecutionState defines the state of one execution
type ExecutionState int32

const (
	// StateInit execution has not started an attempt yet
	StateInit ExecutionState = iota
	// StateAttempting an attempt is being dispatched
	StateAttempting
	// StateBackoffWait execution is waiting out a backoff delay
	StateBackoffWait
	// StateSucceeded execution finished with a successful response
	StateSucceeded
	// StateFailedTerminal execution finished with a terminal error
	StateFailedTerminal
)

// String returns string representation of state
func (s ExecutionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAttempting:
		return "Attempting"
	case StateBackoffWait:
		return "BackoffWait"
	case StateSucceeded:
		return "Succeeded"
	case StateFailedTerminal:
		return "FailedTerminal"
	default:
		return "Unknown"
	}
}

// ExecutionContext carries the per-call state shared between pipeline
// stages: the original request, the typed attribute bag, the metric
// collector and the execution's logger. It is owned by exactly one call
// and destroyed at its end.
type ExecutionContext struct {
	// ID identifies the execution in logs.
	ID string
	// OriginalRequest is the request as the caller supplied it; stages
	// never mutate it.
	OriginalRequest *types.Request
	// Attributes is the shared mutable attribute bag.
	Attributes *types.Attributes
	// Metrics receives the terminal retry count.
	Metrics metrics.Collector
	// Logger receives per-attempt debug logging.
	Logger *slog.Logger
}

// ExecutionOption configures an ExecutionContext
type ExecutionOption func(*ExecutionContext)

// WithMetrics sets the metric collector for the execution
func WithMetrics(collector metrics.Collector) ExecutionOption {
	return func(ec *ExecutionContext) {
		ec.Metrics = collector
	}
}

// WithLogger sets the logger for the execution
func WithLogger(logger *slog.Logger) ExecutionOption {
	return func(ec *ExecutionContext) {
		ec.Logger = logger
	}
}

// NewExecutionContext creates the context for one logical call.
func NewExecutionContext(originalRequest *types.Request, opts ...ExecutionOption) *ExecutionContext {
	ec := &ExecutionContext{
		ID:              uuid.NewString(),
		OriginalRequest: originalRequest,
		Attributes:      types.NewAttributes(),
		Metrics:         metrics.Noop{},
		Logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(ec)
	}

	ec.Logger = ec.Logger.With("execution_id", ec.ID)

	return ec
}

// Dependencies holds the client-wide collaborators of the retry stages:
// the clock, the clock-skew adjuster and the shared signing time offset.
// One instance per client, shared by all executions.
type Dependencies struct {
	Clock             types.Clock
	ClockSkewAdjuster *clockskew.Adjuster

	// timeOffset is the current clock correction in seconds, consumed by
	// the signing collaborator. Written between attempts, read
	// concurrently.
	timeOffset atomic.Int64
}

// NewDependencies creates client-wide dependencies around the clock.
func NewDependencies(clock types.Clock) *Dependencies {
	if clock == nil {
		clock = types.NewRealClock()
	}
	return &Dependencies{
		Clock:             clock,
		ClockSkewAdjuster: clockskew.NewAdjuster(clock),
	}
}

// UpdateTimeOffset replaces the shared clock correction.
func (d *Dependencies) UpdateTimeOffset(seconds int) {
	d.timeOffset.Store(int64(seconds))
}

// TimeOffset returns the current clock correction in seconds.
func (d *Dependencies) TimeOffset() int {
	return int(d.timeOffset.Load())
}
