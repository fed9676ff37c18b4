package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy computes how long to wait before the next attempt.
type BackoffStrategy interface {
	// ComputeDelay calculates the delay before the next retry. The
	// snapshot's RetriesAttempted counts completed retries, so the first
	// retry computes with RetriesAttempted == 0.
	ComputeDelay(ctx *Context) time.Duration
}

const defaultMaxBackoff = 20 * time.Second

// FixedBackoff implements fixed backoff strategy
type FixedBackoff struct {
	delay time.Duration
}

// NewFixedBackoff creates a fixed backoff strategy
func NewFixedBackoff(delay time.Duration) *FixedBackoff {
	return &FixedBackoff{delay: delay}
}

// ComputeDelay calculates the delay before the next retry
func (b *FixedBackoff) ComputeDelay(ctx *Context) time.Duration {
	return b.delay
}

// ExponentialBackoff implements exponential backoff strategy
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialBackoff creates an exponential backoff strategy
func NewExponentialBackoff(baseDelay time.Duration, opts ...BackoffOption) *ExponentialBackoff {
	b := &ExponentialBackoff{
		baseDelay: baseDelay,
		maxDelay:  defaultMaxBackoff,
	}

	for _, opt := range opts {
		opt.applyToExponential(b)
	}

	return b
}

// ComputeDelay calculates the delay before the next retry
func (b *ExponentialBackoff) ComputeDelay(ctx *Context) time.Duration {
	return exponentialDelay(b.baseDelay, b.maxDelay, ctx.RetriesAttempted)
}

// FullJitterBackoff implements exponential backoff with full jitter:
// a delay drawn uniformly from [0, min(maxDelay, base*2^retries)].
type FullJitterBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	rnd       *rand.Rand
}

// NewFullJitterBackoff creates a full-jitter exponential backoff strategy
func NewFullJitterBackoff(baseDelay time.Duration, opts ...BackoffOption) *FullJitterBackoff {
	b := &FullJitterBackoff{
		baseDelay: baseDelay,
		maxDelay:  defaultMaxBackoff,
	}

	for _, opt := range opts {
		opt.applyToFullJitter(b)
	}

	return b
}

// ComputeDelay calculates the delay before the next retry
func (b *FullJitterBackoff) ComputeDelay(ctx *Context) time.Duration {
	ceiling := exponentialDelay(b.baseDelay, b.maxDelay, ctx.RetriesAttempted)
	if ceiling <= 0 {
		return 0
	}
	if b.rnd != nil {
		return time.Duration(b.rnd.Int63n(int64(ceiling) + 1))
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// exponentialDelay returns min(maxDelay, base * 2^retries), guarding
// against overflow for large retry counts.
func exponentialDelay(base, maxDelay time.Duration, retriesAttempted int) time.Duration {
	if retriesAttempted < 0 {
		retriesAttempted = 0
	}

	delay := float64(base) * math.Pow(2, float64(retriesAttempted))
	if delay > float64(maxDelay) || math.IsInf(delay, 1) {
		return maxDelay
	}
	return time.Duration(delay)
}

// BackoffOption is a configuration option for backoff strategies
type BackoffOption interface {
	applyToExponential(*ExponentialBackoff)
	applyToFullJitter(*FullJitterBackoff)
}

type backoffOption struct {
	maxDelay *time.Duration
	rnd      *rand.Rand
}

func (o *backoffOption) applyToExponential(b *ExponentialBackoff) {
	if o.maxDelay != nil {
		b.maxDelay = *o.maxDelay
	}
}

func (o *backoffOption) applyToFullJitter(b *FullJitterBackoff) {
	if o.maxDelay != nil {
		b.maxDelay = *o.maxDelay
	}
	if o.rnd != nil {
		b.rnd = o.rnd
	}
}

// WithMaxBackoff sets the maximum delay time
func WithMaxBackoff(maxDelay time.Duration) BackoffOption {
	return &backoffOption{maxDelay: &maxDelay}
}

// WithRand sets the random source used for jitter, for deterministic tests
func WithRand(rnd *rand.Rand) BackoffOption {
	return &backoffOption{rnd: rnd}
}
