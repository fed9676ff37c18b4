// Package ratelimit implements the client-wide adaptive rate limiter
// used by adaptive retry mode.
//
// A TokenBucket is shared by every execution of a client. Sends withdraw
// tokens; throttling feedback from the service lowers the bucket's fill
// rate multiplicatively, success feedback grows it back along a cubic
// curve toward the last throughput the service sustained. Until the
// first throttling signal the limiter stays disengaged and sends pass
// through untouched.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jzx17/httpretry/pkg/types"
)

// Config holds the rate controller constants. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// Beta is the multiplicative decrease applied on throttling.
	Beta float64
	// ScaleConstant scales the cubic growth curve.
	ScaleConstant float64
	// Smooth is the smoothing factor for the measured send rate.
	Smooth float64
	// MinFillRate is the floor for the fill rate, in tokens per second.
	MinFillRate float64
	// MinCapacity is the floor for the bucket capacity.
	MinCapacity float64
	// MeasurementBucket is the width of one throughput measurement
	// bucket.
	MeasurementBucket time.Duration
}

// DefaultConfig returns the stock controller constants.
func DefaultConfig() Config {
	return Config{
		Beta:              0.7,
		ScaleConstant:     0.4,
		Smooth:            0.8,
		MinFillRate:       0.5,
		MinCapacity:       1.0,
		MeasurementBucket: 500 * time.Millisecond,
	}
}

// TokenBucket is a concurrency-safe token bucket whose fill rate adapts
// to throttling feedback. All state mutates under one mutex; token count
// stays within [0, capacity] and the fill rate stays positive once the
// limiter is engaged.
type TokenBucket struct {
	mu    sync.Mutex
	clock types.Clock
	cfg   Config

	// enabled flips on at the first throttling signal and stays on.
	enabled bool

	fillRate        float64
	maxCapacity     float64
	currentCapacity float64
	lastRefill      time.Time

	// throughput measurement
	measuredTxRate   float64
	lastTxRateBucket float64
	requestCount     int64

	// growth curve state
	lastMaxRate      float64
	lastThrottleTime time.Time
	timeWindow       float64
}

// Option configures a TokenBucket
type Option func(*TokenBucket)

// WithConfig replaces the controller constants
func WithConfig(cfg Config) Option {
	return func(tb *TokenBucket) {
		tb.cfg = cfg
	}
}

// NewTokenBucket creates a token bucket driven by the given clock.
func NewTokenBucket(clock types.Clock, opts ...Option) *TokenBucket {
	if clock == nil {
		clock = types.NewRealClock()
	}

	tb := &TokenBucket{
		clock: clock,
		cfg:   DefaultConfig(),
	}

	for _, opt := range opts {
		opt(tb)
	}

	tb.fillRate = tb.cfg.MinFillRate
	tb.maxCapacity = tb.cfg.MinCapacity
	tb.lastThrottleTime = clock.Now()

	return tb
}

// Acquire withdraws amount tokens, blocking until enough tokens accrue
// when the bucket is short and fastFail is false. The wait is cancelled
// by ctx; a cancelled wait returns the context's error. With fastFail
// it refuses immediately instead, withdrawing nothing.
//
// The boolean reports whether the tokens were withdrawn. Acquire always
// succeeds while the limiter is disengaged.
func (tb *TokenBucket) Acquire(ctx context.Context, amount float64, fastFail bool) (bool, error) {
	for {
		wait, ok := tb.tryAcquire(amount, fastFail)
		if !ok {
			return false, nil
		}
		if wait == 0 {
			return true, nil
		}

		timer := tb.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C():
			// capacity may have been taken by another execution while
			// waiting, so re-evaluate rather than assume success
		}
	}
}

// AcquireNonBlocking never blocks. On success it withdraws the tokens
// and returns a zero wait. When the bucket is short it withdraws nothing
// and returns the minimum wait after which the withdrawal is expected to
// succeed, or refuses outright under fastFail.
func (tb *TokenBucket) AcquireNonBlocking(amount float64, fastFail bool) (time.Duration, bool) {
	return tb.tryAcquire(amount, fastFail)
}

// tryAcquire withdraws amount if available, returning (0, true). When
// short it mutates nothing and returns the estimated wait, or (0, false)
// when fastFail forbids waiting.
func (tb *TokenBucket) tryAcquire(amount float64, fastFail bool) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if !tb.enabled {
		return 0, true
	}

	tb.refill()

	if amount <= tb.currentCapacity {
		tb.currentCapacity -= amount
		return 0, true
	}

	if fastFail {
		return 0, false
	}

	needed := amount - tb.currentCapacity
	wait := time.Duration(needed / tb.fillRate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, true
}

// UpdateClientSendingRate feeds one attempt outcome into the rate
// controller. Throttled samples cut the fill rate by Beta and restart
// the growth curve from the measured throughput; successful samples grow
// the rate along the cubic curve, bounded by twice the measured send
// rate so recovery cannot immediately re-throttle.
func (tb *TokenBucket) UpdateClientSendingRate(throttled bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.updateMeasuredRate()

	var calculatedRate float64
	if throttled {
		rateToUse := tb.measuredTxRate
		if tb.enabled {
			rateToUse = math.Min(tb.measuredTxRate, tb.fillRate)
		}

		tb.lastMaxRate = rateToUse
		tb.calculateTimeWindow()
		tb.lastThrottleTime = tb.clock.Now()
		calculatedRate = rateToUse * tb.cfg.Beta
		tb.enabled = true
	} else {
		tb.calculateTimeWindow()
		calculatedRate = tb.cubicSuccess(tb.clock.Now())
	}

	newRate := math.Min(calculatedRate, 2*tb.measuredTxRate)
	tb.updateRate(newRate)
}

// FillRate returns the current fill rate in tokens per second.
func (tb *TokenBucket) FillRate() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.fillRate
}

// Enabled reports whether the limiter has engaged.
func (tb *TokenBucket) Enabled() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.enabled
}

// refill accrues tokens for the time elapsed since the last access,
// capped at capacity. Caller holds the lock.
func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	if !tb.lastRefill.IsZero() {
		elapsed := now.Sub(tb.lastRefill).Seconds()
		if elapsed > 0 {
			tb.currentCapacity = math.Min(tb.maxCapacity, tb.currentCapacity+elapsed*tb.fillRate)
		}
	}
	tb.lastRefill = now
}

// updateRate applies a new fill rate, honoring the configured floors.
// Caller holds the lock.
func (tb *TokenBucket) updateRate(newRate float64) {
	tb.refill()
	tb.fillRate = math.Max(newRate, tb.cfg.MinFillRate)
	tb.maxCapacity = math.Max(newRate, tb.cfg.MinCapacity)
	if tb.currentCapacity > tb.maxCapacity {
		tb.currentCapacity = tb.maxCapacity
	}
}

// updateMeasuredRate folds the current send into the smoothed
// throughput measurement. Caller holds the lock.
func (tb *TokenBucket) updateMeasuredRate() {
	bucketSeconds := tb.cfg.MeasurementBucket.Seconds()
	nowSeconds := float64(tb.clock.Now().UnixNano()) / float64(time.Second)
	timeBucket := math.Floor(nowSeconds/bucketSeconds) * bucketSeconds

	tb.requestCount++

	if tb.lastTxRateBucket == 0 {
		tb.lastTxRateBucket = timeBucket
		return
	}

	if timeBucket > tb.lastTxRateBucket {
		currentRate := float64(tb.requestCount) / (timeBucket - tb.lastTxRateBucket)
		tb.measuredTxRate = currentRate*tb.cfg.Smooth + tb.measuredTxRate*(1-tb.cfg.Smooth)
		tb.requestCount = 0
		tb.lastTxRateBucket = timeBucket
	}
}

// calculateTimeWindow recomputes how long the growth curve takes to
// return to the last maximum rate. Caller holds the lock.
func (tb *TokenBucket) calculateTimeWindow() {
	tb.timeWindow = math.Cbrt(tb.lastMaxRate * (1 - tb.cfg.Beta) / tb.cfg.ScaleConstant)
}

// cubicSuccess computes the grown rate at time now. Caller holds the
// lock.
func (tb *TokenBucket) cubicSuccess(now time.Time) float64 {
	dt := now.Sub(tb.lastThrottleTime).Seconds()
	return tb.cfg.ScaleConstant*math.Pow(dt-tb.timeWindow, 3) + tb.lastMaxRate
}
