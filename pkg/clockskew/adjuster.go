// Package clockskew classifies failures caused by client/server clock
// skew and computes the signing-time correction.
package clockskew

import (
	"errors"
	"net/http"

	"github.com/jzx17/httpretry/pkg/types"
)

// skewCodes are service error codes that indicate the request timestamp
// (and therefore the signature) was rejected for being too far from the
// service's clock.
var skewCodes = map[string]struct{}{
	"RequestTimeTooSkewed":      {},
	"RequestExpired":            {},
	"RequestInTheFuture":        {},
	"InvalidSignatureException": {},
	"SignatureDoesNotMatch":     {},
	"AuthFailure":               {},
}

// Adjuster decides whether a failure indicates clock skew and extracts
// the correction from the service response. It holds no mutable state.
type Adjuster struct {
	clock types.Clock
}

// NewAdjuster creates an adjuster. A nil clock falls back to real time.
func NewAdjuster(clock types.Clock) *Adjuster {
	if clock == nil {
		clock = types.NewRealClock()
	}
	return &Adjuster{clock: clock}
}

// ShouldAdjust reports whether err indicates that the client clock
// disagrees with the service clock enough to invalidate signing.
func (a *Adjuster) ShouldAdjust(err error) bool {
	var svcErr *types.ServiceError
	if !errors.As(err, &svcErr) {
		return false
	}

	if svcErr.StatusCode != http.StatusUnauthorized && svcErr.StatusCode != http.StatusForbidden {
		return false
	}

	_, ok := skewCodes[svcErr.Code]
	return ok
}

// AdjustmentInSeconds returns the signed offset, in seconds, between the
// local clock and the time the service reported in the response's Date
// header. Positive means the local clock runs ahead. Returns 0 when the
// response carries no parseable time.
func (a *Adjuster) AdjustmentInSeconds(resp *types.Response) int {
	if resp == nil {
		return 0
	}

	serverTime, err := http.ParseTime(resp.Header("Date"))
	if err != nil {
		return 0
	}

	return int(a.clock.Now().Sub(serverTime).Seconds())
}
