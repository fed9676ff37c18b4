package retry

import (
	"github.com/jzx17/httpretry/pkg/types"
)

// Context is an ephemeral snapshot of one execution handed to the retry
// policy at a decision point. It is rebuilt for every decision and is
// read-only input for conditions and backoff strategies.
type Context struct {
	// Request is the request for the most recent attempt.
	Request *types.Request
	// OriginalRequest is the request as the caller supplied it.
	OriginalRequest *types.Request
	// Exception is the failure from the most recent attempt, if any.
	Exception error
	// RetriesAttempted is the number of retries sent so far. It excludes
	// the initial attempt, and excludes the current attempt when the
	// snapshot is taken before the send.
	RetriesAttempted int
	// HTTPStatusCode is the status of the last response, or 0.
	HTTPStatusCode int
	// Attributes is the execution's shared attribute bag.
	Attributes *types.Attributes
}
