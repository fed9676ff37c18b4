// Package retry provides the retry policy consumed by the request
// pipeline: retry modes, the aggregate retry condition, and backoff
// strategies.
//
// Key pieces:
//
// 1. Retry modes:
//   - ModeLegacy: per-service legacy behavior
//   - ModeStandard: standardized backoff and retry budget
//   - ModeAdaptive: standard behavior plus client-side rate limiting
//
// 2. Conditions (composable, closed set):
//   - MaxRetriesCondition: bounds the retry budget
//   - RetryableErrorCondition: classification-based (service errors
//     marked retryable or throttling, transient client errors)
//   - StatusCodeCondition: HTTP-status based
//   - AndCondition / OrCondition: combinators that also fan out the
//     RequestWillNotBeRetried / RequestSucceeded notifications
//
// 3. Backoff strategies:
//   - FixedBackoff: constant delay
//   - ExponentialBackoff: base * 2^retries, capped
//   - FullJitterBackoff: uniform draw from [0, exponential ceiling]
//
// A Policy carries two strategies: one for throttling-classified
// failures and one for everything else. The pipeline picks between them
// per attempt.
//
// Basic usage:
//
//	policy := retry.NewPolicy(
//		retry.WithMode(retry.ModeAdaptive),
//		retry.WithNumRetries(2),
//		retry.WithThrottlingBackoffStrategy(retry.NewFullJitterBackoff(time.Second)),
//	)
//
// Policies are immutable after construction and safe to share across
// concurrent executions.
package retry
