// Package pubqueue implements the publishing-queue half of the outbox
// runtime: the serialized variant runs at most one publish callback at a
// time, in commit order; the pipelined variant runs up to a bounded number
// of callbacks concurrently and reorders their completions back into
// commit order before acknowledging.
package pubqueue

import (
	"math"
	"time"
)

// BackoffPolicy configures the exponential backoff applied between retries
// of a batch whose publish callback returned an error.
type BackoffPolicy struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultBackoffPolicy uses initial for the first retry and doubles
// thereafter, capped at five minutes.
func DefaultBackoffPolicy(initial time.Duration) BackoffPolicy {
	return BackoffPolicy{
		InitialBackoff: initial,
		Multiplier:     2,
		MaxBackoff:     5 * time.Minute,
	}
}

// calculateBackoff returns the delay before retry attempt number
// retryCount (1-based): InitialBackoff * Multiplier^(retryCount-1), capped
// at MaxBackoff.
func calculateBackoff(retryCount int, policy BackoffPolicy) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := float64(policy.InitialBackoff) * math.Pow(policy.Multiplier, float64(retryCount-1))
	if policy.MaxBackoff > 0 && backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}
	return time.Duration(backoff)
}
