// Package backoff provides exponential backoff with multiplicative jitter for
// outbox retry scheduling.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the backoff for the first attempt in milliseconds.
	InitialMs float64
	// MaxMs caps the un-jittered backoff in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the multiplicative spread: the capped backoff is scaled by a
	// uniform factor in [1-Jitter, 1+Jitter].
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// The un-jittered value is min(maxMs, initialMs * factor^(attempt-1)); the
// result is that value scaled by a uniform jitter factor. Attempts start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := math.Min(policy.MaxMs, policy.InitialMs*math.Pow(policy.Factor, exp))

	// Jitter scales the capped value, so the cap is a center, not a ceiling.
	scale := 1 - policy.Jitter + 2*policy.Jitter*randomValue

	return time.Duration(math.Round(base*scale)) * time.Millisecond
}

// OutboxPolicy returns the retry curve for outbox delivery: doubling from 5s,
// capped at 15 minutes, with a ±20% uniform jitter.
func OutboxPolicy() Policy {
	return Policy{
		InitialMs: 5000,
		MaxMs:     900000,
		Factor:    2,
		Jitter:    0.2,
	}
}
