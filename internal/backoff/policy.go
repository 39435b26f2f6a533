// Package backoff provides exponential backoff with jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff before the second attempt.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the base.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// base = initial * factor^(attempt-1), plus up to base*jitter of random
// spread, clamped to max. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an injected random value in [0.0, 1.0),
// for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	withJitter := base + base*policy.Jitter*randomValue
	return time.Duration(math.Min(float64(policy.Max), withJitter))
}
