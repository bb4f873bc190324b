package engine

import (
	"math"
	"math/rand"
	"time"
)

// retryDelay computes the exponential-backoff-with-jitter delay before a
// failed, retryable task becomes eligible again. Every task retries
// exponentially; Task carries no per-task backoff strategy.
func retryDelay(attemptCount int) time.Duration {
	const base = 30 * time.Second
	const cap_ = time.Hour

	delay := time.Duration(float64(base) * math.Pow(2, float64(attemptCount-1)))
	if delay > cap_ {
		delay = cap_
	}
	// +-25% jitter to avoid thundering herd when many tasks fail together.
	jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
	return delay + jitter
}
