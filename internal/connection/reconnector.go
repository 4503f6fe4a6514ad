package connection

import (
	"math"
	"math/rand"
	"time"
)

// reconnector tracks consecutive reconnect attempts and computes the
// exponential backoff delay for the next one. The attempt counter is exposed
// to observers and resets to zero only on a successful connected transition.
type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max}
}

// nextDelay increments the attempt counter and returns the delay to wait
// before that attempt, with jitter, capped at maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) attempts() int {
	return r.attempt
}

func (r *reconnector) reset() {
	r.attempt = 0
}
