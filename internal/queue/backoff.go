package queue

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase   = time.Second
	backoffCap    = 60 * time.Second
	backoffJitter = 0.2
)

// backoffDelay calculates the wait before a ticket's next claim
// attempt. Exponential in the retry count: base * 2^(retries-1),
// capped, with plus or minus 20% jitter.
func backoffDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}

	// math.Pow returns +Inf on overflow; treat that as capped.
	multiplier := math.Pow(2, float64(retries-1))
	delay := backoffCap
	if !math.IsInf(multiplier, 1) && multiplier < float64(backoffCap)/float64(backoffBase) {
		delay = time.Duration(float64(backoffBase) * multiplier)
	}
	if delay > backoffCap {
		delay = backoffCap
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
