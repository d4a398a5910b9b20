package queue

import (
	"testing"
	"time"
)

func TestBackoffDelayZeroRetries(t *testing.T) {
	if d := backoffDelay(0); d != 0 {
		t.Errorf("backoffDelay(0) = %v, want 0", d)
	}
	if d := backoffDelay(-3); d != 0 {
		t.Errorf("backoffDelay(-3) = %v, want 0", d)
	}
}

func TestBackoffDelayExponentialGrowth(t *testing.T) {
	// Expected bases: 1s, 2s, 4s, 8s, 16s with at most 20% jitter
	// either way. Loose bounds keep jitter edge cases from flaking.
	for retries := 1; retries <= 5; retries++ {
		base := time.Second << (retries - 1)
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		for trial := 0; trial < 50; trial++ {
			d := backoffDelay(retries)
			if d < lo || d > hi {
				t.Fatalf("backoffDelay(%d) = %v, want within [%v, %v]", retries, d, lo, hi)
			}
		}
	}
}

func TestBackoffDelayCap(t *testing.T) {
	lo := time.Duration(float64(backoffCap) * 0.75)
	hi := time.Duration(float64(backoffCap) * 1.25)
	for _, retries := range []int{7, 10, 64, 1000} {
		d := backoffDelay(retries)
		if d < lo || d > hi {
			t.Errorf("backoffDelay(%d) = %v, want capped within [%v, %v]", retries, d, lo, hi)
		}
	}
}
