package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the pause before retry n (1-based): InitialDelay grown by
// Multiplier per retry and capped at MaxDelay. Jitter scales the result
// into [0.5, 1.5); a nil rng uses the lower bound.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := math.Max(b.Multiplier, 1)
	d := float64(b.InitialDelay)
	for i := 1; i < n; i++ {
		d *= mult
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}

// NextBackoffDelay returns the delay for retry attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	return cfg.Delay(attempt, rng)
}
