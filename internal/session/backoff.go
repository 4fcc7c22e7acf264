package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before reconnect attempt n (1-based). Jitter draws
// from [d/2, d] so a jittered delay never exceeds MaxDelay.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	mult := math.Max(b.Multiplier, 1)
	d := float64(b.InitialDelay) * math.Pow(mult, float64(n-1))
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if b.Jitter {
		f := 0.75
		if rng != nil {
			f = 0.5 + rng.Float64()/2
		}
		d *= f
	}
	return time.Duration(d)
}
