package websocket

import (
	"math"
	"math/rand"
	"time"
)

// DefaultBackoff doubles from one second up to thirty.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
	}
}

// Next returns the delay before the given attempt (1-based). The zero
// value behaves like DefaultBackoff.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	lo, hi, factor := b.Min, b.Max, b.Factor
	if lo <= 0 {
		lo = time.Second
	}
	if hi <= 0 {
		hi = 30 * time.Second
	}
	if factor <= 1 {
		factor = 2.0
	}

	wait := float64(lo) * math.Pow(factor, float64(attempt-1))
	if wait > float64(hi) {
		wait = float64(hi)
	}
	if b.Jitter <= 0 {
		return time.Duration(wait)
	}
	spread := wait * math.Min(b.Jitter, 1)
	return time.Duration(wait - spread + rand.Float64()*2*spread)
}
