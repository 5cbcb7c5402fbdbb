package resilience

import (
	"math/rand/v2"
	"time"
)

// MaxBackoff caps a single wait between provider attempts.
const MaxBackoff = 5 * time.Second

// Backoff returns base*2^(attempt-1), capped at MaxBackoff, spread by
// ±jitterPct (0.2 means up to 20% either way).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempt = max(attempt, 1)
	d := base
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, MaxBackoff)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * min(jitterPct, 1)
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
