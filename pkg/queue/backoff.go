package queue

import (
	"math/rand"
	"time"
)

// Retry backoff: exponential from base, capped, with +/-20% jitter so a
// burst of failed commands does not re-arrive in lockstep.
const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 8 * time.Second
	jitterFraction     = 0.2
)

// backoff returns the delay before attempt n (1-based: the first retry
// passes n=1).
func backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	// Jitter in [-20%, +20%].
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
