package transcode

import (
	"math/rand"
	"time"
)

// backoffDelay computes min(base * 2^attempt, maxDelay), optionally jittered
// by ±jitter fraction. attempt is 0-based. The returned delay never exceeds
// maxDelay and never drops below 100ms once jitter is applied.
func backoffDelay(attempt int, base, maxDelay time.Duration, jitter float64, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}

	if jitter > 0 && rng != nil {
		f := 1 + (rng.Float64()*2-1)*jitter
		d = time.Duration(float64(d) * f)
		if d > maxDelay {
			d = maxDelay
		}
		if d < 100*time.Millisecond {
			d = 100 * time.Millisecond
		}
	}
	return d
}
