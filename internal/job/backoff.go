package job

import (
	"math/rand"
	"time"
)

// Backoff computes the wait between retry attempts: exponential growth from
// Base, capped at Cap, with jitter so simultaneous retries fan out.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given attempt (1-based). Attempt 1 waits
// Base, attempt 2 waits ~2*Base and so on.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}

	// Up to 25% jitter.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
