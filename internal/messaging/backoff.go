package messaging

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential retry schedule. Attempts counts tries, not waits:
// a schedule with Attempts 3 sleeps at most twice.
type Backoff struct {
	Base     time.Duration
	Factor   float64
	Max      time.Duration
	Attempts int
	// Jitter draws each delay uniformly from [0, delay).
	Jitter bool
	// Rand overrides the jitter source. Nil uses math/rand/v2.
	Rand func() float64
}

// ConnectBackoff waits 2s, 4s, 8s, 16s between five broker connection tries.
func ConnectBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Factor: 2, Max: time.Minute, Attempts: 5}
}

// ProcessingBackoff waits 2s then 4s between three message processing tries.
func ProcessingBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Factor: 2, Max: time.Minute, Attempts: 3}
}

// Delay returns the wait after the given failed attempt, counted from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	delay := time.Duration(d)
	if b.Jitter {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		delay = time.Duration(r() * float64(delay))
	}
	return delay
}

// Exhausted reports whether no attempt remains after the given one.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.Attempts
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
