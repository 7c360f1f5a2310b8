// Package backoff computes capped exponential delays with jitter for
// reconnect and retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy shapes a delay sequence: Initial grows by Factor per attempt,
// gets up to Jitter of itself added at random, and is clamped to Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Default is tuned for network reconnects: half a second doubling up to
// thirty seconds, with 20% jitter to spread thundering herds.
func Default() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the wait before the given attempt. Attempts are 1-based;
// values below 1 behave like the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

// delay is Delay with the random draw injected, for deterministic tests.
func (p Policy) delay(attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	ceiling := float64(p.Max)
	if base > ceiling {
		base = ceiling
	}
	total := base + base*p.Jitter*random
	if total > ceiling {
		total = ceiling
	}
	return time.Duration(total)
}

// Sleep waits out the attempt's delay or returns early with ctx's error.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
