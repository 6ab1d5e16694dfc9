package ratelimit

import (
	"context"
	"math/rand/v2"
	"time"
)

// Jitter spreads outbound calls by a uniform random delay in [Min, Max]
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

// NewJitter builds a jitter from millisecond bounds
func NewJitter(minMs, maxMs int) Jitter {
	return Jitter{
		Min: time.Duration(minMs) * time.Millisecond,
		Max: time.Duration(maxMs) * time.Millisecond,
	}
}

// Delay picks the next delay
func (j Jitter) Delay() time.Duration {
	if j.Max <= j.Min {
		if j.Min < 0 {
			return 0
		}
		return j.Min
	}
	return j.Min + rand.N(j.Max-j.Min+1)
}

// Sleep waits for a random delay or until ctx ends
func (j Jitter) Sleep(ctx context.Context) error {
	d := j.Delay()
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
