package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the trailing window the per-minute limit applies to
const DefaultWindow = time.Minute

// Limiter is a sliding-window limiter shared by all workers of one run.
// At most limit grants are handed out in any trailing window.
type Limiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	calls []time.Time
}

// New creates a limiter allowing perMinute grants per minute.
// A zero or negative limit disables limiting.
func New(perMinute int) *Limiter {
	return NewWithWindow(perMinute, DefaultWindow)
}

// NewWithWindow creates a limiter with a custom window length
func NewWithWindow(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
	}
}

// Wait blocks until a grant is available and records it.
// It returns ctx.Err() if the context ends first.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limit <= 0 {
		return nil
	}

	for {
		delay := l.reserve(time.Now())
		if delay <= 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records a grant when the window has room, otherwise returns how
// long until the oldest grant leaves the window
func (l *Limiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	expired := 0
	for expired < len(l.calls) && !l.calls[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		l.calls = append(l.calls[:0], l.calls[expired:]...)
	}

	if len(l.calls) < l.limit {
		l.calls = append(l.calls, now)
		return 0
	}

	delay := l.calls[0].Add(l.window).Sub(now)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

// Granted returns the grants still inside the window
func (l *Limiter) Granted() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]time.Time, len(l.calls))
	copy(out, l.calls)
	return out
}
