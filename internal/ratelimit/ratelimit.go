package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the venue's request-count accounting window.
const DefaultWindow = 10 * time.Second

// Limiter enforces a sliding-window request ceiling shared by all callers.
// Acquire suspends the caller until the oldest recorded request ages out of
// the window. The check-and-record step runs under one mutex so two callers
// can never both claim the last remaining slot.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time

	now func() time.Time
}

// New creates a limiter that admits at most max requests per window.
func New(max int, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Acquire blocks until a request slot is available or the context is
// cancelled, then records the request.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.max {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.stamps[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Pending returns the number of requests currently inside the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// prune drops stamps older than the window. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) > l.window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}
