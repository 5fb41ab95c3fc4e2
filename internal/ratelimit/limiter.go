package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Gate enforces a minimum spacing between upstream calls across every
// worker that shares it. The spacing is measured between granted
// acquisitions, so the aggregate call rate is bounded no matter how many
// workers are waiting.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time

	now func() time.Time
}

// NewGate creates a gate granting at most one acquisition per interval.
// A non-positive interval disables throttling.
func NewGate(interval time.Duration) *Gate {
	return &Gate{
		interval: interval,
		now:      time.Now,
	}
}

// Interval returns the configured minimum spacing.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Acquire blocks until at least Interval has elapsed since the previous
// grant, records the new grant time and returns it. Waiters hold the lock
// while sleeping, so grants are serialized in lock order.
// It returns an error if the context is canceled before the slot is granted.
func (g *Gate) Acquire(ctx context.Context) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	if !g.last.IsZero() {
		if wait := g.interval - g.now().Sub(g.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return time.Time{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	g.last = g.now()
	return g.last, nil
}
