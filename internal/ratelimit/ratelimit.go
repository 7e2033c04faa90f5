// Package ratelimit implements per-tenant admission control over a sliding
// one-second window. State is per-process; the limiter is injected so a
// cluster-wide implementation can replace it.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks request timestamps per tenant. The critical section is
// O(events in window) and holds no lock across suspension points.
type Limiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	window time.Duration
	now    func() time.Time
}

// New returns a limiter with a one-second window.
func New() *Limiter {
	return &Limiter{
		events: make(map[string][]time.Time),
		window: time.Second,
		now:    time.Now,
	}
}

// Allow records one request for the tenant if fewer than rps requests
// happened in the trailing window, and reports whether it was admitted.
func (l *Limiter) Allow(tenantID string, rps int) bool {
	if rps < 1 {
		rps = 1
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.events[tenantID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= rps {
		l.events[tenantID] = kept
		return false
	}
	l.events[tenantID] = append(kept, now)
	return true
}
