package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fixed clock the tests can advance manually
func withClock(l *Limiter, t *time.Time) {
	l.now = func() time.Time { return *t }
}

func TestAllowExactlyRPSWithinWindow(t *testing.T) {
	l := New()
	now := time.Unix(1000, 0)
	withClock(l, &now)

	const rps = 2
	allowed := 0
	rejected := 0
	for i := 0; i < rps+1; i++ {
		if l.Allow("tenant-a", rps) {
			allowed++
		} else {
			rejected++
		}
		now = now.Add(100 * time.Millisecond)
	}
	if allowed != rps || rejected != 1 {
		t.Fatalf("allowed=%d rejected=%d, want %d/1", allowed, rejected, rps)
	}
}

func TestWindowSlides(t *testing.T) {
	l := New()
	now := time.Unix(1000, 0)
	withClock(l, &now)

	if !l.Allow("tenant-a", 1) {
		t.Fatal("first request rejected")
	}
	if l.Allow("tenant-a", 1) {
		t.Fatal("second request within window admitted")
	}

	now = now.Add(1100 * time.Millisecond)
	if !l.Allow("tenant-a", 1) {
		t.Fatal("request after window expiry rejected")
	}
}

func TestTenantsAreIndependent(t *testing.T) {
	l := New()
	now := time.Unix(1000, 0)
	withClock(l, &now)

	if !l.Allow("tenant-a", 1) {
		t.Fatal("tenant-a rejected")
	}
	if !l.Allow("tenant-b", 1) {
		t.Fatal("tenant-b throttled by tenant-a's traffic")
	}
}

func TestConcurrentAllowAdmitsAtMostRPS(t *testing.T) {
	l := New()
	const rps = 10
	const requests = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("tenant-a", rps) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != rps {
		t.Fatalf("admitted %d of %d concurrent requests, want %d", admitted, requests, rps)
	}
}
