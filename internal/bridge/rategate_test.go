package bridge

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestGate(clock *fakeClock, limits map[string]RateLimitConfig) *RateGate {
	return NewRateGate(RateGateOptions{
		Limits:        limits,
		SweepInterval: time.Hour,
		Now:           clock.Now,
	})
}

func waitForQueued(t *testing.T, gate *RateGate, provider string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gate.Snapshot(provider).Queued == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d", want)
}

func TestRateGateAdmitsBurstWithinBudget(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderJobber: {Window: time.Minute, MaxRequests: 5},
	})
	defer gate.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := gate.Acquire(ctx, ProviderJobber); err != nil {
			t.Fatalf("request %d should be admitted without queuing: %v", i+1, err)
		}
	}
	snapshot := gate.Snapshot(ProviderJobber)
	if snapshot.Used != 5 || snapshot.Queued != 0 {
		t.Fatalf("unexpected snapshot after burst: %+v", snapshot)
	}
	if !snapshot.Blocked {
		t.Fatalf("expected blocked at 100%% usage")
	}
}

func TestRateGateReleasesQueuedCallersInArrivalOrder(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderJobber: {Window: time.Minute, MaxRequests: 1},
	})
	defer gate.Close()

	if err := gate.Acquire(context.Background(), ProviderJobber); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	order := make(chan string, 2)
	start := func(name string) {
		go func() {
			if err := gate.Acquire(context.Background(), ProviderJobber); err == nil {
				order <- name
			}
		}()
	}
	start("first")
	waitForQueued(t, gate, ProviderJobber, 1)
	start("second")
	waitForQueued(t, gate, ProviderJobber, 2)

	clock.Advance(time.Minute + time.Millisecond)
	gate.Release(ProviderJobber)
	if got := <-order; got != "first" {
		t.Fatalf("expected first queued caller released first, got %s", got)
	}

	clock.Advance(time.Minute + time.Millisecond)
	gate.Release(ProviderJobber)
	if got := <-order; got != "second" {
		t.Fatalf("expected second queued caller released second, got %s", got)
	}
}

func TestRateGateWindowSlides(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderQuickBooks: {Window: time.Minute, MaxRequests: 2},
	})
	defer gate.Close()

	ctx := context.Background()
	if err := gate.Acquire(ctx, ProviderQuickBooks); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	gate.Release(ProviderQuickBooks)
	if err := gate.Acquire(ctx, ProviderQuickBooks); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	gate.Release(ProviderQuickBooks)

	if got := gate.Snapshot(ProviderQuickBooks).Used; got != 2 {
		t.Fatalf("expected 2 used inside window, got %d", got)
	}
	clock.Advance(time.Minute + time.Millisecond)
	if got := gate.Snapshot(ProviderQuickBooks).Used; got != 0 {
		t.Fatalf("expected window to slide empty, got %d used", got)
	}
	if err := gate.Acquire(ctx, ProviderQuickBooks); err != nil {
		t.Fatalf("expected immediate admission after window slid: %v", err)
	}
}

func TestRateGateConcurrencyCap(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderQuickBooks: {Window: time.Minute, MaxRequests: 100, MaxConcurrent: 1},
	})
	defer gate.Close()

	if err := gate.Acquire(context.Background(), ProviderQuickBooks); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	admitted := make(chan struct{})
	go func() {
		if err := gate.Acquire(context.Background(), ProviderQuickBooks); err == nil {
			close(admitted)
		}
	}()
	waitForQueued(t, gate, ProviderQuickBooks, 1)
	select {
	case <-admitted:
		t.Fatalf("second caller admitted past the concurrency cap")
	case <-time.After(20 * time.Millisecond):
	}

	gate.Release(ProviderQuickBooks)
	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatalf("queued caller not released after completion")
	}
}

func TestRateGateWarningThreshold(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderJobber: {Window: time.Minute, MaxRequests: 5, WarnFraction: 0.8},
	})
	defer gate.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := gate.Acquire(ctx, ProviderJobber); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		gate.Release(ProviderJobber)
	}
	snapshot := gate.Snapshot(ProviderJobber)
	if !snapshot.Warning {
		t.Fatalf("expected warning at 80%% usage, got %+v", snapshot)
	}
	if snapshot.Blocked {
		t.Fatalf("should not be blocked below 100%%")
	}
}

func TestRateGateQueuedCallerHonorsContext(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderJobber: {Window: time.Minute, MaxRequests: 1},
	})
	defer gate.Close()

	if err := gate.Acquire(context.Background(), ProviderJobber); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gate.Acquire(ctx, ProviderJobber); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded for queued caller, got %v", err)
	}
}

func TestRateGateReconcileHeadersTightensBudget(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderQuickBooks: {Window: time.Minute, MaxRequests: 10},
	})
	defer gate.Close()

	if err := gate.Acquire(context.Background(), ProviderQuickBooks); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	gate.Release(ProviderQuickBooks)

	gate.ReconcileHeaders(ProviderQuickBooks, 2, clock.Now().Add(30*time.Second))
	if got := gate.Snapshot(ProviderQuickBooks).Used; got != 8 {
		t.Fatalf("expected server-reported usage of 8, got %d", got)
	}

	// A looser server report never relaxes the local count.
	gate.ReconcileHeaders(ProviderQuickBooks, 9, time.Time{})
	if got := gate.Snapshot(ProviderQuickBooks).Used; got != 8 {
		t.Fatalf("expected local count kept at 8, got %d", got)
	}
}

func TestRateGateBackgroundSweepReleasesWaiters(t *testing.T) {
	clock := newFakeClock()
	gate := NewRateGate(RateGateOptions{
		Limits: map[string]RateLimitConfig{
			ProviderJobber: {Window: time.Minute, MaxRequests: 1},
		},
		SweepInterval: 5 * time.Millisecond,
		Now:           clock.Now,
	})
	defer gate.Close()

	if err := gate.Acquire(context.Background(), ProviderJobber); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	admitted := make(chan struct{})
	go func() {
		if err := gate.Acquire(context.Background(), ProviderJobber); err == nil {
			close(admitted)
		}
	}()
	waitForQueued(t, gate, ProviderJobber, 1)

	// No Release call: only the sweep can notice the slid window.
	clock.Advance(time.Minute + time.Millisecond)
	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep never released the queued caller")
	}
}

func TestRateGateSetLimitReevaluatesQueue(t *testing.T) {
	clock := newFakeClock()
	gate := newTestGate(clock, map[string]RateLimitConfig{
		ProviderJobber: {Window: time.Minute, MaxRequests: 1},
	})
	defer gate.Close()

	if err := gate.Acquire(context.Background(), ProviderJobber); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	admitted := make(chan struct{})
	go func() {
		if err := gate.Acquire(context.Background(), ProviderJobber); err == nil {
			close(admitted)
		}
	}()
	waitForQueued(t, gate, ProviderJobber, 1)

	gate.SetLimit(ProviderJobber, RateLimitConfig{Window: time.Minute, MaxRequests: 10})
	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatalf("raised limit did not release the queued caller")
	}
}
