package bridge

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig describes one provider's local admission budget.
type RateLimitConfig struct {
	Window        time.Duration
	MaxRequests   int
	WarnFraction  float64
	MaxConcurrent int
}

// DefaultRateLimits mirrors the published backend quotas: QuickBooks allows
// 500 requests a minute with 10 concurrent, Jobber meters by query cost so
// the request ceiling is lower. Both leave headroom below the hard limit.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		ProviderJobber: {
			Window:       time.Minute,
			MaxRequests:  120,
			WarnFraction: 0.8,
		},
		ProviderQuickBooks: {
			Window:        time.Minute,
			MaxRequests:   450,
			WarnFraction:  0.8,
			MaxConcurrent: 10,
		},
	}
}

// RateSnapshot is a derived view of one provider's window.
type RateSnapshot struct {
	Provider string `json:"provider"`
	Used     int    `json:"used"`
	Limit    int    `json:"limit"`
	InFlight int    `json:"inFlight"`
	Queued   int    `json:"queued"`
	Warning  bool   `json:"warning"`
	Blocked  bool   `json:"blocked"`
}

type gateWaiter struct {
	ready    chan struct{}
	canceled bool
}

type providerWindow struct {
	cfg        RateLimitConfig
	timestamps []time.Time
	inFlight   int
	waiters    []*gateWaiter
}

type RateGateOptions struct {
	Limits        map[string]RateLimitConfig
	SweepInterval time.Duration
	MaxQueued     int

	// Now is an injection point for tests.
	Now func() time.Time
}

// RateGate queues and releases callers so outbound traffic stays inside each
// provider's quota. Admission order is strict FIFO per provider.
type RateGate struct {
	mu        sync.Mutex
	windows   map[string]*providerWindow
	maxQueued int
	now       func() time.Time
	closed    bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRateGate(opts RateGateOptions) *RateGate {
	limits := opts.Limits
	if len(limits) == 0 {
		limits = DefaultRateLimits()
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	maxQueued := opts.MaxQueued
	if maxQueued <= 0 {
		maxQueued = 256
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	g := &RateGate{
		windows:   map[string]*providerWindow{},
		maxQueued: maxQueued,
		now:       now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for provider, cfg := range limits {
		g.windows[provider] = &providerWindow{cfg: normalizeRateLimitConfig(cfg)}
	}
	go g.sweepLoop(sweepInterval)
	return g
}

func normalizeRateLimitConfig(cfg RateLimitConfig) RateLimitConfig {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 60
	}
	if cfg.WarnFraction <= 0 || cfg.WarnFraction > 1 {
		cfg.WarnFraction = 0.8
	}
	return cfg
}

// Acquire admits the caller or parks it in the provider's FIFO queue until
// capacity frees up. The capacity check and the start record happen under a
// single lock hold so concurrent callers cannot both observe the same slot.
func (g *RateGate) Acquire(ctx context.Context, provider string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGateClosed
	}
	w := g.windowLocked(provider)
	g.purgeLocked(w)
	if len(w.waiters) == 0 && admissibleLocked(w) {
		g.recordStartLocked(w)
		g.mu.Unlock()
		return nil
	}
	if len(w.waiters) >= g.maxQueued {
		g.mu.Unlock()
		return ErrTooManyWaiters
	}
	waiter := &gateWaiter{ready: make(chan struct{})}
	w.waiters = append(w.waiters, waiter)
	g.mu.Unlock()

	select {
	case <-waiter.ready:
		return nil
	case <-g.stop:
		g.mu.Lock()
		waiter.canceled = true
		g.mu.Unlock()
		return ErrGateClosed
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-waiter.ready:
			// Released between ctx firing and taking the lock; the slot is
			// already recorded, so hand the admission back.
			g.releaseLocked(w, true)
			g.mu.Unlock()
			return ctx.Err()
		default:
			waiter.canceled = true
			g.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Release marks one admitted request finished and wakes queued callers while
// capacity allows.
func (g *RateGate) Release(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowLocked(provider)
	g.releaseLocked(w, true)
}

func (g *RateGate) releaseLocked(w *providerWindow, finished bool) {
	if finished && w.inFlight > 0 {
		w.inFlight--
	}
	g.purgeLocked(w)
	g.admitWaitersLocked(w)
}

func (g *RateGate) admitWaitersLocked(w *providerWindow) {
	for len(w.waiters) > 0 {
		head := w.waiters[0]
		if head.canceled {
			w.waiters = w.waiters[1:]
			continue
		}
		if !admissibleLocked(w) {
			return
		}
		w.waiters = w.waiters[1:]
		g.recordStartLocked(w)
		close(head.ready)
	}
}

func admissibleLocked(w *providerWindow) bool {
	if len(w.timestamps) >= w.cfg.MaxRequests {
		return false
	}
	if w.cfg.MaxConcurrent > 0 && w.inFlight >= w.cfg.MaxConcurrent {
		return false
	}
	return true
}

func (g *RateGate) recordStartLocked(w *providerWindow) {
	w.timestamps = append(w.timestamps, g.now())
	w.inFlight++
}

// purgeLocked drops timestamps older than the trailing window. The window is
// strictly sliding; this runs before every admission check and snapshot.
func (g *RateGate) purgeLocked(w *providerWindow) {
	cutoff := g.now().Add(-w.cfg.Window)
	keep := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			w.timestamps[keep] = ts
			keep++
		}
	}
	w.timestamps = w.timestamps[:keep]
}

// Snapshot returns the derived view of one provider's window.
func (g *RateGate) Snapshot(provider string) RateSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowLocked(provider)
	g.purgeLocked(w)
	used := len(w.timestamps)
	return RateSnapshot{
		Provider: provider,
		Used:     used,
		Limit:    w.cfg.MaxRequests,
		InFlight: w.inFlight,
		Queued:   len(w.waiters),
		Warning:  float64(used) >= w.cfg.WarnFraction*float64(w.cfg.MaxRequests),
		Blocked:  used >= w.cfg.MaxRequests,
	}
}

// Snapshots returns one snapshot per configured provider.
func (g *RateGate) Snapshots() []RateSnapshot {
	g.mu.Lock()
	providers := make([]string, 0, len(g.windows))
	for provider := range g.windows {
		providers = append(providers, provider)
	}
	g.mu.Unlock()
	out := make([]RateSnapshot, 0, len(providers))
	for _, provider := range providers {
		out = append(out, g.Snapshot(provider))
	}
	return out
}

// ReconcileHeaders folds server-reported rate-limit headers into the local
// window. Only a tighter remaining budget is applied; the local count is
// never relaxed based on a header.
func (g *RateGate) ReconcileHeaders(provider string, remaining int, resetAt time.Time) {
	if remaining < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowLocked(provider)
	g.purgeLocked(w)
	targetUsed := w.cfg.MaxRequests - remaining
	if targetUsed <= len(w.timestamps) {
		return
	}
	stamp := g.now()
	if !resetAt.IsZero() && resetAt.After(stamp) {
		// Backdate synthetic entries so they age out when the server window
		// resets rather than a full local window later.
		stamp = resetAt.Add(-w.cfg.Window)
		if now := g.now(); stamp.After(now) {
			stamp = now
		}
	}
	for i := len(w.timestamps); i < targetUsed; i++ {
		w.timestamps = append(w.timestamps, stamp)
	}
}

// SetLimit replaces one provider's configuration, used by config live reload.
// Queued callers are re-evaluated against the new budget immediately.
func (g *RateGate) SetLimit(provider string, cfg RateLimitConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowLocked(provider)
	w.cfg = normalizeRateLimitConfig(cfg)
	g.purgeLocked(w)
	g.admitWaitersLocked(w)
}

// Close stops the background sweep and fails queued callers.
func (g *RateGate) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for _, w := range g.windows {
		for _, waiter := range w.waiters {
			waiter.canceled = true
		}
		w.waiters = nil
	}
}

// sweepLoop guarantees queued callers are eventually released even when no
// further traffic triggers a Release.
func (g *RateGate) sweepLoop(interval time.Duration) {
	defer close(g.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.mu.Lock()
			for _, w := range g.windows {
				g.purgeLocked(w)
				g.admitWaitersLocked(w)
			}
			g.mu.Unlock()
		}
	}
}

func (g *RateGate) windowLocked(provider string) *providerWindow {
	if w, ok := g.windows[provider]; ok {
		return w
	}
	w := &providerWindow{cfg: normalizeRateLimitConfig(RateLimitConfig{})}
	g.windows[provider] = w
	return w
}
