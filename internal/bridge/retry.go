package bridge

import (
	"context"
	"math/rand"
	"time"
)

// RefreshCallback attempts to obtain fresh credentials for a provider.
// It reports whether a usable credential is now available.
type RefreshCallback func(ctx context.Context) bool

// Call is the per-operation context consulted by the retry coordinator.
type Call struct {
	Provider string
	Path     string
	Refresh  RefreshCallback
}

type CoordinatorOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	JitterMax  time.Duration

	// Sleep and JitterFn are injection points for tests.
	Sleep    func(ctx context.Context, d time.Duration) error
	JitterFn func(max time.Duration) time.Duration
}

// Coordinator wraps operations with bounded exponential-backoff retry.
type Coordinator struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitterMax  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(max time.Duration) time.Duration
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	multiplier := opts.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	jitterMax := opts.JitterMax
	if jitterMax <= 0 {
		jitterMax = time.Second
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := opts.JitterFn
	if jitter == nil {
		jitter = randomJitter
	}
	return &Coordinator{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		multiplier: multiplier,
		jitterMax:  jitterMax,
		sleep:      sleep,
		jitter:     jitter,
	}
}

// Do invokes op, consulting Classify on every failure. NETWORK, SERVER and
// RATE_LIMIT failures are retried with backoff until the attempt budget runs
// out. AUTH triggers the call's refresh callback and one immediate retry per
// remaining attempt. Every terminal failure is a single *EnhancedError.
func (c *Coordinator) Do(ctx context.Context, call Call, op func(ctx context.Context) error) error {
	classifyCtx := ClassifyContext{Provider: call.Provider, Path: call.Path}
	var verdict Verdict
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		verdict = Classify(err, classifyCtx)

		if verdict.Category == CategoryAuth {
			if call.Refresh != nil && attempt < c.maxRetries && call.Refresh(ctx) {
				continue
			}
			return newEnhancedError(err, verdict)
		}

		if !verdict.Retryable || attempt >= c.maxRetries {
			return newEnhancedError(err, verdict)
		}

		if waitErr := c.sleep(ctx, c.RetryDelay(attempt+1, verdict.RetryAfter)); waitErr != nil {
			return newEnhancedError(err, verdict)
		}
	}
}

// RetryDelay computes the wait before retry number attempt (1-based). A
// server-provided hint wins over the exponential schedule; both are capped
// at MaxDelay before jitter is added.
func (c *Coordinator) RetryDelay(attempt int, hint time.Duration) time.Duration {
	delay := hint
	if delay <= 0 {
		delay = c.baseDelay
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * c.multiplier)
			if delay >= c.maxDelay {
				break
			}
		}
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay + c.jitter(c.jitterMax)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
