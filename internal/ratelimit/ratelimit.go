package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces out requests to the catalogue host. Wait blocks until
// the caller may send the next request or ctx is done.
type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// Feedback is implemented by limiters that adapt to response outcomes.
type Feedback interface {
	RecordSuccess()
	RecordError()
}

// SimpleRateLimiter enforces a randomised gap between consecutive requests.
// Concurrent callers each reserve their own slot, so N workers still produce
// one request per gap.
type SimpleRateLimiter struct {
	minDelay time.Duration
	maxDelay time.Duration
	next     time.Time
	mu       sync.Mutex
	jitter   bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	slot := r.next
	if slot.Before(now) {
		slot = now
	}
	r.next = slot.Add(r.calculateDelay())
	r.mu.Unlock()

	return sleepUntil(ctx, slot)
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max < min {
		max = min
	}
	r.minDelay = min
	r.maxDelay = max
}

// Delays returns the current gap bounds.
func (r *SimpleRateLimiter) Delays() (time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay, r.maxDelay
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.minDelay >= r.maxDelay {
		return r.minDelay
	}

	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(rand.Int64N(int64(delta)))
}

// AdaptiveRateLimiter backs off after repeated errors (429s, 5xx) and
// recovers slowly towards its configured floor on sustained success.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	floorMin      time.Duration
	ceilMin       time.Duration
	ceilMax       time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		floorMin:          minDelay,
		ceilMin:           60 * time.Second,
		ceilMax:           120 * time.Second,
		maxErrorCount:     3,
		backoffFactor:     1.5,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < a.floorMin {
			newMin = a.floorMin
		}
		a.minDelay = newMin
		if a.maxDelay < a.minDelay {
			a.maxDelay = a.minDelay
		}
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)

		if newMin == 0 {
			newMin = 100 * time.Millisecond
		}
		newMin = min(newMin, a.ceilMin)
		newMax = max(min(newMax, a.ceilMax), newMin)

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

// TokenBucketRateLimiter allows bursts of up to burst requests and refills
// at rps tokens per second, with an optional fixed gap on top.
type TokenBucketRateLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	minDelay time.Duration
}

func NewTokenBucketRateLimiter(rps float64, burst int) *TokenBucketRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (t *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	delay := t.minDelay
	t.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	return sleepUntil(ctx, time.Now().Add(delay))
}

func (t *TokenBucketRateLimiter) SetDelay(min, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minDelay = min
}

// New picks the limiter for the crawler settings: a token bucket when a
// request rate is configured, the adaptive gap limiter otherwise.
func New(rps float64, burst int, minDelay, maxDelay time.Duration) RateLimiter {
	if rps > 0 {
		return NewTokenBucketRateLimiter(rps, burst)
	}
	return NewAdaptiveRateLimiter(minDelay, maxDelay)
}

func sleepUntil(ctx context.Context, t time.Time) error {
	wait := time.Until(t)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
