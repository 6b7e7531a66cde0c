package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleRateLimiterSpacesRequests(t *testing.T) {
	limiter := NewSimpleRateLimiter(30*time.Millisecond, 30*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}

	// The first call passes immediately, the next two each wait one gap.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestSimpleRateLimiterConcurrentCallersShareGap(t *testing.T) {
	limiter := NewSimpleRateLimiter(20*time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, limiter.Wait(ctx))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestSimpleRateLimiterHonoursContext(t *testing.T) {
	limiter := NewSimpleRateLimiter(time.Hour, time.Hour)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimpleRateLimiterDelayWithinBounds(t *testing.T) {
	limiter := NewSimpleRateLimiter(10*time.Millisecond, 20*time.Millisecond)
	for i := 0; i < 100; i++ {
		d := limiter.calculateDelay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
	}
}

func TestSetDelayNormalisesBounds(t *testing.T) {
	limiter := NewSimpleRateLimiter(time.Second, 2*time.Second)
	limiter.SetDelay(3*time.Second, time.Second)

	minDelay, maxDelay := limiter.Delays()
	assert.Equal(t, 3*time.Second, minDelay)
	assert.Equal(t, 3*time.Second, maxDelay)
}

func TestAdaptiveRateLimiterBacksOff(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(time.Second, 2*time.Second)

	limiter.RecordError()
	limiter.RecordError()
	minDelay, _ := limiter.Delays()
	assert.Equal(t, time.Second, minDelay, "no backoff before the error threshold")

	limiter.RecordError()
	minDelay, maxDelay := limiter.Delays()
	assert.Equal(t, 1500*time.Millisecond, minDelay)
	assert.Equal(t, 3*time.Second, maxDelay)
}

func TestAdaptiveRateLimiterBackoffIsCapped(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(50*time.Second, 100*time.Second)
	for i := 0; i < 30; i++ {
		limiter.RecordError()
	}

	minDelay, maxDelay := limiter.Delays()
	assert.Equal(t, 60*time.Second, minDelay)
	assert.Equal(t, 120*time.Second, maxDelay)
}

func TestAdaptiveRateLimiterRecoversToFloor(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(time.Second, 2*time.Second)
	for i := 0; i < 3; i++ {
		limiter.RecordError()
	}

	for i := 0; i < 200; i++ {
		limiter.RecordSuccess()
	}

	minDelay, _ := limiter.Delays()
	assert.Equal(t, time.Second, minDelay)
}

func TestAdaptiveRateLimiterZeroDelayStillBacksOff(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(0, 0)
	for i := 0; i < 3; i++ {
		limiter.RecordError()
	}

	minDelay, maxDelay := limiter.Delays()
	assert.Equal(t, 100*time.Millisecond, minDelay)
	assert.Equal(t, 100*time.Millisecond, maxDelay)
}

func TestTokenBucketAllowsBurst(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(1, 3)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(short))
}

func TestTokenBucketExtraDelay(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(1000, 10)
	limiter.SetDelay(25*time.Millisecond, 0)

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestNewSelectsLimiter(t *testing.T) {
	_, ok := New(5, 2, time.Second, 2*time.Second).(*TokenBucketRateLimiter)
	assert.True(t, ok)

	adaptive, ok := New(0, 1, time.Second, 2*time.Second).(*AdaptiveRateLimiter)
	require.True(t, ok)
	var _ Feedback = adaptive
}
