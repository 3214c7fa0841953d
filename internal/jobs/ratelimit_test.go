package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterTryAcquireDrainsAndRefills(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxTokens: 2, RefillRate: 2, RefillInterval: 20 * time.Millisecond})

	require.NoError(t, rl.TryAcquire())
	require.NoError(t, rl.TryAcquire())

	err := rl.TryAcquire()
	assert.Error(t, err, "bucket should be empty after draining max_tokens")

	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, rl.TryAcquire(), "tokens should refill after the interval elapses")
}

func TestRateLimiterNeverExceedsMaxTokens(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxTokens: 3, RefillRate: 100, RefillInterval: time.Millisecond})
	time.Sleep(10 * time.Millisecond)
	assert.LessOrEqual(t, rl.AvailableTokens(), uint32(3))
}

func TestRateLimiterAcquireBlocksUntilTokenAvailable(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxTokens: 1, RefillRate: 1, RefillInterval: 50 * time.Millisecond})
	require.NoError(t, rl.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := rl.Acquire(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRateLimiterAcquireRespectsCancellation(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxTokens: 1, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, rl.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx)
	assert.Error(t, err)
}

func TestPerSecondAndPerMinuteHelpers(t *testing.T) {
	ps := PerSecond(10)
	assert.Equal(t, uint32(10), ps.MaxTokens)
	assert.Equal(t, time.Second, ps.RefillInterval)

	pm := PerMinute(60)
	assert.Equal(t, uint32(60), pm.MaxTokens)
	assert.Equal(t, time.Minute, pm.RefillInterval)
}

func TestSlidingWindowLimiterAdmitsUpToMax(t *testing.T) {
	sw := NewSlidingWindowLimiter(2, 50*time.Millisecond)

	require.NoError(t, sw.TryAcquire())
	require.NoError(t, sw.TryAcquire())

	err := sw.TryAcquire()
	assert.Error(t, err)
	assert.Equal(t, 2, sw.CurrentCount())
}

func TestSlidingWindowLimiterEvictsExpired(t *testing.T) {
	sw := NewSlidingWindowLimiter(1, 20*time.Millisecond)

	require.NoError(t, sw.TryAcquire())
	assert.Error(t, sw.TryAcquire())

	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, sw.TryAcquire(), "expired timestamps should fall out of the window")
}
