package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := setupTestRedis(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Millisecond)
		result, err := limiter.Allow(ctx, "location:user-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d", i)
		assert.Equal(t, 4-i, result.Remaining, "request %d", i)
		assert.Equal(t, 5, result.Limit)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*now = now.Add(time.Millisecond)
		result, err := limiter.Allow(ctx, "location:user-1")
		require.NoError(t, err)
		require.True(t, result.Allowed, "request %d", i)
	}

	*now = now.Add(time.Millisecond)
	result, err := limiter.Allow(ctx, "location:user-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Zero(t, result.Remaining)
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		*now = now.Add(time.Second)
		_, err := limiter.Allow(ctx, "location:user-1")
		require.NoError(t, err)
	}

	*now = now.Add(61 * time.Second)
	result, err := limiter.Allow(ctx, "location:user-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "old entries leave the window")
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		*now = now.Add(time.Millisecond)
		_, err := limiter.Allow(ctx, "location:user-a")
		require.NoError(t, err)
	}

	result, err := limiter.Allow(ctx, "location:user-b")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 10, time.Minute)
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "batch", 5)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 5, result.Remaining)

	*now = now.Add(time.Millisecond)
	result, err = limiter.AllowN(ctx, "batch", 6)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}
