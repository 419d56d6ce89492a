package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(perMinute, perDay int, start time.Time) (*SessionLimiter, *func(time.Duration)) {
	current := start
	limiter := NewSessionLimiter(NewInMemoryCounter(), perMinute, perDay).
		WithClock(func() time.Time { return current })
	advance := func(d time.Duration) { current = current.Add(d) }
	return limiter, &advance
}

func TestSessionLimiterAllowsUnderLimit(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter, _ := newTestLimiter(15, 50, start)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		decision, err := limiter.Allow(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should pass", i+1)
	}
}

func TestSessionLimiterMinuteWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter, advance := newTestLimiter(15, 50, start)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		decision, err := limiter.Allow(ctx, "s1")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	// 第16个请求在同一分钟内被拒绝
	decision, err := limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonMinuteLimit, decision.Reason)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))

	// 窗口滑过之后恢复
	(*advance)(61 * time.Second)
	decision, err = limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestSessionLimiterDailyQuota(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter, advance := newTestLimiter(15, 20, start)
	ctx := context.Background()

	granted := 0
	for granted < 20 {
		decision, err := limiter.Allow(ctx, "s1")
		require.NoError(t, err)
		if decision.Allowed {
			granted++
		} else {
			require.Equal(t, ReasonMinuteLimit, decision.Reason)
			(*advance)(time.Minute)
		}
	}

	(*advance)(time.Minute)
	decision, err := limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDailyLimit, decision.Reason)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))

	// UTC日期翻转后配额重置
	(*advance)(24 * time.Hour)
	decision, err = limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestSessionLimiterIsolatesSessions(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter, _ := newTestLimiter(1, 50, start)
	ctx := context.Background()

	decision, err := limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// 其他会话不受影响
	decision, err = limiter.Allow(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestSessionLimiterDeniedRequestsNotCounted(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	limiter, advance := newTestLimiter(2, 3, start)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "s1")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	// 被拒绝的请求不占配额
	for i := 0; i < 5; i++ {
		decision, err := limiter.Allow(ctx, "s1")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
	}

	// 窗口滑过后日配额里还剩1个名额
	(*advance)(time.Minute + time.Second)
	decision, err := limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = limiter.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDailyLimit, decision.Reason)
}

func TestTokenBucketAllow(t *testing.T) {
	tb := NewTokenBucket(60, 2)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	// 桶已空
	assert.False(t, tb.Allow())
}

func TestTokenBucketWaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
