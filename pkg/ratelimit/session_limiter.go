package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RequestCounter 会话请求计数的存储后端。
// Redis实现见 internal/storage; 未配置Redis时退化为进程内实现。
type RequestCounter interface {
	// CountRequestsInWindow 滑动窗口内的请求数
	CountRequestsInWindow(ctx context.Context, sessionID string, window time.Duration, now time.Time) (int64, error)

	// CountRequestsToday 当天(UTC)的请求数
	CountRequestsToday(ctx context.Context, sessionID string, now time.Time) (int64, error)

	// RecordRequest 记录一次放行的请求
	RecordRequest(ctx context.Context, sessionID string, window time.Duration, now time.Time) error

	// OldestRequestInWindow 窗口内最早一次请求的时间, 用于计算重试等待
	OldestRequestInWindow(ctx context.Context, sessionID string) (time.Time, error)
}

// Decision 单次限流判定的结果
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// 拒绝原因
const (
	ReasonMinuteLimit = "per_minute_limit"
	ReasonDailyLimit  = "daily_limit"
)

// SessionLimiter 按会话限流: 滑动一分钟窗口加UTC日配额。
// 两道闸都通过才放行并记账; 拒绝不记账。
type SessionLimiter struct {
	counter   RequestCounter
	perMinute int
	perDay    int
	now       func() time.Time
}

// NewSessionLimiter 创建会话限流器
func NewSessionLimiter(counter RequestCounter, perMinute, perDay int) *SessionLimiter {
	return &SessionLimiter{
		counter:   counter,
		perMinute: perMinute,
		perDay:    perDay,
		now:       time.Now,
	}
}

// WithClock 注入时间源, 仅用于测试
func (sl *SessionLimiter) WithClock(now func() time.Time) *SessionLimiter {
	if now != nil {
		sl.now = now
	}
	return sl
}

// Allow 判定并记账。返回错误表示存储故障, 由调用方决定放行还是拒绝。
func (sl *SessionLimiter) Allow(ctx context.Context, sessionID string) (*Decision, error) {
	now := sl.now()
	window := time.Minute

	if sl.perMinute > 0 {
		count, err := sl.counter.CountRequestsInWindow(ctx, sessionID, window, now)
		if err != nil {
			return nil, fmt.Errorf("统计窗口请求数失败: %w", err)
		}
		if count >= int64(sl.perMinute) {
			retryAfter := window
			if oldest, err := sl.counter.OldestRequestInWindow(ctx, sessionID); err == nil && !oldest.IsZero() {
				if wait := oldest.Add(window).Sub(now); wait > 0 {
					retryAfter = wait
				}
			}
			return &Decision{Reason: ReasonMinuteLimit, RetryAfter: retryAfter}, nil
		}
	}

	if sl.perDay > 0 {
		count, err := sl.counter.CountRequestsToday(ctx, sessionID, now)
		if err != nil {
			return nil, fmt.Errorf("统计当日请求数失败: %w", err)
		}
		if count >= int64(sl.perDay) {
			return &Decision{Reason: ReasonDailyLimit, RetryAfter: untilNextUTCDay(now)}, nil
		}
	}

	if err := sl.counter.RecordRequest(ctx, sessionID, window, now); err != nil {
		return nil, fmt.Errorf("记录请求失败: %w", err)
	}
	return &Decision{Allowed: true}, nil
}

func untilNextUTCDay(now time.Time) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(utc)
}

// InMemoryCounter RequestCounter 的进程内实现。
// 重启丢计数, 只用于测试和未配置Redis时的降级运行。
type InMemoryCounter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	daily    map[string]int64 // key: sessionID + "@" + UTC日期
}

var _ RequestCounter = (*InMemoryCounter)(nil)

// NewInMemoryCounter 创建进程内计数器
func NewInMemoryCounter() *InMemoryCounter {
	return &InMemoryCounter{
		requests: make(map[string][]time.Time),
		daily:    make(map[string]int64),
	}
}

func dailyKey(sessionID string, now time.Time) string {
	return sessionID + "@" + now.UTC().Format("2006-01-02")
}

// CountRequestsInWindow 实现 RequestCounter 接口
func (c *InMemoryCounter) CountRequestsInWindow(_ context.Context, sessionID string, window time.Duration, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-window)
	kept := c.requests[sessionID][:0]
	for _, ts := range c.requests[sessionID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.requests[sessionID] = kept
	return int64(len(kept)), nil
}

// CountRequestsToday 实现 RequestCounter 接口
func (c *InMemoryCounter) CountRequestsToday(_ context.Context, sessionID string, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daily[dailyKey(sessionID, now)], nil
}

// RecordRequest 实现 RequestCounter 接口
func (c *InMemoryCounter) RecordRequest(_ context.Context, sessionID string, _ time.Duration, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[sessionID] = append(c.requests[sessionID], now)
	c.daily[dailyKey(sessionID, now)]++
	return nil
}

// OldestRequestInWindow 实现 RequestCounter 接口
func (c *InMemoryCounter) OldestRequestInWindow(_ context.Context, sessionID string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := c.requests[sessionID]
	if len(reqs) == 0 {
		return time.Time{}, nil
	}
	oldest := reqs[0]
	for _, ts := range reqs[1:] {
		if ts.Before(oldest) {
			oldest = ts
		}
	}
	return oldest, nil
}
