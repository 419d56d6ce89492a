package storage

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/tracing"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("cv-agent-go/storage/redis")

// Redis操作前缀采样率配置
var redisKeySamplingRates = map[string]float64{
	constants.AppPrefix + ":chat:": 0.1, // 会话历史操作采样10%
	constants.AppPrefix + ":rl:":   0.05, // 限流计数操作采样5%
}

var (
	rnd      *rand.Rand
	rndMutex sync.Mutex
)

func init() {
	source := rand.NewSource(time.Now().UnixNano())
	rnd = rand.New(source)
}

// shouldSampleRedisOp 根据key前缀决定是否需要创建span
func shouldSampleRedisOp(key string) bool {
	if key == "" {
		return false
	}

	for prefix, rate := range redisKeySamplingRates {
		if strings.HasPrefix(key, prefix) {
			return randFloat() < rate
		}
	}

	// 默认采样率5%
	return randFloat() < 0.05
}

func randFloat() float64 {
	rndMutex.Lock()
	defer rndMutex.Unlock()
	return rnd.Float64()
}

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	// Ping to check connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// ChatHistoryTTL 返回会话历史过期时间
func (r *Redis) ChatHistoryTTL() time.Duration {
	if r.config == nil {
		return constants.DefaultChatMemoryTTL
	}
	return r.config.ChatHistoryTTL()
}

// minuteWindowKey 每分钟滑动窗口的ZSET键
func minuteWindowKey(sessionID string) string {
	return fmt.Sprintf(constants.KeyRateMinuteWindow, sessionID)
}

// dailyCountKey 当日计数器键，按日期分键
func dailyCountKey(sessionID string, now time.Time) string {
	return fmt.Sprintf(constants.KeyRateDailyCount, sessionID, now.UTC().Format("2006-01-02"))
}

// CountRequestsInWindow 返回会话在 [now-window, now] 内的请求数。
// 先清理窗口外的成员再计数，保证滑动窗口语义。
func (r *Redis) CountRequestsInWindow(ctx context.Context, sessionID string, window time.Duration, now time.Time) (int64, error) {
	if r.Client == nil {
		return 0, fmt.Errorf("redis client is not initialized")
	}

	key := minuteWindowKey(sessionID)
	cutoff := now.Add(-window).UnixNano()

	pipe := r.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("统计窗口内请求数失败: %w", err)
	}
	return countCmd.Val(), nil
}

// CountRequestsToday 返回会话当日（UTC）已记录的请求数
func (r *Redis) CountRequestsToday(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	if r.Client == nil {
		return 0, fmt.Errorf("redis client is not initialized")
	}

	val, err := r.Client.Get(ctx, dailyCountKey(sessionID, now)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取当日请求计数失败: %w", err)
	}
	return val, nil
}

// RecordRequest 记录一次已放行的请求：写入窗口ZSET并递增当日计数。
// 两个结构一起在pipeline中更新；键过期时间跟随各自粒度。
func (r *Redis) RecordRequest(ctx context.Context, sessionID string, window time.Duration, now time.Time) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}

	ctx, span := redisTracer.Start(ctx, "Redis.RecordRequest",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("net.peer.name", r.config.Address),
		attribute.String("db.operation", "PIPELINE"),
		attribute.String("session.id", sessionID),
	)

	winKey := minuteWindowKey(sessionID)
	dayKey := dailyCountKey(sessionID, now)

	// 当日键在次日凌晨后过期即可；留出时钟偏差余量
	tomorrow := now.UTC().Truncate(24 * time.Hour).Add(25 * time.Hour)

	pipe := r.Client.TxPipeline()
	pipe.ZAdd(ctx, winKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, winKey, window+time.Minute)
	pipe.Incr(ctx, dayKey)
	pipe.ExpireAt(ctx, dayKey, tomorrow)

	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("记录请求失败: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// OldestRequestInWindow 返回窗口内最早一次请求的时间，用于计算重试等待。
// 窗口为空时返回零值时间。
func (r *Redis) OldestRequestInWindow(ctx context.Context, sessionID string) (time.Time, error) {
	if r.Client == nil {
		return time.Time{}, fmt.Errorf("redis client is not initialized")
	}

	vals, err := r.Client.ZRangeWithScores(ctx, minuteWindowKey(sessionID), 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("读取窗口最早请求失败: %w", err)
	}
	if len(vals) == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(vals[0].Score)), nil
}

// Get 获取键的值
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis客户端未初始化")
	}

	var span trace.Span

	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.Get", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()

		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", "GET"),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
		)
	}

	val, err := r.Client.Get(ctx, key).Result()

	if span != nil {
		if err != nil {
			// key不存在不算错误
			if err == redis.Nil {
				span.SetStatus(codes.Ok, "key not found")
				span.SetAttributes(attribute.Bool("db.redis.key_exists", false))
			} else {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return "", err
		}

		span.SetAttributes(
			attribute.Bool("db.redis.key_exists", true),
			attribute.Int("db.redis.value_length", len(val)),
		)
		span.SetStatus(codes.Ok, "")
	}

	return val, err
}

// Set 设置键的值
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	var span trace.Span

	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.Set", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()

		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", "SET"),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
			attribute.Int("db.redis.value_length", len(value)),
		)

		if expiration > 0 {
			span.SetAttributes(attribute.Int64("db.redis.expiration_ms", expiration.Milliseconds()))
		}
	}

	err := r.Client.Set(ctx, key, value, expiration).Err()

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
	}

	return err
}
