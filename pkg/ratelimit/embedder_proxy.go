package ratelimit

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/embedding"
)

// RateLimitedEmbedder 对Embedding调用进行限流的代理。
// DashScope的embedding端点与chat端点分开计QPM，因此用独立的令牌桶。
type RateLimitedEmbedder struct {
	original    embedding.Embedder
	rateLimiter *TokenBucket
}

var _ embedding.Embedder = (*RateLimitedEmbedder)(nil)

// NewEmbedderWithRateLimit 创建带限流的Embedder代理
func NewEmbedderWithRateLimit(original embedding.Embedder, qpm int) *RateLimitedEmbedder {
	if qpm <= 0 {
		qpm = 60
	}
	return &RateLimitedEmbedder{
		original:    original,
		rateLimiter: NewTokenBucket(qpm, qpm/2),
	}
}

// WithRetryPolicy 设置重试策略
func (re *RateLimitedEmbedder) WithRetryPolicy(waitTime time.Duration, maxRetries int) *RateLimitedEmbedder {
	re.rateLimiter.WithRetryPolicy(waitTime, maxRetries)
	return re
}

// EmbedStrings 代理EmbedStrings方法，增加限流和重试逻辑
func (re *RateLimitedEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	var vectors [][]float64

	err := re.rateLimiter.RetryWithBackoff(ctx, func() error {
		var embedErr error
		vectors, embedErr = re.original.EmbedStrings(ctx, texts, opts...)
		return embedErr
	})

	return vectors, err
}
