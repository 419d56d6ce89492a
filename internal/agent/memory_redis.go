package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cv-agent-go/internal/constants"

	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
)

// RedisChatMemory ChatMemory 的Redis实现, 每个会话是一个消息JSON的List。
// TTL在每次写入时刷新: 活跃会话不过期, 闲置会话到期整体清除。
type RedisChatMemory struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ChatMemory = (*RedisChatMemory)(nil)

// NewRedisChatMemory 创建Redis会话存储。
// client 必须是已连接的go-redis客户端; ttl为0表示不过期。
func NewRedisChatMemory(client *redis.Client, ttl time.Duration) (*RedisChatMemory, error) {
	if client == nil {
		return nil, fmt.Errorf("redis客户端不能为空")
	}
	return &RedisChatMemory{client: client, ttl: ttl}, nil
}

func historyKey(sessionID string) string {
	return constants.KeyChatHistoryPrefix + sessionID
}

// GetHistory 实现 ChatMemory 接口
func (rcm *RedisChatMemory) GetHistory(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	serialized, err := rcm.client.LRange(ctx, historyKey(sessionID), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return []*schema.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话 %s 的历史失败: %w", sessionID, err)
	}

	messages := make([]*schema.Message, 0, len(serialized))
	for _, raw := range serialized {
		var msg schema.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("反序列化会话 %s 的消息失败: %w", sessionID, err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// AddMessage 实现 ChatMemory 接口
func (rcm *RedisChatMemory) AddMessage(ctx context.Context, sessionID string, message *schema.Message) error {
	if message == nil {
		return fmt.Errorf("会话 %s: 不能追加nil消息", sessionID)
	}
	return rcm.AddMessages(ctx, sessionID, []*schema.Message{message})
}

// AddMessages 实现 ChatMemory 接口
func (rcm *RedisChatMemory) AddMessages(ctx context.Context, sessionID string, messages []*schema.Message) error {
	if len(messages) == 0 {
		return nil
	}

	key := historyKey(sessionID)
	pipe := rcm.client.TxPipeline()
	for _, message := range messages {
		if message == nil {
			return fmt.Errorf("会话 %s: 批量追加中包含nil消息", sessionID)
		}
		serialized, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("序列化会话 %s 的消息失败: %w", sessionID, err)
		}
		pipe.RPush(ctx, key, serialized)
	}
	if rcm.ttl > 0 {
		pipe.Expire(ctx, key, rcm.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入会话 %s 的历史失败: %w", sessionID, err)
	}
	return nil
}

// ClearHistory 实现 ChatMemory 接口
func (rcm *RedisChatMemory) ClearHistory(ctx context.Context, sessionID string) error {
	if err := rcm.client.Del(ctx, historyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("清除会话 %s 的历史失败: %w", sessionID, err)
	}
	return nil
}
