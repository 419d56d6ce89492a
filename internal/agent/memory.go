package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// ChatMemory 会话消息存储接口。
// 存储的是完整对话状态, 包括工具调用轮次; 对用户可见的转写由调用方过滤。
type ChatMemory interface {
	// GetHistory 获取指定会话的完整消息序列。
	// 会话不存在时返回空切片和nil错误。
	GetHistory(ctx context.Context, sessionID string) ([]*schema.Message, error)

	// AddMessage 追加一条消息
	AddMessage(ctx context.Context, sessionID string, message *schema.Message) error

	// AddMessages 批量追加多条消息
	AddMessages(ctx context.Context, sessionID string, messages []*schema.Message) error

	// ClearHistory 清除会话的全部消息。会话不存在时静默成功。
	ClearHistory(ctx context.Context, sessionID string) error
}

// InMemoryChatMemory ChatMemory 的进程内实现。
// 不持久化, 用于测试和未配置Redis时的降级运行。
type InMemoryChatMemory struct {
	mu        sync.RWMutex
	histories map[string][]*schema.Message
}

var _ ChatMemory = (*InMemoryChatMemory)(nil)

// NewInMemoryChatMemory 创建进程内会话存储
func NewInMemoryChatMemory() *InMemoryChatMemory {
	return &InMemoryChatMemory{
		histories: make(map[string][]*schema.Message),
	}
}

// GetHistory 实现 ChatMemory 接口
func (m *InMemoryChatMemory) GetHistory(_ context.Context, sessionID string) ([]*schema.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.histories[sessionID]
	if !ok {
		return []*schema.Message{}, nil
	}
	// 返回副本, 防止调用方修改内部切片
	cpy := make([]*schema.Message, len(history))
	copy(cpy, history)
	return cpy, nil
}

// AddMessage 实现 ChatMemory 接口
func (m *InMemoryChatMemory) AddMessage(ctx context.Context, sessionID string, message *schema.Message) error {
	if message == nil {
		return fmt.Errorf("会话 %s: 不能追加nil消息", sessionID)
	}
	return m.AddMessages(ctx, sessionID, []*schema.Message{message})
}

// AddMessages 实现 ChatMemory 接口
func (m *InMemoryChatMemory) AddMessages(_ context.Context, sessionID string, messages []*schema.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, msg := range messages {
		if msg == nil {
			return fmt.Errorf("会话 %s: 批量追加中包含nil消息", sessionID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[sessionID] = append(m.histories[sessionID], messages...)
	return nil
}

// ClearHistory 实现 ChatMemory 接口
func (m *InMemoryChatMemory) ClearHistory(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, sessionID)
	return nil
}
