package agent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockResponse MockChatClient 的单次预期响应
type MockResponse struct {
	Content   string
	ToolCalls []schema.ToolCall
	Error     error
}

// MockChatClient model.ToolCallingChatModel 的测试替身。
// 按顺序返回预设响应, 并记录每次调用收到的消息以便断言。
type MockChatClient struct {
	mu        sync.Mutex
	responses []MockResponse
	index     int

	// Calls 每次 Generate/Stream 调用收到的消息快照
	Calls [][]*schema.Message

	// BoundTools 最近一次 BindTools/WithTools 绑定的工具
	BoundTools []*schema.ToolInfo
}

var _ model.ToolCallingChatModel = (*MockChatClient)(nil)

// NewMockChatClient 创建按顺序返回预设响应的测试客户端
func NewMockChatClient(responses ...MockResponse) *MockChatClient {
	return &MockChatClient{responses: responses}
}

func (m *MockChatClient) next(input []*schema.Message) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]*schema.Message, len(input))
	copy(snapshot, input)
	m.Calls = append(m.Calls, snapshot)

	if m.index >= len(m.responses) {
		return nil, errors.New("mock client has run out of responses")
	}
	resp := m.responses[m.index]
	m.index++

	if resp.Error != nil {
		return nil, resp.Error
	}

	msg := schema.AssistantMessage(resp.Content, nil)
	msg.ToolCalls = resp.ToolCalls
	return msg, nil
}

// Generate 实现 model.BaseChatModel 接口
func (m *MockChatClient) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return m.next(input)
}

// Stream 实现 model.BaseChatModel 接口, 把预设内容按词拆成增量
func (m *MockChatClient) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.next(input)
	if err != nil {
		return nil, err
	}

	words := strings.SplitAfter(msg.Content, " ")
	chunks := make([]*schema.Message, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, schema.AssistantMessage(w, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

// BindTools 记录绑定的工具
func (m *MockChatClient) BindTools(tools []*schema.ToolInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BoundTools = tools
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (m *MockChatClient) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if err := m.BindTools(tools); err != nil {
		return nil, err
	}
	return m, nil
}

// LastCall 返回最近一次调用收到的消息, 没有调用时返回nil
func (m *MockChatClient) LastCall() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return m.Calls[len(m.Calls)-1]
}
