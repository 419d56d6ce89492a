package agent

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryChatMemory(t *testing.T) {
	m := NewInMemoryChatMemory()
	ctx := context.Background()

	history, err := m.GetHistory(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, m.AddMessage(ctx, "s1", schema.UserMessage("hello")))
	require.NoError(t, m.AddMessages(ctx, "s1", []*schema.Message{
		schema.AssistantMessage("hi", nil),
		schema.UserMessage("how are you"),
	}))

	history, err = m.GetHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, schema.Assistant, history[1].Role)

	// 返回的是副本, 修改不影响内部状态
	history[0] = schema.UserMessage("tampered")
	fresh, err := m.GetHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hello", fresh[0].Content)

	assert.Error(t, m.AddMessage(ctx, "s1", nil))

	require.NoError(t, m.ClearHistory(ctx, "s1"))
	history, err = m.GetHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, m.ClearHistory(ctx, "never-existed"))
}
