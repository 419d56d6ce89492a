package agent

import (
	"context"
	"testing"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/cv"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *types.CVRecord {
	return &types.CVRecord{
		PersonalInfo: map[string]string{"name": "Khoa Dang Le", "email": "khoa@example.com"},
		Introduction: "Experienced Data Leader.",
		TechnicalSkills: map[string][]string{
			"languages": {"Python", "Go"},
		},
		DetailProjects: []types.DetailProject{
			{ProjectName: "Fraud Detection System", Achievements: []string{"Reduced false positives by 30%"}},
		},
	}
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		PersonaName:  "Khoa Dang Le",
		PersonaTitle: "Data Leader",
	}
}

func newTestEngine(t *testing.T, responses ...MockResponse) (*Engine, *MockChatClient) {
	t.Helper()
	mock := NewMockChatClient(responses...)
	engine, err := NewEngine(mock, cv.NewToolRegistry(testRecord()), NewInMemoryChatMemory(), testEngineConfig())
	require.NoError(t, err)
	return engine, mock
}

func TestEngineDirectAnswerWithoutTools(t *testing.T) {
	engine, mock := newTestEngine(t, MockResponse{Content: "Hello, nice to meet you!"})

	result, err := engine.Respond(context.Background(), "s1", "Hi there")
	require.NoError(t, err)

	assert.Equal(t, "Hello, nice to meet you!", result.Answer)
	assert.True(t, result.Completed)
	assert.Equal(t, 0, result.ToolRounds)
	assert.Len(t, mock.Calls, 1)
}

func TestEngineSystemPromptInjectedOnce(t *testing.T) {
	engine, mock := newTestEngine(t,
		MockResponse{Content: "First answer"},
		MockResponse{Content: "Second answer"},
	)
	ctx := context.Background()

	_, err := engine.Respond(ctx, "s1", "Hi")
	require.NoError(t, err)
	_, err = engine.Respond(ctx, "s1", "Tell me more")
	require.NoError(t, err)

	last := mock.LastCall()
	require.NotEmpty(t, last)
	assert.Equal(t, schema.System, last[0].Role)
	assert.Contains(t, last[0].Content, "Khoa Dang Le")
	assert.Contains(t, last[0].Content, "Data Leader")
	assert.Contains(t, last[0].Content, "Answer ONLY in English")

	systemCount := 0
	for _, msg := range last {
		if msg.Role == schema.System {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
}

func TestEngineSingleToolRound(t *testing.T) {
	engine, mock := newTestEngine(t,
		MockResponse{ToolCalls: []schema.ToolCall{{
			ID:       "call-1",
			Function: schema.FunctionCall{Name: cv.ToolTechnicalSkills, Arguments: "{}"},
		}}},
		MockResponse{Content: "I work mainly with Python and Go."},
	)

	result, err := engine.Respond(context.Background(), "s1", "What are your technical skills?")
	require.NoError(t, err)

	assert.Equal(t, "I work mainly with Python and Go.", result.Answer)
	assert.True(t, result.Completed)
	assert.Equal(t, 1, result.ToolRounds)
	require.Len(t, mock.Calls, 2)

	// 第二次调用必须能看到工具结果
	second := mock.Calls[1]
	var toolMsg *schema.Message
	for _, msg := range second {
		if msg.Role == schema.Tool {
			toolMsg = msg
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "Technical Skills:")
}

func TestEngineRejectsUnknownTool(t *testing.T) {
	engine, mock := newTestEngine(t,
		MockResponse{ToolCalls: []schema.ToolCall{{
			ID:       "call-1",
			Function: schema.FunctionCall{Name: "drop_database", Arguments: "{}"},
		}}},
		MockResponse{Content: "Sorry, I cannot do that."},
	)

	result, err := engine.Respond(context.Background(), "s1", "Do something weird")
	require.NoError(t, err)
	assert.True(t, result.Completed)

	second := mock.Calls[1]
	var toolMsg *schema.Message
	for _, msg := range second {
		if msg.Role == schema.Tool {
			toolMsg = msg
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "Tool 'drop_database' is not available.", toolMsg.Content)
}

func TestEngineToolRoundsCapped(t *testing.T) {
	loop := MockResponse{ToolCalls: []schema.ToolCall{{
		ID:       "call-x",
		Function: schema.FunctionCall{Name: cv.ToolIntroduction, Arguments: "{}"},
	}}}
	// 提供远超上限的循环响应
	responses := make([]MockResponse, 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, loop)
	}

	mock := NewMockChatClient(responses...)
	cfg := testEngineConfig()
	cfg.MaxToolRounds = 2
	engine, err := NewEngine(mock, cv.NewToolRegistry(testRecord()), NewInMemoryChatMemory(), cfg)
	require.NoError(t, err)

	result, err := engine.Respond(context.Background(), "s1", "Loop forever")
	require.NoError(t, err)

	assert.False(t, result.Completed)
	assert.Equal(t, 2, result.ToolRounds)
	assert.Contains(t, result.Answer, "rephrase")
}

func TestEngineHistoryHidesToolTurns(t *testing.T) {
	engine, _ := newTestEngine(t,
		MockResponse{ToolCalls: []schema.ToolCall{{
			ID:       "call-1",
			Function: schema.FunctionCall{Name: cv.ToolPersonalInfo, Arguments: "{}"},
		}}},
		MockResponse{Content: "You can reach me at khoa@example.com."},
	)
	ctx := context.Background()

	_, err := engine.Respond(ctx, "s1", "What is your email?")
	require.NoError(t, err)

	visible, err := engine.History(ctx, "s1")
	require.NoError(t, err)

	require.Len(t, visible, 2)
	assert.Equal(t, schema.User, visible[0].Role)
	assert.Equal(t, "What is your email?", visible[0].Content)
	assert.Equal(t, schema.Assistant, visible[1].Role)
	assert.Equal(t, "You can reach me at khoa@example.com.", visible[1].Content)
}

func TestEngineRespondStream(t *testing.T) {
	engine, _ := newTestEngine(t, MockResponse{Content: "streamed final answer"})

	stream, err := engine.RespondStream(context.Background(), "s1", "Hi")
	require.NoError(t, err)
	defer stream.Close()

	var got string
	for {
		msg, err := stream.Recv()
		if err != nil {
			break
		}
		got += msg.Content
	}
	assert.Equal(t, "streamed final answer", got)
}

func TestEngineSwapRegistry(t *testing.T) {
	engine, _ := newTestEngine(t, MockResponse{Content: "ok"})

	updated := testRecord()
	updated.DetailProjects = append(updated.DetailProjects, types.DetailProject{ProjectName: "New Project"})
	require.NoError(t, engine.SwapRegistry(context.Background(), cv.NewToolRegistry(updated)))

	assert.Error(t, engine.SwapRegistry(context.Background(), nil))
}
