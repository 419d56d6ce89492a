package agent

import (
	"context"
	"testing"

	"cv-agent-go/internal/index"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRetriever 返回固定检索结果的测试替身
type stubRetriever struct {
	passages []types.ScoredPassage
	err      error
	queries  []string
}

func (s *stubRetriever) Query(_ context.Context, query string) ([]types.ScoredPassage, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	return s.passages, nil
}

func fraudPassages() []types.ScoredPassage {
	return []types.ScoredPassage{
		{
			Passage: types.Passage{
				Content:   "DETAILED PROJECT REPORT\nProject Name: Fraud Detection System\nAchievements:\n- Reduced false positives by 30%",
				SourceTag: "detail_project_fraud_detection_system",
			},
			Score: 0.92,
		},
		{
			Passage: types.Passage{Content: "Experienced Data Leader.", SourceTag: "introduction"},
			Score:   0.41,
		},
	}
}

func TestRAGRespondIncludesRetrievedContext(t *testing.T) {
	retriever := &stubRetriever{passages: fraudPassages()}
	mock := NewMockChatClient(MockResponse{Content: "On the fraud project: Reduced false positives by 30%."})

	responder, err := NewRAGResponder(mock, retriever, NewInMemoryChatMemory(), testEngineConfig())
	require.NoError(t, err)

	result, err := responder.Respond(context.Background(), "s1", "Tell me about the Fraud Detection project")
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Contains(t, result.Answer, "Reduced false positives by 30%")
	assert.Equal(t, []string{"Tell me about the Fraud Detection project"}, retriever.queries)

	// 系统提示必须携带检索到的片段
	call := mock.LastCall()
	require.NotEmpty(t, call)
	assert.Equal(t, schema.System, call[0].Role)
	assert.Contains(t, call[0].Content, "Reduced false positives by 30%")
	assert.Contains(t, call[0].Content, "detail_project_fraud_detection_system")
	assert.Equal(t, schema.User, call[len(call)-1].Role)
}

func TestRAGUnavailableIndexDegrades(t *testing.T) {
	retriever := &stubRetriever{err: index.ErrUnavailable}
	mock := NewMockChatClient()

	responder, err := NewRAGResponder(mock, retriever, NewInMemoryChatMemory(), testEngineConfig())
	require.NoError(t, err)

	result, err := responder.Respond(context.Background(), "s1", "What did you do at FinBank?")
	require.NoError(t, err)

	assert.False(t, result.Completed)
	assert.Equal(t, msgRetrievalUnavailable, result.Answer)
	// 模型不应被调用
	assert.Empty(t, mock.Calls)
}

func TestRAGHistoryAcrossTurns(t *testing.T) {
	retriever := &stubRetriever{passages: fraudPassages()}
	mock := NewMockChatClient(
		MockResponse{Content: "First answer."},
		MockResponse{Content: "Second answer."},
	)

	responder, err := NewRAGResponder(mock, retriever, NewInMemoryChatMemory(), testEngineConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = responder.Respond(ctx, "s1", "Question one?")
	require.NoError(t, err)
	_, err = responder.Respond(ctx, "s1", "Question two?")
	require.NoError(t, err)

	// 第二轮的提示要包含第一轮的问答
	call := mock.LastCall()
	contents := make([]string, 0, len(call))
	for _, msg := range call {
		contents = append(contents, msg.Content)
	}
	assert.Contains(t, contents, "Question one?")
	assert.Contains(t, contents, "First answer.")

	visible, err := responder.History(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, visible, 4)
}

func TestRAGRespondStream(t *testing.T) {
	retriever := &stubRetriever{passages: fraudPassages()}
	mock := NewMockChatClient(MockResponse{Content: "chunked answer here"})

	responder, err := NewRAGResponder(mock, retriever, NewInMemoryChatMemory(), testEngineConfig())
	require.NoError(t, err)

	stream, err := responder.RespondStream(context.Background(), "s1", "Hi")
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
	assert.Equal(t, "chunked answer here", got)
}

func TestContextBlockEmpty(t *testing.T) {
	block := contextBlock(nil)
	assert.Contains(t, block, "No CV excerpts")
}
