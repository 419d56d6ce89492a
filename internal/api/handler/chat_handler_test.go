package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"cv-agent-go/internal/agent"
	"cv-agent-go/internal/api/handler"
	"cv-agent-go/internal/api/router"
	"cv-agent-go/internal/config"
	"cv-agent-go/pkg/ratelimit"

	"github.com/cloudwego/eino/schema"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubResponder agent.Responder 的测试替身
type stubResponder struct {
	answer   string
	err      error
	lastUser string
	history  []*schema.Message
}

func (s *stubResponder) Respond(_ context.Context, _ string, userText string) (*agent.TurnResult, error) {
	s.lastUser = userText
	if s.err != nil {
		return nil, s.err
	}
	return &agent.TurnResult{Answer: s.answer, Completed: true}, nil
}

func (s *stubResponder) RespondStream(ctx context.Context, sessionID, userText string) (*schema.StreamReader[*schema.Message], error) {
	result, err := s.Respond(ctx, sessionID, userText)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage(result.Answer, nil),
	}), nil
}

func (s *stubResponder) History(context.Context, string) ([]*schema.Message, error) {
	return s.history, nil
}

func newTestServer(responder agent.Responder, limiter *ratelimit.SessionLimiter, adminKey string) *server.Hertz {
	h := server.Default()
	cfg := &config.Config{}
	chatHandler := handler.NewChatHandler(cfg, responder, limiter, nil, nil)
	router.RegisterRoutes(h, chatHandler, adminKey)
	return h
}

func performJSON(t *testing.T, h *server.Hertz, method, path, body string) *ut.ResponseRecorder {
	t.Helper()
	var reqBody *ut.Body
	if body != "" {
		reqBody = &ut.Body{Body: bytes.NewBufferString(body), Len: len(body)}
	}
	return ut.PerformRequest(h.Engine, method, path, reqBody,
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func TestHandleChat(t *testing.T) {
	responder := &stubResponder{answer: "I lead the data team at FinBank."}
	h := newTestServer(responder, nil, "")

	w := performJSON(t, h, "POST", "/api/v1/chat", `{"session_id":"s1","message":"What do you do?"}`)
	resp := w.Result()
	require.Equal(t, 200, resp.StatusCode())

	var body handler.ChatResponse
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, "I lead the data team at FinBank.", body.Answer)
	assert.True(t, body.Completed)
	assert.Equal(t, "What do you do?", responder.lastUser)
}

func TestHandleChatGeneratesSessionID(t *testing.T) {
	h := newTestServer(&stubResponder{answer: "hi"}, nil, "")

	w := performJSON(t, h, "POST", "/api/v1/chat", `{"message":"Hello"}`)
	resp := w.Result()
	require.Equal(t, 200, resp.StatusCode())

	var body handler.ChatResponse
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	assert.NotEmpty(t, body.SessionID)
}

func TestHandleChatValidation(t *testing.T) {
	h := newTestServer(&stubResponder{answer: "hi"}, nil, "")

	w := performJSON(t, h, "POST", "/api/v1/chat", `{"session_id":"s1","message":"  "}`)
	assert.Equal(t, 400, w.Result().StatusCode())

	w = performJSON(t, h, "POST", "/api/v1/chat", `not json`)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestHandleChatRateLimited(t *testing.T) {
	limiter := ratelimit.NewSessionLimiter(ratelimit.NewInMemoryCounter(), 1, 50)
	h := newTestServer(&stubResponder{answer: "hi"}, limiter, "")

	w := performJSON(t, h, "POST", "/api/v1/chat", `{"session_id":"s1","message":"one"}`)
	require.Equal(t, 200, w.Result().StatusCode())

	w = performJSON(t, h, "POST", "/api/v1/chat", `{"session_id":"s1","message":"two"}`)
	resp := w.Result()
	assert.Equal(t, 429, resp.StatusCode())
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHandleAskStreams(t *testing.T) {
	h := newTestServer(&stubResponder{answer: "streamed answer"}, nil, "")

	w := performJSON(t, h, "POST", "/api/v1/ask", `{"session_id":"s1","message":"Hi"}`)
	resp := w.Result()
	require.Equal(t, 200, resp.StatusCode())
	assert.Contains(t, string(resp.Header.ContentType()), "text/event-stream")

	body := string(resp.Body())
	assert.Contains(t, body, "streamed answer")
	assert.Contains(t, body, "data: [DONE]")
}

func TestHandleHistory(t *testing.T) {
	responder := &stubResponder{history: []*schema.Message{
		schema.UserMessage("What is your email?"),
		schema.AssistantMessage("khoa@example.com", nil),
	}}
	h := newTestServer(responder, nil, "")

	w := performJSON(t, h, "GET", "/api/v1/session/s1/history", "")
	resp := w.Result()
	require.Equal(t, 200, resp.StatusCode())

	var body struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	assert.Equal(t, "s1", body.SessionID)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "khoa@example.com", body.Messages[1].Content)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newTestServer(&stubResponder{answer: "hi"}, nil, "secret-key")

	// 无密钥被拒绝
	w := performJSON(t, h, "POST", "/api/v1/admin/cv/reload", "")
	assert.Equal(t, 401, w.Result().StatusCode())

	// 密钥错误同样是401
	w = ut.PerformRequest(h.Engine, "POST", "/api/v1/admin/cv/reload", nil,
		ut.Header{Key: "X-Admin-Key", Value: "wrong-key"})
	assert.Equal(t, 401, w.Result().StatusCode())

	// 密钥正确但重载服务未配置 -> 503
	w = ut.PerformRequest(h.Engine, "POST", "/api/v1/admin/cv/reload", nil,
		ut.Header{Key: "X-Admin-Key", Value: "secret-key"})
	assert.Equal(t, 503, w.Result().StatusCode())
}

func TestAdminRoutesDisabledWithoutKey(t *testing.T) {
	h := newTestServer(&stubResponder{answer: "hi"}, nil, "")

	w := performJSON(t, h, "POST", "/api/v1/admin/cv/reload", "")
	assert.Equal(t, 403, w.Result().StatusCode())
}

func performAdminJSON(h *server.Hertz, path, key, body string) *ut.ResponseRecorder {
	reqBody := &ut.Body{Body: bytes.NewBufferString(body), Len: len(body)}
	return ut.PerformRequest(h.Engine, "POST", path, reqBody,
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: "X-Admin-Key", Value: key})
}

func TestHandleUpdateCVValidation(t *testing.T) {
	h := newTestServer(&stubResponder{answer: "hi"}, nil, "secret-key")

	w := performAdminJSON(h, "/api/v1/admin/cv", "secret-key", `not json`)
	assert.Equal(t, 400, w.Result().StatusCode())

	w = performAdminJSON(h, "/api/v1/admin/cv", "secret-key", `{}`)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestHandleUpdateCVWithoutReindexer(t *testing.T) {
	// 存储后端未接入时直接走本地重载; 重载服务也未配置 -> 503
	h := newTestServer(&stubResponder{answer: "hi"}, nil, "secret-key")

	record := `{"personal_info":{"name":"Khoa"},"introduction":"Experienced Data Leader."}`
	w := performAdminJSON(h, "/api/v1/admin/cv", "secret-key", record)
	assert.Equal(t, 503, w.Result().StatusCode())
}

func TestHandleHealth(t *testing.T) {
	h := newTestServer(&stubResponder{answer: "hi"}, nil, "")

	w := performJSON(t, h, "GET", "/api/v1/health", "")
	resp := w.Result()
	assert.Equal(t, 200, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "ok")
}

func TestBindChatRequestTrimsNothing(t *testing.T) {
	// 消息保留原样传给引擎, 只校验非空
	responder := &stubResponder{answer: "ok"}
	h := newTestServer(responder, nil, "")

	w := performJSON(t, h, "POST", "/api/v1/chat", `{"session_id":"s1","message":"  spaced  "}`)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "  spaced  ", responder.lastUser)
}
