package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"cv-agent-go/internal/agent"
	"cv-agent-go/internal/config"
	"cv-agent-go/internal/cv"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/storage/models"
	"cv-agent-go/internal/tracing"
	"cv-agent-go/internal/types"
	"cv-agent-go/pkg/ratelimit"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChatHandler 对话API处理器。
// 会话限流 -> 引擎(RAG或工具代理) -> 可选的MySQL审计落库。
type ChatHandler struct {
	cfg       *config.Config
	responder agent.Responder
	limiter   *ratelimit.SessionLimiter
	store     *storage.Storage
	reindexer *cv.Reindexer
}

// NewChatHandler 创建对话处理器
func NewChatHandler(cfg *config.Config, responder agent.Responder, limiter *ratelimit.SessionLimiter, store *storage.Storage, reindexer *cv.Reindexer) *ChatHandler {
	return &ChatHandler{
		cfg:       cfg,
		responder: responder,
		limiter:   limiter,
		store:     store,
		reindexer: reindexer,
	}
}

// ChatRequest 对话请求体
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse 对话响应体
type ChatResponse struct {
	SessionID  string `json:"session_id"`
	Answer     string `json:"answer"`
	ToolRounds int    `json:"tool_rounds"`
	Completed  bool   `json:"completed"`
}

// bindChatRequest 解析并校验请求体, 未带session_id时生成新会话
func bindChatRequest(ctx *app.RequestContext) (*ChatRequest, bool) {
	var req ChatRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体必须是合法的JSON"})
		return nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "message不能为空"})
		return nil, false
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}
	return &req, true
}

// checkRateLimit 限流判定。返回false时响应已写出。
func (h *ChatHandler) checkRateLimit(c context.Context, ctx *app.RequestContext, sessionID string) bool {
	if h.limiter == nil {
		return true
	}

	decision, err := h.limiter.Allow(c, sessionID)
	if err != nil {
		// 限流存储故障时放行, 服务可用性优先于配额精度
		logger.Ctx(c).Warn().Err(err).Str("session_id", sessionID).Msg("限流判定失败, 放行请求")
		return true
	}
	if decision.Allowed {
		return true
	}

	tracing.RecordHTTPError(trace.SpanFromContext(c), fmt.Errorf("会话请求被限流: %s", decision.Reason), consts.StatusTooManyRequests)
	ctx.Header("Retry-After", fmt.Sprintf("%.0f", decision.RetryAfter.Seconds()))
	ctx.JSON(consts.StatusTooManyRequests, utils.H{
		"error":               "请求过于频繁, 请稍后再试",
		"reason":              decision.Reason,
		"retry_after_seconds": int(decision.RetryAfter.Seconds()),
	})
	return false
}

// HandleChat POST /api/v1/chat 一问一答
func (h *ChatHandler) HandleChat(c context.Context, ctx *app.RequestContext) {
	req, ok := bindChatRequest(ctx)
	if !ok {
		return
	}
	if !h.checkRateLimit(c, ctx, req.SessionID) {
		return
	}
	trace.SpanFromContext(c).SetAttributes(
		attribute.String("chat.session_id", req.SessionID),
		attribute.String("chat.message", tracing.SafePromptContent(req.Message)),
	)

	result, err := h.responder.Respond(c, req.SessionID, req.Message)
	if err != nil {
		logger.Ctx(c).Error().Err(err).Str("session_id", req.SessionID).Msg("对话处理失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "处理对话失败"})
		return
	}

	h.auditTurn(c, req.SessionID, req.Message, result.Answer)

	ctx.JSON(consts.StatusOK, ChatResponse{
		SessionID:  req.SessionID,
		Answer:     result.Answer,
		ToolRounds: result.ToolRounds,
		Completed:  result.Completed,
	})
}

// HandleAsk POST /api/v1/ask 流式回答 (SSE)
func (h *ChatHandler) HandleAsk(c context.Context, ctx *app.RequestContext) {
	req, ok := bindChatRequest(ctx)
	if !ok {
		return
	}
	if !h.checkRateLimit(c, ctx, req.SessionID) {
		return
	}

	stream, err := h.responder.RespondStream(c, req.SessionID, req.Message)
	if err != nil {
		logger.Ctx(c).Error().Err(err).Str("session_id", req.SessionID).Msg("流式对话处理失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "处理对话失败"})
		return
	}

	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("X-Session-ID", req.SessionID)

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		defer stream.Close()

		var full strings.Builder
		for {
			msg, err := stream.Recv()
			if err != nil {
				break
			}
			full.WriteString(msg.Content)
			data, _ := json.Marshal(utils.H{"delta": msg.Content})
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", data); err != nil {
				return
			}
		}
		fmt.Fprint(pw, "data: [DONE]\n\n")

		h.auditTurn(context.WithoutCancel(c), req.SessionID, req.Message, full.String())
	}()

	ctx.SetBodyStream(pr, -1)
}

// HandleHistory GET /api/v1/session/:session_id/history 用户可见转写
func (h *ChatHandler) HandleHistory(c context.Context, ctx *app.RequestContext) {
	sessionID := ctx.Param("session_id")
	if sessionID == "" {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "session_id不能为空"})
		return
	}

	messages, err := h.responder.History(c, sessionID)
	if err != nil {
		logger.Ctx(c).Error().Err(err).Str("session_id", sessionID).Msg("读取会话历史失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "读取会话历史失败"})
		return
	}

	type transcriptEntry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	transcript := make([]transcriptEntry, 0, len(messages))
	for _, msg := range messages {
		transcript = append(transcript, transcriptEntry{Role: string(msg.Role), Content: msg.Content})
	}

	ctx.JSON(consts.StatusOK, utils.H{
		"session_id": sessionID,
		"messages":   transcript,
	})
}

// HandleUpdateCV POST /api/v1/admin/cv 整体替换简历文档。
// 持久化到已配置的后端, 发布更新事件, 并立即触发本地重载。
func (h *ChatHandler) HandleUpdateCV(c context.Context, ctx *app.RequestContext) {
	var record types.CVRecord
	if err := json.Unmarshal(ctx.Request.Body(), &record); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "简历JSON解析失败"})
		return
	}
	if record.IsEmpty() {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "简历内容不能为空"})
		return
	}

	if h.store != nil && h.store.MySQL != nil && h.cfg.CV.DocumentID != "" {
		owner := record.PersonalInfo["name"]
		if err := h.store.MySQL.SaveCVDocument(c, h.cfg.CV.DocumentID, owner, &record); err != nil {
			logger.Ctx(c).Error().Err(err).Msg("保存简历文档到MySQL失败")
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "保存简历文档失败"})
			return
		}
	}

	if h.store != nil && h.store.MinIO != nil && h.cfg.CV.ObjectName != "" {
		data, err := json.Marshal(&record)
		if err == nil {
			err = h.store.MinIO.UploadObject(c, h.cfg.CV.ObjectName, strings.NewReader(string(data)), int64(len(data)), "application/json")
		}
		if err != nil {
			logger.Ctx(c).Error().Err(err).Msg("上传简历文档到MinIO失败")
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "上传简历文档失败"})
			return
		}
	}

	if h.store != nil && h.store.RabbitMQ != nil {
		event := storage.CVUpdatedEvent{
			DocumentID: h.cfg.CV.DocumentID,
			Source:     "admin_api",
			OccurredAt: time.Now(),
		}
		if err := h.store.RabbitMQ.PublishCVUpdated(c, event); err != nil {
			logger.Ctx(c).Warn().Err(err).Msg("发布简历更新事件失败, 仅执行本地重载")
		}
	}

	h.triggerReload(c, ctx)
}

// HandleReload POST /api/v1/admin/cv/reload 从数据源重新加载简历
func (h *ChatHandler) HandleReload(c context.Context, ctx *app.RequestContext) {
	h.triggerReload(c, ctx)
}

func (h *ChatHandler) triggerReload(c context.Context, ctx *app.RequestContext) {
	if h.reindexer == nil {
		ctx.JSON(consts.StatusServiceUnavailable, utils.H{"error": "重载服务未启用"})
		return
	}
	if err := h.reindexer.Rebuild(c); err != nil {
		logger.Ctx(c).Error().Err(err).Msg("简历重载失败")
		ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "简历重载失败"})
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"status": "reloaded"})
}

// HandleHealth GET /api/v1/health
func (h *ChatHandler) HandleHealth(_ context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
}

// auditTurn 把问答落入MySQL审计表, 尽力而为
func (h *ChatHandler) auditTurn(c context.Context, sessionID, question, answer string) {
	if h.store == nil || h.store.MySQL == nil {
		return
	}

	records := []*models.ChatMessageRecord{
		{SessionID: sessionID, Role: "user", Content: question},
		{SessionID: sessionID, Role: "assistant", Content: answer},
	}
	for _, rec := range records {
		if err := h.store.MySQL.AppendChatMessage(c, rec); err != nil {
			logger.Ctx(c).Warn().Err(err).Str("session_id", sessionID).Msg("写入对话审计记录失败")
			return
		}
	}
}
