package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/index"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// 检索不可用时的回答话术
const msgRetrievalUnavailable = "I'm sorry, I cannot access my CV details right now. Please try again later."

// Retriever 语义检索接口, 由 index.SemanticIndex 实现
type Retriever interface {
	Query(ctx context.Context, query string) ([]types.ScoredPassage, error)
}

// RAGResponder 检索增强的对话引擎 (对话的第一种形态)。
// 每轮: 用户问题嵌入 -> 向量检索top-k片段 -> 片段拼入提示 -> 单次生成。
// 不做工具调用; 索引不可用时降级为固定话术。
type RAGResponder struct {
	chatModel    model.ToolCallingChatModel
	retriever    Retriever
	memory       ChatMemory
	systemPrompt string
	turnTimeout  time.Duration
}

var _ Responder = (*RAGResponder)(nil)

// NewRAGResponder 创建检索增强引擎
func NewRAGResponder(chatModel model.ToolCallingChatModel, retriever Retriever, memory ChatMemory, cfg config.EngineConfig) (*RAGResponder, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("聊天模型不能为空")
	}
	if retriever == nil {
		return nil, fmt.Errorf("检索器不能为空")
	}
	if memory == nil {
		memory = NewInMemoryChatMemory()
	}

	return &RAGResponder{
		chatModel:    chatModel,
		retriever:    retriever,
		memory:       memory,
		systemPrompt: PersonaSystemPrompt(cfg.PersonaName, cfg.PersonaTitle),
		turnTimeout:  cfg.TurnTimeout(),
	}, nil
}

// Respond 实现 Responder 接口
func (r *RAGResponder) Respond(ctx context.Context, sessionID, userText string) (*TurnResult, error) {
	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}

	passages, err := r.retriever.Query(ctx, userText)
	if err != nil {
		if errors.Is(err, index.ErrUnavailable) {
			logger.Ctx(ctx).Warn().Str("session_id", sessionID).Msg("语义索引不可用, 返回降级话术")
			if addErr := r.memory.AddMessages(ctx, sessionID, []*schema.Message{
				schema.UserMessage(userText),
				schema.AssistantMessage(msgRetrievalUnavailable, nil),
			}); addErr != nil {
				logger.Warn().Err(addErr).Msg("写入降级话术到会话历史失败")
			}
			return &TurnResult{Answer: msgRetrievalUnavailable, Completed: false}, nil
		}
		return nil, fmt.Errorf("检索失败: %w", err)
	}

	history, err := r.memory.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("读取会话历史失败: %w", err)
	}

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(r.systemPrompt+"\n\n"+contextBlock(passages)))
	messages = append(messages, visibleTranscript(history)...)
	messages = append(messages, schema.UserMessage(userText))

	answer, err := r.chatModel.Generate(ctx, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TurnResult{Answer: msgTurnTimeout, TimedOut: true, Completed: false}, nil
		}
		return nil, fmt.Errorf("模型生成失败: %w", err)
	}

	if err := r.memory.AddMessages(ctx, sessionID, []*schema.Message{
		schema.UserMessage(userText),
		answer,
	}); err != nil {
		return nil, fmt.Errorf("写入会话历史失败: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Int("passages", len(passages)).
		Msg("RAG回答完成")

	return &TurnResult{Answer: answer.Content, Completed: true}, nil
}

// RespondStream 实现 Responder 接口
func (r *RAGResponder) RespondStream(ctx context.Context, sessionID, userText string) (*schema.StreamReader[*schema.Message], error) {
	result, err := r.Respond(ctx, sessionID, userText)
	if err != nil {
		return nil, err
	}
	return streamFromText(result.Answer), nil
}

// History 实现 Responder 接口
func (r *RAGResponder) History(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	full, err := r.memory.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return visibleTranscript(full), nil
}

// contextBlock 把检索结果拼成提示中的参考资料段
func contextBlock(passages []types.ScoredPassage) string {
	if len(passages) == 0 {
		return "No CV excerpts were retrieved for this question. Say so honestly instead of guessing."
	}

	var sb strings.Builder
	sb.WriteString("Answer using the following excerpts from your CV:\n")
	for i, sp := range passages {
		fmt.Fprintf(&sb, "\n[%d] (%s)\n%s\n", i+1, sp.Passage.SourceTag, sp.Passage.Content)
	}
	return sb.String()
}
