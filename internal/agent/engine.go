package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/cv"
	"cv-agent-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// TurnState 单轮对话内的状态机状态
type TurnState int

const (
	StateAwaitingInput TurnState = iota
	StateAgentDeciding
	StateToolExecuting
	StateResponding
)

func (s TurnState) String() string {
	switch s {
	case StateAwaitingInput:
		return "AWAITING_INPUT"
	case StateAgentDeciding:
		return "AGENT_DECIDING"
	case StateToolExecuting:
		return "TOOL_EXECUTING"
	case StateResponding:
		return "RESPONDING"
	default:
		return "UNKNOWN"
	}
}

// 可恢复失败时返回给用户的固定话术
const (
	msgToolRoundsExceeded = "I could not fully complete that request. Could you rephrase it or ask about something more specific?"
	msgTurnTimeout        = "The request timed out. Please try again."
)

// TurnResult 一轮对话的结果
type TurnResult struct {
	Answer     string
	ToolRounds int
	TimedOut   bool
	// Completed 为false表示答案是可恢复失败的固定话术
	Completed bool
}

// Responder 对话引擎的公共接口, RAG模式与工具代理模式都实现它
type Responder interface {
	// Respond 处理一轮用户输入, 返回最终回答
	Respond(ctx context.Context, sessionID, userText string) (*TurnResult, error)

	// RespondStream 同 Respond, 但以增量消息流返回回答
	RespondStream(ctx context.Context, sessionID, userText string) (*schema.StreamReader[*schema.Message], error)

	// History 返回对用户可见的会话转写 (隐藏系统提示与工具轮次)
	History(ctx context.Context, sessionID string) ([]*schema.Message, error)
}

// PersonaSystemPrompt 构造第一人称求职者人设的系统提示
func PersonaSystemPrompt(name, title string) string {
	if strings.TrimSpace(name) == "" {
		name = "the candidate"
	}
	if strings.TrimSpace(title) == "" {
		title = "professional"
	}
	return fmt.Sprintf(
		"You are %s, a highly professional and experienced %s. "+
			"Your personality is helpful, concise, and confident. "+
			"You are speaking to a recruiter who is interested in your profile. "+
			"Use the available tools to look up accurate details from your CV before answering. "+
			"Answer ONLY in English. Be friendly and professional.",
		name, title)
}

// Engine 工具调用代理引擎 (对话的第二种形态)。
// 每轮状态流转: AWAITING_INPUT -> AGENT_DECIDING -> (TOOL_EXECUTING -> AGENT_DECIDING)* -> RESPONDING。
// 工具注册表是封闭的, 模型请求未注册的工具名会得到显式拒绝结果。
type Engine struct {
	baseModel     model.ToolCallingChatModel
	memory        ChatMemory
	systemPrompt  string
	maxToolRounds int
	turnTimeout   time.Duration

	mu         sync.RWMutex
	registry   *cv.ToolRegistry
	boundModel model.ToolCallingChatModel
}

var _ Responder = (*Engine)(nil)

// NewEngine 创建工具代理引擎并绑定注册表中的全部工具
func NewEngine(baseModel model.ToolCallingChatModel, registry *cv.ToolRegistry, memory ChatMemory, cfg config.EngineConfig) (*Engine, error) {
	if baseModel == nil {
		return nil, fmt.Errorf("聊天模型不能为空")
	}
	if memory == nil {
		memory = NewInMemoryChatMemory()
	}

	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = constants.DefaultMaxToolRounds
	}

	e := &Engine{
		baseModel:     baseModel,
		memory:        memory,
		systemPrompt:  PersonaSystemPrompt(cfg.PersonaName, cfg.PersonaTitle),
		maxToolRounds: maxRounds,
		turnTimeout:   cfg.TurnTimeout(),
	}
	if err := e.SwapRegistry(context.Background(), registry); err != nil {
		return nil, err
	}
	return e, nil
}

// SwapRegistry 整体替换工具注册表 (简历重载时调用)
func (e *Engine) SwapRegistry(ctx context.Context, registry *cv.ToolRegistry) error {
	if registry == nil {
		return fmt.Errorf("工具注册表不能为空")
	}

	infos, err := registry.Infos(ctx)
	if err != nil {
		return fmt.Errorf("收集工具元信息失败: %w", err)
	}
	bound, err := e.baseModel.WithTools(infos)
	if err != nil {
		return fmt.Errorf("绑定工具到模型失败: %w", err)
	}

	e.mu.Lock()
	e.registry = registry
	e.boundModel = bound
	e.mu.Unlock()
	return nil
}

// Respond 实现 Responder 接口
func (e *Engine) Respond(ctx context.Context, sessionID, userText string) (*TurnResult, error) {
	e.mu.RLock()
	registry := e.registry
	boundModel := e.boundModel
	e.mu.RUnlock()

	if e.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.turnTimeout)
		defer cancel()
	}

	if err := e.ensureSystemPrompt(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := e.memory.AddMessage(ctx, sessionID, schema.UserMessage(userText)); err != nil {
		return nil, fmt.Errorf("写入用户消息失败: %w", err)
	}

	state := StateAgentDeciding
	toolRounds := 0

	for {
		history, err := e.memory.GetHistory(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("读取会话历史失败: %w", err)
		}

		logger.Ctx(ctx).Debug().
			Str("session_id", sessionID).
			Str("state", state.String()).
			Int("tool_rounds", toolRounds).
			Msg("代理状态流转")

		decision, err := boundModel.Generate(ctx, history)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return e.recoverableResult(ctx, sessionID, msgTurnTimeout, toolRounds, true)
			}
			return nil, fmt.Errorf("模型生成失败: %w", err)
		}

		if err := e.memory.AddMessage(ctx, sessionID, decision); err != nil {
			return nil, fmt.Errorf("写入模型消息失败: %w", err)
		}

		// 没有工具调用: 这就是最终回答
		if len(decision.ToolCalls) == 0 {
			state = StateResponding
			logger.Ctx(ctx).Info().
				Str("session_id", sessionID).
				Str("state", state.String()).
				Int("tool_rounds", toolRounds).
				Msg("回答完成")
			return &TurnResult{Answer: decision.Content, ToolRounds: toolRounds, Completed: true}, nil
		}

		if toolRounds >= e.maxToolRounds {
			logger.Ctx(ctx).Warn().
				Str("session_id", sessionID).
				Int("max_tool_rounds", e.maxToolRounds).
				Msg("工具调用轮数达到上限")
			return e.recoverableResult(ctx, sessionID, msgToolRoundsExceeded, toolRounds, false)
		}
		toolRounds++
		state = StateToolExecuting
		logger.Ctx(ctx).Debug().
			Str("session_id", sessionID).
			Str("state", state.String()).
			Int("calls", len(decision.ToolCalls)).
			Msg("执行工具调用")

		toolMessages := make([]*schema.Message, 0, len(decision.ToolCalls))
		for _, call := range decision.ToolCalls {
			toolMessages = append(toolMessages, e.executeToolCall(ctx, registry, call))
		}
		if err := e.memory.AddMessages(ctx, sessionID, toolMessages); err != nil {
			return nil, fmt.Errorf("写入工具结果失败: %w", err)
		}

		state = StateAgentDeciding
	}
}

// executeToolCall 执行单个工具调用, 结果总是以工具消息返回给模型
func (e *Engine) executeToolCall(ctx context.Context, registry *cv.ToolRegistry, call schema.ToolCall) *schema.Message {
	name := call.Function.Name

	invokable, ok := registry.Lookup(name)
	if !ok {
		logger.Ctx(ctx).Warn().Str("tool", name).Msg("模型请求了未注册的工具")
		return schema.ToolMessage(fmt.Sprintf("Tool '%s' is not available.", name), call.ID)
	}

	result, err := invokable.InvokableRun(ctx, call.Function.Arguments)
	if err != nil {
		// 工具失败对模型可见, 让它自行恢复或改换思路
		return schema.ToolMessage(fmt.Sprintf("Tool '%s' failed: %v", name, err), call.ID)
	}
	return schema.ToolMessage(result, call.ID)
}

// recoverableResult 把可恢复失败的固定话术写入会话并返回
func (e *Engine) recoverableResult(ctx context.Context, sessionID, answer string, toolRounds int, timedOut bool) (*TurnResult, error) {
	// 超时后的ctx可能已失效, 持久化用独立的短超时
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.memory.AddMessage(persistCtx, sessionID, schema.AssistantMessage(answer, nil)); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("写入失败话术到会话历史失败")
	}
	return &TurnResult{Answer: answer, ToolRounds: toolRounds, TimedOut: timedOut, Completed: false}, nil
}

// ensureSystemPrompt 确保系统提示是会话的第一条消息, 幂等
func (e *Engine) ensureSystemPrompt(ctx context.Context, sessionID string) error {
	history, err := e.memory.GetHistory(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("读取会话历史失败: %w", err)
	}
	if len(history) > 0 && history[0].Role == schema.System {
		return nil
	}
	return e.memory.AddMessage(ctx, sessionID, schema.SystemMessage(e.systemPrompt))
}

// RespondStream 实现 Responder 接口。
// 工具调用轮次在后台完成, 最终回答按词拆分为增量消息流。
func (e *Engine) RespondStream(ctx context.Context, sessionID, userText string) (*schema.StreamReader[*schema.Message], error) {
	result, err := e.Respond(ctx, sessionID, userText)
	if err != nil {
		return nil, err
	}
	return streamFromText(result.Answer), nil
}

// History 实现 Responder 接口: 过滤掉系统提示与工具轮次
func (e *Engine) History(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	full, err := e.memory.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return visibleTranscript(full), nil
}

// visibleTranscript 保留用户消息和有内容的最终回答, 隐藏工具编排细节
func visibleTranscript(full []*schema.Message) []*schema.Message {
	visible := make([]*schema.Message, 0, len(full))
	for _, msg := range full {
		switch msg.Role {
		case schema.User:
			visible = append(visible, msg)
		case schema.Assistant:
			if len(msg.ToolCalls) == 0 && strings.TrimSpace(msg.Content) != "" {
				visible = append(visible, msg)
			}
		}
	}
	return visible
}

// streamFromText 把完整文本按词拆成增量消息流
func streamFromText(text string) *schema.StreamReader[*schema.Message] {
	words := strings.SplitAfter(text, " ")
	chunks := make([]*schema.Message, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, schema.AssistantMessage(w, nil))
	}
	if len(chunks) == 0 {
		chunks = append(chunks, schema.AssistantMessage(text, nil))
	}
	return schema.StreamReaderFromArray(chunks)
}
