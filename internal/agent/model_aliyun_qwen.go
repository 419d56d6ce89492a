package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cv-agent-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	// DashScope的OpenAI兼容聊天端点
	openAICompatibleQwenAPIURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	defaultQwenModelName       = "qwen-plus"
)

// --- OpenAI兼容的请求/响应结构 ---

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"` // 固定为 "function"
	Function openAIFunction `json:"function"`
}

type openAIChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Tools       []openAITool      `json:"tools,omitempty"`
	Temperature *float32          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

type openAIToolCallData struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIMessage struct {
	Role      string               `json:"role"`
	Content   *string              `json:"content"`
	ToolCalls []openAIToolCallData `json:"tool_calls,omitempty"`
}

type openAIChatChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAICompletionResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openAIChatChoice `json:"choices"`
}

type openAIStreamChoice struct {
	Delta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
}

// AliyunQwenChatModel 通过DashScope的OpenAI兼容端点访问通义千问。
// 实现 model.ToolCallingChatModel 接口: 工具调用轮次走 Generate,
// 最终回答可走 Stream 获得SSE增量输出。
type AliyunQwenChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature *float32
	httpClient  *http.Client
	boundTools  []openAITool
}

var _ model.ToolCallingChatModel = (*AliyunQwenChatModel)(nil)

// NewAliyunQwenChatModel 创建通义千问客户端
func NewAliyunQwenChatModel(apiKey, modelName, apiURL string) (*AliyunQwenChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultQwenModelName
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = openAICompatibleQwenAPIURL
	}

	logger.Info().Str("api_url", apiURL).Str("model", modelName).Msg("通义千问客户端已创建")

	return &AliyunQwenChatModel{
		apiKey:     apiKey,
		modelName:  modelName,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// SetTemperature 设置采样温度
func (aq *AliyunQwenChatModel) SetTemperature(t float32) {
	aq.temperature = &t
}

// Generate 实现 model.BaseChatModel 接口
func (aq *AliyunQwenChatModel) Generate(ctx context.Context, messages []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	reqPayload := openAIChatCompletionRequest{
		Model:       aq.modelName,
		Messages:    messages,
		Temperature: aq.temperature,
	}
	if len(aq.boundTools) > 0 {
		reqPayload.Tools = aq.boundTools
	}

	bodyBytes, err := aq.doChatRequest(ctx, reqPayload)
	if err != nil {
		return nil, err
	}
	defer bodyBytes.Close()

	raw, err := io.ReadAll(bodyBytes)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var resp openAICompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("反序列化API响应失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("API返回空choices")
	}

	apiMessage := resp.Choices[0].Message
	content := ""
	if apiMessage.Content != nil {
		content = *apiMessage.Content
	}

	result := &schema.Message{
		Role:    schema.RoleType(apiMessage.Role),
		Content: content,
	}
	if result.Role == "" {
		result.Role = schema.Assistant
	}

	if len(apiMessage.ToolCalls) > 0 {
		result.ToolCalls = make([]schema.ToolCall, len(apiMessage.ToolCalls))
		for i, tc := range apiMessage.ToolCalls {
			result.ToolCalls[i] = schema.ToolCall{
				ID: tc.ID,
				Function: schema.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
	}

	logger.Ctx(ctx).Debug().
		Str("model", aq.modelName).
		Int("tool_calls", len(result.ToolCalls)).
		Int("content_len", len(result.Content)).
		Msg("通义千问生成完成")

	return result, nil
}

// Stream 实现 model.BaseChatModel 接口。
// 以SSE方式流式返回内容增量。工具调用决策轮次应使用 Generate。
func (aq *AliyunQwenChatModel) Stream(ctx context.Context, messages []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	reqPayload := openAIChatCompletionRequest{
		Model:       aq.modelName,
		Messages:    messages,
		Temperature: aq.temperature,
		Stream:      true,
	}

	body, err := aq.doChatRequest(ctx, reqPayload)
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](8)

	go func() {
		defer body.Close()
		defer sw.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("解析SSE数据块失败, 跳过")
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			msg := schema.AssistantMessage(chunk.Choices[0].Delta.Content, nil)
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sw.Send(nil, fmt.Errorf("读取SSE流失败: %w", err))
		}
	}()

	return sr, nil
}

// doChatRequest 发送聊天请求, 返回未读取的响应体
func (aq *AliyunQwenChatModel) doChatRequest(ctx context.Context, payload openAIChatCompletionRequest) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, aq.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+aq.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := aq.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("API请求失败, 状态 %s: %s", httpResp.Status, string(raw))
	}

	return httpResp.Body, nil
}

// BindTools 把工具元信息转换为OpenAI兼容的函数定义。
// 参数schema直接从 ParamsOneOf 导出, 不需要为每个工具手写。
func (aq *AliyunQwenChatModel) BindTools(tools []*schema.ToolInfo) error {
	bound := make([]openAITool, 0, len(tools))
	for _, toolInfo := range tools {
		if toolInfo == nil {
			continue
		}

		params := json.RawMessage(`{"type":"object","properties":{}}`)
		if toolInfo.ParamsOneOf != nil {
			openAPISchema, err := toolInfo.ParamsOneOf.ToOpenAPIV3()
			if err != nil {
				return fmt.Errorf("导出工具 %s 的参数schema失败: %w", toolInfo.Name, err)
			}
			if openAPISchema != nil {
				data, err := json.Marshal(openAPISchema)
				if err != nil {
					return fmt.Errorf("序列化工具 %s 的参数schema失败: %w", toolInfo.Name, err)
				}
				params = data
			}
		}

		bound = append(bound, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        toolInfo.Name,
				Description: toolInfo.Desc,
				Parameters:  params,
			},
		})
	}

	aq.boundTools = bound
	logger.Debug().Int("tools", len(bound)).Msg("已绑定工具到通义千问客户端")
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (aq *AliyunQwenChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	clone := &AliyunQwenChatModel{
		apiKey:      aq.apiKey,
		modelName:   aq.modelName,
		apiURL:      aq.apiURL,
		temperature: aq.temperature,
		httpClient:  aq.httpClient,
	}
	if err := clone.BindTools(tools); err != nil {
		return nil, err
	}
	return clone, nil
}
