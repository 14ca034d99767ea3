package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
	"github.com/lk2023060901/llm-bridge/internal/ai/transform"
	"github.com/lk2023060901/llm-bridge/internal/pkg/logger"
	"go.uber.org/zap"
)

const (
	defaultMaxTokens    = 8192
	defaultReasoningTag = "think"
)

// Options OpenAI 兼容适配器的定制点。
// 各厂商差异通过这里的参数组合表达，而不是继承覆盖。
type Options struct {
	ProviderName       string         // 显示名称（错误与日志用）
	ModelInfo          types.ModelInfo // 当前模型的归一化描述
	Temperature        *float64       // 用户温度设置
	DefaultTemperature *float64       // 厂商默认温度
	MaxTokens          int            // 用户 max_tokens 覆盖
	DefaultMaxTokens   int            // 厂商默认 max_tokens（缺省 8192）
	IncludeMaxTokens   *bool          // nil 视为 true；false 时请求中完全省略该字段
	ReasoningTag       string         // 内联推理标签名（缺省 think）
	DefaultHeaders     map[string]string
}

// Provider OpenAI 兼容 chat-completions 适配器
type Provider struct {
	config *types.Config
	opts   Options
	client *http.Client
	logger *logger.Logger
}

// New 创建适配器
func New(config *types.Config, opts Options, lgr *logger.Logger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.ProviderName == "" {
		opts.ProviderName = "OpenAI Compatible"
	}
	if opts.DefaultMaxTokens == 0 {
		opts.DefaultMaxTokens = defaultMaxTokens
	}
	if opts.ReasoningTag == "" {
		opts.ReasoningTag = defaultReasoningTag
	}
	if lgr == nil {
		lgr = logger.L()
	}

	return &Provider{
		config: config,
		opts:   opts,
		client: &http.Client{Timeout: config.Timeout},
		logger: lgr,
	}, nil
}

// Name 返回 Provider 显示名称
func (p *Provider) Name() string {
	return p.opts.ProviderName
}

// Close 关闭 Provider
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// GetModel 返回当前模型选择及派生参数
func (p *Provider) GetModel() types.ModelSelection {
	sel := types.ModelSelection{
		ID:   p.config.Model,
		Info: p.opts.ModelInfo,
	}

	switch {
	case p.opts.Temperature != nil:
		sel.Temperature = p.opts.Temperature
	case p.opts.DefaultTemperature != nil:
		sel.Temperature = p.opts.DefaultTemperature
	}

	// max_tokens 默认下发，显式关闭时整个字段省略（而不是发 0 或 null）
	if p.opts.IncludeMaxTokens == nil || *p.opts.IncludeMaxTokens {
		if p.opts.MaxTokens > 0 {
			sel.MaxTokens = p.opts.MaxTokens
		} else {
			sel.MaxTokens = p.opts.DefaultMaxTokens
		}
	}
	return sel
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	for key, value := range p.opts.DefaultHeaders {
		req.Header.Set(key, value)
	}
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}
}

// buildRequest 组装 chat-completions 请求体
func (p *Provider) buildRequest(systemPrompt string, messages []types.Message, meta *types.MessageMetadata, streaming bool) *chatRequest {
	sel := p.GetModel()

	req := &chatRequest{
		Model:       sel.ID,
		Temperature: sel.Temperature,
		MaxTokens:   sel.MaxTokens,
		Stream:      streaming,
	}
	if streaming {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if systemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: types.RoleSystem, Content: systemPrompt})
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}

	if meta != nil {
		req.Tools = meta.Tools
		req.ToolChoice = meta.ToolChoice
		req.ParallelToolCalls = meta.ParallelToolCalls
	}
	return req
}

// CreateMessage 发起流式请求，经推理标签提取与工具调用累积后
// 产出统一块序列。UsageChunk 恒为成功流的最后一个块。
func (p *Provider) CreateMessage(ctx context.Context, systemPrompt string, messages []types.Message, meta *types.MessageMetadata) (stream.Stream, error) {
	chatReq := p.buildRequest(systemPrompt, messages, meta, true)

	resp, err := p.post(ctx, chatReq, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan stream.Chunk, 16)
	go p.consumeStream(ctx, resp, chunks)
	return chunks, nil
}

// consumeStream 读 SSE 流并翻译为统一块。
// 推理内容有两条通道：厂商原生的 reasoning_content/reasoning 增量字段，
// 以及嵌在正文里的内联标签；两者各自独立产出，不会重复计入。
func (p *Provider) consumeStream(ctx context.Context, resp *http.Response, chunks chan<- stream.Chunk) {
	defer close(chunks)
	defer resp.Body.Close()

	matcher := transform.NewThinkMatcher(p.opts.ReasoningTag)
	acc := transform.NewToolCallAccumulator()
	sel := p.GetModel()

	var lastUsage *usagePayload
	var finishReason string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// 单个异常块跳过，不中断整条流
			p.logger.Warn("skip malformed stream event",
				zap.String("provider", p.opts.ProviderName),
				zap.Error(err))
			continue
		}

		if event.Usage != nil {
			lastUsage = event.Usage
		}
		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}

		delta := choice.Delta

		if len(delta.ToolCalls) > 0 {
			deltas := make([]transform.ToolCallDelta, 0, len(delta.ToolCalls))
			for _, tc := range delta.ToolCalls {
				d := transform.ToolCallDelta{Index: tc.Index, ID: tc.ID, Type: tc.Type}
				if tc.Function != nil {
					d.Name = tc.Function.Name
					d.Arguments = tc.Function.Arguments
				}
				deltas = append(deltas, d)
			}
			for _, c := range acc.Process(deltas) {
				if !stream.Emit(ctx, chunks, c) {
					return
				}
			}
		}

		if delta.Content != "" {
			for _, c := range matcher.Update(delta.Content) {
				if !stream.Emit(ctx, chunks, c) {
					return
				}
			}
		}

		// 厂商原生推理通道（reasoning_content 优先于 reasoning）
		reasoning := delta.ReasoningContent
		if reasoning == "" {
			reasoning = delta.Reasoning
		}
		if strings.TrimSpace(reasoning) != "" {
			if !stream.Emit(ctx, chunks, stream.ReasoningChunk{Text: reasoning}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		stream.Emit(ctx, chunks, stream.ErrorChunk{
			Err:     "stream_error",
			Message: types.NewProviderError(p.opts.ProviderName, "read stream failed", err).Error(),
		})
		return
	}

	for _, c := range matcher.Final() {
		if !stream.Emit(ctx, chunks, c) {
			return
		}
	}

	if finishReason == "tool_calls" && acc.HasCalls() {
		if !stream.Emit(ctx, chunks, stream.NativeToolCallsChunk{ToolCalls: acc.Completed()}) {
			return
		}
	}

	if lastUsage != nil {
		stream.Emit(ctx, chunks, p.usageChunk(sel.Info, lastUsage))
	}
}

// usageChunk 把厂商 usage 翻译为统一块并计算成本
func (p *Provider) usageChunk(info types.ModelInfo, usage *usagePayload) stream.UsageChunk {
	cacheRead := usage.CacheReadInputTokens
	cacheWrite := usage.CacheCreationInputTokens
	if usage.PromptTokensDetails != nil {
		if usage.PromptTokensDetails.CachedTokens > 0 {
			cacheRead = usage.PromptTokensDetails.CachedTokens
		}
		if usage.PromptTokensDetails.CacheWriteTokens > 0 {
			cacheWrite = usage.PromptTokensDetails.CacheWriteTokens
		}
	}

	return stream.UsageChunk{
		InputTokens:      usage.PromptTokens,
		OutputTokens:     usage.CompletionTokens,
		CacheReadTokens:  cacheRead,
		CacheWriteTokens: cacheWrite,
		TotalCost:        types.CostOpenAI(info, usage.PromptTokens, usage.CompletionTokens, cacheWrite, cacheRead),
	}
}

// CompletePrompt 单轮非流式补全
func (p *Provider) CompletePrompt(ctx context.Context, prompt string) (string, error) {
	chatReq := p.buildRequest("", []types.Message{{Role: types.RoleUser, Content: prompt}}, nil, false)

	resp, err := p.post(ctx, chatReq, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewProviderError(p.opts.ProviderName, "read response failed", err)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", types.NewProviderError(p.opts.ProviderName, "unmarshal response failed", err)
	}
	if len(completion.Choices) == 0 {
		return "", types.ErrEmptyResponse
	}
	return completion.Choices[0].Message.Content, nil
}

// post 发送请求。非 2xx 响应读出 body 后经统一错误翻译同步返回，
// 保证错误发生在任何 chunk 产出之前。
func (p *Provider) post(ctx context.Context, chatReq *chatRequest, streaming bool) (*http.Response, error) {
	reqBody, err := json.Marshal(chatReq)
	if err != nil {
		return nil, types.NewProviderError(p.opts.ProviderName, "marshal request failed", err)
	}

	url := strings.TrimSuffix(p.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, types.NewProviderError(p.opts.ProviderName, "create request failed", err)
	}

	p.setHeaders(httpReq)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	// 请求关联 ID，日志与厂商侧排障共用；调用方上下文带了就复用
	requestID := logger.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	ctx = logger.WithModel(logger.WithProvider(logger.WithRequestID(ctx, requestID), p.opts.ProviderName), chatReq.Model)
	p.logger.WithContext(ctx).Debug("provider request", zap.Bool("streaming", streaming))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewProviderError(p.opts.ProviderName, "request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, types.NewHTTPError(p.opts.ProviderName, resp.StatusCode, body, resp.Header)
	}
	return resp, nil
}

var _ types.Handler = (*Provider)(nil)

// 请求/响应 wire 结构

type chatRequest struct {
	Model             string                 `json:"model"`
	Messages          []chatMessage          `json:"messages"`
	Temperature       *float64               `json:"temperature,omitempty"`
	MaxTokens         int                    `json:"max_tokens,omitempty"`
	Stream            bool                   `json:"stream,omitempty"`
	StreamOptions     *streamOptions         `json:"stream_options,omitempty"`
	Tools             []types.ToolDefinition `json:"tools,omitempty"`
	ToolChoice        string                 `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                  `json:"parallel_tool_calls,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type streamEvent struct {
	ID      string         `json:"id,omitempty"`
	Object  string         `json:"object,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []streamChoice `json:"choices,omitempty"`
	Usage   *usagePayload  `json:"usage,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

type streamDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ToolCalls        []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int            `json:"index"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function *functionDelta `json:"function,omitempty"`
}

type functionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type usagePayload struct {
	PromptTokens             int                  `json:"prompt_tokens"`
	CompletionTokens         int                  `json:"completion_tokens"`
	TotalTokens              int                  `json:"total_tokens"`
	PromptTokensDetails      *promptTokensDetails `json:"prompt_tokens_details,omitempty"`
	CacheReadInputTokens     int                  `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int                  `json:"cache_creation_input_tokens,omitempty"`
}

type promptTokensDetails struct {
	CachedTokens     int `json:"cached_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage,omitempty"`
}
