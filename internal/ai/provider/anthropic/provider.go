package anthropic

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
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 8192
	apiVersion       = "2023-06-01"
)

// SystemBlock system prompt 数组中的一段
type SystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl prompt 缓存标记
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// Options Anthropic 适配器的定制点。
// 认证方式、默认 headers、beta 列表和 system 前缀都是可插拔参数，
// OAuth 变体通过 NewClaudeCLI 组合这些参数构成，不做继承覆盖。
type Options struct {
	ProviderName   string // 默认 "Anthropic"
	ModelInfo      types.ModelInfo
	Temperature    *float64
	MaxTokens      int               // 默认 8192
	UseAuthToken   bool              // true 时使用 Authorization: Bearer 而非 x-api-key
	DefaultHeaders map[string]string // 厂商要求的固定识别头
	Betas          []string          // 基础 beta 列表
	RequiredBetas  []string          // 必须存在的 beta，去重后追加
	SystemPrefix   []SystemBlock     // 恒为 system 数组第一个元素的注入段
}

// Provider Anthropic messages API 适配器
type Provider struct {
	config *types.Config
	opts   Options
	client *http.Client
	logger *logger.Logger
}

// New 创建 Anthropic 适配器
func New(config *types.Config, opts Options, lgr *logger.Logger) (*Provider, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.ProviderName == "" {
		opts.ProviderName = "Anthropic"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
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

// NewClaudeCLI 创建 OAuth bearer 认证变体：强制 Authorization: Bearer、
// 固定的 CLI 识别头、必选的 oauth beta，并在 system 数组最前注入
// 可缓存的身份段（在调用方 system prompt 之前）。
func NewClaudeCLI(config *types.Config, lgr *logger.Logger) (*Provider, error) {
	return New(config, Options{
		ProviderName: "Claude CLI",
		UseAuthToken: true,
		DefaultHeaders: map[string]string{
			"user-agent": "claude-cli/2.0.76 (external, cli)",
			"x-app":      "cli",
		},
		RequiredBetas: []string{"oauth-2025-04-20"},
		SystemPrefix: []SystemBlock{
			{
				Type:         "text",
				Text:         "You are Claude Code, Anthropic's official CLI for Claude.",
				CacheControl: &CacheControl{Type: "ephemeral"},
			},
		},
	}, lgr)
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

// GetModel 返回模型选择。RequiredBetas 去重后追加进 beta 列表，
// 即使基础配置没带它们也保证存在。
func (p *Provider) GetModel() types.ModelSelection {
	betas := append([]string(nil), p.opts.Betas...)
	for _, required := range p.opts.RequiredBetas {
		found := false
		for _, beta := range betas {
			if beta == required {
				found = true
				break
			}
		}
		if !found {
			betas = append(betas, required)
		}
	}

	return types.ModelSelection{
		ID:          p.config.Model,
		Info:        p.opts.ModelInfo,
		Temperature: p.opts.Temperature,
		MaxTokens:   p.opts.MaxTokens,
		Betas:       betas,
	}
}

func (p *Provider) setHeaders(req *http.Request, betas []string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)

	if p.opts.UseAuthToken {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	} else {
		req.Header.Set("x-api-key", p.config.APIKey)
	}

	for key, value := range p.opts.DefaultHeaders {
		req.Header.Set(key, value)
	}
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	if len(betas) > 0 {
		req.Header.Set("anthropic-beta", strings.Join(betas, ","))
	}
}

// buildSystem 组装 system 数组：注入段恒在调用方内容之前
func (p *Provider) buildSystem(systemPrompt string) []SystemBlock {
	system := append([]SystemBlock(nil), p.opts.SystemPrefix...)
	if systemPrompt != "" {
		system = append(system, SystemBlock{Type: "text", Text: systemPrompt})
	}
	return system
}

func (p *Provider) buildRequest(systemPrompt string, messages []types.Message, streaming bool) *anthropicRequest {
	sel := p.GetModel()

	req := &anthropicRequest{
		Model:       sel.ID,
		MaxTokens:   sel.MaxTokens,
		Temperature: sel.Temperature,
		System:      p.buildSystem(systemPrompt),
		Stream:      streaming,
	}

	for _, msg := range messages {
		if msg.Role == types.RoleSystem {
			// system 消息并入 system 数组
			req.System = append(req.System, SystemBlock{Type: "text", Text: msg.Content})
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	return req
}

// CreateMessage 发起流式请求
func (p *Provider) CreateMessage(ctx context.Context, systemPrompt string, messages []types.Message, _ *types.MessageMetadata) (stream.Stream, error) {
	req := p.buildRequest(systemPrompt, messages, true)

	resp, err := p.post(ctx, "/v1/messages", req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan stream.Chunk, 16)
	go p.consumeStream(ctx, resp, chunks)
	return chunks, nil
}

// consumeStream 翻译 Anthropic SSE 事件流：
// thinking 增量走推理通道，tool_use/input_json 增量走工具调用累积器，
// usage（含缓存读写 token）恒为成功流的最后一个块。
func (p *Provider) consumeStream(ctx context.Context, resp *http.Response, chunks chan<- stream.Chunk) {
	defer close(chunks)
	defer resp.Body.Close()

	acc := transform.NewToolCallAccumulator()
	sel := p.GetModel()

	var usage stream.UsageChunk
	var stopReason string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			p.logger.Warn("skip malformed stream event",
				zap.String("provider", p.opts.ProviderName),
				zap.Error(err))
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.CacheWriteTokens = event.Message.Usage.CacheCreationInputTokens
				usage.CacheReadTokens = event.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				for _, c := range acc.Process([]transform.ToolCallDelta{{
					Index: event.Index,
					ID:    event.ContentBlock.ID,
					Type:  "function",
					Name:  event.ContentBlock.Name,
				}}) {
					if !stream.Emit(ctx, chunks, c) {
						return
					}
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if !stream.Emit(ctx, chunks, stream.TextChunk{Text: event.Delta.Text}) {
						return
					}
				}
			case "thinking_delta":
				if event.Delta.Thinking != "" {
					if !stream.Emit(ctx, chunks, stream.ReasoningChunk{Text: event.Delta.Thinking}) {
						return
					}
				}
			case "input_json_delta":
				if event.Delta.PartialJSON != "" {
					for _, c := range acc.Process([]transform.ToolCallDelta{{
						Index:     event.Index,
						Arguments: event.Delta.PartialJSON,
					}}) {
						if !stream.Emit(ctx, chunks, c) {
							return
						}
					}
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if stopReason == "tool_use" && acc.HasCalls() {
				if !stream.Emit(ctx, chunks, stream.NativeToolCallsChunk{ToolCalls: acc.Completed()}) {
					return
				}
			}
			usage.TotalCost = types.CostAnthropic(sel.Info,
				usage.InputTokens, usage.OutputTokens, usage.CacheWriteTokens, usage.CacheReadTokens)
			stream.Emit(ctx, chunks, usage)
			return

		case "error":
			message := "stream error"
			if event.Error != nil {
				message = event.Error.Message
			}
			stream.Emit(ctx, chunks, stream.ErrorChunk{Err: "stream_error", Message: message})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		stream.Emit(ctx, chunks, stream.ErrorChunk{
			Err:     "stream_error",
			Message: types.NewProviderError(p.opts.ProviderName, "read stream failed", err).Error(),
		})
	}
}

// CompletePrompt 单轮非流式补全。始终带上解析后的 beta 头，
// 否则 OAuth 变体会认证失败。
func (p *Provider) CompletePrompt(ctx context.Context, prompt string) (string, error) {
	req := p.buildRequest("", []types.Message{{Role: types.RoleUser, Content: prompt}}, false)

	resp, err := p.post(ctx, "/v1/messages", req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewProviderError(p.opts.ProviderName, "read response failed", err)
	}

	var message anthropicResponse
	if err := json.Unmarshal(body, &message); err != nil {
		return "", types.NewProviderError(p.opts.ProviderName, "unmarshal response failed", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

func (p *Provider) post(ctx context.Context, path string, req *anthropicRequest, streaming bool) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewProviderError(p.opts.ProviderName, "marshal request failed", err)
	}

	url := strings.TrimSuffix(p.config.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, types.NewProviderError(p.opts.ProviderName, "create request failed", err)
	}

	p.setHeaders(httpReq, p.GetModel().Betas)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	// 请求关联 ID，日志与厂商侧排障共用；调用方上下文带了就复用
	requestID := logger.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	ctx = logger.WithModel(logger.WithProvider(logger.WithRequestID(ctx, requestID), p.opts.ProviderName), req.Model)
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

// wire 结构

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []SystemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`   // tool_use
	Name string `json:"name,omitempty"` // tool_use
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
