package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lk2023060901/llm-bridge/internal/pkg/logger"
	"github.com/lk2023060901/llm-bridge/internal/pkg/telemetry"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	// 单条文本与单批次的 token 预算
	maxItemTokens  = 8191
	maxBatchTokens = 100_000
	// 无编码器时的粗略估算：每 4 个字符算 1 token
	charsPerToken = 4

	maxRetries        = 3
	initialRetryDelay = 500 * time.Millisecond
)

// Config Embedding Client 配置
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Dimension   int
	QueryPrefix string         // 部分模型要求查询文本带固定前缀
	Telemetry   telemetry.Sink // 缺省丢弃事件
}

// Response 向量化结果
type Response struct {
	Embeddings [][]float32
	Usage      Usage
}

// Usage 向量化使用统计
type Usage struct {
	PromptTokens int
	TotalTokens  int
}

// Client OpenAI 协议的批量向量化客户端。
// 文本按 token 预算贪心分批，429 时本地指数退避并上报共享协调器。
type Client struct {
	client      *openai.Client
	model       string
	dimension   int
	queryPrefix string
	retryDelay  time.Duration
	coordinator *Coordinator
	telemetry   telemetry.Sink
	logger      *logger.Logger
}

// NewClient 创建 Client。coordinator 传 nil 时使用进程级共享实例。
func NewClient(cfg *Config, coordinator *Coordinator, lgr *logger.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if coordinator == nil {
		coordinator = DefaultCoordinator()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop{}
	}
	if lgr == nil {
		lgr = logger.L()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	lgr.Info("embedding client created",
		zap.String("model", cfg.Model),
		zap.Int("dimension", cfg.Dimension))

	return &Client{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		queryPrefix: cfg.QueryPrefix,
		retryDelay:  initialRetryDelay,
		coordinator: coordinator,
		telemetry:   cfg.Telemetry,
		logger:      lgr,
	}, nil
}

// Model 返回模型名称
func (c *Client) Model() string {
	return c.model
}

// Dimension 返回向量维度
func (c *Client) Dimension() int {
	return c.dimension
}

// EmbedQuery 对查询文本生成向量，前缀处理在批量入口统一完成
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding generated")
	}
	return resp.Embeddings[0], nil
}

// Embed 使用客户端缺省模型批量生成向量
func (c *Client) Embed(ctx context.Context, texts []string) (*Response, error) {
	return c.EmbedWithModel(ctx, texts, "")
}

// EmbedWithModel 批量生成向量，model 为空时用客户端缺省模型。
// 每条文本先按需加模型前缀（已带前缀的跳过，加后超预算的回退原文并告警），
// 超出单条预算的文本跳过并告警，其余按批次预算贪心打包后逐批提交。
func (c *Client) EmbedWithModel(ctx context.Context, texts []string, model string) (*Response, error) {
	if model == "" {
		model = c.model
	}

	result := &Response{Embeddings: [][]float32{}}
	if len(texts) == 0 {
		return result, nil
	}

	var batch []string
	batchTokens := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		resp, err := c.embedBatch(ctx, batch, model)
		if err != nil {
			return err
		}
		result.Embeddings = append(result.Embeddings, resp.Embeddings...)
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens
		batch = nil
		batchTokens = 0
		return nil
	}

	for _, text := range texts {
		text = c.applyPrefix(text)
		tokens := estimateTokens(text)
		if tokens > maxItemTokens {
			c.logger.Warn("text exceeds item token budget, skipped",
				zap.Int("estimated_tokens", tokens),
				zap.Int("budget", maxItemTokens))
			continue
		}

		if batchTokens+tokens > maxBatchTokens {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		batch = append(batch, text)
		batchTokens += tokens
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return result, nil
}

// applyPrefix 给单条文本加模型前缀。
// 已带前缀的不重复加；加后超出单条预算时回退原文并告警。
func (c *Client) applyPrefix(text string) string {
	if c.queryPrefix == "" || strings.HasPrefix(text, c.queryPrefix) {
		return text
	}
	prefixed := c.queryPrefix + text
	if tokens := estimateTokens(prefixed); tokens > maxItemTokens {
		c.logger.Warn("query prefix dropped, prefixed text exceeds token budget",
			zap.Int("estimated_tokens", tokens),
			zap.Int("budget", maxItemTokens))
		return text
	}
	return prefixed
}

// embedBatch 提交单个批次，429 时重试。
// 实际等待取本地退避与全局退避中的较大者。
func (c *Client) embedBatch(ctx context.Context, batch []string, model string) (*Response, error) {
	req := openai.EmbeddingRequestStrings{
		Input: batch,
		Model: openai.EmbeddingModel(model),
		// base64 编码回传，规避部分网关对 JSON 数组的维度截断
		EncodingFormat: openai.EmbeddingEncodingFormatBase64,
	}
	if c.dimension > 0 {
		req.Dimensions = c.dimension
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.coordinator.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.client.CreateEmbeddings(ctx, req)
		if err == nil {
			embeddings := make([][]float32, len(resp.Data))
			for i, data := range resp.Data {
				embeddings[i] = data.Embedding
			}
			return &Response{
				Embeddings: embeddings,
				Usage: Usage{
					PromptTokens: resp.Usage.PromptTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				},
			}, nil
		}

		if !isRateLimited(err) {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}

		lastErr = err
		c.coordinator.NoteRateLimit()
		c.telemetry.Capture("embedding.rate_limited", map[string]interface{}{
			"model":   model,
			"attempt": attempt + 1,
		})

		localDelay := c.retryDelay * (1 << attempt)
		delay := localDelay
		if global := c.coordinator.Delay(); global > delay {
			delay = global
		}

		c.logger.Warn("embedding request rate limited, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to create embeddings after %d attempts: %w", maxRetries, lastErr)
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

// estimateTokens 粗略估算 token 数，向上取整
func estimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}
