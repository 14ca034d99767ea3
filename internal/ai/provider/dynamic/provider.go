package dynamic

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lk2023060901/llm-bridge/internal/ai/catalog"
	"github.com/lk2023060901/llm-bridge/internal/ai/provider/openaicompat"
	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
	"github.com/lk2023060901/llm-bridge/internal/pkg/logger"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// 动态 Provider 面向长会话，请求超时放宽到一小时
const requestTimeout = time.Hour

// Options 动态 Provider 配置
type Options struct {
	ManifestURL  string            // 厂商清单地址，必填
	Resolver     *catalog.Resolver // 缺省使用进程级共享 Resolver
	Temperature  *float64
	MaxTokens    int
	ReasoningTag string // 内联推理标签，透传给底层适配器
}

// Provider 由厂商清单驱动的适配器。
// 清单与模型目录按需拉取一次后缓存在实例内，
// 实际请求委托给按清单参数组装的 OpenAI 兼容适配器。
type Provider struct {
	config   *types.Config
	opts     Options
	resolver *catalog.Resolver
	logger   *logger.Logger

	mu        sync.Mutex
	manifest  *catalog.Manifest
	selection *types.ModelSelection
	inner     *openaicompat.Provider

	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
}

// New 创建动态 Provider。BaseURL 由清单提供，这里只校验其余字段。
func New(config *types.Config, opts Options, lgr *logger.Logger) (*Provider, error) {
	if opts.ManifestURL == "" {
		return nil, types.ErrMissingManifestURL
	}
	if config.APIKey == "" {
		return nil, types.ErrMissingAPIKey
	}
	if config.Timeout == 0 {
		config.Timeout = requestTimeout
	}
	if opts.Resolver == nil {
		opts.Resolver = catalog.Default()
	}
	if lgr == nil {
		lgr = logger.L()
	}

	return &Provider{
		config:   config,
		opts:     opts,
		resolver: opts.Resolver,
		logger:   lgr,
	}, nil
}

// Name 返回清单中的厂商名称；清单尚未加载时返回占位名
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest != nil {
		return p.manifest.Name
	}
	return "Dynamic"
}

// Close 关闭 Provider
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inner != nil {
		return p.inner.Close()
	}
	return nil
}

// GetModel 返回模型选择。清单未加载时按保守缺省值返回，
// 避免调用方在首次请求前拿不到任何模型信息。
func (p *Provider) GetModel() types.ModelSelection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selection != nil {
		return *p.selection
	}
	return types.ModelSelection{
		ID:          p.config.Model,
		Info:        types.SaneDefaults(),
		Temperature: p.opts.Temperature,
		MaxTokens:   p.opts.MaxTokens,
	}
}

// CreateMessage 发起流式请求，首次调用时加载清单与模型目录。
// 厂商流末尾没有 usage 时，用本地编码器估算补发一个 UsageChunk，
// 保证成功的流总以 usage 结尾。
func (p *Provider) CreateMessage(ctx context.Context, systemPrompt string, messages []types.Message, meta *types.MessageMetadata) (stream.Stream, error) {
	inner, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	src, err := inner.CreateMessage(ctx, systemPrompt, messages, meta)
	if err != nil {
		return nil, err
	}

	out := make(chan stream.Chunk)
	go p.relayWithUsage(ctx, systemPrompt, messages, src, out)
	return out, nil
}

// relayWithUsage 透传底层流并跟踪回复文本。
// 流正常结束且未见 usage 时补发估算值；出错的流不补。
func (p *Provider) relayWithUsage(ctx context.Context, systemPrompt string, messages []types.Message, src stream.Stream, out chan<- stream.Chunk) {
	defer close(out)

	var assistant strings.Builder
	sawUsage := false
	sawError := false

	for chunk := range src {
		switch c := chunk.(type) {
		case stream.TextChunk:
			assistant.WriteString(c.Text)
		case stream.ReasoningChunk:
			assistant.WriteString(c.Text)
		case stream.UsageChunk:
			sawUsage = true
		case stream.ErrorChunk:
			sawError = true
		}
		if !stream.Emit(ctx, out, chunk) {
			return
		}
	}

	if sawUsage || sawError {
		return
	}

	input := p.CountTokens(systemPrompt)
	for _, m := range messages {
		input += p.CountTokens(m.Content)
	}
	stream.Emit(ctx, out, stream.UsageChunk{
		InputTokens:  input,
		OutputTokens: p.CountTokens(assistant.String()),
	})
}

// CompletePrompt 单轮非流式补全
func (p *Provider) CompletePrompt(ctx context.Context, prompt string) (string, error) {
	inner, err := p.ensureReady(ctx)
	if err != nil {
		return "", err
	}
	return inner.CompletePrompt(ctx, prompt)
}

// CountTokens 估算文本 token 数。编码器初始化失败只降级为 0，
// 不会让对话请求失败。
func (p *Provider) CountTokens(text string) int {
	p.encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			p.logger.Warn("init token encoder failed", zap.Error(err))
			return
		}
		p.encoder = enc
	})
	if p.encoder == nil {
		return 0
	}
	return len(p.encoder.Encode(text, nil, nil))
}

// ensureReady 拉取清单与模型目录并组装底层适配器。
// 解析结果缓存在实例内，后续调用直接复用。
func (p *Provider) ensureReady(ctx context.Context) (*openaicompat.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inner != nil {
		return p.inner, nil
	}

	manifest, err := p.resolver.GetManifest(ctx, p.opts.ManifestURL, nil)
	if err != nil {
		return nil, err
	}

	models, err := p.resolver.GetModels(ctx, &catalog.ModelFetchOptions{
		ManifestURL: p.opts.ManifestURL,
		APIKey:      p.config.APIKey,
		Headers:     p.config.Headers,
	})
	if err != nil {
		return nil, err
	}

	selection := p.resolveModel(models)

	innerConfig := &types.Config{
		APIKey:  p.config.APIKey,
		BaseURL: manifest.BaseURL,
		Timeout: p.config.Timeout,
		Model:   selection.ID,
		Headers: p.config.Headers,
	}

	inner, err := openaicompat.New(innerConfig, openaicompat.Options{
		ProviderName:   manifest.Name,
		ModelInfo:      selection.Info,
		Temperature:    p.opts.Temperature,
		MaxTokens:      p.opts.MaxTokens,
		ReasoningTag:   p.opts.ReasoningTag,
		DefaultHeaders: manifest.Headers,
	}, p.logger)
	if err != nil {
		return nil, err
	}

	p.manifest = manifest
	p.selection = &selection
	p.inner = inner

	p.logger.Info("dynamic provider ready",
		zap.String("provider", manifest.Name),
		zap.String("model", selection.ID),
		zap.Int("models", len(models)))
	return inner, nil
}

// resolveModel 选取模型：配置的 ID 在目录中存在时用它；
// 否则回退到目录中（按 id 排序的）首个模型；
// 目录为空时才保留配置 ID 并使用保守缺省信息。
func (p *Provider) resolveModel(models map[string]types.ModelInfo) types.ModelSelection {
	id := p.config.Model
	info := types.SaneDefaults()

	if found, ok := models[id]; id != "" && ok {
		info = found
	} else if len(models) > 0 {
		ids := make([]string, 0, len(models))
		for key := range models {
			ids = append(ids, key)
		}
		sort.Strings(ids)
		id = ids[0]
		info = models[id]
	}

	maxTokens := p.opts.MaxTokens
	if maxTokens == 0 && info.MaxTokens != nil {
		maxTokens = *info.MaxTokens
	}

	return types.ModelSelection{
		ID:          id,
		Info:        info,
		Temperature: p.opts.Temperature,
		MaxTokens:   maxTokens,
	}
}

var _ types.Handler = (*Provider)(nil)
