package factory

import (
	"time"

	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
)

// Option 配置选项函数
type Option func(*types.Config)

// WithModel 返回设置模型的 Option
func WithModel(model string) Option {
	return func(c *types.Config) {
		c.Model = model
	}
}

// WithTimeout 返回设置超时的 Option
func WithTimeout(timeout time.Duration) Option {
	return func(c *types.Config) {
		c.Timeout = timeout
	}
}

// WithHeader 返回添加单个 Header 的 Option
func WithHeader(key, value string) Option {
	return func(c *types.Config) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[key] = value
	}
}

// WithHeaders 返回批量设置 Headers 的 Option
func WithHeaders(headers map[string]string) Option {
	return func(c *types.Config) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		for key, value := range headers {
			c.Headers[key] = value
		}
	}
}

// Anthropic 快速创建 Anthropic 配置
func Anthropic(apiKey, baseURL string, opts ...Option) *types.Config {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	config := &types.Config{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Timeout: 120 * time.Second,
		Headers: make(map[string]string),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

// ClaudeCLI 快速创建 OAuth bearer 认证的 Anthropic 配置
func ClaudeCLI(accessToken string, opts ...Option) *types.Config {
	config := &types.Config{
		APIKey:  accessToken,
		BaseURL: "https://api.anthropic.com",
		Timeout: 120 * time.Second,
		Headers: make(map[string]string),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

// OpenAICompatible 快速创建 OpenAI 兼容配置
func OpenAICompatible(apiKey, baseURL string, opts ...Option) *types.Config {
	config := &types.Config{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Timeout: 120 * time.Second,
		Headers: make(map[string]string),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

// Dynamic 快速创建清单驱动的动态配置。BaseURL 留空，由清单解析填充。
func Dynamic(apiKey string, opts ...Option) *types.Config {
	config := &types.Config{
		APIKey:  apiKey,
		Timeout: time.Hour,
		Headers: make(map[string]string),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}
