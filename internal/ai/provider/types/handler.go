package types

import (
	"context"
	"encoding/json"

	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 统一消息历史格式
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolFunction 工具的函数定义，Parameters 为 JSON Schema
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolDefinition 原生工具定义（OpenAI function 格式）
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// MessageMetadata CreateMessage 的可选元数据
type MessageMetadata struct {
	TaskID            string
	Tools             []ToolDefinition
	ToolChoice        string
	ParallelToolCalls *bool
}

// ModelSelection GetModel 的结果：模型 id、归一化描述及派生参数
type ModelSelection struct {
	ID          string
	Info        ModelInfo
	Temperature *float64
	MaxTokens   int      // 0 表示不下发 max_tokens
	Betas       []string // Anthropic beta 列表
}

// Handler 统一的 Provider 适配器接口。
// CreateMessage 返回惰性的单遍流：错误在首个 chunk 之前同步返回；
// 流中途的传输失败以 ErrorChunk 结尾。消费方通过取消 ctx 提前终止，
// 适配器不得再发起新的厂商请求。适配器内部不做自动重试。
type Handler interface {
	// GetModel 返回当前模型选择（可能使用已缓存的目录）
	GetModel() ModelSelection

	// CreateMessage 发起流式对话请求
	CreateMessage(ctx context.Context, systemPrompt string, messages []Message, meta *MessageMetadata) (stream.Stream, error)

	// CompletePrompt 单轮非流式补全
	CompletePrompt(ctx context.Context, prompt string) (string, error)

	// Name 返回 Provider 显示名称
	Name() string

	// Close 关闭并释放资源
	Close() error
}
