package types

// ModelInfo 归一化后的模型能力/计价描述。
// 由各数据源的厂商 schema 映射而来，构造后不可变；
// 模型 id 作为目录的 key，不重复存储在描述内。
type ModelInfo struct {
	ContextWindow           int      `json:"context_window"`
	MaxTokens               *int     `json:"max_tokens"` // nil 表示未知
	SupportsImages          bool     `json:"supports_images"`
	SupportsPromptCache     bool     `json:"supports_prompt_cache"`
	SupportsReasoningBudget bool     `json:"supports_reasoning_budget"`
	RequiredReasoningBudget bool     `json:"required_reasoning_budget"`
	SupportsTemperature     bool     `json:"supports_temperature"`
	InputPrice              float64  `json:"input_price"`  // 每百万 token
	OutputPrice             float64  `json:"output_price"` // 每百万 token
	CacheReadsPrice         *float64 `json:"cache_reads_price,omitempty"`
	CacheWritesPrice        *float64 `json:"cache_writes_price,omitempty"`
	Description             string   `json:"description,omitempty"`
	DisplayName             string   `json:"display_name,omitempty"`
}

// SaneDefaults 目录为空或模型未知时使用的保守默认描述
func SaneDefaults() ModelInfo {
	return ModelInfo{
		ContextWindow:       128_000,
		SupportsImages:      false,
		SupportsPromptCache: false,
		SupportsTemperature: true,
	}
}

// IntPtr 辅助构造 *int
func IntPtr(v int) *int { return &v }

// Float64Ptr 辅助构造 *float64
func Float64Ptr(v float64) *float64 { return &v }
