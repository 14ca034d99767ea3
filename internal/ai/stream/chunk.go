package stream

// ChunkType 流式块类型
type ChunkType string

const (
	ChunkTypeText            ChunkType = "text"
	ChunkTypeReasoning       ChunkType = "reasoning"
	ChunkTypeUsage           ChunkType = "usage"
	ChunkTypeGrounding       ChunkType = "grounding"
	ChunkTypeNativeToolCalls ChunkType = "native_tool_calls"
	ChunkTypeToolCallPartial ChunkType = "tool_call_partial"
	ChunkTypeError           ChunkType = "error"
)

// Chunk 归一化流式块。所有厂商的流式输出都翻译为这些块，
// 消费方无需感知厂商差异。
type Chunk interface {
	Type() ChunkType
}

// TextChunk 可见文本增量
type TextChunk struct {
	Text string `json:"text"`
}

func (TextChunk) Type() ChunkType { return ChunkTypeText }

// ReasoningChunk 推理文本增量（厂商原生 reasoning 或内联标签提取）
type ReasoningChunk struct {
	Text string `json:"text"`
}

func (ReasoningChunk) Type() ChunkType { return ChunkTypeReasoning }

// UsageChunk 用量统计。成功的流中恒为最后一个块。
type UsageChunk struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	ReasoningTokens  int     `json:"reasoning_tokens,omitempty"`
	TotalCost        float64 `json:"total_cost,omitempty"`
}

func (UsageChunk) Type() ChunkType { return ChunkTypeUsage }

// GroundingSource 引用来源
type GroundingSource struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// GroundingChunk 引用来源列表
type GroundingChunk struct {
	Sources []GroundingSource `json:"sources"`
}

func (GroundingChunk) Type() ChunkType { return ChunkTypeGrounding }

// FunctionCall 完整的函数调用
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall 完整的工具调用
type ToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function *FunctionCall `json:"function,omitempty"`
}

// NativeToolCallsChunk 聚合完成的工具调用列表，
// 在厂商以 tool_calls 结束流时发出。
type NativeToolCallsChunk struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

func (NativeToolCallsChunk) Type() ChunkType { return ChunkTypeNativeToolCalls }

// ToolCallPartialChunk 工具调用增量透传，供 UI 实时展示
type ToolCallPartialChunk struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func (ToolCallPartialChunk) Type() ChunkType { return ChunkTypeToolCallPartial }

// ErrorChunk 流中途的错误通知
type ErrorChunk struct {
	Err     string `json:"error"`
	Message string `json:"message"`
}

func (ErrorChunk) Type() ChunkType { return ChunkTypeError }
