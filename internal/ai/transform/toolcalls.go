package transform

import (
	"sort"

	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
)

// ToolCallDelta 厂商流中的工具调用增量
type ToolCallDelta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// PartialToolCall 按 index 聚合中的工具调用
type PartialToolCall struct {
	ID        string
	Type      string
	Name      string
	Arguments string
}

// ToolCallAccumulator 将分片的工具调用增量聚合为完整调用。
// 每个增量同时透传一个 partial 块，供消费方实时展示。
type ToolCallAccumulator struct {
	calls map[int]*PartialToolCall
}

// NewToolCallAccumulator 创建累积器
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*PartialToolCall)}
}

// Process 处理一批增量，返回对应的透传块。
// ID、Type、Name 取首个非空值，Arguments 按到达顺序拼接。
func (a *ToolCallAccumulator) Process(deltas []ToolCallDelta) []stream.Chunk {
	chunks := make([]stream.Chunk, 0, len(deltas))
	for _, delta := range deltas {
		call, ok := a.calls[delta.Index]
		if !ok {
			call = &PartialToolCall{}
			a.calls[delta.Index] = call
		}

		if delta.ID != "" {
			call.ID = delta.ID
		}
		if delta.Type != "" {
			call.Type = delta.Type
		}
		if delta.Name != "" {
			call.Name = delta.Name
		}
		call.Arguments += delta.Arguments

		chunks = append(chunks, stream.ToolCallPartialChunk{
			Index:     delta.Index,
			ID:        delta.ID,
			Name:      delta.Name,
			Arguments: delta.Arguments,
		})
	}
	return chunks
}

// HasCalls 是否聚合到任何工具调用
func (a *ToolCallAccumulator) HasCalls() bool {
	return len(a.calls) > 0
}

// Completed 按 index 升序返回聚合完成的调用列表
func (a *ToolCallAccumulator) Completed() []stream.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for index := range a.calls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	result := make([]stream.ToolCall, 0, len(indexes))
	for _, index := range indexes {
		call := a.calls[index]
		callType := call.Type
		if callType == "" {
			callType = "function"
		}
		result = append(result, stream.ToolCall{
			ID:   call.ID,
			Type: callType,
			Function: &stream.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return result
}
