package transform

import (
	"testing"

	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallAccumulatorAssemblesFragments(t *testing.T) {
	acc := NewToolCallAccumulator()

	acc.Process([]ToolCallDelta{
		{Index: 0, ID: "call_1", Type: "function", Name: "get_weather"},
	})
	acc.Process([]ToolCallDelta{
		{Index: 0, Arguments: `{"city":`},
	})
	acc.Process([]ToolCallDelta{
		{Index: 0, Arguments: `"Paris"}`},
	})

	require.True(t, acc.HasCalls())
	calls := acc.Completed()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "function", calls[0].Type)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
	assert.Equal(t, `{"city":"Paris"}`, calls[0].Function.Arguments)
}

func TestToolCallAccumulatorEmitsPartialChunks(t *testing.T) {
	acc := NewToolCallAccumulator()

	chunks := acc.Process([]ToolCallDelta{
		{Index: 0, ID: "call_1", Name: "search"},
		{Index: 0, Arguments: `{"q":"go"}`},
	})

	require.Len(t, chunks, 2)
	first, ok := chunks[0].(stream.ToolCallPartialChunk)
	require.True(t, ok)
	assert.Equal(t, "call_1", first.ID)
	assert.Equal(t, "search", first.Name)

	second, ok := chunks[1].(stream.ToolCallPartialChunk)
	require.True(t, ok)
	assert.Equal(t, `{"q":"go"}`, second.Arguments)
}

func TestToolCallAccumulatorMultipleCallsOrderedByIndex(t *testing.T) {
	acc := NewToolCallAccumulator()

	// out-of-order arrival
	acc.Process([]ToolCallDelta{
		{Index: 2, ID: "call_c", Name: "c", Arguments: "{}"},
		{Index: 0, ID: "call_a", Name: "a", Arguments: "{}"},
		{Index: 1, ID: "call_b", Name: "b", Arguments: "{}"},
	})

	calls := acc.Completed()
	require.Len(t, calls, 3)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "call_b", calls[1].ID)
	assert.Equal(t, "call_c", calls[2].ID)
}

func TestToolCallAccumulatorDefaultsTypeToFunction(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Process([]ToolCallDelta{{Index: 0, ID: "call_1", Name: "f", Arguments: "{}"}})

	calls := acc.Completed()
	require.Len(t, calls, 1)
	assert.Equal(t, "function", calls[0].Type)
}

func TestToolCallAccumulatorEmpty(t *testing.T) {
	acc := NewToolCallAccumulator()
	assert.False(t, acc.HasCalls())
	assert.Empty(t, acc.Completed())
	assert.Empty(t, acc.Process(nil))
}
