package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseServer struct {
	server   *httptest.Server
	events   []string
	lastBody []byte
	lastReq  *http.Request
}

func newSSEServer(t *testing.T, events ...string) *sseServer {
	t.Helper()
	s := &sseServer{events: events}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lastReq = r.Clone(context.Background())
		s.lastBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range s.events {
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func drain(t *testing.T, st stream.Stream) []stream.Chunk {
	t.Helper()
	var chunks []stream.Chunk
	for c := range st {
		chunks = append(chunks, c)
	}
	return chunks
}

func fullStreamEvents() []string {
	return []string{
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-x","content":[],"usage":{"input_tokens":20,"output_tokens":0,"cache_creation_input_tokens":5,"cache_read_input_tokens":3}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	}
}

func TestCreateMessageTextAndUsage(t *testing.T) {
	s := newSSEServer(t, fullStreamEvents()...)
	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: s.server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "be brief", []types.Message{
		{Role: types.RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.Len(t, chunks, 3)
	assert.Equal(t, stream.TextChunk{Text: "Hi"}, chunks[0])
	assert.Equal(t, stream.TextChunk{Text: " there"}, chunks[1])

	usage, ok := chunks[2].(stream.UsageChunk)
	require.True(t, ok, "usage must be the final chunk")
	assert.Equal(t, 20, usage.InputTokens)
	assert.Equal(t, 12, usage.OutputTokens)
	assert.Equal(t, 5, usage.CacheWriteTokens)
	assert.Equal(t, 3, usage.CacheReadTokens)
}

func TestCreateMessageThinkingDelta(t *testing.T) {
	s := newSSEServer(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":1,"output_tokens":0}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	)
	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: s.server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.Len(t, chunks, 3)
	assert.Equal(t, stream.ReasoningChunk{Text: "let me see"}, chunks[0])
	assert.Equal(t, stream.TextChunk{Text: "ok"}, chunks[1])
}

func TestCreateMessageToolUse(t *testing.T) {
	s := newSSEServer(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":8,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":6}}`,
		`{"type":"message_stop"}`,
	)
	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: s.server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "weather?"}}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.Len(t, chunks, 5)

	partial, ok := chunks[0].(stream.ToolCallPartialChunk)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", partial.ID)
	assert.Equal(t, "get_weather", partial.Name)

	native, ok := chunks[3].(stream.NativeToolCallsChunk)
	require.True(t, ok, "aggregated tool calls precede usage")
	require.Len(t, native.ToolCalls, 1)
	assert.Equal(t, "toolu_1", native.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", native.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"city":"Paris"}`, native.ToolCalls[0].Function.Arguments)

	_, ok = chunks[4].(stream.UsageChunk)
	assert.True(t, ok, "usage must be the final chunk")
}

func TestCreateMessageErrorEvent(t *testing.T) {
	s := newSSEServer(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":1,"output_tokens":0}}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`,
	)
	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: s.server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.NotEmpty(t, chunks)
	errChunk, ok := chunks[len(chunks)-1].(stream.ErrorChunk)
	require.True(t, ok)
	assert.Equal(t, "busy", errChunk.Message)
}

func TestDefaultAuthUsesAPIKeyHeader(t *testing.T) {
	s := newSSEServer(t, fullStreamEvents()...)
	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: s.server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)
	drain(t, st)

	assert.Equal(t, "sk-ant", s.lastReq.Header.Get("x-api-key"))
	assert.Empty(t, s.lastReq.Header.Get("Authorization"))
	assert.Equal(t, "2023-06-01", s.lastReq.Header.Get("anthropic-version"))
}

func TestClaudeCLIVariantHeadersAndSystemPrefix(t *testing.T) {
	s := newSSEServer(t, fullStreamEvents()...)
	p, err := NewClaudeCLI(&types.Config{APIKey: "oauth-token", BaseURL: s.server.URL, Model: "claude-x"}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "caller prompt", []types.Message{
		{Role: types.RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)
	drain(t, st)

	assert.Equal(t, "Bearer oauth-token", s.lastReq.Header.Get("Authorization"))
	assert.Empty(t, s.lastReq.Header.Get("x-api-key"))
	assert.Equal(t, "claude-cli/2.0.76 (external, cli)", s.lastReq.Header.Get("user-agent"))
	assert.Equal(t, "cli", s.lastReq.Header.Get("x-app"))
	assert.Contains(t, s.lastReq.Header.Get("anthropic-beta"), "oauth-2025-04-20")

	var body anthropicRequest
	require.NoError(t, json.Unmarshal(s.lastBody, &body))
	require.GreaterOrEqual(t, len(body.System), 2)
	assert.Equal(t, "You are Claude Code, Anthropic's official CLI for Claude.", body.System[0].Text)
	require.NotNil(t, body.System[0].CacheControl)
	assert.Equal(t, "ephemeral", body.System[0].CacheControl.Type)
	assert.Equal(t, "caller prompt", body.System[1].Text)
}

func TestRequiredBetasDeduplicated(t *testing.T) {
	p, err := New(&types.Config{APIKey: "k", BaseURL: "https://api.anthropic.com", Model: "m"}, Options{
		Betas:         []string{"oauth-2025-04-20", "interleaved-thinking-2025-05-14"},
		RequiredBetas: []string{"oauth-2025-04-20"},
	}, nil)
	require.NoError(t, err)

	betas := p.GetModel().Betas
	count := 0
	for _, b := range betas {
		if b == "oauth-2025-04-20" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Contains(t, betas, "interleaved-thinking-2025-05-14")
}

func TestSystemMessagesMergedIntoSystemArray(t *testing.T) {
	s := newSSEServer(t, fullStreamEvents()...)
	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: s.server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "primary", []types.Message{
		{Role: types.RoleSystem, Content: "secondary"},
		{Role: types.RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)
	drain(t, st)

	var body anthropicRequest
	require.NoError(t, json.Unmarshal(s.lastBody, &body))
	require.Len(t, body.System, 2)
	assert.Equal(t, "primary", body.System[0].Text)
	assert.Equal(t, "secondary", body.System[1].Text)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, types.RoleUser, body.Messages[0].Role)
}

func TestCompletePrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"pong"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer server.Close()

	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	out, err := p.CompletePrompt(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestCreateMessageHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		fmt.Fprint(w, `{"error":{"type":"overloaded_error","message":"overloaded"}}`)
	}))
	defer server.Close()

	p, err := New(&types.Config{APIKey: "sk-ant", BaseURL: server.URL, Model: "claude-x"}, Options{}, nil)
	require.NoError(t, err)

	_, err = p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	var provErr *types.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, types.ErrorTypeOverloaded, provErr.Type)
	assert.True(t, provErr.IsRetryable())
}
