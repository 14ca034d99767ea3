package openaicompat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
	"github.com/lk2023060901/llm-bridge/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer 回放固定的 SSE 事件序列并捕获请求
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
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(s.server.Close)
	return s
}

func newTestProvider(t *testing.T, s *sseServer, opts Options) *Provider {
	t.Helper()
	config := &types.Config{
		APIKey:  "sk-test",
		BaseURL: s.server.URL,
		Model:   "test-model",
	}
	p, err := New(config, opts, nil)
	require.NoError(t, err)
	return p
}

func drain(t *testing.T, st stream.Stream) []stream.Chunk {
	t.Helper()
	var chunks []stream.Chunk
	for c := range st {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestCreateMessageTextAndUsage(t *testing.T) {
	s := newSSEServer(t,
		`{"choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":10,"total_tokens":15}}`,
	)
	p := newTestProvider(t, s, Options{})

	st, err := p.CreateMessage(context.Background(), "be brief", []types.Message{
		{Role: types.RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.Len(t, chunks, 3)
	assert.Equal(t, stream.TextChunk{Text: "Hello"}, chunks[0])
	assert.Equal(t, stream.TextChunk{Text: " world"}, chunks[1])

	usage, ok := chunks[2].(stream.UsageChunk)
	require.True(t, ok, "usage must be the final chunk")
	assert.Equal(t, 5, usage.InputTokens)
	assert.Equal(t, 10, usage.OutputTokens)
}

func TestCreateMessageInlineReasoningTag(t *testing.T) {
	s := newSSEServer(t,
		`{"choices":[{"index":0,"delta":{"content":"<think>pond"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"er</think>answer"}}]}`,
	)
	p := newTestProvider(t, s, Options{})

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)

	var reasoning, text string
	for _, c := range drain(t, st) {
		switch v := c.(type) {
		case stream.ReasoningChunk:
			reasoning += v.Text
		case stream.TextChunk:
			text += v.Text
		}
	}
	assert.Equal(t, "ponder", reasoning)
	assert.Equal(t, "answer", text)
}

func TestCreateMessageNativeReasoningField(t *testing.T) {
	s := newSSEServer(t,
		`{"choices":[{"index":0,"delta":{"reasoning_content":"step one"}}]}`,
		`{"choices":[{"index":0,"delta":{"reasoning":"ignored when reasoning_content empty follows"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"done"}}]}`,
	)
	p := newTestProvider(t, s, Options{})

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, stream.ReasoningChunk{Text: "step one"}, chunks[0])
	_, isReasoning := chunks[1].(stream.ReasoningChunk)
	assert.True(t, isReasoning)
	assert.Equal(t, stream.TextChunk{Text: "done"}, chunks[2])
}

func TestCreateMessageToolCalls(t *testing.T) {
	s := newSSEServer(t,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":\"Paris\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}}`,
	)
	p := newTestProvider(t, s, Options{})

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "weather?"}}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.Len(t, chunks, 4)

	partial, ok := chunks[0].(stream.ToolCallPartialChunk)
	require.True(t, ok)
	assert.Equal(t, "call_1", partial.ID)
	assert.Equal(t, "get_weather", partial.Name)

	native, ok := chunks[2].(stream.NativeToolCallsChunk)
	require.True(t, ok, "aggregated tool calls precede usage")
	require.Len(t, native.ToolCalls, 1)
	assert.Equal(t, `{"city":"Paris"}`, native.ToolCalls[0].Function.Arguments)

	_, ok = chunks[3].(stream.UsageChunk)
	assert.True(t, ok, "usage must be the final chunk")
}

func TestCreateMessageMalformedEventSkipped(t *testing.T) {
	s := newSSEServer(t,
		`{not json`,
		`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`,
	)
	p := newTestProvider(t, s, Options{})

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)

	chunks := drain(t, st)
	require.Len(t, chunks, 1)
	assert.Equal(t, stream.TextChunk{Text: "ok"}, chunks[0])
}

func TestMaxTokensOmittedWhenDisabled(t *testing.T) {
	s := newSSEServer(t)
	include := false
	p := newTestProvider(t, s, Options{IncludeMaxTokens: &include})

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)
	drain(t, st)

	assert.NotContains(t, string(s.lastBody), "max_tokens")
}

func TestMaxTokensDefaultApplied(t *testing.T) {
	s := newSSEServer(t)
	p := newTestProvider(t, s, Options{})

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)
	drain(t, st)

	assert.Contains(t, string(s.lastBody), `"max_tokens":8192`)
}

func TestTemperaturePrecedence(t *testing.T) {
	user := 0.2
	vendor := 0.7

	p := newTestProvider(t, newSSEServer(t), Options{Temperature: &user, DefaultTemperature: &vendor})
	require.NotNil(t, p.GetModel().Temperature)
	assert.Equal(t, 0.2, *p.GetModel().Temperature)

	p = newTestProvider(t, newSSEServer(t), Options{DefaultTemperature: &vendor})
	require.NotNil(t, p.GetModel().Temperature)
	assert.Equal(t, 0.7, *p.GetModel().Temperature)

	p = newTestProvider(t, newSSEServer(t), Options{})
	assert.Nil(t, p.GetModel().Temperature)
}

func TestAuthorizationAndCustomHeaders(t *testing.T) {
	s := newSSEServer(t)
	config := &types.Config{
		APIKey:  "sk-test",
		BaseURL: s.server.URL,
		Model:   "m",
		Headers: map[string]string{"X-Caller": "caller"},
	}
	p, err := New(config, Options{DefaultHeaders: map[string]string{"X-Vendor": "vendor"}}, nil)
	require.NoError(t, err)

	st, err := p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)
	drain(t, st)

	assert.Equal(t, "Bearer sk-test", s.lastReq.Header.Get("Authorization"))
	assert.Equal(t, "vendor", s.lastReq.Header.Get("X-Vendor"))
	assert.Equal(t, "caller", s.lastReq.Header.Get("X-Caller"))
	assert.NotEmpty(t, s.lastReq.Header.Get("X-Request-ID"))
}

func TestCallerRequestIDReused(t *testing.T) {
	s := newSSEServer(t)
	p := newTestProvider(t, s, Options{})

	// 调用方上下文带了关联 ID 时原样透传，不再另生成
	ctx := logger.WithRequestID(context.Background(), "req-from-caller")
	st, err := p.CreateMessage(ctx, "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)
	drain(t, st)

	assert.Equal(t, "req-from-caller", s.lastReq.Header.Get("X-Request-ID"))
}

func TestCreateMessageHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	config := &types.Config{APIKey: "sk-test", BaseURL: server.URL, Model: "m"}
	p, err := New(config, Options{ProviderName: "Acme"}, nil)
	require.NoError(t, err)

	_, err = p.CreateMessage(context.Background(), "", []types.Message{{Role: types.RoleUser, Content: "q"}}, nil)
	var provErr *types.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.True(t, provErr.IsRateLimitError())
	assert.Equal(t, "Acme", provErr.Provider)
	require.NotNil(t, provErr.RateLimitInfo)
	assert.Equal(t, 12, provErr.RateLimitInfo.RetryAfter)
}

func TestCompletePrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"pong"}}]}`)
	}))
	defer server.Close()

	config := &types.Config{APIKey: "sk-test", BaseURL: server.URL, Model: "m"}
	p, err := New(config, Options{}, nil)
	require.NoError(t, err)

	out, err := p.CompletePrompt(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestCompletePromptEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	config := &types.Config{APIKey: "sk-test", BaseURL: server.URL, Model: "m"}
	p, err := New(config, Options{}, nil)
	require.NoError(t, err)

	_, err = p.CompletePrompt(context.Background(), "ping")
	assert.ErrorIs(t, err, types.ErrEmptyResponse)
}
