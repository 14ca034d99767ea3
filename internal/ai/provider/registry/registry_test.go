package registry

import (
	"context"
	"testing"

	"github.com/lk2023060901/llm-bridge/internal/ai/provider/types"
	"github.com/lk2023060901/llm-bridge/internal/ai/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	name string
}

func (s *stubHandler) GetModel() types.ModelSelection { return types.ModelSelection{} }
func (s *stubHandler) CreateMessage(context.Context, string, []types.Message, *types.MessageMetadata) (stream.Stream, error) {
	return nil, nil
}
func (s *stubHandler) CompletePrompt(context.Context, string) (string, error) { return "", nil }
func (s *stubHandler) Name() string                                           { return s.name }
func (s *stubHandler) Close() error                                           { return nil }

func TestRegisterAndGet(t *testing.T) {
	Clear()
	defer Clear()

	h := &stubHandler{name: "anthropic"}
	Register("anthropic", h, "claude")

	got, err := Get("anthropic")
	require.NoError(t, err)
	assert.Same(t, h, got)

	got, err = Get("claude")
	require.NoError(t, err)
	assert.Same(t, h, got, "alias resolves to the same handler")
}

func TestGetUnknown(t *testing.T) {
	Clear()
	defer Clear()

	_, err := Get("nope")
	assert.Error(t, err)
}

func TestAliasHelpers(t *testing.T) {
	Clear()
	defer Clear()

	Register("openai-compatible", &stubHandler{name: "oc"}, "openrouter", "groq")

	assert.True(t, IsAlias("openrouter"))
	assert.False(t, IsAlias("openai-compatible"))
	assert.Equal(t, "openai-compatible", ResolveAlias("groq"))
	assert.Equal(t, "unknown", ResolveAlias("unknown"))
	assert.ElementsMatch(t, []string{"openrouter", "groq"}, GetAliases("openai-compatible"))
}

func TestListAndListAll(t *testing.T) {
	Clear()
	defer Clear()

	Register("a", &stubHandler{name: "a"}, "a1")
	Register("b", &stubHandler{name: "b"})

	assert.ElementsMatch(t, []string{"a", "b"}, List())
	assert.ElementsMatch(t, []string{"a", "b", "a1"}, ListAll())
}

func TestUnregisterRemovesAliases(t *testing.T) {
	Clear()
	defer Clear()

	Register("a", &stubHandler{name: "a"}, "a1", "a2")
	Unregister("a")

	_, err := Get("a")
	assert.Error(t, err)
	assert.False(t, IsAlias("a1"))
	assert.False(t, IsAlias("a2"))
}

func TestUnregisterAlias(t *testing.T) {
	Clear()
	defer Clear()

	Register("a", &stubHandler{name: "a"}, "a1")
	UnregisterAlias("a1")

	assert.False(t, IsAlias("a1"))
	_, err := Get("a")
	assert.NoError(t, err, "handler itself survives alias removal")
}
