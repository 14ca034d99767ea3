package types

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPErrorStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{400, ErrorTypeInvalidRequest, false},
		{401, ErrorTypeAuthentication, false},
		{403, ErrorTypePermission, false},
		{404, ErrorTypeNotFound, false},
		{413, ErrorTypeRequestTooLarge, false},
		{429, ErrorTypeRateLimit, true},
		{500, ErrorTypeAPI, true},
		{529, ErrorTypeOverloaded, true},
		{502, ErrorTypeAPI, true},
	}

	for _, tt := range tests {
		err := NewHTTPError("Test", tt.status, nil, nil)
		assert.Equal(t, tt.wantType, err.Type, "status %d", tt.status)
		assert.Equal(t, tt.retryable, err.IsRetryable(), "status %d", tt.status)
	}
}

func TestNewHTTPErrorExtractsMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"anthropic style", `{"error":{"message":"invalid x-api-key"}}`, "invalid x-api-key"},
		{"flat error", `{"error":"quota exceeded"}`, "quota exceeded"},
		{"message field", `{"message":"not found"}`, "not found"},
		{"detail field", `{"detail":"bad request"}`, "bad request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewHTTPError("Test", 400, []byte(tt.body), nil)
			assert.Equal(t, tt.want, err.Message)
		})
	}
}

func TestNewHTTPErrorNonJSONBody(t *testing.T) {
	err := NewHTTPError("Test", 500, []byte("upstream timeout"), nil)
	assert.Contains(t, err.Message, "upstream timeout")
}

func TestNewHTTPErrorRateLimitHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("retry-after", "30")
	header.Set("anthropic-ratelimit-requests-limit", "1000")
	header.Set("anthropic-ratelimit-requests-remaining", "0")
	header.Set("anthropic-ratelimit-requests-reset", "2026-01-01T00:00:00Z")
	header.Set("request-id", "req_123")

	err := NewHTTPError("Anthropic", 429, nil, header)

	assert.True(t, err.IsRateLimitError())
	assert.Equal(t, "req_123", err.RequestID)
	require.NotNil(t, err.RateLimitInfo)
	assert.Equal(t, 30, err.RateLimitInfo.RetryAfter)
	assert.Equal(t, 1000, err.RateLimitInfo.RequestsLimit)
	assert.Equal(t, 0, err.RateLimitInfo.RequestsRemaining)
	assert.Equal(t, "2026-01-01T00:00:00Z", err.RateLimitInfo.RequestsReset)
}

func TestNewHTTPErrorOpenAIRateLimitHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("x-ratelimit-limit-requests", "60")
	header.Set("x-ratelimit-remaining-requests", "5")
	header.Set("x-request-id", "req_abc")

	err := NewHTTPError("OpenAI", 429, nil, header)

	require.NotNil(t, err.RateLimitInfo)
	assert.Equal(t, 60, err.RateLimitInfo.RequestsLimit)
	assert.Equal(t, 5, err.RateLimitInfo.RequestsRemaining)
	assert.Equal(t, "req_abc", err.RequestID)
}

func TestProviderErrorMessageFormat(t *testing.T) {
	err := NewHTTPError("Acme", 401, []byte(`{"error":{"message":"bad key"}}`), nil)
	msg := err.Error()
	assert.Contains(t, msg, "Acme")
	assert.Contains(t, msg, "authentication_error")
	assert.Contains(t, msg, "bad key")
}
