package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/c360studio/semgov/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "empty uses default", baseURL: "", want: "https://api.anthropic.com/v1/messages"},
		{name: "custom base URL", baseURL: "https://custom.api.com", want: "https://custom.api.com/v1/messages"},
		{name: "trailing slash handled", baseURL: "https://custom.api.com/", want: "https://custom.api.com/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProvider_SetHeaders(t *testing.T) {
	p := &AnthropicProvider{}

	req, _ := http.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	p.SetHeaders(req, "sk-test")
	assert.Equal(t, "sk-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))

	req, _ = http.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	p.SetHeaders(req, "")
	assert.Empty(t, req.Header.Get("x-api-key"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You compile governance rules."},
		{Role: "user", Content: "Principle: no PII in logs"},
	}

	body, err := p.BuildRequestBody("claude-3-opus", messages, llm.Parameters{MaxTokens: 512})
	require.NoError(t, err)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))

	assert.Equal(t, "claude-3-opus", req.Model)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Equal(t, "You compile governance rules.", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Nil(t, req.Temperature)
}

func TestAnthropicProvider_BuildRequestBody_Defaults(t *testing.T) {
	p := &AnthropicProvider{}

	temp := 0.0
	body, err := p.BuildRequestBody("claude-3-opus", []llm.Message{{Role: "user", Content: "hi"}},
		llm.Parameters{Temperature: &temp, JSONMode: true})
	require.NoError(t, err)

	assert.Contains(t, string(body), `"max_tokens":2048`)
	// Temperature should be present even when 0 (deterministic)
	assert.Contains(t, string(body), `"temperature":0`)
	// JSON mode primes the assistant turn
	assert.Contains(t, string(body), `{"role":"assistant","content":"{"}`)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	responseBody := []byte(`{
		"id": "msg_123",
		"type": "message",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "First part. "},
			{"type": "tool_use", "text": "ignored"},
			{"type": "text", "text": "Second part."}
		],
		"model": "claude-3-opus-20240229",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 15, "output_tokens": 8}
	}`)

	resp, err := p.ParseResponse(responseBody, "claude-3-opus")
	require.NoError(t, err)

	assert.Equal(t, "First part. Second part.", resp.Content)
	assert.Equal(t, "claude-3-opus-20240229", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, 23, resp.Usage.TotalTokens)
}

func TestAnthropicProvider_ParseResponse_PrimedBrace(t *testing.T) {
	p := &AnthropicProvider{}

	resp, err := p.ParseResponse([]byte(`{"content":[{"type":"text","text":"\"rule_text\": \"deny\"}"}]}`), "m")
	require.NoError(t, err)
	assert.Equal(t, `{"rule_text": "deny"}`, resp.Content)
}

func TestAnthropicProvider_ParseResponse_Invalid(t *testing.T) {
	p := &AnthropicProvider{}

	_, err := p.ParseResponse([]byte("not json"), "m")
	assert.Error(t, err)
}
