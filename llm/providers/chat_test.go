package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/llm"
)

func TestChatEncode(t *testing.T) {
	p := Ollama()

	temp := 0.7
	body, err := p.Encode("qwen2.5-coder:14b", llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
		},
		Temperature: &temp,
		MaxTokens:   2048,
	})
	require.NoError(t, err)

	assert.Contains(t, string(body), `"model":"qwen2.5-coder:14b"`)
	// The chat-completions format keeps system as a message.
	assert.Contains(t, string(body), `"role":"system"`)
	assert.Contains(t, string(body), `"role":"user"`)
	assert.Contains(t, string(body), `"temperature":0.7`)
	assert.Contains(t, string(body), `"max_tokens":2048`)
}

func TestChatEncodeOmitsUnsetOptions(t *testing.T) {
	p := Ollama()

	body, err := p.Encode("test-model", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})
	require.NoError(t, err)

	assert.NotContains(t, string(body), `"temperature"`)
	assert.NotContains(t, string(body), `"max_tokens"`)
}

func TestChatEncodeZeroTemperature(t *testing.T) {
	p := Ollama()

	temp := 0.0
	body, err := p.Encode("test-model", llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: "Hello"}},
		Temperature: &temp,
	})
	require.NoError(t, err)

	// Zero is deterministic sampling, not "unset".
	assert.Contains(t, string(body), `"temperature":0`)
}

func TestChatDecode(t *testing.T) {
	p := Ollama()

	resp, err := p.Decode([]byte(`{
		"id": "chatcmpl-123",
		"object": "chat.completion",
		"created": 1677652288,
		"model": "qwen2.5-coder:14b",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "Hello! How can I help?"},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help?", resp.Content)
	assert.Equal(t, "qwen2.5-coder:14b", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 6, resp.Usage.CompletionTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestChatDecodeNoChoices(t *testing.T) {
	p := Ollama()

	_, err := p.Decode([]byte(`{"id": "chatcmpl-123", "choices": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
