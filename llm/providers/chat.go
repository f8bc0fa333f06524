package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/weftworks/weft/llm"
)

// chatProvider speaks the OpenAI chat-completions wire format. OpenAI,
// OpenRouter, vLLM, and Ollama all accept it; only the default URL and the
// auth headers differ per service.
type chatProvider struct {
	name        string
	defaultBase string
	auth        func(*http.Request)
}

func (p *chatProvider) Name() string { return p.name }

// URL resolves the chat completions endpoint. A base URL that already names
// the endpoint is used as-is so operators can point at exotic proxies.
func (p *chatProvider) URL(baseURL string) string {
	if baseURL == "" {
		baseURL = p.defaultBase
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

func (p *chatProvider) Authenticate(req *http.Request) {
	if p.auth != nil {
		p.auth(req)
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Encode builds the chat-completions request body. The system prompt stays
// in the message list; this wire format keeps it there.
func (p *chatProvider) Encode(model string, req llm.Request) ([]byte, error) {
	messages := make([]chatMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = chatMessage{Role: msg.Role, Content: msg.Content}
	}

	wire := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature, // nil = provider default, 0 = deterministic
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = &req.MaxTokens
	}
	return json.Marshal(wire)
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Decode parses a chat-completions response.
func (p *chatProvider) Decode(body []byte) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in %s response", p.name)
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
