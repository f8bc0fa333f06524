// Package llm provides a provider-agnostic LLM client with retry, fallback,
// response caching, and budget enforcement. Providers speak plain HTTP; no
// vendor SDKs.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/weftworks/weft/retry"
	"github.com/weftworks/weft/workflow"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// maxErrorBody is how much of an upstream error body is kept for diagnostics.
const maxErrorBody = 200

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	endpoints  *EndpointRegistry
	providers  map[string]Provider
	httpClient *http.Client
	retry      retry.Policy
	logger     *slog.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request against an explicit
// provider/model pair.
type Request struct {
	// Provider names the upstream API family ("anthropic", "openai", "ollama").
	Provider string

	// Model is the provider-side model identifier.
	Model string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Provider is the provider that actually served the call.
	Provider string

	// Model is the actual model that was used.
	Model string

	// FallbackFrom names the originally requested provider/model when a
	// fallback endpoint served the call. Empty when the primary served it.
	FallbackFrom string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithProviders registers the providers the client may call. Later
// registrations with the same name win.
func WithProviders(ps ...Provider) ClientOption {
	return func(client *Client) {
		for _, p := range ps {
			client.providers[p.Name()] = p
		}
	}
}

// WithRetryPolicy sets the per-endpoint retry policy.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(client *Client) {
		client.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// defaultRetryPolicy suits LLM endpoints: completions are slow and rate
// limits common, so backoff starts high.
func defaultRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            retry.JitterEqual,
		RetryOn: workflow.RetryOn{
			Transient:    true,
			RateLimited:  true,
			NetworkError: true,
		},
	}
}

// NewClient creates a new LLM client over the given endpoint registry.
// Register providers with WithProviders; a request naming an unregistered
// provider fails as a validation error.
func NewClient(endpoints *EndpointRegistry, opts ...ClientOption) *Client {
	c := &Client{
		endpoints: endpoints,
		providers: make(map[string]Provider),
		retry:     defaultRetryPolicy(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
// The requested endpoint is tried first; on retryable failure its configured
// fallbacks are consulted in order. Terminal errors (bad request, bad
// credentials) stop the chain immediately.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Provider == "" || req.Model == "" {
		return nil, workflow.Errorf(workflow.KindValidation, "provider and model are required")
	}
	if len(req.Messages) == 0 {
		return nil, workflow.Errorf(workflow.KindValidation, "at least one message is required")
	}

	chain := c.endpoints.Chain(req.Provider, req.Model)
	primaryKey := chain[0].Key()

	var lastErr error
	for _, ep := range chain {
		resp, err := c.tryEndpointWithRetry(ctx, ep, req)
		if err == nil {
			c.endpoints.MarkSuccess(ep)
			resp.Provider = ep.Provider
			if ep.Key() != primaryKey {
				resp.FallbackFrom = primaryKey
			}
			return resp, nil
		}

		lastErr = err

		// Terminal errors indicate a bad request or bad credentials, not
		// endpoint health; a fallback would fail the same way.
		if !retry.Classify(err).Retryable {
			return nil, err
		}

		c.endpoints.MarkFailure(ep)
		c.logger.Warn("endpoint failed, trying fallback",
			"provider", ep.Provider,
			"model", ep.Model,
			"error", err)
	}

	// Wrapping with %w keeps the last error's kind (and Retry-After) visible
	// to the runtime's classifier.
	return nil, fmt.Errorf("all endpoints failed for %s: %w", primaryKey, lastErr)
}

// tryEndpointWithRetry attempts a request against one endpoint, consulting
// the retry policy between attempts. A 429 carrying Retry-After waits the
// header's delay instead of the computed backoff.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			return resp, nil
		}

		decision := c.retry.Decide(attempt, err)
		if !decision.Retry {
			return nil, err
		}

		c.logger.Debug("request failed, retrying",
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"delay", decision.Delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(decision.Delay):
		}
	}
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	provider, ok := c.providers[ep.Provider]
	if !ok {
		return nil, workflow.Errorf(workflow.KindValidation, "unknown provider: %s", ep.Provider)
	}

	url := provider.URL(ep.BaseURL)

	if req.MaxTokens <= 0 {
		req.MaxTokens = ep.MaxTokens
	}
	body, err := provider.Encode(ep.Model, req)
	if err != nil {
		return nil, workflow.Errorf(workflow.KindValidation, "encode request: %v", err)
	}

	c.logger.Debug("sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, workflow.NewKindedError(workflow.KindInternal, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.Authenticate(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Transport errors keep their native type; Classify recognizes
		// net.Error, DNS failures, and context expiry directly.
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, workflow.NewKindedError(workflow.KindTransient, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		snippet := string(respBody)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody] + "..."
		}
		return nil, retry.WrapHTTP(retry.NewHTTPError(httpResp.StatusCode, httpResp.Status, httpResp.Header, snippet))
	}

	resp, err := provider.Decode(respBody)
	if err != nil {
		return nil, workflow.NewKindedError(workflow.KindInternal, err)
	}
	if resp.Model == "" {
		resp.Model = ep.Model
	}
	return resp, nil
}
