package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weftworks/weft/workflow"
)

// CallSpec is one LLM call as a workflow node or parameter describes it.
type CallSpec struct {
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"maxTokens,omitempty"`
	JSONSchema  json.RawMessage `json:"jsonSchema,omitempty"`
	CacheTTLSec int             `json:"cacheTtlSec,omitempty"`

	// UserID and WorkflowID scope the budget check.
	UserID     string `json:"userId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// CallResult is the shell's output.
type CallResult struct {
	Text       string     `json:"text"`
	ParsedJSON any        `json:"parsedJson,omitempty"`
	Usage      TokenUsage `json:"usage"`
	CostUSD    float64    `json:"costUSD"`
	CacheHit   bool       `json:"cacheHit"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`

	// FallbackFrom names the originally requested endpoint when a fallback
	// served the call.
	FallbackFrom string `json:"fallbackFrom,omitempty"`
}

// Value returns what a parameter resolution should see: parsed JSON when a
// schema was in play, raw text otherwise.
func (r *CallResult) Value() any {
	if r.ParsedJSON != nil {
		return r.ParsedJSON
	}
	return r.Text
}

// Shell wraps the LLM client with a fingerprint cache, a budget gate, and
// schema validate-and-repair. Every llm node and llm parameter goes through
// it; nothing else in the system calls the client directly.
type Shell struct {
	client *Client
	cache  ResponseCache
	budget Budget
	group  singleflight.Group
	logger *slog.Logger
}

// ShellOption configures a Shell.
type ShellOption func(*Shell)

// WithCache sets the response cache. Defaults to an in-process cache.
func WithCache(cache ResponseCache) ShellOption {
	return func(s *Shell) {
		s.cache = cache
	}
}

// WithBudget sets the budget gate. Defaults to unlimited.
func WithBudget(budget Budget) ShellOption {
	return func(s *Shell) {
		s.budget = budget
	}
}

// WithShellLogger sets the logger.
func WithShellLogger(logger *slog.Logger) ShellOption {
	return func(s *Shell) {
		s.logger = logger
	}
}

// NewShell creates a call shell over the client.
func NewShell(client *Client, opts ...ShellOption) *Shell {
	s := &Shell{
		client: client,
		cache:  NewMemoryCache(),
		budget: UnlimitedBudget{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// flight is what one singleflight round yields: the response plus a
// one-shot claim on "this flight went upstream". Exactly one caller wins
// the claim and reports the miss with the real cost and token usage;
// everyone else sees a cache hit.
type flight struct {
	cached   *CachedResponse
	upstream *atomic.Bool
}

// Call runs one LLM call through the cache, the budget gate, and, when a
// schema is set, validate-and-repair. Concurrent identical calls share one
// upstream request.
func (s *Shell) Call(ctx context.Context, spec CallSpec) (*CallResult, error) {
	req := Request{
		Provider:    spec.Provider,
		Model:       spec.Model,
		Messages:    spec.Messages,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	}
	key := Fingerprint(req, spec.JSONSchema)

	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return s.resultFromCache(cached, spec)
	} else if err != nil {
		s.logger.Warn("cache read failed", "error", err)
	}

	out, err, _ := s.group.Do(key, func() (any, error) {
		// A concurrent caller may have populated the cache while this
		// request waited its turn.
		if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			return &flight{cached: cached}, nil
		}
		cached, err := s.callUpstream(ctx, key, spec, req)
		if err != nil {
			return nil, err
		}
		fl := &flight{cached: cached, upstream: new(atomic.Bool)}
		fl.upstream.Store(true)
		return fl, nil
	})
	if err != nil {
		return nil, err
	}

	fl := out.(*flight)
	result, rerr := s.resultFromCache(fl.cached, spec)
	if rerr != nil {
		return nil, rerr
	}
	if fl.upstream != nil && fl.upstream.CompareAndSwap(true, false) {
		// This caller's flight paid for the upstream call; it alone bills
		// the cost so the execution totals sum to what was actually spent.
		result.CacheHit = false
		result.CostUSD = fl.cached.CostUSD
		result.Usage = fl.cached.Usage
	}
	return result, nil
}

// callUpstream performs the budget-gated upstream call, including the repair
// round, and populates the cache on success.
func (s *Shell) callUpstream(ctx context.Context, key string, spec CallSpec, req Request) (*CachedResponse, error) {
	estimated := EstimateCost(spec.Model, spec.Messages, spec.MaxTokens)
	if decision := s.budget.Check(estimated, spec.UserID, spec.WorkflowID); !decision.Allowed {
		return nil, workflow.Errorf(workflow.KindBudgetExceeded,
			"daily LLM budget exceeded: spent %.4f of %.4f USD", decision.SpentUSD, decision.LimitUSD)
	}

	start := time.Now()
	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	cost := Cost(resp.Model, resp.Usage)
	s.budget.Record(cost, spec.UserID, spec.WorkflowID)
	usage := resp.Usage
	text := resp.Content

	if len(spec.JSONSchema) > 0 {
		schema, err := CompileSchema(spec.JSONSchema)
		if err != nil {
			return nil, workflow.NewKindedError(workflow.KindValidation, err)
		}
		if _, verr := ParseAndValidate(text, schema); verr != nil {
			repaired, rresp, rerr := s.repair(ctx, spec, req, text, verr)
			if rerr != nil {
				return nil, rerr
			}
			text = repaired
			usage.PromptTokens += rresp.Usage.PromptTokens
			usage.CompletionTokens += rresp.Usage.CompletionTokens
			usage.TotalTokens += rresp.Usage.TotalTokens
			repairCost := Cost(rresp.Model, rresp.Usage)
			s.budget.Record(repairCost, spec.UserID, spec.WorkflowID)
			cost += repairCost
		}
	}

	cached := &CachedResponse{
		Content:      text,
		Provider:     resp.Provider,
		Model:        resp.Model,
		FallbackFrom: resp.FallbackFrom,
		Usage:        usage,
		CostUSD:      cost,
	}
	ttl := time.Duration(spec.CacheTTLSec) * time.Second
	if err := s.cache.Set(ctx, key, cached, ttl); err != nil {
		s.logger.Warn("cache write failed", "error", err)
	}

	s.logger.Debug("llm call completed",
		"provider", resp.Provider,
		"model", resp.Model,
		"tokens", usage.TotalTokens,
		"cost_usd", cost,
		"duration_ms", time.Since(start).Milliseconds(),
		"fallback_from", resp.FallbackFrom)

	return cached, nil
}

// repair runs the single schema-repair round-trip.
func (s *Shell) repair(ctx context.Context, spec CallSpec, req Request, badOutput string, verr error) (string, *Response, error) {
	s.logger.Debug("schema validation failed, attempting repair", "error", verr)

	repairReq := req
	repairReq.Messages = append(append([]Message(nil), req.Messages...),
		Message{Role: "assistant", Content: badOutput},
		Message{Role: "user", Content: repairPrompt(spec.JSONSchema, verr)},
	)

	estimated := EstimateCost(spec.Model, repairReq.Messages, spec.MaxTokens)
	if decision := s.budget.Check(estimated, spec.UserID, spec.WorkflowID); !decision.Allowed {
		return "", nil, workflow.Errorf(workflow.KindBudgetExceeded,
			"daily LLM budget exceeded during repair: spent %.4f of %.4f USD", decision.SpentUSD, decision.LimitUSD)
	}

	resp, err := s.client.Complete(ctx, repairReq)
	if err != nil {
		return "", nil, err
	}

	schema, err := CompileSchema(spec.JSONSchema)
	if err != nil {
		return "", nil, workflow.NewKindedError(workflow.KindValidation, err)
	}
	if _, verr2 := ParseAndValidate(resp.Content, schema); verr2 != nil {
		return "", nil, workflow.Errorf(workflow.KindSchemaValidation,
			"output failed schema validation after repair: %v", verr2)
	}
	return resp.Content, resp, nil
}

// resultFromCache builds the cache-hit view of a stored response: the
// payload is byte-identical to the original, but cost and token usage are
// zero because no upstream call happened on this path. The cache entry
// keeps the original cost for diagnostics.
func (s *Shell) resultFromCache(cached *CachedResponse, spec CallSpec) (*CallResult, error) {
	result := &CallResult{
		Text:         cached.Content,
		CacheHit:     true,
		Provider:     cached.Provider,
		Model:        cached.Model,
		FallbackFrom: cached.FallbackFrom,
	}
	if len(spec.JSONSchema) > 0 {
		parsed, err := ParseAndValidate(cached.Content, nil)
		if err != nil {
			return nil, workflow.NewKindedError(workflow.KindInternal, err)
		}
		result.ParsedJSON = parsed
	}
	return result, nil
}
