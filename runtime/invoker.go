package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/weftworks/weft/retry"
	"github.com/weftworks/weft/workflow"
)

// InvokeContext carries execution identity into a connector call. The
// correlation id is propagated to outbound HTTP as a header.
type InvokeContext struct {
	CorrelationID string
	ExecutionID   string
	NodeID        string
	UserID        string
}

// InvokeResult is the outcome of one connector operation.
type InvokeResult struct {
	Output         any               `json:"output"`
	CostUSD        float64           `json:"costUSD,omitempty"`
	TokensUsed     int               `json:"tokensUsed,omitempty"`
	HTTPStatusCode int               `json:"httpStatusCode,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Credentials is the opaque bag a credential service decrypts for a
// connector call.
type Credentials map[string]string

// CredentialSource resolves credentials for a workflow's connector.
type CredentialSource interface {
	Credentials(ctx context.Context, workflowID, appID string) (Credentials, error)
}

// StaticCredentials is a CredentialSource backed by a fixed map keyed by
// appID. Tests and single-tenant deployments use it.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Credentials(_ context.Context, _ string, appID string) (Credentials, error) {
	return s[appID], nil
}

// ConnectorInvoker is the single boundary through which the runtime calls
// connector operations.
type ConnectorInvoker interface {
	Invoke(ctx context.Context, appID, operationID string, params map[string]any, credentials Credentials, meta InvokeContext) (*InvokeResult, error)
}

// InvokerFunc adapts a function to ConnectorInvoker.
type InvokerFunc func(ctx context.Context, appID, operationID string, params map[string]any, credentials Credentials, meta InvokeContext) (*InvokeResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, appID, operationID string, params map[string]any, credentials Credentials, meta InvokeContext) (*InvokeResult, error) {
	return f(ctx, appID, operationID, params, credentials, meta)
}

// HTTPInvoker executes connector operations against per-app HTTP gateways.
// Every app gets its own circuit breaker; a flapping upstream trips its
// breaker without affecting other connectors. Per-user token buckets smooth
// bursts before they reach the upstream.
type HTTPInvoker struct {
	client   *http.Client
	baseURLs map[string]string
	logger   *slog.Logger

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	limiterMu    sync.Mutex
	limiters     map[string]*rate.Limiter
	limiterRate  rate.Limit
	limiterBurst int
}

// HTTPInvokerOption configures an HTTPInvoker.
type HTTPInvokerOption func(*HTTPInvoker)

// WithInvokerHTTPClient sets the HTTP client.
func WithInvokerHTTPClient(c *http.Client) HTTPInvokerOption {
	return func(i *HTTPInvoker) {
		i.client = c
	}
}

// WithInvokerLogger sets the logger.
func WithInvokerLogger(logger *slog.Logger) HTTPInvokerOption {
	return func(i *HTTPInvoker) {
		i.logger = logger
	}
}

// WithRateLimit sets the per-user request rate and burst toward connector
// gateways.
func WithRateLimit(perSecond float64, burst int) HTTPInvokerOption {
	return func(i *HTTPInvoker) {
		i.limiterRate = rate.Limit(perSecond)
		i.limiterBurst = burst
	}
}

// NewHTTPInvoker creates an invoker. baseURLs maps appID to that connector
// gateway's base URL.
func NewHTTPInvoker(baseURLs map[string]string, opts ...HTTPInvokerOption) *HTTPInvoker {
	i := &HTTPInvoker{
		client:       &http.Client{Timeout: 60 * time.Second},
		baseURLs:     baseURLs,
		logger:       slog.Default(),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		limiters:     make(map[string]*rate.Limiter),
		limiterRate:  rate.Limit(10),
		limiterBurst: 20,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

var _ ConnectorInvoker = (*HTTPInvoker)(nil)

func (i *HTTPInvoker) breaker(appID string) *gobreaker.CircuitBreaker {
	i.breakerMu.Lock()
	defer i.breakerMu.Unlock()
	if cb, ok := i.breakers[appID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connector:" + appID,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			i.logger.Warn("connector circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	i.breakers[appID] = cb
	return cb
}

func (i *HTTPInvoker) limiter(userID string) *rate.Limiter {
	i.limiterMu.Lock()
	defer i.limiterMu.Unlock()
	if l, ok := i.limiters[userID]; ok {
		return l
	}
	l := rate.NewLimiter(i.limiterRate, i.limiterBurst)
	i.limiters[userID] = l
	return l
}

// Invoke calls {baseURL}/{operationID} with a JSON body carrying params and
// credentials. Failures are classified into the retry taxonomy; an open
// circuit reports as transient so the policy backs off instead of hammering.
func (i *HTTPInvoker) Invoke(ctx context.Context, appID, operationID string, params map[string]any, credentials Credentials, meta InvokeContext) (*InvokeResult, error) {
	baseURL, ok := i.baseURLs[appID]
	if !ok {
		return nil, workflow.Errorf(workflow.KindValidation, "no gateway configured for app %q", appID)
	}

	if err := i.limiter(meta.UserID).Wait(ctx); err != nil {
		return nil, workflow.NewKindedError(retry.Classify(err).Kind, err)
	}

	out, err := i.breaker(appID).Execute(func() (any, error) {
		return i.do(ctx, baseURL, appID, operationID, params, credentials, meta)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, workflow.NewKindedError(workflow.KindTransient, err)
		}
		return nil, err
	}
	return out.(*InvokeResult), nil
}

func (i *HTTPInvoker) do(ctx context.Context, baseURL, appID, operationID string, params map[string]any, credentials Credentials, meta InvokeContext) (*InvokeResult, error) {
	payload := map[string]any{
		"params":      params,
		"credentials": credentials,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, workflow.NewKindedError(workflow.KindInternal, fmt.Errorf("marshal invoke payload: %w", err))
	}

	url := fmt.Sprintf("%s/%s", baseURL, operationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, workflow.NewKindedError(workflow.KindInternal, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", meta.CorrelationID)
	req.Header.Set("X-Execution-ID", meta.ExecutionID)
	req.Header.Set("X-Node-ID", meta.NodeID)

	resp, err := i.client.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("invoke %s:%s: %w", appID, operationID, err)
		return nil, workflow.NewKindedError(retry.Classify(err).Kind, wrapped)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, workflow.NewKindedError(workflow.KindTransient, fmt.Errorf("read response: %w", err))
	}

	headers := make(map[string]string)
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	if resp.StatusCode >= 400 {
		httpErr := retry.NewHTTPError(resp.StatusCode, resp.Status, resp.Header, string(respBody))
		return nil, retry.WrapHTTP(httpErr)
	}

	var output any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			// Non-JSON gateways return plain text.
			output = string(respBody)
		}
	}

	return &InvokeResult{
		Output:         output,
		HTTPStatusCode: resp.StatusCode,
		Headers:        headers,
	}, nil
}
