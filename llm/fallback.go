package llm

import (
	"sync"
	"time"
)

// Endpoint describes one reachable provider/model pair.
type Endpoint struct {
	// Provider names a registered Provider implementation.
	Provider string `json:"provider" yaml:"provider"`

	// Model is the provider-side model identifier.
	Model string `json:"model" yaml:"model"`

	// BaseURL overrides the provider's default API URL. Empty uses default.
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// MaxTokens caps the response length for this endpoint. 0 uses the
	// provider default.
	MaxTokens int `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

// Key identifies the endpoint within the registry.
func (e Endpoint) Key() string {
	return e.Provider + "/" + e.Model
}

const (
	// defaultFailureThreshold is how many consecutive failures open the
	// endpoint's health gate.
	defaultFailureThreshold = 3

	// defaultCooldown is how long an unhealthy endpoint is skipped before
	// being probed again.
	defaultCooldown = 30 * time.Second
)

type endpointHealth struct {
	consecutiveFailures int
	openUntil           time.Time
}

// EndpointRegistry tracks configured endpoints, their fallback order, and
// their health. An endpoint that keeps failing is skipped for a cooldown
// period so requests flow to its fallbacks instead.
type EndpointRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	fallbacks map[string][]string
	health    map[string]*endpointHealth

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// EndpointRegistryOption configures an EndpointRegistry.
type EndpointRegistryOption func(*EndpointRegistry)

// WithFailureThreshold sets how many consecutive failures mark an endpoint
// unhealthy.
func WithFailureThreshold(n int) EndpointRegistryOption {
	return func(r *EndpointRegistry) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

// WithCooldown sets how long an unhealthy endpoint is skipped.
func WithCooldown(d time.Duration) EndpointRegistryOption {
	return func(r *EndpointRegistry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithHealthClock overrides the clock, for tests.
func WithHealthClock(now func() time.Time) EndpointRegistryOption {
	return func(r *EndpointRegistry) {
		r.now = now
	}
}

// NewEndpointRegistry creates an empty registry.
func NewEndpointRegistry(opts ...EndpointRegistryOption) *EndpointRegistry {
	r := &EndpointRegistry{
		endpoints:        make(map[string]Endpoint),
		fallbacks:        make(map[string][]string),
		health:           make(map[string]*endpointHealth),
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces an endpoint.
func (r *EndpointRegistry) Register(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.Key()] = ep
}

// SetFallbacks defines the ordered fallback endpoints consulted when the
// primary is unreachable. Fallback endpoints must be registered separately.
func (r *EndpointRegistry) SetFallbacks(primary Endpoint, fallbacks ...Endpoint) {
	keys := make([]string, len(fallbacks))
	for i, ep := range fallbacks {
		keys[i] = ep.Key()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[primary.Key()] = keys
}

// Chain returns the requested endpoint followed by its healthy fallbacks.
// The primary is always included even when unhealthy so a request against a
// fully-open chain still surfaces the primary's error. An unregistered
// provider/model pair yields a synthetic endpoint with provider defaults.
func (r *EndpointRegistry) Chain(provider, model string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := provider + "/" + model
	primary, ok := r.endpoints[key]
	if !ok {
		primary = Endpoint{Provider: provider, Model: model}
	}
	chain := []Endpoint{primary}
	for _, fbKey := range r.fallbacks[key] {
		fb, ok := r.endpoints[fbKey]
		if !ok {
			continue
		}
		if !r.availableLocked(fbKey) {
			continue
		}
		chain = append(chain, fb)
	}
	return chain
}

// IsAvailable reports whether the endpoint's health gate is closed.
func (r *EndpointRegistry) IsAvailable(ep Endpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.availableLocked(ep.Key())
}

func (r *EndpointRegistry) availableLocked(key string) bool {
	h, ok := r.health[key]
	if !ok {
		return true
	}
	if h.consecutiveFailures < r.failureThreshold {
		return true
	}
	return r.now().After(h.openUntil)
}

// MarkSuccess resets the endpoint's failure count.
func (r *EndpointRegistry) MarkSuccess(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, ep.Key())
}

// MarkFailure records a failure; crossing the threshold opens the gate for
// the cooldown period.
func (r *EndpointRegistry) MarkFailure(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ep.Key()
	h, ok := r.health[key]
	if !ok {
		h = &endpointHealth{}
		r.health[key] = h
	}
	h.consecutiveFailures++
	if h.consecutiveFailures >= r.failureThreshold {
		h.openUntil = r.now().Add(r.cooldown)
	}
}
