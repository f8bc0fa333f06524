package llm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/zeebo/blake3"
)

// BucketLLMCache is the KV bucket holding cached completions.
const BucketLLMCache = "WEFT_LLM_CACHE"

// DefaultCacheTTL applies when a call does not specify its own TTL.
const DefaultCacheTTL = 5 * time.Minute

// Fingerprint derives the cache key for a call: a hash over provider, model,
// canonicalized messages, sampling parameters, and the JSON schema. Two calls
// with the same fingerprint are interchangeable.
func Fingerprint(req Request, jsonSchema []byte) string {
	h := blake3.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0}) // field separator, keeps "ab"+"c" != "a"+"bc"
		}
	}
	write(req.Provider, req.Model)
	for _, msg := range req.Messages {
		write(msg.Role, msg.Content)
	}
	if req.Temperature != nil {
		write(strconv.FormatFloat(*req.Temperature, 'g', -1, 64))
	} else {
		write("")
	}
	write(strconv.Itoa(req.MaxTokens))
	h.Write(jsonSchema)
	return hex.EncodeToString(h.Sum(nil))
}

// CachedResponse is a completion stored under its fingerprint.
type CachedResponse struct {
	Content      string     `json:"content"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	FallbackFrom string     `json:"fallbackFrom,omitempty"`
	Usage        TokenUsage `json:"usage"`
	CostUSD      float64    `json:"costUSD"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

// ResponseCache stores completions keyed by fingerprint. Implementations
// must treat expired entries as absent.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error
}

// MemoryCache is an in-process ResponseCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*CachedResponse),
		now:     time.Now,
	}
}

var _ ResponseCache = (*MemoryCache)(nil)

// Get returns a non-expired entry. Expired entries are evicted on read.
func (c *MemoryCache) Get(_ context.Context, key string) (*CachedResponse, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	clone := *entry
	return &clone, true, nil
}

// Set stores the entry with the given TTL.
func (c *MemoryCache) Set(_ context.Context, key string, resp *CachedResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	clone := *resp
	clone.ExpiresAt = c.now().Add(ttl)
	c.mu.Lock()
	c.entries[key] = &clone
	c.mu.Unlock()
	return nil
}

// NATSCache is a ResponseCache over a JetStream KV bucket, shared across
// processes. The bucket TTL garbage-collects entries; per-call TTLs shorter
// than the bucket TTL are enforced via the stored expiry.
type NATSCache struct {
	kv jetstream.KeyValue
}

// NewNATSCache creates the cache bucket if needed. maxTTL bounds how long
// any entry can live regardless of its per-call TTL.
func NewNATSCache(ctx context.Context, js jetstream.JetStream, maxTTL time.Duration) (*NATSCache, error) {
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketLLMCache,
		Description: "Fingerprint-keyed LLM completion cache",
		TTL:         maxTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", BucketLLMCache, err)
	}
	return &NATSCache{kv: kv}, nil
}

var _ ResponseCache = (*NATSCache)(nil)

// Get returns a non-expired entry.
func (c *NATSCache) Get(ctx context.Context, key string) (*CachedResponse, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(entry.Value(), &resp); err != nil {
		return nil, false, fmt.Errorf("cache unmarshal %s: %w", key, err)
	}
	if time.Now().After(resp.ExpiresAt) {
		return nil, false, nil
	}
	return &resp, true, nil
}

// Set stores the entry with the given TTL.
func (c *NATSCache) Set(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	clone := *resp
	clone.ExpiresAt = time.Now().Add(ttl)
	data, err := json.Marshal(&clone)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if _, err := c.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}
