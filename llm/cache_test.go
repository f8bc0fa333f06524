package llm

import (
	"context"
	"testing"
	"time"
)

func TestFingerprintStability(t *testing.T) {
	temp := 0.7
	req := Request{
		Provider: "anthropic",
		Model:    "claude-haiku-3-5",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
		Temperature: &temp,
		MaxTokens:   256,
	}

	a := Fingerprint(req, nil)
	b := Fingerprint(req, nil)
	if a != b {
		t.Errorf("identical requests hash differently: %s vs %s", a, b)
	}

	tests := []struct {
		name   string
		mutate func(Request) Request
	}{
		{"different model", func(r Request) Request { r.Model = "other"; return r }},
		{"different provider", func(r Request) Request { r.Provider = "ollama"; return r }},
		{"different content", func(r Request) Request {
			r.Messages = []Message{{Role: "user", Content: "hi"}}
			return r
		}},
		{"different temperature", func(r Request) Request {
			temp := 0.2
			r.Temperature = &temp
			return r
		}},
		{"nil temperature", func(r Request) Request { r.Temperature = nil; return r }},
		{"different max tokens", func(r Request) Request { r.MaxTokens = 512; return r }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.mutate(req), nil); got == a {
				t.Errorf("mutation did not change fingerprint")
			}
		})
	}

	// Schema participates in the key.
	if got := Fingerprint(req, []byte(`{"type":"object"}`)); got == a {
		t.Errorf("schema did not change fingerprint")
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc" across message boundaries.
	a := Fingerprint(Request{Provider: "p", Model: "m", Messages: []Message{
		{Role: "user", Content: "ab"}, {Role: "user", Content: "c"},
	}}, nil)
	b := Fingerprint(Request{Provider: "p", Model: "m", Messages: []Message{
		{Role: "user", Content: "a"}, {Role: "user", Content: "bc"},
	}}, nil)
	if a == b {
		t.Errorf("field boundary collision")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	resp := &CachedResponse{Content: "hello", Model: "m"}
	if err := cache.Set(ctx, "k", resp, 10*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := cache.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Content != "hello" {
		t.Errorf("content = %q", got.Content)
	}

	// Mutating the returned entry must not affect the cache.
	got.Content = "mutated"
	again, ok, _ := cache.Get(ctx, "k")
	if !ok || again.Content != "hello" {
		t.Errorf("cache leaked mutation")
	}

	now = now.Add(11 * time.Second)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Errorf("expired entry still served")
	}
}

func TestMemoryCacheMiss(t *testing.T) {
	cache := NewMemoryCache()
	if _, ok, err := cache.Get(context.Background(), "absent"); ok || err != nil {
		t.Errorf("miss: ok=%v err=%v", ok, err)
	}
}
