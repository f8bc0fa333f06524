package llm

import (
	"testing"
	"time"
)

func TestEndpointRegistryChain(t *testing.T) {
	reg := NewEndpointRegistry()
	primary := Endpoint{Provider: "anthropic", Model: "claude-haiku-3-5"}
	fb1 := Endpoint{Provider: "openai", Model: "gpt-4o-mini"}
	fb2 := Endpoint{Provider: "ollama", Model: "qwen2.5"}
	reg.Register(primary)
	reg.Register(fb1)
	reg.Register(fb2)
	reg.SetFallbacks(primary, fb1, fb2)

	chain := reg.Chain("anthropic", "claude-haiku-3-5")
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[0].Key() != "anthropic/claude-haiku-3-5" || chain[1].Key() != "openai/gpt-4o-mini" {
		t.Errorf("chain order = %s,%s", chain[0].Key(), chain[1].Key())
	}

	// Unregistered pairs get a synthetic single-entry chain.
	chain = reg.Chain("ollama", "other-model")
	if len(chain) != 1 || chain[0].Provider != "ollama" {
		t.Errorf("synthetic chain = %+v", chain)
	}
}

func TestEndpointRegistryHealth(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewEndpointRegistry(
		WithFailureThreshold(2),
		WithCooldown(30*time.Second),
		WithHealthClock(func() time.Time { return now }),
	)
	primary := Endpoint{Provider: "anthropic", Model: "m"}
	fb := Endpoint{Provider: "openai", Model: "m"}
	reg.Register(primary)
	reg.Register(fb)
	reg.SetFallbacks(primary, fb)

	if !reg.IsAvailable(fb) {
		t.Fatalf("fresh endpoint unavailable")
	}

	reg.MarkFailure(fb)
	if !reg.IsAvailable(fb) {
		t.Errorf("single failure opened the gate")
	}
	reg.MarkFailure(fb)
	if reg.IsAvailable(fb) {
		t.Errorf("threshold failures did not open the gate")
	}

	// Unhealthy fallbacks drop out of the chain; the primary never does.
	chain := reg.Chain("anthropic", "m")
	if len(chain) != 1 {
		t.Errorf("unhealthy fallback still in chain: %d entries", len(chain))
	}
	reg.MarkFailure(primary)
	reg.MarkFailure(primary)
	chain = reg.Chain("anthropic", "m")
	if len(chain) != 1 || chain[0].Key() != "anthropic/m" {
		t.Errorf("primary dropped from its own chain")
	}

	// Cooldown expiry reopens the endpoint.
	now = now.Add(31 * time.Second)
	if !reg.IsAvailable(fb) {
		t.Errorf("endpoint still gated after cooldown")
	}

	// Success resets the count entirely.
	reg.MarkSuccess(fb)
	reg.MarkFailure(fb)
	if !reg.IsAvailable(fb) {
		t.Errorf("failure count survived a success")
	}
}
