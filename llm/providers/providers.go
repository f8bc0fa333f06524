// Package providers implements the LLM provider adapters. Providers are
// plain values constructed at the wiring point and handed to the client;
// nothing registers itself globally.
package providers

import "github.com/weftworks/weft/llm"

// All returns every built-in provider, ready to pass to llm.WithProviders.
func All() []llm.Provider {
	return []llm.Provider{Anthropic(), OpenAI(), Ollama()}
}
