package llm

import "net/http"

// Provider adapts the client's neutral request and response types to one
// upstream API family. Implementations are stateless; construct the set
// once and hand it to NewClient. There is no process-global registry: the
// wiring point decides which providers exist.
type Provider interface {
	// Name is the identifier endpoints reference ("anthropic", "openai",
	// "ollama").
	Name() string

	// URL resolves the completions endpoint for an endpoint's base URL.
	// An empty baseURL uses the provider default.
	URL(baseURL string) string

	// Authenticate adds the provider's auth headers to an outgoing request.
	Authenticate(req *http.Request)

	// Encode builds the provider wire request for the given model.
	Encode(model string, req Request) ([]byte, error)

	// Decode parses the provider wire response.
	Decode(body []byte) (*Response, error)
}
