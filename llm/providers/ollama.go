package providers

import (
	"net/http"
	"os"

	"github.com/weftworks/weft/llm"
)

// Ollama returns the provider for Ollama's OpenAI-compatible API. The same
// adapter serves vLLM and other compatible servers via a custom base URL;
// OPENAI_API_KEY supplies a bearer token for servers that require one.
func Ollama() llm.Provider {
	return &chatProvider{
		name:        "ollama",
		defaultBase: "http://localhost:11434/v1",
		auth: func(req *http.Request) {
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				req.Header.Set("Authorization", "Bearer "+key)
			}
		},
	}
}
