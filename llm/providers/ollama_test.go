package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOllamaURL(t *testing.T) {
	p := Ollama()

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "custom base URL",
			baseURL: "http://myserver:8080/v1",
			want:    "http://myserver:8080/v1/chat/completions",
		},
		{
			name:    "trailing slash handled",
			baseURL: "http://localhost:11434/v1/",
			want:    "http://localhost:11434/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.URL(tt.baseURL))
		})
	}
}

func TestProviderNames(t *testing.T) {
	assert.Equal(t, "ollama", Ollama().Name())
	assert.Equal(t, "openai", OpenAI().Name())
	assert.Equal(t, "anthropic", Anthropic().Name())

	names := make(map[string]bool)
	for _, p := range All() {
		names[p.Name()] = true
	}
	assert.Len(t, names, 3)
}
