package providers

import (
	"net/http"
	"os"

	"github.com/weftworks/weft/llm"
)

// OpenAI returns the provider for the OpenAI API (or OpenRouter via a
// custom base URL). OPENAI_API_KEY supplies the bearer token;
// OPENROUTER_SITE_URL and OPENROUTER_SITE_NAME add OpenRouter attribution
// headers when set.
func OpenAI() llm.Provider {
	return &chatProvider{
		name:        "openai",
		defaultBase: "https://api.openai.com/v1",
		auth: func(req *http.Request) {
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				req.Header.Set("Authorization", "Bearer "+key)
			}
			if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
				req.Header.Set("HTTP-Referer", siteURL)
			}
			if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
				req.Header.Set("X-Title", siteName)
			}
		},
	}
}
