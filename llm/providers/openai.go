package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/semgov/llm"
)

// OpenAIProvider targets the hosted OpenAI API or OpenRouter. It shares the
// request/response format with OllamaProvider but differs in defaults and auth.
type OpenAIProvider struct {
	OllamaProvider
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI API endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return chatCompletionsURL(baseURL)
}

// SetHeaders adds bearer auth plus OpenRouter attribution headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request, apiKey string) {
	o.OllamaProvider.SetHeaders(req, apiKey)

	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
