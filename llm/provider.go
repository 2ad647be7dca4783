package llm

import (
	"net/http"
	"sort"
	"sync"
)

// Message is a chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// TokenUsage reports token consumption for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a provider's parsed answer before it is interpreted as a
// synthesis response.
type Completion struct {
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Parameters tune a single generation.
type Parameters struct {
	// Temperature controls randomness. nil uses the provider default.
	Temperature *float64

	// MaxTokens limits the completion. 0 uses the provider default.
	MaxTokens int

	// JSONMode asks providers that support it to constrain output to JSON.
	JSONMode bool
}

// Provider translates between the adapter and one vendor wire format.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// DefaultAPIKeyEnv names the environment variable holding the API key
	// when the endpoint does not configure one.
	DefaultAPIKeyEnv() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers. apiKey may be empty.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body.
	BuildRequestBody(model string, messages []Message, params Parameters) ([]byte, error)

	// ParseResponse extracts the completion from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Completion, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
