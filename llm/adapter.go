// Package llm implements model adapters: a uniform synthesis contract over
// cloud and local model backends.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/c360studio/semgov/model"
	"github.com/c360studio/semgov/policy"
)

// maxResponseSize limits the model response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Adapter is the single capability every backend exposes. Implementations
// must be safe for concurrent use and keep no state shared between calls.
type Adapter interface {
	// ID returns the adapter identity.
	ID() string

	// Generate runs one synthesis prompt. Failures are *policy.Error values
	// of kind AdapterUnavailable, AdapterTimeout or AdapterMalformedResponse,
	// or the caller's context error when the caller gave up.
	Generate(ctx context.Context, prompt string, params Parameters) (*policy.ModelResponse, error)
}

// HTTPAdapter talks to one model endpoint through a registered Provider.
type HTTPAdapter struct {
	endpoint   model.EndpointConfig
	provider   Provider
	httpClient *http.Client
	apiKey     string
	logger     *slog.Logger
}

// AdapterOption configures an HTTPAdapter.
type AdapterOption func(*HTTPAdapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) AdapterOption {
	return func(a *HTTPAdapter) {
		a.httpClient = c
	}
}

// WithAPIKey sets the API key explicitly instead of reading the environment.
func WithAPIKey(key string) AdapterOption {
	return func(a *HTTPAdapter) {
		a.apiKey = key
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *HTTPAdapter) {
		a.logger = logger
	}
}

// NewHTTPAdapter creates an adapter for ep. The provider must be registered,
// normally by importing llm/providers.
func NewHTTPAdapter(ep model.EndpointConfig, opts ...AdapterOption) (*HTTPAdapter, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, fmt.Errorf("adapter %s: unknown provider %q", ep.ID, ep.Provider)
	}

	a := &HTTPAdapter{
		endpoint: ep,
		provider: provider,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for model responses
		},
		apiKey: os.Getenv(provider.DefaultAPIKeyEnv()),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// NewAdapters builds one HTTPAdapter per enabled endpoint, in priority order.
func NewAdapters(reg *model.Registry, opts ...AdapterOption) ([]Adapter, error) {
	eps := reg.Ordered()
	adapters := make([]Adapter, 0, len(eps))
	for _, ep := range eps {
		a, err := NewHTTPAdapter(ep, opts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// ID returns the endpoint id.
func (a *HTTPAdapter) ID() string {
	return a.endpoint.ID
}

// Generate sends the synthesis prompt and interprets the model's answer.
func (a *HTTPAdapter) Generate(ctx context.Context, prompt string, params Parameters) (*policy.ModelResponse, error) {
	if params.MaxTokens == 0 {
		params.MaxTokens = a.endpoint.MaxTokens
	}

	callCtx := ctx
	if a.endpoint.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.endpoint.Timeout)
		defer cancel()
	}

	started := time.Now()
	completion, err := a.complete(ctx, callCtx, prompt, params)
	if err != nil {
		return nil, err
	}

	resp, err := ParseSynthesis(a.endpoint.ID, completion.Content)
	if err != nil {
		// Keep the raw text for the audit trail.
		return &policy.ModelResponse{AdapterID: a.endpoint.ID, RawOutput: completion.Content}, err
	}
	resp.Latency = time.Since(started)

	a.logger.Debug("Adapter response parsed",
		"adapter_id", a.endpoint.ID,
		"model", completion.Model,
		"compliance_score", resp.ComplianceScore,
		"latency", resp.Latency,
		"total_tokens", completion.Usage.TotalTokens)

	return resp, nil
}

// complete executes a single HTTP request. parent is the caller's context;
// when it is done its error is returned untyped so that caller cancellation
// never reads as backend unavailability.
func (a *HTTPAdapter) complete(parent, ctx context.Context, prompt string, params Parameters) (*Completion, error) {
	id := a.endpoint.ID
	messages := []Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: prompt},
	}

	body, err := a.provider.BuildRequestBody(a.endpoint.Model, messages, params)
	if err != nil {
		return nil, Malformed(id, fmt.Errorf("build request body: %w", err))
	}

	url := a.provider.BuildURL(a.endpoint.URL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Malformed(id, fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.provider.SetHeaders(httpReq, a.apiKey)

	a.logger.Debug("Sending synthesis request",
		"adapter_id", id,
		"provider", a.provider.Name(),
		"model", a.endpoint.Model,
		"url", url)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, classifyTransportError(id, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, classifyTransportError(id, fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(id, httpResp.StatusCode, respBody)
	}

	completion, err := a.provider.ParseResponse(respBody, a.endpoint.Model)
	if err != nil {
		return nil, Malformed(id, err)
	}
	return completion, nil
}
