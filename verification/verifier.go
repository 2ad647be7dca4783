// Package verification submits candidate policies to the external formal
// verifier and gates promotion on its verdict.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semgov/policy"
)

// Request is what the verifier receives.
type Request struct {
	CandidateID       string   `json:"candidate_id"`
	Domain            string   `json:"domain"`
	RuleBody          string   `json:"rule_body"`
	DomainConstraints []string `json:"domain_constraints"`
	Depth             int      `json:"depth"`
}

// Response is the verifier's answer.
type Response struct {
	Verdict     policy.Verdict `json:"verdict"`
	EvidenceRef string         `json:"evidence_reference"`
}

// Verifier is the narrow contract with the formal verification
// collaborator. Failures to obtain a verdict are returned as errors; a
// verdict of refuted or inconclusive is not an error.
type Verifier interface {
	Verify(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Verifier.
type Func func(ctx context.Context, req Request) (*Response, error)

// Verify implements Verifier.
func (f Func) Verify(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// maxResponseSize bounds the verifier response body.
const maxResponseSize = 1 << 20

// HTTPVerifier posts requests as JSON to a verifier service.
type HTTPVerifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
	token   string
}

// HTTPOption configures an HTTPVerifier.
type HTTPOption func(*HTTPVerifier)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(v *HTTPVerifier) {
		v.client = c
	}
}

// WithBearerToken authenticates requests.
func WithBearerToken(token string) HTTPOption {
	return func(v *HTTPVerifier) {
		v.token = token
	}
}

// NewHTTPVerifier creates a verifier client. timeout bounds each call.
func NewHTTPVerifier(url string, timeout time.Duration, opts ...HTTPOption) *HTTPVerifier {
	v := &HTTPVerifier{
		url:     strings.TrimSuffix(url, "/"),
		client:  &http.Client{},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal verification request: %w", err)
	}

	callCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, unavailable(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+v.token)
	}

	httpResp, err := v.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(fmt.Errorf("verifier request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(fmt.Errorf("read verifier response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		snippet := string(respBody)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return nil, unavailable(fmt.Errorf("verifier returned status %d: %s", httpResp.StatusCode, snippet))
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, unavailable(fmt.Errorf("decode verifier response: %w", err))
	}
	resp.Verdict = policy.Verdict(strings.ToLower(string(resp.Verdict)))
	if !resp.Verdict.Valid() {
		return nil, unavailable(fmt.Errorf("unknown verdict %q", resp.Verdict))
	}
	return &resp, nil
}

func unavailable(err error) error {
	return policy.NewError(policy.KindVerifierUnavailable, err)
}

// errNoVerdict is returned when a verifier answers with neither a response
// nor an error.
var errNoVerdict = errors.New("verifier returned no verdict")
