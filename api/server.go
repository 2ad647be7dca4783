// Package api exposes governance transactions and chain inspection over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360studio/semgov/audit"
	"github.com/c360studio/semgov/compiler"
	"github.com/c360studio/semgov/metrics"
	"github.com/c360studio/semgov/model"
	"github.com/c360studio/semgov/pipeline"
	"github.com/c360studio/semgov/policy"
	"github.com/c360studio/semgov/reliability"
	"github.com/c360studio/semgov/storage"
)

const defaultMaxBody = 1 << 20

// Server serves the HTTP API. Pipeline is required; the rest are optional.
type Server struct {
	Pipeline *pipeline.Pipeline
	Breakers *reliability.Registry
	Audit    audit.Reader
	Metrics  *metrics.Metrics
	Adapters *model.Registry

	// Keys are accepted in addition to the compiler's own key when
	// verifying chains signed before a key rotation.
	Keys compiler.Keyring

	MaxRequestBodyBytes int64
	Logger              *slog.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error           string `json:"error"`
	Kind            string `json:"kind,omitempty"`
	Stage           string `json:"stage,omitempty"`
	AdapterID       string `json:"adapter_id,omitempty"`
	Domain          string `json:"domain,omitempty"`
	Verdict         string `json:"verdict,omitempty"`
	EvidenceRef     string `json:"evidence_ref,omitempty"`
	ConflictVersion string `json:"conflict_version,omitempty"`
}

// ChainResponse is a domain's verified chain.
type ChainResponse struct {
	Domain   string                       `json:"domain"`
	Verified bool                         `json:"verified"`
	Rules    []*policy.CompiledPolicyRule `json:"rules"`
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.limitRequestBody)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "semgov"})
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/principles", s.runPrinciple)
		r.Get("/domains", s.listDomains)
		r.Get("/domains/{domain}/head", s.getHead)
		r.Get("/domains/{domain}/chain", s.getChain)
		r.Get("/rules/{id}", s.getRule)
		r.Get("/circuits", s.listCircuits)
		r.Get("/adapters", s.listAdapters)
		r.Get("/transactions/{id}/audit", s.getAudit)
	})
	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) limitRequestBody(next http.Handler) http.Handler {
	limit := s.MaxRequestBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) runPrinciple(w http.ResponseWriter, r *http.Request) {
	var p policy.Principle
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, &ErrorResponse{Error: "invalid json: " + err.Error(), Kind: string(policy.KindInvalidPrinciple)})
		return
	}

	res, err := s.Pipeline.Run(r.Context(), p)
	if err != nil {
		s.writePolicyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.Pipeline.Compiler().Store().Domains(r.Context())
	if err != nil {
		s.writePolicyError(w, err)
		return
	}
	if domains == nil {
		domains = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"domains": domains})
}

func (s *Server) getHead(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	head, err := s.Pipeline.Compiler().Store().Head(r.Context(), domain)
	if err != nil {
		s.writePolicyError(w, err)
		return
	}
	if head == nil {
		writeError(w, http.StatusNotFound, &ErrorResponse{Error: "no active rule", Domain: domain})
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (s *Server) getChain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	chain, err := s.Pipeline.Compiler().VerifyDomain(r.Context(), domain, s.Keys)
	if err != nil {
		s.writePolicyError(w, err)
		return
	}
	if chain == nil {
		chain = []*policy.CompiledPolicyRule{}
	}
	writeJSON(w, http.StatusOK, ChainResponse{Domain: domain, Verified: true, Rules: chain})
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := s.Pipeline.Compiler().Store().Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, &ErrorResponse{Error: "rule not found"})
		return
	}
	if err != nil {
		s.writePolicyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) listCircuits(w http.ResponseWriter, _ *http.Request) {
	circuits := []policy.CircuitState{}
	if s.Breakers != nil {
		circuits = append(circuits, s.Breakers.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string][]policy.CircuitState{"circuits": circuits})
}

func (s *Server) listAdapters(w http.ResponseWriter, _ *http.Request) {
	if s.Adapters == nil {
		writeJSON(w, http.StatusOK, model.RegistryConfig{Endpoints: []model.EndpointConfig{}})
		return
	}
	writeJSON(w, http.StatusOK, s.Adapters.ToConfig())
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		writeError(w, http.StatusNotFound, &ErrorResponse{Error: "audit log is not queryable"})
		return
	}
	id := chi.URLParam(r, "id")
	recs, err := s.Audit.List(r.Context(), id)
	if err != nil {
		s.logger().Error("Audit query failed", "transaction_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, &ErrorResponse{Error: "audit query failed"})
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, &ErrorResponse{Error: "unknown transaction"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]audit.Record{"records": recs})
}

func (s *Server) writePolicyError(w http.ResponseWriter, err error) {
	pe, ok := policy.AsError(err)
	if !ok {
		s.logger().Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, &ErrorResponse{Error: "internal error"})
		return
	}
	status := StatusFor(pe.Kind)
	if status >= 500 {
		s.logger().Warn("Request failed", "kind", pe.Kind, "stage", pe.Stage, "error", err)
	}
	writeError(w, status, &ErrorResponse{
		Error:           pe.Error(),
		Kind:            string(pe.Kind),
		Stage:           string(pe.Stage),
		AdapterID:       pe.AdapterID,
		Domain:          pe.Domain,
		Verdict:         string(pe.Verdict),
		EvidenceRef:     pe.EvidenceRef,
		ConflictVersion: pe.ConflictVersion,
	})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind policy.ErrorKind) int {
	switch kind {
	case policy.KindInvalidPrinciple:
		return http.StatusBadRequest
	case policy.KindAdapterMalformedResponse, policy.KindComplianceBelowThreshold,
		policy.KindRefuted, policy.KindInconclusive, policy.KindIntegrityViolation:
		return http.StatusUnprocessableEntity
	case policy.KindChainConflict:
		return http.StatusConflict
	case policy.KindAdapterUnavailable, policy.KindAdapterTimeout, policy.KindCircuitOpen,
		policy.KindInsufficientQuorum, policy.KindVerifierUnavailable, policy.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case policy.KindTransactionTimeout:
		return http.StatusGatewayTimeout
	case policy.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body *ErrorResponse) {
	writeJSON(w, status, body)
}
