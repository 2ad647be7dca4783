// Package main implements the mock model and verifier server used for local
// runs and end-to-end tests of semgov.
//
// It serves OpenAI-compatible /v1/chat/completions responses from JSON
// fixture files, routing by the "model" field in the request, and answers
// verification requests on /verify from the "verifier" fixtures.
//
// Usage:
//
//	mock-governance -fixtures /path/to/fixtures -port 11434
//
// Fixture files are JSON named by model ("drafter.json" serves model
// "drafter"). Numbered files ("drafter.1.json", "drafter.2.json") are served
// in order on successive calls; the base file then repeats. A fixture of the
// form {"mock_status": 503} makes that call fail with the given status, which
// is how outages and circuit breaking are exercised.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// verifierFixture is the fixture sequence answering /verify.
const verifierFixture = "verifier"

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type verifyRequest struct {
	CandidateID string `json:"candidate_id"`
	Domain      string `json:"domain"`
	Depth       int    `json:"depth"`
}

type server struct {
	fixtures map[string][]string
	calls    atomic.Int64
	logger   *slog.Logger

	mu        sync.Mutex
	perName   map[string]int
	lastDepth []int
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures: fixtures,
		logger:   logger,
		perName:  make(map[string]int),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/verify", s.handleVerify)
	r.Get("/stats", s.handleStats)
	return r
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if envDir := os.Getenv("MOCK_GOVERNANCE_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for name, seq := range fixtures {
		logger.Info("Loaded fixture", "name", name, "count", len(seq))
	}

	s := newServer(fixtures, logger)
	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock governance server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// next returns the fixture for the next call to name, or false when no
// fixture exists.
func (s *server) next(name string) (string, int, bool) {
	seq, ok := s.fixtures[name]
	if !ok {
		return "", 0, false
	}
	s.mu.Lock()
	idx := s.perName[name]
	s.perName[name] = idx + 1
	s.mu.Unlock()

	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], idx + 1, true
}

// mockStatus reports the status a fixture asks to fail with.
func mockStatus(content string) int {
	var probe struct {
		Status int `json:"mock_status"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return 0
	}
	return probe.Status
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	callNum := s.calls.Add(1)

	content, index, ok := s.next(req.Model)
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	if status := mockStatus(content); status != 0 {
		s.logger.Info("Simulating failure", "call", callNum, "model", req.Model, "status", status)
		http.Error(w, "simulated failure", status)
		return
	}

	s.logger.Info("Completion", "call", callNum, "model", req.Model, "index", index)
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	})
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	s.calls.Add(1)

	s.mu.Lock()
	s.lastDepth = append(s.lastDepth, req.Depth)
	s.mu.Unlock()

	content, index, ok := s.next(verifierFixture)
	if !ok {
		// Without fixtures every candidate is proved.
		writeJSON(w, http.StatusOK, map[string]string{
			"verdict":            "proved",
			"evidence_reference": "mock://proof/" + req.CandidateID,
		})
		return
	}
	if status := mockStatus(content); status != 0 {
		http.Error(w, "simulated failure", status)
		return
	}
	s.logger.Info("Verification", "candidate_id", req.CandidateID, "depth", req.Depth, "index", index)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(content))
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byName := make(map[string]int, len(s.perName))
	for name, n := range s.perName {
		byName[name] = n
	}
	depths := append([]int(nil), s.lastDepth...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":     s.calls.Load(),
		"calls_by_name":   byName,
		"verifier_depths": depths,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// numberedFileRe matches files like "drafter.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns name -> ordered
// sequence: numbered files in numeric order, then the base file.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(d.Name()); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numberedFiles[m[1]] == nil {
				numberedFiles[m[1]] = make(map[int]string)
			}
			numberedFiles[m[1]][index] = string(data)
			return nil
		}
		baseFiles[strings.TrimSuffix(d.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for n := range baseFiles {
		names[n] = true
	}
	for n := range numberedFiles {
		names[n] = true
	}

	fixtures := make(map[string][]string)
	for name := range names {
		var seq []string
		if numbered, ok := numberedFiles[name]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[name]; ok {
			seq = append(seq, base)
		}
		fixtures[name] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
