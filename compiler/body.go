package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/semgov/policy"
)

// RuleBody is the content that a rule id commits to. Scores are encoded as
// fixed-precision decimal strings so the encoding is stable.
type RuleBody struct {
	Domain           string   `json:"domain"`
	PrincipleID      string   `json:"principle_id"`
	PrincipleVersion string   `json:"principle_version"`
	RuleText         string   `json:"rule_text"`
	Clauses          []string `json:"clauses"`
	Adapters         []string `json:"adapters"`
	Strategy         string   `json:"strategy"`
	Compliance       string   `json:"compliance"`
	Confidence       string   `json:"confidence"`
	Verdict          string   `json:"verdict"`
	EvidenceRef      string   `json:"evidence_ref"`
}

// NewRuleBody derives the body from an accepted candidate and its proof.
func NewRuleBody(candidate *policy.CandidatePolicy, verification *policy.VerificationResult) RuleBody {
	adapters := append([]string(nil), candidate.ContributingAdapterIDs...)
	sort.Strings(adapters)

	return RuleBody{
		Domain:           candidate.Domain,
		PrincipleID:      candidate.SourcePrincipleID,
		PrincipleVersion: candidate.PrincipleVersion,
		RuleText:         strings.TrimSpace(candidate.AggregatedRuleText),
		Clauses:          Clauses(candidate.AggregatedRuleText),
		Adapters:         adapters,
		Strategy:         string(candidate.AggregationStrategy),
		Compliance:       decimal(candidate.AggregateCompliance),
		Confidence:       decimal(candidate.AggregateConfidence),
		Verdict:          string(verification.Verdict),
		EvidenceRef:      verification.EvidenceRef,
	}
}

func decimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Canonical encodes the body as compact JSON with fixed field order and no
// HTML escaping.
func (b RuleBody) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("encode rule body: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeRuleBody parses a stored body.
func DecodeRuleBody(raw []byte) (RuleBody, error) {
	var b RuleBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return RuleBody{}, fmt.Errorf("decode rule body: %w", err)
	}
	return b, nil
}

var (
	listMarker = regexp.MustCompile(`^(?:[-*•]+|\d+[.)])\s+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Clauses splits rule text into normalized clauses: one per line or
// semicolon-separated part, list markers stripped, whitespace collapsed,
// duplicates dropped. Order is preserved.
func Clauses(text string) []string {
	seen := make(map[string]bool)
	clauses := []string{}
	for _, line := range strings.Split(text, "\n") {
		for _, part := range strings.Split(line, ";") {
			c := strings.TrimSpace(part)
			c = listMarker.ReplaceAllString(c, "")
			c = whitespace.ReplaceAllString(c, " ")
			c = strings.TrimRight(c, ".")
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			clauses = append(clauses, c)
		}
	}
	return clauses
}
