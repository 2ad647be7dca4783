// Package policy defines the records that flow through the governance
// compiler and the typed errors every stage reports.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDomain is used for principles that carry no domain tag.
const DefaultDomain = "default"

// Principle is a natural-language governance rule supplied by an external
// authoring collaborator. The compiler never mutates it.
type Principle struct {
	ID         string   `json:"id" yaml:"id"`
	Text       string   `json:"text" yaml:"text"`
	DomainTags []string `json:"domain_tags" yaml:"domain_tags"`
	Version    string   `json:"version" yaml:"version"`
}

// Domain returns the policy domain the principle compiles into: the first
// domain tag, lower-cased.
func (p Principle) Domain() string {
	for _, tag := range p.DomainTags {
		if t := strings.ToLower(strings.TrimSpace(tag)); t != "" {
			return t
		}
	}
	return DefaultDomain
}

// Validate checks that the principle can be synthesized.
func (p Principle) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("principle id is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("principle %s: text is required", p.ID)
	}
	if strings.TrimSpace(p.Version) == "" {
		return fmt.Errorf("principle %s: version is required", p.ID)
	}
	return nil
}

// Dimension is a scoring axis used to rank adapter responses.
type Dimension string

const (
	DimensionAccuracy                Dimension = "accuracy"
	DimensionConstitutionalAlignment Dimension = "constitutional_alignment"
	DimensionBiasMitigation          Dimension = "bias_mitigation"
	DimensionLatency                 Dimension = "latency"
)

// Dimensions lists every scoring dimension in canonical order.
func Dimensions() []Dimension {
	return []Dimension{
		DimensionAccuracy,
		DimensionConstitutionalAlignment,
		DimensionBiasMitigation,
		DimensionLatency,
	}
}

// ModelResponse is one adapter's answer to a synthesis prompt.
type ModelResponse struct {
	AdapterID string `json:"adapter_id"`

	// RawOutput is the unmodified model text, kept for the audit log.
	RawOutput string `json:"raw_output"`

	// RuleText is the machine-enforceable rule extracted from RawOutput.
	RuleText string `json:"rule_text"`

	Confidence      float64               `json:"confidence"`
	Latency         time.Duration         `json:"latency"`
	ComplianceScore float64               `json:"compliance_score"`
	Scores          map[Dimension]float64 `json:"scores,omitempty"`
}

// Strategy selects how the ensemble folds responses into a candidate.
type Strategy string

const (
	// StrategyWeightedMax promotes the single highest-ranked response.
	StrategyWeightedMax Strategy = "weighted_max"
	// StrategyWeightedBlend keeps the winner's rule text but reports the
	// adapter-weighted mean compliance and confidence of all usable responses.
	StrategyWeightedBlend Strategy = "weighted_blend"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyWeightedMax:
		return StrategyWeightedMax, nil
	case StrategyWeightedBlend:
		return StrategyWeightedBlend, nil
	default:
		return "", fmt.Errorf("unknown aggregation strategy %q", s)
	}
}

// CandidatePolicy is an aggregated, not-yet-verified rule proposal.
// It is never edited after creation.
type CandidatePolicy struct {
	ID                     string    `json:"id"`
	SourcePrincipleID      string    `json:"source_principle_id"`
	PrincipleVersion       string    `json:"principle_version"`
	Domain                 string    `json:"domain"`
	AggregatedRuleText     string    `json:"aggregated_rule_text"`
	AggregateConfidence    float64   `json:"aggregate_confidence"`
	AggregateCompliance    float64   `json:"aggregate_compliance"`
	ContributingAdapterIDs []string  `json:"contributing_adapter_ids"`
	AggregationStrategy    Strategy  `json:"aggregation_strategy"`
	CreatedAt              time.Time `json:"created_at"`
}

// Verdict is the outcome reported by the formal verifier.
type Verdict string

const (
	VerdictProved       Verdict = "proved"
	VerdictRefuted      Verdict = "refuted"
	VerdictInconclusive Verdict = "inconclusive"
)

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictProved, VerdictRefuted, VerdictInconclusive:
		return true
	}
	return false
}

// VerificationResult records one verification of a candidate.
type VerificationResult struct {
	CandidateID string  `json:"candidate_id"`
	Verdict     Verdict `json:"verdict"`

	// EvidenceRef points at the proof (proved) or counterexample (refuted).
	EvidenceRef string `json:"evidence_ref"`

	Attempts   int       `json:"attempts"`
	Depth      int       `json:"depth"`
	VerifiedAt time.Time `json:"verified_at"`
}

// CompiledPolicyRule is one link of a domain's append-only, hash-linked rule
// chain. ID is sha256 over the canonical body and the predecessor id.
type CompiledPolicyRule struct {
	ID          string `json:"rule_id"`
	Domain      string `json:"domain"`
	Version     int    `json:"version"`
	Predecessor string `json:"predecessor_version,omitempty"`

	// PredecessorVersion is the numeric version of Predecessor, zero for the
	// first rule in a domain.
	PredecessorVersion int `json:"predecessor_number,omitempty"`

	Body      []byte `json:"rule_body"`
	Signature string `json:"integrity_signature"`
	KeyID     string `json:"key_id"`

	// Diff is a unified diff of rule clauses against the predecessor.
	Diff string `json:"diff,omitempty"`

	// ActivatedAt is stamped at the commit point and is not covered by the
	// hash or signature.
	ActivatedAt time.Time `json:"activation_timestamp,omitempty"`
}

// IsGenesis reports whether the rule is the first in its domain.
func (r *CompiledPolicyRule) IsGenesis() bool {
	return r.Predecessor == ""
}

// CircuitStatus is the breaker position for one adapter.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half-open"
)

// CircuitState is a point-in-time copy of an adapter's breaker.
type CircuitState struct {
	AdapterID            string        `json:"adapter_id"`
	Status               CircuitStatus `json:"status"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	OpenedAt             time.Time     `json:"opened_at,omitempty"`
}

// Stage names a step of the governance transaction.
type Stage string

const (
	StageSynthesize Stage = "synthesize"
	StageVerify     Stage = "verify"
	StageCompile    Stage = "compile"
	StageActivate   Stage = "activate"
)
