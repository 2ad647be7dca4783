package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/semgov/policy"
)

// SystemPrompt instructs every backend to answer in the synthesis schema.
const SystemPrompt = `You translate constitutional governance principles into machine-enforceable policy rules.

Respond with exactly one JSON object and nothing else:
{
  "rule_text": "one enforceable clause per line, each starting with MUST, MUST NOT, SHOULD or MAY",
  "confidence": 0.0-1.0,
  "compliance_score": 0.0-1.0,
  "scores": {"accuracy": 0.0-1.0, "bias_mitigation": 0.0-1.0}
}

compliance_score is your assessment of how faithfully rule_text enforces the principle.`

// BuildPrompt renders the user prompt for a principle.
func BuildPrompt(p policy.Principle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Principle %s (version %s)\n", p.ID, p.Version)
	if len(p.DomainTags) > 0 {
		fmt.Fprintf(&b, "Domains: %s\n", strings.Join(p.DomainTags, ", "))
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(p.Text))
	b.WriteString("\n\nProduce the policy rule.")
	return b.String()
}

type synthesisOutput struct {
	RuleText        string             `json:"rule_text"`
	Confidence      *float64           `json:"confidence"`
	ComplianceScore *float64           `json:"compliance_score"`
	Scores          map[string]float64 `json:"scores"`
}

// ParseSynthesis interprets raw model output. Any schema violation is an
// AdapterMalformedResponse error; RawOutput is preserved on success.
func ParseSynthesis(adapterID, content string) (*policy.ModelResponse, error) {
	raw := synthesisObject(content)
	if raw == "" {
		return nil, Malformed(adapterID, fmt.Errorf("no JSON object in model output"))
	}

	var out synthesisOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, Malformed(adapterID, fmt.Errorf("decode synthesis output: %w", err))
	}

	ruleText := strings.TrimSpace(out.RuleText)
	if ruleText == "" {
		return nil, Malformed(adapterID, fmt.Errorf("rule_text is empty"))
	}
	if out.ComplianceScore == nil {
		return nil, Malformed(adapterID, fmt.Errorf("compliance_score is missing"))
	}
	if !unitInterval(*out.ComplianceScore) {
		return nil, Malformed(adapterID, fmt.Errorf("compliance_score %v outside [0,1]", *out.ComplianceScore))
	}

	confidence := *out.ComplianceScore
	if out.Confidence != nil {
		if !unitInterval(*out.Confidence) {
			return nil, Malformed(adapterID, fmt.Errorf("confidence %v outside [0,1]", *out.Confidence))
		}
		confidence = *out.Confidence
	}

	scores := map[policy.Dimension]float64{
		policy.DimensionConstitutionalAlignment: *out.ComplianceScore,
	}
	for key, v := range out.Scores {
		dim := policy.Dimension(strings.ToLower(key))
		switch dim {
		case policy.DimensionAccuracy, policy.DimensionBiasMitigation:
		default:
			continue
		}
		if !unitInterval(v) {
			return nil, Malformed(adapterID, fmt.Errorf("score %s=%v outside [0,1]", key, v))
		}
		scores[dim] = v
	}

	return &policy.ModelResponse{
		AdapterID:       adapterID,
		RawOutput:       content,
		RuleText:        ruleText,
		Confidence:      confidence,
		ComplianceScore: *out.ComplianceScore,
		Scores:          scores,
	}, nil
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
