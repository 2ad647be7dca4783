package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesisObject(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantKey string
	}{
		{
			name:    "bare object",
			output:  `{"rule_text": "MUST log access"}`,
			wantKey: "rule_text",
		},
		{
			name:    "fenced",
			output:  "```json\n{\"rule_text\": \"MUST log access\"}\n```",
			wantKey: "rule_text",
		},
		{
			name:    "rationale after fence",
			output:  "```json\n{\"compliance_score\": 0.97}\n```\n\n**Rationale:** the clause {mirrors} the principle.",
			wantKey: "compliance_score",
		},
		{
			name:    "annotated scores with trailing comma",
			output:  "```json\n{\n  \"scores\": {\n    \"accuracy\": 0.9,  // strong mapping\n    \"bias_mitigation\": 0.8,  // neutral wording\n  },\n}\n```",
			wantKey: "scores",
		},
		{
			name:    "trailing comma in clause list",
			output:  "{\n  \"clauses\": [\n    \"MUST log\",  // first\n    \"MUST NOT share\",\n  ]\n}",
			wantKey: "clauses",
		},
		{
			name:    "preamble",
			output:  "Here is the rule you asked for: {\"rule_text\": \"MUST NOT share data\", \"compliance_score\": 0.95}",
			wantKey: "rule_text",
		},
		{
			name:    "comment after object",
			output:  "{\"evidence\": \"https://proofs.example.com/p/1\"} // trailing",
			wantKey: "evidence",
		},
		{
			name:    "braces and slashes inside strings",
			output:  `{"rule_text": "MUST match \"a}b//c\" exactly,"}`,
			wantKey: "rule_text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := synthesisObject(tt.output)
			require.NotEmpty(t, obj)

			var parsed map[string]any
			require.NoError(t, json.Unmarshal([]byte(obj), &parsed), obj)
			assert.Contains(t, parsed, tt.wantKey)
		})
	}
}

func TestSynthesisObject_StringsUntouched(t *testing.T) {
	obj := synthesisObject(`{"evidence": "https://proofs.example.com/p/1", "note": "a,}"}`)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(obj), &parsed))
	assert.Equal(t, "https://proofs.example.com/p/1", parsed["evidence"])
	assert.Equal(t, "a,}", parsed["note"])
}

func TestSynthesisObject_NoObject(t *testing.T) {
	for _, output := range []string{
		"",
		"I cannot produce a rule for this principle.",
		`{"rule_text": "MUST log"`,
		"{\"rule_text\": \"MUST log\" // cut off",
	} {
		assert.Empty(t, synthesisObject(output), output)
	}
}
