package ensemble

import (
	"sort"
	"time"

	"github.com/c360studio/semgov/policy"
)

// scoreEpsilon absorbs floating point noise when comparing ranking scores.
const scoreEpsilon = 1e-9

// Catalog supplies per-adapter ordering and weights. *model.Registry
// satisfies it.
type Catalog interface {
	Priority(id string) int
	Weight(id string) float64
}

type uniformCatalog struct{}

func (uniformCatalog) Priority(string) int { return 0 }
func (uniformCatalog) Weight(string) float64 { return 1 }

// Ranked is a usable response with its ranking score.
type Ranked struct {
	Response *policy.ModelResponse
	Score    float64
	Priority int
	Weight   float64
}

// dimensionScore returns r's value on dim. Accuracy and bias mitigation fall
// back to the compliance score when the model did not report them. Latency
// maps linearly from 1 (instant) to 0 (at the deadline).
func dimensionScore(r *policy.ModelResponse, dim policy.Dimension, deadline time.Duration) float64 {
	switch dim {
	case policy.DimensionLatency:
		if deadline <= 0 {
			return 1
		}
		v := 1 - float64(r.Latency)/float64(deadline)
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	case policy.DimensionConstitutionalAlignment:
		return r.ComplianceScore
	default:
		if v, ok := r.Scores[dim]; ok {
			return v
		}
		return r.ComplianceScore
	}
}

// Score computes the dimension-weighted score of r.
func Score(r *policy.ModelResponse, weights Weights, deadline time.Duration) float64 {
	var sum, total float64
	for _, dim := range policy.Dimensions() {
		w := weights[dim]
		if w <= 0 {
			continue
		}
		sum += w * dimensionScore(r, dim, deadline)
		total += w
	}
	if total == 0 {
		return r.ComplianceScore
	}
	return sum / total
}

// Rank orders responses best first: highest score, then lowest latency,
// then lowest priority number, then adapter id. The order depends only on
// the responses, so the same set always yields the same winner.
func Rank(responses []*policy.ModelResponse, weights Weights, deadline time.Duration, catalog Catalog) []Ranked {
	if catalog == nil {
		catalog = uniformCatalog{}
	}

	ranked := make([]Ranked, 0, len(responses))
	for _, r := range responses {
		ranked = append(ranked, Ranked{
			Response: r,
			Score:    Score(r, weights, deadline),
			Priority: catalog.Priority(r.AdapterID),
			Weight:   effectiveWeight(catalog.Weight(r.AdapterID)),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if diff := a.Score - b.Score; diff > scoreEpsilon || diff < -scoreEpsilon {
			return diff > 0
		}
		if a.Response.Latency != b.Response.Latency {
			return a.Response.Latency < b.Response.Latency
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Response.AdapterID < b.Response.AdapterID
	})
	return ranked
}

func effectiveWeight(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}

// aggregate folds ranked responses per strategy. It returns the rule text,
// compliance, confidence and contributing adapter ids.
func aggregate(ranked []Ranked, strategy policy.Strategy) (string, float64, float64, []string) {
	winner := ranked[0].Response

	if strategy != policy.StrategyWeightedBlend {
		return winner.RuleText, winner.ComplianceScore, winner.Confidence, []string{winner.AdapterID}
	}

	var compliance, confidence, total float64
	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		compliance += r.Weight * r.Response.ComplianceScore
		confidence += r.Weight * r.Response.Confidence
		total += r.Weight
		ids = append(ids, r.Response.AdapterID)
	}
	return winner.RuleText, compliance / total, confidence / total, ids
}
