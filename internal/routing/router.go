// Package routing decides how each question is answered and owns the
// process-wide routing parameters and the feedback-driven tuner.
package routing

import (
	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/guardrail"
)

const (
	ReasonHighSimilarity      = "high_similarity"
	ReasonComputationDisabled = "computation_disabled"
	ReasonComputationFirst    = "computation_first"
)

// Decision is the outcome of routing one question. Seed is the retrieved
// entry whose solution grounds a reasoning-only answer.
type Decision struct {
	Strategy domain.Strategy
	Category domain.Category
	Seed     *domain.RetrievalCandidate
	Reason   string
}

// Classify returns the category assigned at validation, classifying the
// text itself when none was set.
func Classify(q domain.Question) domain.Category {
	if q.Category != "" {
		return q.Category
	}
	text := q.Normalized
	if text == "" {
		text = q.Raw
	}
	return guardrail.Classify(text)
}

// Route expects candidates in descending similarity order, as returned by
// the retriever. A strong match in a category that needs no exact
// computation is answered from the match; everything else tries the
// computation service first unless the caller turned it off.
func Route(q domain.Question, candidates []domain.RetrievalCandidate, params domain.RoutingParameters, useComputation bool) Decision {
	d := Decision{Category: Classify(q)}

	if len(candidates) > 0 {
		top := candidates[0]
		if top.Similarity >= params.HighSimilarity && params.StrategyFor(d.Category) == domain.StrategyReasoningOnly {
			d.Strategy = domain.StrategyReasoningOnly
			d.Seed = &top
			d.Reason = ReasonHighSimilarity
			return d
		}
	}

	if !useComputation {
		d.Strategy = domain.StrategyReasoningOnly
		d.Reason = ReasonComputationDisabled
		return d
	}

	d.Strategy = domain.StrategyComputation
	d.Reason = ReasonComputationFirst
	return d
}
