// Package synthesis turns the gathered context of a request into the final
// solution text, its confidence and its provenance.
package synthesis

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/guardrail"
	"github.com/math-agent/backend/internal/llm"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/pkg/logger"
	"github.com/math-agent/backend/pkg/retry"
)

var errOutputRejected = errors.New("generated output failed validation")

type Generator interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Input is everything one request gathered before synthesis. Computation is
// nil when the service was not used or failed.
type Input struct {
	SessionID   string
	Question    domain.Question
	Strategy    domain.Strategy
	Seed        *domain.RetrievalCandidate
	Candidates  []domain.RetrievalCandidate
	WebResults  []domain.WebSearchResult
	Computation *domain.ComputationResult
	Weights     domain.ConfidenceWeights
}

type Draft struct {
	Text         string
	Confidence   float64
	Sources      domain.Sources
	OutputPassed bool
	OutputReason domain.ReasonCode
	Attempts     int
	// Fallback is set when the text was formatted without the generator.
	Fallback bool
}

type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration
	Temperature float32
	MaxTokens   int
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 2, Timeout: 30 * time.Second, Backoff: 200 * time.Millisecond}
}

type Synthesizer struct {
	gen       Generator
	validator *guardrail.Validator
	cfg       Config
}

func NewSynthesizer(gen Generator, validator *guardrail.Validator, cfg Config) *Synthesizer {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > def.MaxAttempts {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Synthesizer{gen: gen, validator: validator, cfg: cfg}
}

// Sources lists the provenance of an answer built from in, in the fixed tag
// order. Reasoning is always present.
func Sources(in Input) domain.Sources {
	s := domain.NewSources(domain.SourceReasoning)
	if len(in.Candidates) > 0 || in.Seed != nil {
		s = s.With(domain.SourceKnowledgeBase)
	}
	if in.Computation != nil && in.Computation.Success {
		s = s.With(domain.SourceComputation)
	}
	if len(in.WebResults) > 0 {
		s = s.With(domain.SourceWebSearch)
	}
	return s
}

// Confidence adds weighted evidence to the base value and clamps to [0,1].
// A degraded answer is capped at w.DegradedCap.
func Confidence(in Input, w domain.ConfidenceWeights, degraded bool) float64 {
	c := w.Base
	if in.Computation != nil && in.Computation.Success {
		c += w.Computation
	}
	if topSimilarity(in) >= w.SimilarityBar {
		c += w.HighSimilarity
	}
	if len(in.WebResults) > 0 {
		c += w.WebSearch
	}
	c = math.Min(1, math.Max(0, c))
	if degraded {
		c = math.Min(c, w.DegradedCap)
	}
	return math.Round(c*1000) / 1000
}

func topSimilarity(in Input) float64 {
	top := 0.0
	if in.Seed != nil {
		top = in.Seed.Similarity
	}
	for _, c := range in.Candidates {
		top = math.Max(top, c.Similarity)
	}
	return top
}

func contextTerms(in Input) []string {
	var terms []string
	if in.Computation != nil && in.Computation.Success {
		terms = append(terms, in.Computation.Payload)
	}
	if in.Seed != nil {
		terms = append(terms, in.Seed.Entry.Problem, in.Seed.Entry.Solution)
	}
	for _, c := range in.Candidates {
		terms = append(terms, c.Entry.Problem, c.Entry.Solution)
	}
	for _, r := range in.WebResults {
		terms = append(terms, r.Title, r.Snippet)
	}
	return terms
}

// Synthesize generates and validates a solution. A rejected draft is
// regenerated once with the simplified prompt. When the generator fails
// entirely the answer is formatted from the gathered material and marked as
// not passing the output gate. The returned SynthesisError is recoverable
// unless the draft has no text.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (Draft, error) {
	log := logger.WithSession(in.SessionID)
	weights := in.Weights
	if weights == (domain.ConfidenceWeights{}) {
		weights = domain.DefaultConfidenceWeights()
	}
	terms := contextTerms(in)

	var (
		lastText   string
		lastReason domain.ReasonCode
		genErr     error
		attempts   int
	)

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:    s.cfg.MaxAttempts,
		InitialDelay:   s.cfg.Backoff,
		MaxDelay:       time.Second,
		JitterFraction: 0.1,
		Logger:         log,
	}, func(attempt int) error {
		attempts = attempt
		if s.gen == nil {
			genErr = errors.New("generator not configured")
			return genErr
		}

		req := llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			UserPrompt:   buildPrompt(in),
			Temperature:  s.cfg.Temperature,
			MaxTokens:    s.cfg.MaxTokens,
		}
		if attempt > 1 {
			req.SystemPrompt = simplifiedSystemPrompt
			req.UserPrompt = buildSimplifiedPrompt(in)
		}

		genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		resp, err := s.gen.Complete(genCtx, req)
		if err != nil {
			genErr = err
			return err
		}

		lastText = resp.Content
		ok, reason := s.validator.ValidateOutput(resp.Content, in.Question, terms)
		if !ok {
			lastReason = reason
			metrics.GuardrailFailures.WithLabelValues("output", string(reason)).Inc()
			log.Warn("Output guardrail rejected draft",
				zap.Int("attempt", attempt),
				zap.String("reason", string(reason)),
			)
			return errOutputRejected
		}
		lastReason = domain.ReasonNone
		return nil
	})
	metrics.GenerationAttempts.Observe(float64(attempts))

	draft := Draft{Sources: Sources(in), Attempts: attempts}

	switch {
	case err == nil:
		draft.Text = lastText
		draft.OutputPassed = true
		draft.Confidence = Confidence(in, weights, false)
		return draft, nil

	case ctx.Err() != nil:
		return Draft{}, ctx.Err()

	case lastText != "":
		// The generator answered but never passed validation.
		draft.OutputPassed = false
		draft.OutputReason = lastReason
		draft.Text = lastText
		if text, ok := Fallback(in); ok {
			draft.Text = text
			draft.Fallback = true
		}
		draft.Confidence = Confidence(in, weights, true)
		return draft, nil
	}

	log.Warn("Generator unavailable, formatting fallback answer", zap.Error(genErr))
	text, ok := Fallback(in)
	if !ok {
		return Draft{}, domain.NewSynthesisError("no content could be generated", genErr)
	}
	draft.Text = text
	draft.Fallback = true
	draft.OutputPassed = false
	draft.OutputReason = domain.ReasonGenerationFailed
	metrics.GuardrailFailures.WithLabelValues("output", string(draft.OutputReason)).Inc()
	draft.Confidence = Confidence(in, weights, true)
	return draft, domain.NewSynthesisError("generator unavailable", genErr)
}
