package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/guardrail"
	"github.com/math-agent/backend/internal/llm"
)

type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []llm.CompletionRequest
}

func (g *scriptedGenerator) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.requests)
	g.requests = append(g.requests, req)
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if i < len(g.responses) {
		return &llm.CompletionResponse{Content: g.responses[i]}, nil
	}
	return &llm.CompletionResponse{Content: g.responses[len(g.responses)-1]}, nil
}

func derivativeInput() Input {
	q := domain.Question{
		Raw:        "What is the derivative of x^2 + 3x + 2?",
		Normalized: "What is the derivative of x^2 + 3x + 2?",
		Category:   domain.CategoryCalculus,
		Topic:      "derivatives",
	}
	return Input{
		SessionID: "s1",
		Question:  q,
		Strategy:  domain.StrategyComputation,
		Candidates: []domain.RetrievalCandidate{{
			Entry:      domain.KnowledgeBaseEntry{ID: "kb1", Problem: q.Normalized, Solution: "Using the power rule the derivative is 2x + 3."},
			Similarity: 1,
			Rank:       1,
		}},
		Computation: &domain.ComputationResult{Tool: "derivative", Success: true, Payload: "2x + 3"},
	}
}

func newSynth(gen Generator) *Synthesizer {
	return NewSynthesizer(gen, guardrail.NewValidator(guardrail.DefaultConfig()), Config{Backoff: time.Millisecond})
}

func TestConfidence(t *testing.T) {
	w := domain.DefaultConfidenceWeights()

	assert.InDelta(t, 0.5, Confidence(Input{}, w, false), 1e-9)
	assert.InDelta(t, 0.95, Confidence(derivativeInput(), w, false), 1e-9)

	in := derivativeInput()
	in.WebResults = []domain.WebSearchResult{{Title: "t"}}
	assert.InDelta(t, 1.0, Confidence(in, w, false), 1e-9)
	assert.InDelta(t, 0.5, Confidence(in, w, true), 1e-9)

	w.Base = 2
	assert.LessOrEqual(t, Confidence(in, w, false), 1.0)
}

func TestSources_FixedOrderReasoningAlways(t *testing.T) {
	assert.Equal(t, []string{"Reasoning"}, Sources(Input{}).Strings())

	in := derivativeInput()
	in.WebResults = []domain.WebSearchResult{{Title: "t"}}
	assert.Equal(t, []string{"KnowledgeBase", "Computation", "WebSearch", "Reasoning"}, Sources(in).Strings())

	in.Computation.Success = false
	assert.False(t, Sources(in).Has(domain.SourceComputation))
}

func TestSynthesize_FirstAttemptPasses(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"Step 1: apply the power rule to each term.\nFinal answer: 2x + 3"}}

	d, err := newSynth(gen).Synthesize(context.Background(), derivativeInput())
	require.NoError(t, err)
	assert.True(t, d.OutputPassed)
	assert.Equal(t, 1, d.Attempts)
	assert.Contains(t, d.Text, "2x + 3")
	assert.GreaterOrEqual(t, d.Confidence, 0.7)
	assert.Contains(t, gen.requests[0].UserPrompt, "Verified computation (derivative): 2x + 3")
}

func TestSynthesize_RetriesWithSimplifiedPrompt(t *testing.T) {
	in := derivativeInput()
	gen := &scriptedGenerator{responses: []string{"", "Step 1: differentiate term by term.\nFinal answer: 2x + 3"}}

	d, err := newSynth(gen).Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, d.OutputPassed)
	assert.Equal(t, 2, d.Attempts)
	require.Len(t, gen.requests, 2)
	assert.Equal(t, simplifiedSystemPrompt, gen.requests[1].SystemPrompt)
	assert.NotContains(t, gen.requests[1].UserPrompt, "Similar solved problems")
}

func TestSynthesize_OutputStillFailingIsCapped(t *testing.T) {
	in := derivativeInput()
	gen := &scriptedGenerator{responses: []string{in.Question.Normalized}}

	d, err := newSynth(gen).Synthesize(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, d.OutputPassed)
	assert.Equal(t, domain.ReasonEcho, d.OutputReason)
	assert.Equal(t, 2, d.Attempts)
	assert.LessOrEqual(t, d.Confidence, 0.5)
	assert.True(t, d.Fallback)
	assert.Contains(t, d.Text, "Final answer: 2x + 3")
}

func TestSynthesize_GeneratorDownUsesFallback(t *testing.T) {
	down := errors.New("connection refused")
	gen := &scriptedGenerator{errs: []error{down, down}}

	d, err := newSynth(gen).Synthesize(context.Background(), derivativeInput())
	require.Error(t, err)
	assert.True(t, domain.IsCategory(err, domain.ErrCatSynthesis))
	assert.True(t, d.Fallback)
	assert.False(t, d.OutputPassed)
	assert.Equal(t, domain.ReasonGenerationFailed, d.OutputReason)
	assert.True(t, strings.HasSuffix(d.Text, "Final answer: 2x + 3"))
	assert.LessOrEqual(t, d.Confidence, 0.5)
}

func TestSynthesize_NothingAvailable(t *testing.T) {
	down := errors.New("connection refused")
	gen := &scriptedGenerator{errs: []error{down, down}}
	in := Input{Question: domain.Question{Normalized: "Explain what a group is in abstract algebra"}}

	d, err := newSynth(gen).Synthesize(context.Background(), in)
	require.Error(t, err)
	assert.True(t, domain.IsCategory(err, domain.ErrCatSynthesis))
	assert.Empty(t, d.Text)
}

func TestSynthesize_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newSynth(&scriptedGenerator{responses: []string{"x"}}).Synthesize(ctx, derivativeInput())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFallback(t *testing.T) {
	_, ok := Fallback(Input{Question: domain.Question{Normalized: "q"}})
	assert.False(t, ok)

	text, ok := Fallback(Input{
		Question:   domain.Question{Normalized: "What is the largest known prime?"},
		WebResults: []domain.WebSearchResult{{Title: "GIMPS", URL: "https://www.mersenne.org", Snippet: "The largest known prime is 2^136279841 - 1."}},
	})
	require.True(t, ok)
	assert.Contains(t, text, "GIMPS")
	assert.Contains(t, text, "Final answer: The largest known prime is 2^136279841 - 1.")
}
