package solver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/compute"
	"github.com/math-agent/backend/internal/compute/mathtools"
	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/feedback"
	"github.com/math-agent/backend/internal/guardrail"
	"github.com/math-agent/backend/internal/knowledge"
	"github.com/math-agent/backend/internal/llm"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/internal/synthesis"
	"github.com/math-agent/backend/internal/vector"
	"github.com/math-agent/backend/internal/vector/memory"
)

type fixedGenerator struct {
	text  string
	err   error
	calls atomic.Int32
}

func (g *fixedGenerator) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &llm.CompletionResponse{Content: g.text}, nil
}

func (g *fixedGenerator) Available() bool { return g.err == nil }

type fakeSearcher struct {
	results []domain.WebSearchResult
	err     error
	calls   atomic.Int32
}

func (s *fakeSearcher) Augment(context.Context, domain.Question) ([]domain.WebSearchResult, error) {
	s.calls.Add(1)
	return s.results, s.err
}

func (s *fakeSearcher) Available() bool { return s.err == nil }

type slowService struct{ delay time.Duration }

func (s slowService) Tools(context.Context) ([]domain.ToolInfo, error) { return nil, nil }

func (s slowService) Call(ctx context.Context, _ string, _ map[string]string) (string, error) {
	select {
	case <-time.After(s.delay):
		return "too late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type memSolutions struct {
	mu   sync.Mutex
	rows map[string]*models.SolutionRecord
	err  error
}

func (m *memSolutions) InsertSolution(_ context.Context, s *models.SolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.rows == nil {
		m.rows = map[string]*models.SolutionRecord{}
	}
	m.rows[s.SessionID] = s
	return nil
}

func (m *memSolutions) Ping(context.Context) error { return m.err }

type brokenIndex struct{}

func (brokenIndex) Upsert(context.Context, []domain.KnowledgeBaseEntry) error { return nil }
func (brokenIndex) Search(context.Context, []float32, int) ([]vector.Hit, error) {
	return nil, errors.New("connection refused")
}
func (brokenIndex) Count(context.Context) (int, error) { return 0, errors.New("connection refused") }
func (brokenIndex) Ping(context.Context) error          { return errors.New("connection refused") }

type kbStore struct {
	mu     sync.Mutex
	topics map[string]string
}

func (s *kbStore) UpsertKnowledgeEntries(_ context.Context, entries []models.KnowledgeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics == nil {
		s.topics = map[string]string{}
	}
	for _, e := range entries {
		s.topics[e.ID] = e.Topic
	}
	return nil
}

func (s *kbStore) KnowledgeStats(context.Context) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var topics []string
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	return len(s.topics), topics, nil
}

var seed = []domain.KnowledgeBaseEntry{
	{Problem: "What is the derivative of x^2 + 3x + 2?", Topic: "derivatives", Solution: "Apply the power rule to each term. The derivative is 2x + 3."},
	{Problem: "Solve the equation 2x + 4 = 10", Topic: "equations", Solution: "Subtract 4 and divide by 2: x = 3"},
	{Problem: "Find the area of a circle with radius 3", Topic: "geometry", Solution: "A = πr^2 = 9π"},
}

type harness struct {
	engine    *Engine
	gen       *fixedGenerator
	search    *fakeSearcher
	solutions *memSolutions
	feedback  *feedback.Aggregator
}

type option func(*Deps, *harness)

func withIndex(idx vector.Index) option {
	return func(d *Deps, _ *harness) {
		emb := embedding.NewHashingEmbedder(256)
		d.Retriever = knowledge.NewRetriever(emb, idx, time.Second)
	}
}

func withCompute(svc compute.Service, timeout time.Duration) option {
	return func(d *Deps, _ *harness) {
		d.Compute = compute.NewExecutor(svc, timeout)
	}
}

func newHarness(t *testing.T, answer string, opts ...option) *harness {
	t.Helper()

	emb := embedding.NewHashingEmbedder(256)
	idx := memory.NewIndex(256)
	loader := knowledge.NewLoader(emb, idx, &kbStore{})
	entries := make([]domain.KnowledgeBaseEntry, len(seed))
	copy(entries, seed)
	require.NoError(t, loader.Add(context.Background(), entries))

	h := &harness{
		gen:       &fixedGenerator{text: answer},
		search:    &fakeSearcher{},
		solutions: &memSolutions{},
		feedback:  feedback.NewAggregator(nil),
	}
	validator := guardrail.NewValidator(guardrail.DefaultConfig())
	deps := Deps{
		Validator:   validator,
		Retriever:   knowledge.NewRetriever(emb, idx, time.Second),
		Search:      h.search,
		Compute:     compute.NewExecutor(mathtools.NewEngine(), time.Second),
		Synthesizer: synthesis.NewSynthesizer(h.gen, validator, synthesis.Config{Backoff: time.Millisecond}),
		Solutions:   h.solutions,
		Feedback:    h.feedback,
		Knowledge:   loader,
		Generator:   h.gen,
	}
	for _, opt := range opts {
		opt(&deps, h)
	}
	h.engine = NewEngine(deps, Config{TopK: 3})
	return h
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(s State, _ string) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func assertInvariants(t *testing.T, sol *domain.Solution) {
	t.Helper()
	assert.NotEmpty(t, sol.SessionID)
	assert.True(t, sol.Guardrails.Input)
	assert.GreaterOrEqual(t, sol.Confidence, 0.0)
	assert.LessOrEqual(t, sol.Confidence, 1.0)
	assert.True(t, sol.Sources.Has(domain.SourceReasoning))
	assert.GreaterOrEqual(t, sol.ProcessingTime, 0.0)
}

func TestSolve_Derivative(t *testing.T) {
	h := newHarness(t, "Step 1: apply the power rule to each term.\nFinal answer: 2x + 3")
	rec := &recorder{}

	sol, rej, err := h.engine.Solve(context.Background(), SolveRequest{
		Question:              "What is the derivative of x^2 + 3x + 2?",
		UseComputationService: true,
		Observer:              rec.observe,
	})
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, sol)

	assertInvariants(t, sol)
	assert.Contains(t, sol.Text, "2x + 3")
	assert.GreaterOrEqual(t, sol.Confidence, 0.7)
	assert.True(t, sol.Guardrails.Output)
	assert.Equal(t, domain.StrategyComputation, sol.Strategy)
	assert.Equal(t, domain.CategoryCalculus, sol.Category)
	assert.Equal(t, []string{"KnowledgeBase", "Computation", "Reasoning"}, sol.Sources.Strings())
	assert.Zero(t, h.search.calls.Load())

	assert.Equal(t, []State{
		StateReceived, StateInputValidated, StateRetrieved, StateRoutedComputation,
		StateSynthesized, StateOutputValidated, StateCompleted,
	}, rec.states)

	stored := h.solutions.rows[sol.SessionID]
	require.NotNil(t, stored)
	assert.Equal(t, "KnowledgeBase,Computation,Reasoning", stored.Sources)

	require.NoError(t, h.feedback.Record(context.Background(), domain.FeedbackRecord{SessionID: sol.SessionID, Rating: 5}))
}

func TestSolve_EmptyQuestionRejected(t *testing.T) {
	h := newHarness(t, "unused")
	rec := &recorder{}

	sol, rej, err := h.engine.Solve(context.Background(), SolveRequest{Question: "   ", Observer: rec.observe})
	require.NoError(t, err)
	assert.Nil(t, sol)
	require.NotNil(t, rej)
	assert.Equal(t, domain.ReasonEmptyInput, rej.Reason)
	assert.False(t, rej.Guardrails.Input)
	assert.NotEmpty(t, rej.Message)
	assert.Equal(t, []State{StateReceived, StateRejected}, rec.states)

	assert.Zero(t, h.gen.calls.Load())
	assert.Empty(t, h.solutions.rows)
	assert.Error(t, h.feedback.Record(context.Background(), domain.FeedbackRecord{SessionID: rej.SessionID, Rating: 3}))
}

func TestSolve_NonMathRejected(t *testing.T) {
	h := newHarness(t, "unused")

	_, rej, err := h.engine.Solve(context.Background(), SolveRequest{Question: "Tell me a story about dragons"})
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.ReasonNotMath, rej.Reason)
}

func TestSolve_TimeSensitiveUsesWebSearch(t *testing.T) {
	h := newHarness(t, "According to GIMPS the largest known prime is 2^136279841 - 1, a Mersenne prime.")
	h.search.results = []domain.WebSearchResult{{
		Title:   "GIMPS discovers largest known prime",
		URL:     "https://www.mersenne.org/primes/",
		Snippet: "The largest known prime is 2^136279841 - 1, a Mersenne prime found in 2024.",
	}}

	sol, rej, err := h.engine.Solve(context.Background(), SolveRequest{
		Question: "What is the largest known prime number discovered so far?",
	})
	require.NoError(t, err)
	require.Nil(t, rej)

	assertInvariants(t, sol)
	assert.Equal(t, int32(1), h.search.calls.Load())
	assert.True(t, sol.Sources.Has(domain.SourceWebSearch))
	assert.True(t, sol.Guardrails.Output)
	assert.Contains(t, sol.Text, "2^136279841 - 1")
}

func TestSolve_WebSearchFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, "The largest known prime is a Mersenne prime.")
	h.search.err = domain.NewWebSearchError("search timed out", context.DeadlineExceeded)

	sol, _, err := h.engine.Solve(context.Background(), SolveRequest{
		Question: "What is the largest known prime number discovered so far?",
	})
	require.NoError(t, err)
	require.NotNil(t, sol)
	assert.False(t, sol.Sources.Has(domain.SourceWebSearch))
}

func TestSolve_HighSimilarityDoesNotSearch(t *testing.T) {
	h := newHarness(t, "Subtract 4 from both sides and divide by 2, so x = 3.")

	sol, _, err := h.engine.Solve(context.Background(), SolveRequest{
		Question:              "Solve the equation 2x + 4 = 10",
		UseComputationService: true,
	})
	require.NoError(t, err)
	require.NotNil(t, sol)
	assert.Zero(t, h.search.calls.Load())
	assert.True(t, sol.Sources.Has(domain.SourceKnowledgeBase))
	assert.True(t, sol.Sources.Has(domain.SourceComputation))
}

func TestSolve_IndexUnreachable(t *testing.T) {
	h := newHarness(t, "Step 1: differentiate each term.\nFinal answer: 2x + 3", withIndex(brokenIndex{}))

	sol, rej, err := h.engine.Solve(context.Background(), SolveRequest{
		Question:              "What is the derivative of x^2 + 3x + 2?",
		UseComputationService: true,
	})
	require.NoError(t, err)
	require.Nil(t, rej)

	assertInvariants(t, sol)
	assert.False(t, sol.Sources.Has(domain.SourceKnowledgeBase))
	assert.True(t, sol.Sources.Has(domain.SourceComputation))
	assert.Contains(t, sol.Text, "2x + 3")

	healthy := newHarness(t, "Step 1: differentiate each term.\nFinal answer: 2x + 3")
	baseline, _, err := healthy.engine.Solve(context.Background(), SolveRequest{
		Question:              "What is the derivative of x^2 + 3x + 2?",
		UseComputationService: true,
	})
	require.NoError(t, err)
	assert.Less(t, sol.Confidence, baseline.Confidence)

	health := h.engine.Health(context.Background())
	assert.Equal(t, domain.HealthDegraded, health.Status)
	assert.False(t, health.Components[ComponentRetrieval])
}

func TestSolve_ComputationTimeoutFallsBackToReasoning(t *testing.T) {
	h := newHarness(t, "Step 1: apply the power rule.\nFinal answer: 2x + 3",
		withCompute(slowService{delay: time.Second}, 20*time.Millisecond))

	sol, rej, err := h.engine.Solve(context.Background(), SolveRequest{
		Question:              "What is the derivative of x^2 + 3x + 2?",
		UseComputationService: true,
	})
	require.NoError(t, err)
	require.Nil(t, rej)

	assertInvariants(t, sol)
	assert.Equal(t, domain.StrategyReasoningOnly, sol.Strategy)
	assert.False(t, sol.Sources.Has(domain.SourceComputation))
	assert.Contains(t, sol.Text, "2x + 3")
}

func TestSolve_ComputationDisabled(t *testing.T) {
	h := newHarness(t, "Step 1: apply the power rule.\nFinal answer: 2x + 3")
	rec := &recorder{}

	sol, _, err := h.engine.Solve(context.Background(), SolveRequest{
		Question: "What is the derivative of x^2 + 3x + 2?",
		Observer: rec.observe,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyReasoningOnly, sol.Strategy)
	assert.False(t, sol.Sources.Has(domain.SourceComputation))
	assert.Contains(t, rec.states, StateRoutedReasoning)
}

func TestSolve_GeneratorDownWithoutMaterialFails(t *testing.T) {
	h := newHarness(t, "", withIndex(memory.NewIndex(256)))
	h.gen.err = errors.New("connection refused")
	rec := &recorder{}

	sol, rej, err := h.engine.Solve(context.Background(), SolveRequest{
		Question: "Explain the concept of a limit intuitively",
		Observer: rec.observe,
	})
	require.Error(t, err)
	assert.True(t, domain.IsCategory(err, domain.ErrCatFatal))
	assert.Nil(t, sol)
	assert.Nil(t, rej)
	assert.Equal(t, StateFailed, rec.states[len(rec.states)-1])
	assert.Empty(t, h.solutions.rows)
}

func TestSolve_GeneratorDownDegradesAnswer(t *testing.T) {
	h := newHarness(t, "")
	h.gen.err = errors.New("connection refused")

	sol, _, err := h.engine.Solve(context.Background(), SolveRequest{
		Question:              "What is the derivative of x^2 + 3x + 2?",
		UseComputationService: true,
	})
	require.NoError(t, err)
	require.NotNil(t, sol)
	assert.Contains(t, sol.Text, "Final answer: 2x + 3")
	assert.LessOrEqual(t, sol.Confidence, 0.5)
	assert.False(t, sol.Guardrails.Output)
	assert.Equal(t, domain.ReasonGenerationFailed, sol.Guardrails.OutputReason)
}

func TestSolve_Cancelled(t *testing.T) {
	h := newHarness(t, "Final answer: 2x + 3")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sol, rej, err := h.engine.Solve(ctx, SolveRequest{Question: "What is the derivative of x^2 + 3x + 2?"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, sol)
	assert.Nil(t, rej)
	assert.Empty(t, h.solutions.rows)
	assert.Zero(t, h.feedback.Snapshot().TotalFeedback)
}

func TestSolve_StorageFailureStillDelivers(t *testing.T) {
	h := newHarness(t, "Step 1: apply the power rule.\nFinal answer: 2x + 3")
	h.solutions.err = errors.New("database is locked")

	sol, _, err := h.engine.Solve(context.Background(), SolveRequest{
		Question:              "What is the derivative of x^2 + 3x + 2?",
		UseComputationService: true,
	})
	require.NoError(t, err)
	require.NotNil(t, sol)
	require.NoError(t, h.feedback.Record(context.Background(), domain.FeedbackRecord{SessionID: sol.SessionID, Rating: 4}))
}

func TestSolve_ConcurrentRequestsAreIndependent(t *testing.T) {
	h := newHarness(t, "Step 1: apply the power rule.\nFinal answer: 2x + 3")

	const n = 8
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sol, _, err := h.engine.Solve(context.Background(), SolveRequest{
				Question:              "What is the derivative of x^2 + 3x + 2?",
				UseComputationService: true,
			})
			if assert.NoError(t, err) {
				ids <- sol.SessionID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t, "ok")
	ctx := context.Background()

	health := h.engine.Health(ctx)
	assert.Equal(t, domain.HealthHealthy, health.Status)
	assert.True(t, health.ComputationServiceAvailable)

	tools := h.engine.ComputationTools(ctx)
	assert.True(t, tools.Available)
	assert.Equal(t, 5, tools.ToolCount)

	stats, err := h.engine.KnowledgeBaseStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(seed), stats.TotalProblems)

	mon := NewStatusMonitor(h.engine, time.Hour)
	mon.Start(ctx)
	defer mon.Stop()
	assert.Equal(t, health, mon.Health(ctx))
	assert.Equal(t, len(seed), mon.KnowledgeBaseStats(ctx).TotalProblems)

	h.gen.err = errors.New("down")
	assert.Equal(t, domain.HealthHealthy, mon.Health(ctx).Status)
	mon.Refresh(ctx)
	assert.Equal(t, domain.HealthDegraded, mon.Health(ctx).Status)

	mon.Stop()
	mon.Stop()
}

func TestHealth_UnwiredComponentsDegrade(t *testing.T) {
	e := NewEngine(Deps{Retriever: knowledge.NewRetriever(embedding.NewHashingEmbedder(8), memory.NewIndex(8), time.Second)}, Config{})
	health := e.Health(context.Background())
	assert.Equal(t, domain.HealthDegraded, health.Status)
	assert.False(t, health.ComputationServiceAvailable)
	assert.Empty(t, e.ComputationTools(context.Background()).Tools)
}
