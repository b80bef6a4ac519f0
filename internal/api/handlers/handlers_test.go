package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/feedback"
	"github.com/math-agent/backend/internal/routing"
	"github.com/math-agent/backend/internal/solver"
)

type fakeSolver struct {
	got solver.SolveRequest
	sol *domain.Solution
	rej *domain.Rejection
	err error
}

func (f *fakeSolver) Solve(_ context.Context, req solver.SolveRequest) (*domain.Solution, *domain.Rejection, error) {
	f.got = req
	return f.sol, f.rej, f.err
}

type fakeStatus struct{}

func (fakeStatus) Health(context.Context) domain.Health {
	return domain.Health{
		Status:                      domain.HealthDegraded,
		ComputationServiceAvailable: true,
		Components:                  map[string]bool{"retrieval": false, "computation": true},
	}
}

func (fakeStatus) ComputationTools(context.Context) domain.ToolsInfo {
	return domain.ToolsInfo{Available: true, ToolCount: 1, Tools: []domain.ToolInfo{{Name: "derivative", Description: "d/dx"}}}
}

func (fakeStatus) KnowledgeBaseStats(context.Context) domain.KnowledgeBaseStats {
	return domain.KnowledgeBaseStats{TotalProblems: 2, Topics: []string{"derivatives", "equations"}}
}

type fakeLoader struct {
	added []domain.KnowledgeBaseEntry
	err   error
}

func (f *fakeLoader) Add(_ context.Context, entries []domain.KnowledgeBaseEntry) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, entries...)
	return nil
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestSolve_ReturnsSolution(t *testing.T) {
	s := &fakeSolver{sol: &domain.Solution{
		SessionID:  "s1",
		Question:   "What is 2 + 2?",
		Text:       "Final answer: 4",
		Confidence: 0.8,
		Sources:    domain.NewSources(domain.SourceComputation, domain.SourceReasoning),
		Guardrails: domain.GuardrailVerdict{Input: true, Output: true},
	}}
	app := fiber.New()
	app.Post("/solve", NewSolveHandler(s).HandleSolve)

	code, body := do(t, app, "POST", "/solve", `{"question":"What is 2 + 2?"}`)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, "Final answer: 4", body["solution"])
	assert.Equal(t, []interface{}{"Computation", "Reasoning"}, body["sources"])
	assert.True(t, s.got.UseComputationService)

	do(t, app, "POST", "/solve", `{"question":"What is 2 + 2?","use_computation_service":false}`)
	assert.False(t, s.got.UseComputationService)
}

func TestSolve_Rejection(t *testing.T) {
	s := &fakeSolver{rej: &domain.Rejection{
		SessionID: "s2",
		Reason:    domain.ReasonEmptyInput,
		Message:   "Please enter a math question.",
	}}
	app := fiber.New()
	app.Post("/solve", NewSolveHandler(s).HandleSolve)

	code, body := do(t, app, "POST", "/solve", `{"question":""}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)
	assert.Equal(t, "empty_input", body["reason"])
}

func TestSolve_Errors(t *testing.T) {
	app := fiber.New()
	s := &fakeSolver{err: domain.NewFatalError(errors.New("generator down"))}
	app.Post("/solve", NewSolveHandler(s).HandleSolve)

	code, body := do(t, app, "POST", "/solve", `{"question":"Explain limits"}`)
	assert.Equal(t, fiber.StatusInternalServerError, code)
	assert.Equal(t, "unable to produce a solution for this question", body["error"])
	assert.NotContains(t, body["error"], "generator down")

	code, _ = do(t, app, "POST", "/solve", `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestFeedback(t *testing.T) {
	agg := feedback.NewAggregator(nil)
	agg.Register("s1", domain.StrategyComputation, domain.CategoryCalculus)
	h := NewFeedbackHandler(agg)
	app := fiber.New()
	app.Post("/feedback", h.SubmitFeedback)
	app.Get("/feedback/analytics", h.GetAnalytics)

	code, _ := do(t, app, "POST", "/feedback", `{"session_id":"s1","rating":5,"comments":{"clarity":"clear"}}`)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = do(t, app, "POST", "/feedback", `{"session_id":"s1","rating":4}`)
	assert.Equal(t, fiber.StatusOK, code)

	code, body := do(t, app, "POST", "/feedback", `{"session_id":"s1","rating":7}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Contains(t, body["error"], "rating")

	code, _ = do(t, app, "POST", "/feedback", `{"session_id":"nope","rating":3}`)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, body = do(t, app, "GET", "/feedback/analytics", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, 2.0, body["total_feedback"])
	assert.Equal(t, 4.5, body["average_rating"])
	assert.Equal(t, map[string]interface{}{"4": 1.0, "5": 1.0}, body["rating_distribution"])
}

func TestStatusEndpoints(t *testing.T) {
	store := routing.NewStore(domain.DefaultRoutingParameters(), nil)
	h := NewStatusHandler(fakeStatus{}, store)
	app := fiber.New()
	app.Get("/health", h.GetHealth)
	app.Get("/tools", h.GetComputationTools)
	app.Get("/kb", h.GetKnowledgeBaseStats)
	app.Get("/routing", h.GetRoutingParameters)

	_, body := do(t, app, "GET", "/health", "")
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["computation_service_available"])

	_, body = do(t, app, "GET", "/tools", "")
	assert.Equal(t, 1.0, body["tool_count"])

	_, body = do(t, app, "GET", "/kb", "")
	assert.Equal(t, 2.0, body["total_problems"])

	_, body = do(t, app, "GET", "/routing", "")
	assert.Equal(t, 1.0, body["version"])
	assert.Equal(t, 0.8, body["high_similarity"])
}

func TestComponentsEndpoint(t *testing.T) {
	h := NewStatusHandler(fakeStatus{}, routing.NewStore(domain.DefaultRoutingParameters(), nil))
	app := fiber.New()
	app.Get("/system/components", h.GetComponents)

	code, body := do(t, app, "GET", "/system/components", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, 2.0, body["total"])
	assert.Equal(t, []interface{}{"computation"}, body["available"])
	assert.Equal(t, "degraded", body["system_status"])
	assert.Equal(t, map[string]interface{}{"retrieval": false, "computation": true}, body["components"])
}

func TestInfoListsRoutes(t *testing.T) {
	app := fiber.New()
	app.Get("/", Info("math-agent", "9.9.9"))
	app.Post("/api/v1/solve", func(c *fiber.Ctx) error { return nil })

	code, body := do(t, app, "GET", "/", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "math-agent", body["name"])
	assert.Equal(t, "9.9.9", body["version"])
	assert.ElementsMatch(t, []interface{}{"GET /", "POST /api/v1/solve"}, body["endpoints"])
}

func TestKnowledgeAddEntry(t *testing.T) {
	loader := &fakeLoader{}
	refreshed := 0
	app := fiber.New()
	app.Post("/entries", NewKnowledgeHandler(loader, func(context.Context) { refreshed++ }).AddEntry)

	code, body := do(t, app, "POST", "/entries", `{"problem":"Solve 3x = 9","solution":"x = 3"}`)
	assert.Equal(t, fiber.StatusCreated, code)
	require.Len(t, loader.added, 1)
	assert.Equal(t, body["id"], loader.added[0].ID)
	assert.Equal(t, "api", loader.added[0].Source)
	assert.Equal(t, 1, refreshed)

	code, _ = do(t, app, "POST", "/entries", `{"problem":"  ","solution":"x"}`)
	assert.Equal(t, fiber.StatusBadRequest, code)

	loader.err = errors.New("index down")
	code, _ = do(t, app, "POST", "/entries", `{"problem":"Solve 3x = 9","solution":"x = 3"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
}

func TestChunks(t *testing.T) {
	assert.Equal(t, []string{"Step ", "1:", "\n", "Final ", "answer: ", "4"}, chunks("Step  1:\nFinal answer: 4"))
	assert.Empty(t, chunks(""))
}

type failingWriter struct{ writes int }

func (w *failingWriter) WriteJSON(interface{}) error {
	w.writes++
	return errors.New("broken pipe")
}

type recordingWriter struct{ events []map[string]interface{} }

func (w *recordingWriter) WriteJSON(v interface{}) error {
	w.events = append(w.events, v.(map[string]interface{}))
	return nil
}

// stepSolver reports one progress state, then returns what its context
// looked like at that point.
type stepSolver struct {
	ctxErr error
}

func (s *stepSolver) Solve(ctx context.Context, req solver.SolveRequest) (*domain.Solution, *domain.Rejection, error) {
	req.Observer(solver.StateInputValidated, "")
	s.ctxErr = ctx.Err()
	if s.ctxErr != nil {
		return nil, nil, s.ctxErr
	}
	req.Observer(solver.StateCompleted, "")
	return &domain.Solution{SessionID: "s1", Text: "Final answer: 4"}, nil, nil
}

func TestStreamSolution_ClientGoneCancelsSolve(t *testing.T) {
	s := &stepSolver{}
	w := &failingWriter{}

	err := NewWebSocketHandler(s).streamSolution(w, SolveRequest{Question: "What is 2 + 2?"})
	require.Error(t, err)
	assert.ErrorIs(t, s.ctxErr, context.Canceled)
	assert.Equal(t, 1, w.writes)
}

func TestStreamSolution_Events(t *testing.T) {
	s := &stepSolver{}
	w := &recordingWriter{}

	require.NoError(t, NewWebSocketHandler(s).streamSolution(w, SolveRequest{Question: "What is 2 + 2?"}))
	require.NoError(t, s.ctxErr)

	var types []interface{}
	for _, e := range w.events {
		types = append(types, e["type"])
	}
	assert.Equal(t, []interface{}{EventStatus, EventChunk, EventChunk, EventChunk, EventSolution, EventComplete}, types)
}
