package evaluation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/solver"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/internal/storage/sqlite"
)

// tableSolver answers from a fixed map; questions mapped to "" are rejected
// and unknown ones fail.
type tableSolver map[string]string

func (s tableSolver) Solve(_ context.Context, req solver.SolveRequest) (*domain.Solution, *domain.Rejection, error) {
	answer, ok := s[req.Question]
	if !ok {
		return nil, nil, domain.NewFatalError(errors.New("no answer"))
	}
	if answer == "" {
		return nil, &domain.Rejection{Reason: domain.ReasonNotMath}, nil
	}
	return &domain.Solution{
		SessionID:  req.Question,
		Text:       answer,
		Confidence: 0.8,
		Strategy:   domain.StrategyComputation,
		Sources:    domain.NewSources(domain.SourceComputation, domain.SourceReasoning),
	}, nil, nil
}

type memResults struct {
	mu   sync.Mutex
	rows []*models.EvaluationResult
}

func (m *memResults) InsertEvaluationResult(_ context.Context, r *models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r)
	return nil
}

func TestRun(t *testing.T) {
	s := tableSolver{
		"What is the derivative of x^2 + 3x + 2?": "Step 1: power rule.\nFinal answer: 2x + 3",
		"Solve 2x + 4 = 10":                       "Final answer: x = 5",
		"Tell me a story":                         "",
	}
	items := []DatasetItem{
		{Question: "What is the derivative of x^2 + 3x + 2?", Expected: "2x+3"},
		{Question: "Solve 2x + 4 = 10", Expected: "x = 3"},
		{Question: "Tell me a story", Expected: "n/a"},
		{Question: "Unanswerable", Expected: "42"},
	}
	store := &memResults{}

	e := NewEvaluator(s, embedding.NewHashingEmbedder(64), store, Config{Workers: 2, PassSimilarity: 0.999})
	report, results, err := e.Run(context.Background(), items)
	require.NoError(t, err)

	require.Len(t, results, 4)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.Equal(t, OutcomeRejected, results[2].Outcome)
	assert.Equal(t, OutcomeFailed, results[3].Outcome)

	assert.Equal(t, 4, report.TotalQuestions)
	assert.Equal(t, 2, report.Answered)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Passed)
	assert.InDelta(t, 25.0, report.PassRate, 1e-9)
	assert.InDelta(t, 0.8, report.AvgConfidence, 1e-9)
	assert.Equal(t, 2, report.ByStrategy[domain.StrategyComputation])
	assert.Equal(t, 2, report.BySource["Reasoning"])

	assert.Len(t, store.rows, 4)
	for _, row := range store.rows {
		assert.Equal(t, report.RunID, row.RunID)
	}

	text := GenerateReport(report)
	assert.Contains(t, text, "Passed: 1 (25.0%)")
	assert.Contains(t, text, "- use_computation_service: 2")
}

func TestContainsAnswer(t *testing.T) {
	assert.True(t, containsAnswer("Final answer: X = 3", "x=3"))
	assert.True(t, containsAnswer("The derivative is 2x + 3.", "2x+3"))
	assert.False(t, containsAnswer("x = 4", "x = 3"))
	assert.False(t, containsAnswer("anything", "  "))
}

func TestLoadDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"question":"What is 2 + 2?","expected":"4","category":"arithmetic"}]`), 0o644))

	items, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, []DatasetItem{{Question: "What is 2 + 2?", Expected: "4", Category: "arithmetic"}}, items)

	_, err = LoadDataset(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRun_PersistsToSQLite(t *testing.T) {
	db, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.InitSchema())

	e := NewEvaluator(tableSolver{"What is 2 + 2?": "4"}, nil, db, Config{})
	report, _, err := e.Run(context.Background(), []DatasetItem{{Question: "What is 2 + 2?", Expected: "4"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Passed)
}
