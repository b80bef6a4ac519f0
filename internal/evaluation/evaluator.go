// Package evaluation runs a labeled question set through the solver and
// scores the answers against the expected ones.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/guardrail"
	"github.com/math-agent/backend/internal/solver"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/pkg/logger"
)

type Solver interface {
	Solve(ctx context.Context, req solver.SolveRequest) (*domain.Solution, *domain.Rejection, error)
}

type ResultStore interface {
	InsertEvaluationResult(ctx context.Context, r *models.EvaluationResult) error
}

type DatasetItem struct {
	Question string `json:"question"`
	Expected string `json:"expected"`
	Category string `json:"category,omitempty"`
}

type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

type ItemResult struct {
	Item             DatasetItem
	Outcome          Outcome
	Answer           string
	Confidence       float64
	CosineSimilarity float64
	Passed           bool
	Strategy         domain.Strategy
	Sources          domain.Sources
}

type Report struct {
	RunID               string
	TotalQuestions      int
	Answered            int
	Rejected            int
	Failed              int
	Passed              int
	PassRate            float64
	AvgConfidence       float64
	AvgCosineSimilarity float64
	ByStrategy          map[domain.Strategy]int
	BySource            map[string]int
	Duration            time.Duration
}

type Config struct {
	Workers int
	// PassSimilarity is the cosine similarity at which an answer that does
	// not contain the expected text still passes.
	PassSimilarity        float64
	UseComputationService bool
}

type Evaluator struct {
	solver   Solver
	embedder embedding.Embedder
	store    ResultStore
	cfg      Config
}

// NewEvaluator accepts a nil store, in which case results are not persisted.
func NewEvaluator(s Solver, embedder embedding.Embedder, store ResultStore, cfg Config) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PassSimilarity <= 0 {
		cfg.PassSimilarity = 0.8
	}
	return &Evaluator{solver: s, embedder: embedder, store: store, cfg: cfg}
}

func LoadDataset(path string) ([]DatasetItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	var items []DatasetItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return items, nil
}

// Run evaluates every item on a bounded worker pool. Results come back in
// dataset order.
func (e *Evaluator) Run(ctx context.Context, items []DatasetItem) (*Report, []ItemResult, error) {
	runID := uuid.NewString()
	start := time.Now()
	logger.Info("Running dataset evaluation", zap.String("run_id", runID), zap.Int("items", len(items)))

	pool, err := ants.NewPool(e.cfg.Workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("Evaluation worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	results := make([]ItemResult, len(items))
	var wg sync.WaitGroup
	for i := range items {
		i := i
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = e.evaluate(ctx, runID, items[i])
		})
		if err != nil {
			wg.Done()
			results[i] = ItemResult{Item: items[i], Outcome: OutcomeFailed}
			logger.Error("Failed to submit evaluation task", zap.Error(err))
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	report := summarize(results)
	report.RunID = runID
	report.Duration = time.Since(start)

	logger.Info("Dataset evaluation completed",
		zap.String("run_id", runID),
		zap.Int("total", report.TotalQuestions),
		zap.Int("passed", report.Passed),
		zap.Float64("pass_rate", report.PassRate),
	)
	return report, results, nil
}

func (e *Evaluator) evaluate(ctx context.Context, runID string, item DatasetItem) ItemResult {
	res := ItemResult{Item: item}

	sol, rej, err := e.solver.Solve(ctx, solver.SolveRequest{
		Question:              item.Question,
		UseComputationService: e.cfg.UseComputationService,
	})
	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
		logger.Warn("Evaluation question failed", zap.String("question", item.Question), zap.Error(err))
	case rej != nil:
		res.Outcome = OutcomeRejected
	default:
		res.Outcome = OutcomeAnswered
		res.Answer = sol.Text
		res.Confidence = sol.Confidence
		res.Strategy = sol.Strategy
		res.Sources = sol.Sources
		res.CosineSimilarity = e.similarity(ctx, sol.Text, item.Expected)
		res.Passed = containsAnswer(sol.Text, item.Expected) || res.CosineSimilarity >= e.cfg.PassSimilarity
	}

	if e.store != nil {
		err := e.store.InsertEvaluationResult(context.WithoutCancel(ctx), &models.EvaluationResult{
			RunID:            runID,
			Question:         item.Question,
			Expected:         item.Expected,
			Answer:           res.Answer,
			Confidence:       res.Confidence,
			CosineSimilarity: res.CosineSimilarity,
			Passed:           res.Passed,
			Sources:          res.Sources.String(),
			CreatedAt:        time.Now(),
		})
		if err != nil {
			logger.Warn("Failed to store evaluation result", zap.Error(err))
		}
	}
	return res
}

func (e *Evaluator) similarity(ctx context.Context, answer, expected string) float64 {
	if e.embedder == nil || expected == "" {
		return 0
	}
	a, err := e.embedder.Embed(ctx, answer)
	if err != nil {
		logger.Warn("Failed to embed answer", zap.Error(err))
		return 0
	}
	b, err := e.embedder.Embed(ctx, expected)
	if err != nil {
		logger.Warn("Failed to embed expected answer", zap.Error(err))
		return 0
	}
	return embedding.Cosine(a, b)
}

// containsAnswer compares with whitespace removed, so "2x+3" matches
// "2x + 3".
func containsAnswer(answer, expected string) bool {
	squash := func(s string) string {
		s = strings.ToLower(guardrail.Normalize(s))
		return strings.Join(strings.Fields(s), "")
	}
	exp := squash(expected)
	return exp != "" && strings.Contains(squash(answer), exp)
}

func summarize(results []ItemResult) *Report {
	r := &Report{
		TotalQuestions: len(results),
		ByStrategy:     map[domain.Strategy]int{},
		BySource:       map[string]int{},
	}
	var confidence, cosine float64
	for _, res := range results {
		switch res.Outcome {
		case OutcomeRejected:
			r.Rejected++
			continue
		case OutcomeFailed:
			r.Failed++
			continue
		}
		r.Answered++
		if res.Passed {
			r.Passed++
		}
		confidence += res.Confidence
		cosine += res.CosineSimilarity
		r.ByStrategy[res.Strategy]++
		for _, s := range res.Sources.Strings() {
			r.BySource[s]++
		}
	}
	if r.TotalQuestions > 0 {
		r.PassRate = float64(r.Passed) / float64(r.TotalQuestions) * 100
	}
	if r.Answered > 0 {
		r.AvgConfidence = confidence / float64(r.Answered)
		r.AvgCosineSimilarity = cosine / float64(r.Answered)
	}
	return r
}

func GenerateReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Evaluation Report
=================

Run: %s
Total Questions: %d (%s)

Outcomes:
- Answered: %d
- Rejected: %d
- Failed: %d

Passed: %d (%.1f%%)
Average Confidence: %.3f
Average Cosine Similarity: %.3f
`,
		r.RunID, r.TotalQuestions, r.Duration.Round(time.Millisecond),
		r.Answered, r.Rejected, r.Failed,
		r.Passed, r.PassRate,
		r.AvgConfidence,
		r.AvgCosineSimilarity,
	)

	if len(r.ByStrategy) > 0 {
		b.WriteString("\nStrategies:\n")
		for _, k := range sortedKeys(r.ByStrategy) {
			fmt.Fprintf(&b, "- %s: %d\n", k, r.ByStrategy[domain.Strategy(k)])
		}
	}
	if len(r.BySource) > 0 {
		b.WriteString("\nSources:\n")
		for _, k := range sortedKeys(r.BySource) {
			fmt.Fprintf(&b, "- %s: %d\n", k, r.BySource[k])
		}
	}
	return b.String()
}

func sortedKeys[K ~string](m map[K]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
