// Package solver runs the request pipeline: input guardrail, retrieval and
// web search fan-out, routing, computation, synthesis and output guardrail.
package solver

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/guardrail"
	"github.com/math-agent/backend/internal/knowledge"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/internal/routing"
	"github.com/math-agent/backend/internal/search/web"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/internal/synthesis"
)

type Retriever interface {
	Retrieve(ctx context.Context, q domain.Question, k int, threshold float64) ([]domain.RetrievalCandidate, error)
	Available(ctx context.Context) bool
}

type Searcher interface {
	Augment(ctx context.Context, q domain.Question) ([]domain.WebSearchResult, error)
	Available() bool
}

type Computer interface {
	Execute(ctx context.Context, q domain.Question) (domain.ComputationResult, error)
	Available() bool
	ToolsInfo(ctx context.Context) domain.ToolsInfo
}

type Synthesizer interface {
	Synthesize(ctx context.Context, in synthesis.Input) (synthesis.Draft, error)
}

type SolutionStore interface {
	InsertSolution(ctx context.Context, s *models.SolutionRecord) error
}

// Registrar makes a delivered session ratable.
type Registrar interface {
	Register(sessionID string, strategy domain.Strategy, category domain.Category)
}

type KnowledgeStats interface {
	Stats(ctx context.Context) (domain.KnowledgeBaseStats, error)
}

type availability interface {
	Available() bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the engine. Search, Compute, Solutions, Feedback, Knowledge
// and Generator are optional.
type Deps struct {
	Validator   *guardrail.Validator
	Retriever   Retriever
	Search      Searcher
	Compute     Computer
	Synthesizer Synthesizer
	Routing     *routing.Store
	Solutions   SolutionStore
	Feedback    Registrar
	Knowledge   KnowledgeStats
	Generator   availability
}

type Config struct {
	TopK int
}

type Engine struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if deps.Validator == nil {
		deps.Validator = guardrail.NewValidator(guardrail.DefaultConfig())
	}
	if deps.Routing == nil {
		deps.Routing = routing.NewStore(domain.DefaultRoutingParameters(), nil)
	}
	return &Engine{deps: deps, cfg: cfg, now: time.Now}
}

// SolveRequest carries one question. Observer, when set, is called on every
// state transition of the request.
type SolveRequest struct {
	Question              string
	UseComputationService bool
	Observer              Observer
}

var rejectionMessages = map[domain.ReasonCode]string{
	domain.ReasonEmptyInput:        "Please enter a math question.",
	domain.ReasonTooLong:           "The question is too long. Please shorten it and try again.",
	domain.ReasonTooShort:          "The question is too short to answer.",
	domain.ReasonDisallowedContent: "The question contains content that cannot be processed.",
	domain.ReasonNotMath:           "This does not look like a math question. Please ask a mathematical question.",
}

var errFailed = errors.New("the question could not be answered")

// Solve answers one question. Exactly one of the results is non-nil: a
// Solution, a Rejection from the input guardrail, or an error when the
// request failed. Recoverable component failures degrade the answer
// instead of failing it.
func (e *Engine) Solve(ctx context.Context, req SolveRequest) (*domain.Solution, *domain.Rejection, error) {
	start := e.now()
	tr := newTracker(uuid.NewString(), req.Observer)
	log := tr.log

	tr.to(StateReceived, "")

	q, verdict := e.deps.Validator.ValidateInput(req.Question)
	if !verdict.Input {
		metrics.GuardrailFailures.WithLabelValues("input", string(verdict.InputReason)).Inc()
		msg := rejectionMessages[verdict.InputReason]
		tr.to(StateRejected, msg)
		log.Info("Question rejected", zap.String("reason", string(verdict.InputReason)))
		return nil, &domain.Rejection{
			SessionID:  tr.sessionID,
			Question:   req.Question,
			Reason:     verdict.InputReason,
			Message:    msg,
			Guardrails: verdict,
		}, nil
	}
	tr.to(StateInputValidated, "")

	// one snapshot for the whole request
	params := e.deps.Routing.Current()

	cands, webResults := e.gather(ctx, tr, q, params)
	if err := ctx.Err(); err != nil {
		return e.fail(tr, start, err)
	}
	tr.to(StateRetrieved, "")

	useComputation := req.UseComputationService && e.deps.Compute != nil
	decision := routing.Route(q, cands, params, useComputation)
	strategy := decision.Strategy

	var comp *domain.ComputationResult
	if strategy == domain.StrategyComputation {
		tr.to(StateRoutedComputation, "")
		res, err := e.deps.Compute.Execute(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return e.fail(tr, start, ctx.Err())
			}
			tr.recoverable(err, "Computation failed, falling back to reasoning")
			metrics.ComputationFallbacks.Inc()
			strategy = domain.StrategyReasoningOnly
		} else {
			comp = &res
		}
	} else {
		tr.to(StateRoutedReasoning, "")
	}

	draft, err := e.deps.Synthesizer.Synthesize(ctx, synthesis.Input{
		SessionID:   tr.sessionID,
		Question:    q,
		Strategy:    strategy,
		Seed:        decision.Seed,
		Candidates:  cands,
		WebResults:  webResults,
		Computation: comp,
		Weights:     params.Weights,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return e.fail(tr, start, ctx.Err())
		case draft.Text == "":
			return e.fail(tr, start, err)
		default:
			tr.recoverable(err, "Answer degraded")
		}
	}
	tr.to(StateSynthesized, "")

	verdict.Output = draft.OutputPassed
	verdict.OutputReason = draft.OutputReason
	tr.to(StateOutputValidated, "")

	sol := &domain.Solution{
		SessionID:      tr.sessionID,
		Question:       req.Question,
		Text:           draft.Text,
		Confidence:     draft.Confidence,
		ProcessingTime: math.Round(e.now().Sub(start).Seconds()*1000) / 1000,
		Sources:        draft.Sources,
		Guardrails:     verdict,
		Strategy:       strategy,
		Category:       decision.Category,
		CreatedAt:      e.now().UTC(),
	}
	e.record(ctx, tr, sol)

	tr.to(StateCompleted, "")
	metrics.SolveDuration.WithLabelValues(string(strategy)).Observe(e.now().Sub(start).Seconds())
	metrics.ConfidenceScore.Observe(sol.Confidence)
	for _, s := range sol.Sources.Strings() {
		metrics.SourcesUsed.WithLabelValues(s).Inc()
	}

	log.Info("Question solved",
		zap.String("strategy", string(strategy)),
		zap.String("category", string(decision.Category)),
		zap.Float64("confidence", sol.Confidence),
		zap.Strings("sources", sol.Sources.Strings()),
		zap.Bool("output_passed", verdict.Output),
		zap.Float64("processing_time", sol.ProcessingTime),
	)
	return sol, nil, nil
}

// gather runs retrieval and web search concurrently. Search starts right
// away for time-sensitive questions, otherwise only after retrieval came
// back weak. Both arms swallow their errors as recoverable.
func (e *Engine) gather(ctx context.Context, tr *tracker, q domain.Question, params domain.RoutingParameters) ([]domain.RetrievalCandidate, []domain.WebSearchResult) {
	var (
		cands   []domain.RetrievalCandidate
		results []domain.WebSearchResult
	)
	g, gctx := errgroup.WithContext(ctx)

	search := func(reason string) {
		metrics.WebSearchTriggered.WithLabelValues(reason).Inc()
		g.Go(func() error {
			res, err := e.deps.Search.Augment(gctx, q)
			if err != nil {
				tr.recoverable(err, "Web search unavailable")
				return nil
			}
			results = res
			return nil
		})
	}

	speculative := e.deps.Search != nil && q.TimeSensitive
	if speculative {
		search("time_sensitive")
	}

	g.Go(func() error {
		res, err := e.deps.Retriever.Retrieve(gctx, q, e.cfg.TopK, params.KnowledgeThreshold)
		if err != nil {
			tr.recoverable(err, "Knowledge retrieval unavailable")
		}
		cands = res

		if e.deps.Search != nil && !speculative {
			if ok, reason := web.ShouldSearch(q, knowledge.TopSimilarity(res), params.WebSearchThreshold); ok {
				search(reason)
			}
		}
		return nil
	})

	_ = g.Wait()
	return cands, results
}

func (e *Engine) record(ctx context.Context, tr *tracker, sol *domain.Solution) {
	if e.deps.Solutions != nil {
		err := e.deps.Solutions.InsertSolution(context.WithoutCancel(ctx), &models.SolutionRecord{
			SessionID:      sol.SessionID,
			Question:       sol.Question,
			Solution:       sol.Text,
			Confidence:     sol.Confidence,
			ProcessingTime: sol.ProcessingTime,
			Sources:        sol.Sources.String(),
			Strategy:       string(sol.Strategy),
			Category:       string(sol.Category),
			InputPassed:    sol.Guardrails.Input,
			OutputPassed:   sol.Guardrails.Output,
			CreatedAt:      sol.CreatedAt,
		})
		if err != nil {
			tr.log.Error("Failed to store solution", zap.Error(err))
		}
	}
	if e.deps.Feedback != nil {
		e.deps.Feedback.Register(sol.SessionID, sol.Strategy, sol.Category)
	}
}

func (e *Engine) fail(tr *tracker, start time.Time, err error) (*domain.Solution, *domain.Rejection, error) {
	tr.to(StateFailed, errFailed.Error())
	tr.log.Error("Request failed", zap.Error(err), zap.Duration("elapsed", e.now().Sub(start)))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil, err
	}
	return nil, nil, domain.NewFatalError(err)
}
