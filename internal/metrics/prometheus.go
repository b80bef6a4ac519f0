package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/math-agent/backend/pkg/circuitbreaker"
)

var (
	SolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "math_agent_solve_duration_seconds",
			Help:    "End-to-end solve duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"strategy"},
	)

	SolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_solve_total",
			Help: "Total number of solve requests by terminal state",
		},
		[]string{"state"},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_state_transitions_total",
			Help: "Request state machine transitions",
		},
		[]string{"state"},
	)

	GuardrailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_guardrail_failures_total",
			Help: "Guardrail failures by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "math_agent_confidence_score",
			Help:    "Solution confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	SourcesUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_sources_used_total",
			Help: "Provenance tags attached to solutions",
		},
		[]string{"source"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "math_agent_retrieval_results_count",
			Help:    "Number of knowledge base candidates per request",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	WebSearchTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_web_search_triggered_total",
			Help: "Web searches triggered by reason",
		},
		[]string{"reason"},
	)

	ComputationCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_computation_calls_total",
			Help: "Computation tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	ComputationFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "math_agent_computation_fallbacks_total",
			Help: "Requests that fell back to reasoning only after a computation failure",
		},
	)

	RecoverableErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_recoverable_errors_total",
			Help: "Recoverable errors by category",
		},
		[]string{"category"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	GenerationAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "math_agent_generation_attempts",
			Help:    "Generation attempts per request",
			Buckets: []float64{1, 2, 3},
		},
	)

	FeedbackRatings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_feedback_ratings_total",
			Help: "User feedback ratings",
		},
		[]string{"rating"},
	)

	AverageRating = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "math_agent_average_rating",
			Help: "Running mean of user ratings",
		},
	)

	RoutingVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "math_agent_routing_parameters_version",
			Help: "Version of the installed routing parameters",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "math_agent_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	KnowledgeEntriesLoaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "math_agent_knowledge_entries_loaded_total",
			Help: "Knowledge base entries indexed",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "math_agent_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			SolveDuration,
			SolveTotal,
			StateTransitions,
			GuardrailFailures,
			ConfidenceScore,
			SourcesUsed,
			RetrievalResultsCount,
			WebSearchTriggered,
			ComputationCalls,
			ComputationFallbacks,
			RecoverableErrors,
			LLMTokensUsed,
			GenerationAttempts,
			FeedbackRatings,
			AverageRating,
			RoutingVersion,
			CacheHits,
			CacheMisses,
			KnowledgeEntriesLoaded,
			BreakerState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// ObserveBreaker is an OnStateChange hook exporting breaker state.
func ObserveBreaker(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}
