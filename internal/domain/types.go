package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Category string

const (
	CategoryAlgebraic   Category = "algebraic"
	CategoryCalculus    Category = "calculus"
	CategoryStatistical Category = "statistical"
	CategoryArithmetic  Category = "arithmetic"
	CategoryConceptual  Category = "conceptual"
)

var Categories = []Category{
	CategoryAlgebraic,
	CategoryCalculus,
	CategoryStatistical,
	CategoryArithmetic,
	CategoryConceptual,
}

type Strategy string

const (
	StrategyComputation   Strategy = "use_computation_service"
	StrategyReasoningOnly Strategy = "reasoning_only"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyComputation, StrategyReasoningOnly:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Question is created once per request and not modified after validation.
type Question struct {
	Raw           string   `json:"raw"`
	Normalized    string   `json:"normalized"`
	Category      Category `json:"category"`
	Topic         string   `json:"topic"`
	TimeSensitive bool     `json:"time_sensitive"`
}

type KnowledgeBaseEntry struct {
	ID        string    `json:"id"`
	Problem   string    `json:"problem"`
	Topic     string    `json:"topic"`
	Solution  string    `json:"solution"`
	Embedding []float32 `json:"-"`
	Source    string    `json:"source,omitempty"`
}

type RetrievalCandidate struct {
	Entry      KnowledgeBaseEntry `json:"entry"`
	Similarity float64            `json:"similarity"`
	Rank       int                `json:"rank"`
}

type WebSearchResult struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Snippet     string    `json:"snippet"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

type ComputationResult struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ReasonCode string

const (
	ReasonNone              ReasonCode = ""
	ReasonEmptyInput        ReasonCode = "empty_input"
	ReasonTooLong           ReasonCode = "too_long"
	ReasonTooShort          ReasonCode = "too_short"
	ReasonDisallowedContent ReasonCode = "disallowed_content"
	ReasonNotMath           ReasonCode = "not_math"
	ReasonEmptyOutput       ReasonCode = "empty_output"
	ReasonEcho              ReasonCode = "echo"
	ReasonUngrounded        ReasonCode = "ungrounded"
	ReasonGenerationFailed  ReasonCode = "generation_failed"
)

// GuardrailVerdict carries both gates. Input=false means no Solution exists.
type GuardrailVerdict struct {
	Input        bool       `json:"input"`
	InputReason  ReasonCode `json:"input_reason,omitempty"`
	Output       bool       `json:"output"`
	OutputReason ReasonCode `json:"output_reason,omitempty"`
}

type SourceTag int

const (
	SourceKnowledgeBase SourceTag = iota
	SourceComputation
	SourceWebSearch
	SourceReasoning
	sourceTagCount
)

var sourceNames = [...]string{
	SourceKnowledgeBase: "KnowledgeBase",
	SourceComputation:   "Computation",
	SourceWebSearch:     "WebSearch",
	SourceReasoning:     "Reasoning",
}

func (t SourceTag) String() string {
	if t < 0 || t >= sourceTagCount {
		return "Unknown"
	}
	return sourceNames[t]
}

func ParseSourceTag(s string) (SourceTag, error) {
	for i, name := range sourceNames {
		if name == s {
			return SourceTag(i), nil
		}
	}
	return 0, fmt.Errorf("unknown source tag %q", s)
}

// Sources is an ordered set of provenance tags. Iteration and encoding always
// follow KnowledgeBase, Computation, WebSearch, Reasoning.
type Sources uint8

func NewSources(tags ...SourceTag) Sources {
	var s Sources
	for _, t := range tags {
		s = s.With(t)
	}
	return s
}

func (s Sources) With(t SourceTag) Sources {
	return s | 1<<uint(t)
}

func (s Sources) Without(t SourceTag) Sources {
	return s &^ (1 << uint(t))
}

func (s Sources) Has(t SourceTag) bool {
	return s&(1<<uint(t)) != 0
}

func (s Sources) Tags() []SourceTag {
	tags := make([]SourceTag, 0, sourceTagCount)
	for t := SourceKnowledgeBase; t < sourceTagCount; t++ {
		if s.Has(t) {
			tags = append(tags, t)
		}
	}
	return tags
}

func (s Sources) Strings() []string {
	tags := s.Tags()
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}

func (s Sources) String() string {
	return strings.Join(s.Strings(), ",")
}

func (s Sources) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *Sources) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out Sources
	for _, name := range names {
		t, err := ParseSourceTag(name)
		if err != nil {
			return err
		}
		out = out.With(t)
	}
	*s = out
	return nil
}

type Solution struct {
	SessionID      string           `json:"session_id"`
	Question       string           `json:"question"`
	Text           string           `json:"solution"`
	Confidence     float64          `json:"confidence"`
	ProcessingTime float64          `json:"processing_time"`
	Sources        Sources          `json:"sources"`
	Guardrails     GuardrailVerdict `json:"guardrails"`
	Strategy       Strategy         `json:"strategy"`
	Category       Category         `json:"category"`
	CreatedAt      time.Time        `json:"created_at"`
}

type Rejection struct {
	SessionID  string           `json:"session_id"`
	Question   string           `json:"question"`
	Reason     ReasonCode       `json:"reason"`
	Message    string           `json:"message"`
	Guardrails GuardrailVerdict `json:"guardrails"`
}

// Comments keeps each field optional; nil means the user left it out.
type Comments struct {
	Clarity      *string `json:"clarity,omitempty"`
	Accuracy     *string `json:"accuracy,omitempty"`
	Completeness *string `json:"completeness,omitempty"`
}

type FeedbackRecord struct {
	SessionID string    `json:"session_id"`
	Rating    int       `json:"rating"`
	Comments  Comments  `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
}

type AnalyticsSnapshot struct {
	TotalFeedback      int         `json:"total_feedback"`
	AverageRating      float64     `json:"average_rating"`
	RatingDistribution map[int]int `json:"rating_distribution"`
}

type ConfidenceWeights struct {
	Base           float64 `json:"base"`
	Computation    float64 `json:"computation"`
	HighSimilarity float64 `json:"high_similarity"`
	WebSearch      float64 `json:"web_search"`
	SimilarityBar  float64 `json:"similarity_bar"`
	DegradedCap    float64 `json:"degraded_cap"`
}

func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{
		Base:           0.5,
		Computation:    0.3,
		HighSimilarity: 0.15,
		WebSearch:      0.05,
		SimilarityBar:  0.8,
		DegradedCap:    0.5,
	}
}

// RoutingParameters is shared read-only. Changes produce a new value with a
// higher Version; nothing mutates an installed value.
type RoutingParameters struct {
	Version            int                   `json:"version"`
	KnowledgeThreshold float64               `json:"knowledge_threshold"`
	HighSimilarity     float64               `json:"high_similarity"`
	WebSearchThreshold float64               `json:"web_search_threshold"`
	CategoryStrategy   map[Category]Strategy `json:"category_strategy"`
	Weights            ConfidenceWeights     `json:"weights"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

func DefaultRoutingParameters() RoutingParameters {
	return RoutingParameters{
		Version:            1,
		KnowledgeThreshold: 0.35,
		HighSimilarity:     0.8,
		WebSearchThreshold: 0.7,
		CategoryStrategy: map[Category]Strategy{
			CategoryAlgebraic:   StrategyComputation,
			CategoryCalculus:    StrategyComputation,
			CategoryStatistical: StrategyComputation,
			CategoryArithmetic:  StrategyComputation,
			CategoryConceptual:  StrategyReasoningOnly,
		},
		Weights: DefaultConfidenceWeights(),
	}
}

// Clone returns a deep copy safe to modify.
func (p RoutingParameters) Clone() RoutingParameters {
	out := p
	out.CategoryStrategy = make(map[Category]Strategy, len(p.CategoryStrategy))
	for k, v := range p.CategoryStrategy {
		out.CategoryStrategy[k] = v
	}
	return out
}

func (p RoutingParameters) StrategyFor(c Category) Strategy {
	if s, ok := p.CategoryStrategy[c]; ok {
		return s
	}
	return StrategyComputation
}

// ComboStat aggregates the ratings given to solutions produced by one
// strategy and category pair.
type ComboStat struct {
	Strategy      Strategy `json:"strategy"`
	Category      Category `json:"category"`
	Count         int      `json:"count"`
	AverageRating float64  `json:"average_rating"`
}

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ToolsInfo struct {
	Available bool       `json:"available"`
	ToolCount int        `json:"tool_count"`
	Tools     []ToolInfo `json:"tools"`
}

type KnowledgeBaseStats struct {
	TotalProblems int      `json:"total_problems"`
	Topics        []string `json:"topics"`
}

type Health struct {
	Status                      string          `json:"status"`
	ComputationServiceAvailable bool            `json:"computation_service_available"`
	Components                  map[string]bool `json:"components"`
}

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)
