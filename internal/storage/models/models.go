package models

import "time"

type SolutionRecord struct {
	SessionID      string
	Question       string
	Solution       string
	Confidence     float64
	ProcessingTime float64
	Sources        string
	Strategy       string
	Category       string
	InputPassed    bool
	OutputPassed   bool
	CreatedAt      time.Time
}

type Feedback struct {
	ID           int64
	SessionID    string
	Rating       int
	Clarity      *string
	Accuracy     *string
	Completeness *string
	CreatedAt    time.Time
}

// RatedSolution joins a feedback rating with the routing decision of the
// solution it rates.
type RatedSolution struct {
	SessionID string
	Rating    int
	Strategy  string
	Category  string
	CreatedAt time.Time
}

type KnowledgeEntry struct {
	ID        string
	Problem   string
	Topic     string
	Solution  string
	Source    string
	CreatedAt time.Time
}

type RoutingVersion struct {
	Version   int
	Params    string
	Reason    string
	CreatedAt time.Time
}

type EvaluationResult struct {
	ID               int64
	RunID            string
	Question         string
	Expected         string
	Answer           string
	Confidence       float64
	CosineSimilarity float64
	Passed           bool
	Sources          string
	CreatedAt        time.Time
}
