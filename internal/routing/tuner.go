package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/pkg/logger"
)

type Policy struct {
	RatingFloor float64
	MinSamples  int
	Step        float64
}

func DefaultPolicy() Policy {
	return Policy{RatingFloor: 3.0, MinSamples: 5, Step: 0.05}
}

// Tune nudges routing away from poorly rated combinations. Poor
// reasoning-only answers raise HighSimilarity so fewer questions are
// answered from a stored match; poor computation answers raise
// WebSearchThreshold so more questions get web context. When one strategy
// is rated poorly for a category and the other is rated well, the category
// is remapped to the better strategy. Each threshold moves at most one step
// per call. changed is false when nothing moved.
func Tune(current domain.RoutingParameters, stats []domain.ComboStat, policy Policy) (domain.RoutingParameters, bool, string) {
	var poorReasoning, poorComputation []string
	poor := map[domain.Category][]domain.Strategy{}
	good := map[domain.Category]map[domain.Strategy]bool{}
	for _, st := range stats {
		if st.Count < policy.MinSamples {
			continue
		}
		if st.AverageRating >= policy.RatingFloor {
			if good[st.Category] == nil {
				good[st.Category] = map[domain.Strategy]bool{}
			}
			good[st.Category][st.Strategy] = true
			continue
		}
		poor[st.Category] = append(poor[st.Category], st.Strategy)
		label := fmt.Sprintf("%s/%s=%.1f", st.Strategy, st.Category, st.AverageRating)
		switch st.Strategy {
		case domain.StrategyReasoningOnly:
			poorReasoning = append(poorReasoning, label)
		case domain.StrategyComputation:
			poorComputation = append(poorComputation, label)
		}
	}

	next := current.Clone()
	var reasons []string
	if len(poorReasoning) > 0 {
		next.HighSimilarity = nudge(current.HighSimilarity, policy.Step)
		if next.HighSimilarity != current.HighSimilarity {
			sort.Strings(poorReasoning)
			reasons = append(reasons, "high_similarity raised for "+strings.Join(poorReasoning, ","))
		}
	}
	if len(poorComputation) > 0 {
		next.WebSearchThreshold = nudge(current.WebSearchThreshold, policy.Step)
		if next.WebSearchThreshold != current.WebSearchThreshold {
			sort.Strings(poorComputation)
			reasons = append(reasons, "web_search_threshold raised for "+strings.Join(poorComputation, ","))
		}
	}

	var remapped []string
	for cat, strategies := range poor {
		for _, bad := range strategies {
			alt := other(bad)
			if !good[cat][alt] || current.StrategyFor(cat) == alt {
				continue
			}
			if next.CategoryStrategy == nil {
				next.CategoryStrategy = map[domain.Category]domain.Strategy{}
			}
			next.CategoryStrategy[cat] = alt
			remapped = append(remapped, fmt.Sprintf("%s=%s", cat, alt))
		}
	}
	if len(remapped) > 0 {
		sort.Strings(remapped)
		reasons = append(reasons, "category strategy remapped "+strings.Join(remapped, ","))
	}

	if len(reasons) == 0 {
		return current, false, ""
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	return next, true, strings.Join(reasons, "; ")
}

func other(s domain.Strategy) domain.Strategy {
	if s == domain.StrategyReasoningOnly {
		return domain.StrategyComputation
	}
	return domain.StrategyReasoningOnly
}

func nudge(v, step float64) float64 {
	out := math.Min(1, math.Max(0, v+step))
	// keep thresholds readable after repeated float steps
	return math.Round(out*1e6) / 1e6
}

// StatsSource yields per-combination ratings recorded after since.
type StatsSource interface {
	ComboStats(ctx context.Context, since time.Time) ([]domain.ComboStat, error)
}

type TunerConfig struct {
	Interval     time.Duration
	EveryRecords int
	Policy       Policy
}

// Tuner runs Tune in the background, on a timer or after every N feedback
// records, whichever comes first.
type Tuner struct {
	store  *Store
	source StatsSource
	cfg    TunerConfig

	trigger chan struct{}

	mu      sync.Mutex
	pending int
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTuner(store *Store, source StatsSource, cfg TunerConfig) *Tuner {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.EveryRecords <= 0 {
		cfg.EveryRecords = 20
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	return &Tuner{
		store:   store,
		source:  source,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Notify counts one feedback record and wakes the loop every EveryRecords.
func (t *Tuner) Notify() {
	t.mu.Lock()
	t.pending++
	fire := t.pending >= t.cfg.EveryRecords
	if fire {
		t.pending = 0
	}
	t.mu.Unlock()

	if fire {
		select {
		case t.trigger <- struct{}{}:
		default:
		}
	}
}

// RunOnce performs a single tuning pass and reports whether a new version
// was installed.
func (t *Tuner) RunOnce(ctx context.Context) (bool, error) {
	current := t.store.Current()
	stats, err := t.source.ComboStats(ctx, current.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to collect feedback stats: %w", err)
	}

	next, changed, reason := Tune(current, stats, t.cfg.Policy)
	if !changed {
		logger.Debug("Routing tuner found nothing to change", zap.Int("combinations", len(stats)))
		return false, nil
	}
	if err := t.store.Install(ctx, next, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tuner) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)

	logger.Info("Routing tuner started",
		zap.Duration("interval", t.cfg.Interval),
		zap.Int("every_records", t.cfg.EveryRecords),
	)
}

func (t *Tuner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.trigger:
			ticker.Reset(t.cfg.Interval)
		}
		if _, err := t.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Routing tuner pass failed", zap.Error(err))
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (t *Tuner) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info("Routing tuner stopped")
}
