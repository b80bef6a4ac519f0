// Package feedback records ratings of delivered solutions and maintains the
// analytics snapshot and per-route statistics the tuner works from.
package feedback

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/internal/storage/sqlite"
	"github.com/math-agent/backend/pkg/logger"
)

const (
	MinRating = 1
	MaxRating = 5

	// DefaultSessionLimit bounds the in-memory session index. Older
	// sessions stay ratable through the store.
	DefaultSessionLimit = 10000
)

type Store interface {
	GetSolution(ctx context.Context, sessionID string) (*models.SolutionRecord, error)
	AppendFeedback(ctx context.Context, f *models.Feedback) error
	ListRatedSolutions(ctx context.Context) ([]models.RatedSolution, error)
}

type route struct {
	strategy domain.Strategy
	category domain.Category
}

type rated struct {
	route
	rating    int
	createdAt time.Time
}

// Aggregator serializes writers with a mutex; each Record persists the
// rating and publishes a new immutable snapshot before releasing it.
// Readers only do an atomic load.
type Aggregator struct {
	store Store
	now   func() time.Time

	mu           sync.Mutex
	sessions     map[string]route
	order        []string
	next         int
	sessionLimit int
	history      []rated
	dist     map[int]int
	sum      int

	snapshot atomic.Pointer[domain.AnalyticsSnapshot]

	hookMu     sync.RWMutex
	onRecorded []func(domain.FeedbackRecord)
}

type Option func(*Aggregator)

// WithSessionLimit overrides DefaultSessionLimit. Values below one are
// ignored.
func WithSessionLimit(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.sessionLimit = n
		}
	}
}

// NewAggregator works without a store, in which case only the most recent
// sessions registered in this process can be rated.
func NewAggregator(store Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:        store,
		now:          time.Now,
		sessions:     make(map[string]route),
		sessionLimit: DefaultSessionLimit,
		dist:         make(map[int]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.publish()
	return a
}

// Load rebuilds the in-memory state from persisted feedback.
func (a *Aggregator) Load(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	rows, err := a.store.ListRatedSolutions(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = a.history[:0]
	a.dist = make(map[int]int)
	a.sum = 0
	for _, r := range rows {
		a.apply(rated{
			route:     route{strategy: domain.Strategy(r.Strategy), category: domain.Category(r.Category)},
			rating:    r.Rating,
			createdAt: r.CreatedAt,
		})
	}
	a.publish()

	logger.Info("Feedback history loaded", zap.Int("records", len(rows)))
	return nil
}

// Register makes a delivered solution ratable. Once the session limit is
// reached the oldest registration is evicted.
func (a *Aggregator) Register(sessionID string, strategy domain.Strategy, category domain.Category) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := route{strategy: strategy, category: category}
	if _, ok := a.sessions[sessionID]; ok {
		a.sessions[sessionID] = r
		return
	}
	if len(a.order) < a.sessionLimit {
		a.order = append(a.order, sessionID)
	} else {
		delete(a.sessions, a.order[a.next])
		a.order[a.next] = sessionID
		a.next = (a.next + 1) % a.sessionLimit
	}
	a.sessions[sessionID] = r
}

// Sessions reports how many sessions are held in memory.
func (a *Aggregator) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// OnRecorded adds a hook run after each successful Record, outside the lock.
func (a *Aggregator) OnRecorded(fn func(domain.FeedbackRecord)) {
	a.hookMu.Lock()
	a.onRecorded = append(a.onRecorded, fn)
	a.hookMu.Unlock()
}

// Record validates and stores one rating. Unknown sessions and ratings
// outside 1..5 are validation errors; on any error nothing changes.
func (a *Aggregator) Record(ctx context.Context, rec domain.FeedbackRecord) error {
	if rec.SessionID == "" {
		return domain.NewValidationError("session_id is required")
	}
	if rec.Rating < MinRating || rec.Rating > MaxRating {
		return domain.NewValidationError("rating must be between 1 and 5")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.now().UTC()
	}

	a.mu.Lock()
	r, known := a.sessions[rec.SessionID]
	if !known && a.store != nil {
		sol, err := a.store.GetSolution(ctx, rec.SessionID)
		switch {
		case errors.Is(err, sqlite.ErrSessionNotFound):
		case err != nil:
			a.mu.Unlock()
			return domain.NewFatalError(err)
		default:
			r = route{strategy: domain.Strategy(sol.Strategy), category: domain.Category(sol.Category)}
			known = true
		}
	}
	if !known {
		a.mu.Unlock()
		return domain.NewValidationError("unknown session_id")
	}

	if a.store != nil {
		err := a.store.AppendFeedback(ctx, &models.Feedback{
			SessionID:    rec.SessionID,
			Rating:       rec.Rating,
			Clarity:      rec.Comments.Clarity,
			Accuracy:     rec.Comments.Accuracy,
			Completeness: rec.Comments.Completeness,
			CreatedAt:    rec.CreatedAt,
		})
		if errors.Is(err, sqlite.ErrSessionNotFound) {
			a.mu.Unlock()
			return domain.NewValidationError("unknown session_id")
		}
		if err != nil {
			a.mu.Unlock()
			return domain.NewFatalError(err)
		}
	}

	a.apply(rated{route: r, rating: rec.Rating, createdAt: rec.CreatedAt})
	snap := a.publish()
	a.mu.Unlock()

	metrics.FeedbackRatings.WithLabelValues(strconv.Itoa(rec.Rating)).Inc()
	metrics.AverageRating.Set(snap.AverageRating)

	a.hookMu.RLock()
	hooks := a.onRecorded
	a.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(rec)
	}
	return nil
}

// apply and publish require a.mu.
func (a *Aggregator) apply(r rated) {
	a.history = append(a.history, r)
	a.dist[r.rating]++
	a.sum += r.rating
}

func (a *Aggregator) publish() *domain.AnalyticsSnapshot {
	snap := &domain.AnalyticsSnapshot{
		TotalFeedback:      len(a.history),
		RatingDistribution: make(map[int]int, len(a.dist)),
	}
	for k, v := range a.dist {
		snap.RatingDistribution[k] = v
	}
	if snap.TotalFeedback > 0 {
		snap.AverageRating = math.Round(float64(a.sum)/float64(snap.TotalFeedback)*10) / 10
	}
	a.snapshot.Store(snap)
	return snap
}

// Snapshot returns the analytics as of the last completed Record.
func (a *Aggregator) Snapshot() domain.AnalyticsSnapshot {
	snap := a.snapshot.Load()
	out := *snap
	out.RatingDistribution = make(map[int]int, len(snap.RatingDistribution))
	for k, v := range snap.RatingDistribution {
		out.RatingDistribution[k] = v
	}
	return out
}

// ComboStats groups ratings recorded after since by strategy and category.
func (a *Aggregator) ComboStats(_ context.Context, since time.Time) ([]domain.ComboStat, error) {
	type acc struct{ count, sum int }

	a.mu.Lock()
	groups := make(map[route]*acc)
	for _, r := range a.history {
		if !since.IsZero() && !r.createdAt.After(since) {
			continue
		}
		g, ok := groups[r.route]
		if !ok {
			g = &acc{}
			groups[r.route] = g
		}
		g.count++
		g.sum += r.rating
	}
	a.mu.Unlock()

	out := make([]domain.ComboStat, 0, len(groups))
	for k, g := range groups {
		out = append(out, domain.ComboStat{
			Strategy:      k.strategy,
			Category:      k.category,
			Count:         g.count,
			AverageRating: float64(g.sum) / float64(g.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}
