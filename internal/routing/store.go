package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/pkg/logger"
)

var ErrStaleVersion = errors.New("routing parameters version is not newer than the installed one")

type Persister interface {
	SaveRoutingVersion(ctx context.Context, v *models.RoutingVersion) error
	LatestRoutingVersion(ctx context.Context) (*models.RoutingVersion, error)
}

// Store publishes RoutingParameters. Readers get an immutable snapshot from
// an atomic load; Install swaps in a newer version.
type Store struct {
	current atomic.Pointer[domain.RoutingParameters]
	persist Persister

	// serializes writers only
	mu sync.Mutex
}

func NewStore(initial domain.RoutingParameters, persist Persister) *Store {
	s := &Store{persist: persist}
	p := initial.Clone()
	s.current.Store(&p)
	metrics.RoutingVersion.Set(float64(p.Version))
	return s
}

// Current returns the installed snapshot. Callers must not modify its map;
// use Clone to derive a new version.
func (s *Store) Current() domain.RoutingParameters {
	return *s.current.Load()
}

// Restore installs the latest persisted version when it is newer than the
// current one.
func (s *Store) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	v, err := s.persist.LatestRoutingVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to load routing parameters: %w", err)
	}
	if v == nil {
		return nil
	}

	var p domain.RoutingParameters
	if err := json.Unmarshal([]byte(v.Params), &p); err != nil {
		return fmt.Errorf("failed to decode routing parameters: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version <= s.current.Load().Version {
		return nil
	}
	s.current.Store(&p)
	metrics.RoutingVersion.Set(float64(p.Version))
	logger.Info("Restored routing parameters", zap.Int("version", p.Version))
	return nil
}

// Install persists then publishes p. Versions must increase.
func (s *Store) Install(ctx context.Context, p domain.RoutingParameters, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	if p.Version <= old.Version {
		return ErrStaleVersion
	}
	next := p.Clone()
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	if s.persist != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode routing parameters: %w", err)
		}
		err = s.persist.SaveRoutingVersion(ctx, &models.RoutingVersion{
			Version:   next.Version,
			Params:    string(data),
			Reason:    reason,
			CreatedAt: next.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to persist routing parameters: %w", err)
		}
	}

	s.current.Store(&next)
	metrics.RoutingVersion.Set(float64(next.Version))
	logger.Info("Installed routing parameters",
		zap.Int("from_version", old.Version),
		zap.Int("version", next.Version),
		zap.Float64("high_similarity", next.HighSimilarity),
		zap.Float64("web_search_threshold", next.WebSearchThreshold),
		zap.String("reason", reason),
	)
	return nil
}
