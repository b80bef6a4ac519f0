package web

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/pkg/circuitbreaker"
	"github.com/math-agent/backend/pkg/logger"
	"github.com/math-agent/backend/pkg/utils"
)

type Cache interface {
	GetSearchResults(ctx context.Context, queryHash string) ([]domain.WebSearchResult, bool, error)
	SetSearchResults(ctx context.Context, queryHash string, results []domain.WebSearchResult) error
}

type Augmenter struct {
	provider   Provider
	cache      Cache
	timeout    time.Duration
	maxResults int
	cb         *circuitbreaker.CircuitBreaker
	now        func() time.Time
}

// NewAugmenter wraps a provider with a timeout, result cap and circuit
// breaker. cache may be nil.
func NewAugmenter(provider Provider, cache Cache, timeout time.Duration, maxResults int) *Augmenter {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Augmenter{
		provider:   provider,
		cache:      cache,
		timeout:    timeout,
		maxResults: maxResults,
		cb: circuitbreaker.NewCircuitBreaker("web_search", circuitbreaker.Config{
			MaxRequests:      2,
			Interval:         time.Minute,
			Timeout:          time.Minute,
			FailureThreshold: 3,
			Logger:           logger.GetLogger(),
			OnStateChange:    metrics.ObserveBreaker,
		}),
		now: time.Now,
	}
}

func (a *Augmenter) Available() bool {
	return a.cb.Available()
}

// ShouldSearch reports whether web context is needed and why.
func ShouldSearch(q domain.Question, topSimilarity, threshold float64) (bool, string) {
	if q.TimeSensitive {
		return true, "time_sensitive"
	}
	if topSimilarity < threshold {
		return true, "low_similarity"
	}
	return false, ""
}

// Augment returns at most maxResults results. Timeouts and provider errors
// yield an empty result with a recoverable web search error.
func (a *Augmenter) Augment(ctx context.Context, q domain.Question) ([]domain.WebSearchResult, error) {
	query := q.Normalized
	if query == "" {
		query = q.Raw
	}
	key := a.provider.Name() + ":" + utils.HashNormalized(query)

	if a.cache != nil {
		cached, found, err := a.cache.GetSearchResults(ctx, key)
		if err != nil {
			logger.Warn("Search cache lookup failed", zap.Error(err))
		}
		if found {
			return a.cap(cached), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var results []domain.WebSearchResult
	err := a.cb.Execute(ctx, func() error {
		var err error
		results, err = a.provider.Search(ctx, query, a.maxResults)
		return err
	})
	if err != nil {
		return nil, domain.NewWebSearchError("web search unavailable", err)
	}

	retrievedAt := a.now().UTC()
	for i := range results {
		results[i].Snippet = truncate(cleanText(results[i].Snippet), maxSnippetLength)
		results[i].RetrievedAt = retrievedAt
	}
	results = a.cap(results)

	if a.cache != nil && len(results) > 0 {
		if err := a.cache.SetSearchResults(ctx, key, results); err != nil {
			logger.Warn("Failed to cache search results", zap.Error(err))
		}
	}

	logger.Info("Web search completed",
		zap.String("provider", a.provider.Name()),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (a *Augmenter) cap(results []domain.WebSearchResult) []domain.WebSearchResult {
	if len(results) > a.maxResults {
		return results[:a.maxResults]
	}
	return results
}
