package knowledge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/internal/vector"
	"github.com/math-agent/backend/pkg/logger"
)

type Retriever struct {
	embedder embedding.Embedder
	index    vector.Index
	timeout  time.Duration
}

func NewRetriever(embedder embedding.Embedder, index vector.Index, timeout time.Duration) *Retriever {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Retriever{embedder: embedder, index: index, timeout: timeout}
}

// Retrieve returns at most k candidates with similarity >= threshold, in
// descending similarity order. Index or embedding failures yield an empty
// result together with a recoverable retrieval error.
func (r *Retriever) Retrieve(ctx context.Context, q domain.Question, k int, threshold float64) ([]domain.RetrievalCandidate, error) {
	if k <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text := q.Normalized
	if text == "" {
		text = q.Raw
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, domain.NewRetrievalError("failed to embed question", err)
	}

	hits, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, domain.NewRetrievalError("knowledge base index unavailable", err)
	}

	candidates := make([]domain.RetrievalCandidate, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		candidates = append(candidates, domain.RetrievalCandidate{
			Entry:      h.Entry,
			Similarity: h.Score,
			Rank:       len(candidates) + 1,
		})
		if len(candidates) == k {
			break
		}
	}

	metrics.RetrievalResultsCount.Observe(float64(len(candidates)))
	logger.Debug("Knowledge retrieval completed",
		zap.Int("hits", len(hits)),
		zap.Int("candidates", len(candidates)),
		zap.Float64("threshold", threshold),
	)

	return candidates, nil
}

func (r *Retriever) Available(ctx context.Context) bool {
	return r.index.Ping(ctx) == nil
}

func TopSimilarity(candidates []domain.RetrievalCandidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	return candidates[0].Similarity
}
