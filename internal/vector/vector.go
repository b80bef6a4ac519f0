package vector

import (
	"context"

	"github.com/math-agent/backend/internal/domain"
)

type Hit struct {
	Entry domain.KnowledgeBaseEntry
	Score float64
}

// Index stores knowledge base entries by embedding. Search returns at most k
// hits ordered by descending Score, with Score in [0,1].
type Index interface {
	Upsert(ctx context.Context, entries []domain.KnowledgeBaseEntry) error
	Search(ctx context.Context, embedding []float32, k int) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}
