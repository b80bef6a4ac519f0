package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/vector"
)

// Index is a brute-force cosine index for small knowledge bases and tests.
type Index struct {
	mu      sync.RWMutex
	dim     int
	order   []string
	entries map[string]domain.KnowledgeBaseEntry
}

func NewIndex(dim int) *Index {
	return &Index{
		dim:     dim,
		entries: make(map[string]domain.KnowledgeBaseEntry),
	}
}

func (idx *Index) Upsert(_ context.Context, entries []domain.KnowledgeBaseEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range entries {
		if len(e.Embedding) != idx.dim {
			return fmt.Errorf("entry %s has dimension %d, index expects %d", e.ID, len(e.Embedding), idx.dim)
		}
		if _, exists := idx.entries[e.ID]; !exists {
			idx.order = append(idx.order, e.ID)
		}
		idx.entries[e.ID] = e
	}
	return nil
}

func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]vector.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("query has dimension %d, index expects %d", len(query), idx.dim)
	}

	idx.mu.RLock()
	hits := make([]vector.Hit, 0, len(idx.order))
	for _, id := range idx.order {
		e := idx.entries[id]
		score := embedding.Cosine(query, e.Embedding)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		hits = append(hits, vector.Hit{Entry: e, Score: score})
	}
	idx.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (idx *Index) Count(_ context.Context) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries), nil
}

func (idx *Index) Ping(_ context.Context) error {
	return nil
}
