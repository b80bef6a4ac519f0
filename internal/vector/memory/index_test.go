package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/domain"
)

func TestIndex_SearchOrdersByScore(t *testing.T) {
	idx := NewIndex(2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []domain.KnowledgeBaseEntry{
		{ID: "a", Problem: "a", Embedding: []float32{1, 0}},
		{ID: "b", Problem: "b", Embedding: []float32{0.6, 0.8}},
		{ID: "c", Problem: "c", Embedding: []float32{-1, 0}},
	}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Entry.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "b", hits[1].Entry.ID)

	all, err := idx.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Zero(t, all[2].Score)
}

func TestIndex_UpsertReplaces(t *testing.T) {
	idx := NewIndex(2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []domain.KnowledgeBaseEntry{{ID: "a", Topic: "old", Embedding: []float32{1, 0}}}))
	require.NoError(t, idx.Upsert(ctx, []domain.KnowledgeBaseEntry{{ID: "a", Topic: "new", Embedding: []float32{1, 0}}}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := idx.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "new", hits[0].Entry.Topic)
}

func TestIndex_DimensionMismatch(t *testing.T) {
	idx := NewIndex(3)
	ctx := context.Background()

	assert.Error(t, idx.Upsert(ctx, []domain.KnowledgeBaseEntry{{ID: "a", Embedding: []float32{1}}}))
	_, err := idx.Search(ctx, []float32{1}, 1)
	assert.Error(t, err)
}
