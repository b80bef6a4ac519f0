package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/internal/vector"
	"github.com/math-agent/backend/internal/vector/memory"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]models.KnowledgeEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]models.KnowledgeEntry{}}
}

func (s *fakeStore) UpsertKnowledgeEntries(_ context.Context, entries []models.KnowledgeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return nil
}

func (s *fakeStore) KnowledgeStats(_ context.Context) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var topics []string
	for _, e := range s.entries {
		if !seen[e.Topic] {
			seen[e.Topic] = true
			topics = append(topics, e.Topic)
		}
	}
	return len(s.entries), topics, nil
}

type brokenIndex struct{}

func (brokenIndex) Upsert(context.Context, []domain.KnowledgeBaseEntry) error { return nil }
func (brokenIndex) Search(context.Context, []float32, int) ([]vector.Hit, error) {
	return nil, errors.New("connection refused")
}
func (brokenIndex) Count(context.Context) (int, error) { return 0, errors.New("connection refused") }
func (brokenIndex) Ping(context.Context) error          { return errors.New("connection refused") }

var seed = []domain.KnowledgeBaseEntry{
	{Problem: "What is the derivative of x^2 + 3x + 2?", Topic: "derivatives", Solution: "The derivative is 2x + 3."},
	{Problem: "Solve the equation 2x + 4 = 10", Topic: "equations", Solution: "x = 3"},
	{Problem: "Find the area of a circle with radius 3", Topic: "geometry", Solution: "9π"},
	{Problem: "What is the probability of rolling a six on a fair die?", Topic: "probability", Solution: "1/6"},
}

func setup(t *testing.T) (*Retriever, *Loader) {
	t.Helper()
	emb := embedding.NewHashingEmbedder(256)
	idx := memory.NewIndex(256)
	loader := NewLoader(emb, idx, newFakeStore())

	entries := make([]domain.KnowledgeBaseEntry, len(seed))
	copy(entries, seed)
	require.NoError(t, loader.Add(context.Background(), entries))

	return NewRetriever(emb, idx, time.Second), loader
}

func TestRetrieve_IdenticalQuestionIsTop(t *testing.T) {
	r, _ := setup(t)

	for _, e := range seed {
		q := domain.Question{Raw: e.Problem, Normalized: e.Problem}
		got, err := r.Retrieve(context.Background(), q, 3, 0.35)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, e.Problem, got[0].Entry.Problem)
		assert.GreaterOrEqual(t, got[0].Similarity, 0.95)
		assert.Equal(t, 1, got[0].Rank)
	}
}

func TestRetrieve_OrderedAndBounded(t *testing.T) {
	r, _ := setup(t)

	q := domain.Question{Normalized: "derivative of x^2 + 3x"}
	got, err := r.Retrieve(context.Background(), q, 2, 0)
	require.NoError(t, err)
	require.LessOrEqual(t, len(got), 2)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Similarity, got[i].Similarity)
	}
}

func TestRetrieve_ThresholdFilters(t *testing.T) {
	r, _ := setup(t)

	q := domain.Question{Normalized: "Explain the concept of eigenvalues"}
	got, err := r.Retrieve(context.Background(), q, 3, 0.99)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_IndexUnavailable(t *testing.T) {
	r := NewRetriever(embedding.NewHashingEmbedder(16), brokenIndex{}, time.Second)

	got, err := r.Retrieve(context.Background(), domain.Question{Normalized: "Solve x = 1"}, 3, 0.35)
	assert.Empty(t, got)
	require.Error(t, err)
	assert.True(t, domain.IsCategory(err, domain.ErrCatRetrieval))
	assert.False(t, r.Available(context.Background()))
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "jee_1", "question": "Integrate 2x", "answer": "x^2 + C", "topic": "integrals"},
		{"question": "Find the mean of 2, 4, 6", "solution": "4"},
		{"question": "", "answer": "dropped"}
	]`), 0o644))

	emb := embedding.NewHashingEmbedder(64)
	idx := memory.NewIndex(64)
	loader := NewLoader(emb, idx, newFakeStore())

	n, err := loader.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := loader.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalProblems)
	assert.ElementsMatch(t, []string{"integrals", "statistics"}, stats.Topics)

	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEntryID_Stable(t *testing.T) {
	assert.Equal(t, EntryID("Solve  x + 1 = 2"), EntryID("solve x + 1 = 2"))
	assert.NotEqual(t, EntryID("Solve x + 1 = 2"), EntryID("Solve x + 2 = 2"))
}
