package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/domain"
)

func TestTavilyProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "largest known prime", body["query"])

		results := make([]map[string]string, 0, 7)
		for i := 0; i < 7; i++ {
			results = append(results, map[string]string{
				"title":   fmt.Sprintf("Result %d", i),
				"url":     fmt.Sprintf("https://example.org/%d", i),
				"content": "The largest known prime is a Mersenne prime.",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
	defer srv.Close()

	a := NewAugmenter(NewTavilyProvider("key", srv.URL, nil, srv.Client()), nil, time.Second, 5)
	got, err := a.Augment(context.Background(), domain.Question{Normalized: "largest known prime"})

	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, "https://example.org/0", got[0].URL)
	assert.False(t, got[0].RetrievedAt.IsZero())
}

func TestDuckDuckGoProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body>
			<div class="result">
				<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.khanacademy.org%2Fprimes">Primes - Khan Academy</a>
				<a class="result__snippet">A prime has exactly two divisors.</a>
			</div>
			<div class="result"><a class="result__a" href="">no link</a></div>
		</body></html>`)
	}))
	defer srv.Close()

	p := NewDuckDuckGoProvider(srv.URL, srv.Client())
	got, err := p.Search(context.Background(), "prime numbers", 5)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://www.khanacademy.org/primes", got[0].URL)
	assert.Equal(t, "A prime has exactly two divisors.", got[0].Snippet)
}

func TestAugment_TimeoutIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	a := NewAugmenter(NewSerpAPIProvider("key", srv.URL, srv.Client()), nil, 20*time.Millisecond, 5)
	got, err := a.Augment(context.Background(), domain.Question{Normalized: "latest record"})

	assert.Empty(t, got)
	require.Error(t, err)
	assert.True(t, domain.IsCategory(err, domain.ErrCatWebSearch))
}

type memCache struct {
	data map[string][]domain.WebSearchResult
}

func (m *memCache) GetSearchResults(_ context.Context, key string) ([]domain.WebSearchResult, bool, error) {
	r, ok := m.data[key]
	return r, ok, nil
}

func (m *memCache) SetSearchResults(_ context.Context, key string, r []domain.WebSearchResult) error {
	m.data[key] = r
	return nil
}

type countingProvider struct {
	calls int
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) Search(context.Context, string, int) ([]domain.WebSearchResult, error) {
	c.calls++
	return []domain.WebSearchResult{{Title: "t", URL: "https://example.org", Snippet: "s"}}, nil
}

func TestAugment_UsesCache(t *testing.T) {
	p := &countingProvider{}
	a := NewAugmenter(p, &memCache{data: map[string][]domain.WebSearchResult{}}, time.Second, 5)
	q := domain.Question{Normalized: "Current world record for pi digits"}

	_, err := a.Augment(context.Background(), q)
	require.NoError(t, err)
	got, err := a.Augment(context.Background(), q)
	require.NoError(t, err)

	assert.Len(t, got, 1)
	assert.Equal(t, 1, p.calls)
}

func TestShouldSearch(t *testing.T) {
	ok, reason := ShouldSearch(domain.Question{TimeSensitive: true}, 0.99, 0.7)
	assert.True(t, ok)
	assert.Equal(t, "time_sensitive", reason)

	ok, reason = ShouldSearch(domain.Question{}, 0.5, 0.7)
	assert.True(t, ok)
	assert.Equal(t, "low_similarity", reason)

	ok, _ = ShouldSearch(domain.Question{}, 0.9, 0.7)
	assert.False(t, ok)
}
