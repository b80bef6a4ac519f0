package embedding

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/math-agent/backend/pkg/logger"
	"github.com/math-agent/backend/pkg/utils"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

var tokenPattern = regexp.MustCompile(`[a-z]+|\d+|[+\-*/^=()]`)

// HashingEmbedder maps text to a fixed-size vector by feature hashing tokens
// and token bigrams. It needs no network and is deterministic, so identical
// text always has cosine similarity 1.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

func (h *HashingEmbedder) Dimension() int {
	return h.dim
}

func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)

	add := func(feature string, weight float32) {
		sum := xxhash.Sum64String(feature)
		idx := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, tok := range tokens {
		add("u:"+tok, 1)
		if i > 0 {
			add("b:"+tokens[i-1]+" "+tok, 0.5)
		}
	}

	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
}

type remoteEmbedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// RemoteEmbedder adapts an embeddings API client.
type RemoteEmbedder struct {
	client remoteEmbedder
	dim    int
}

func NewRemoteEmbedder(client remoteEmbedder, dim int) *RemoteEmbedder {
	return &RemoteEmbedder{client: client, dim: dim}
}

func (r *RemoteEmbedder) Dimension() int {
	return r.dim
}

func (r *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.client.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if r.dim > 0 && len(vec) != r.dim {
		return nil, fmt.Errorf("embedding dimension %d does not match configured %d", len(vec), r.dim)
	}
	return vec, nil
}

type Cache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

// CachedEmbedder consults the cache before the wrapped embedder. Cache
// failures are logged and otherwise ignored.
type CachedEmbedder struct {
	next  Embedder
	cache Cache
}

func NewCachedEmbedder(next Embedder, cache Cache) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache}
}

func (c *CachedEmbedder) Dimension() int {
	return c.next.Dimension()
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashNormalized(text)

	vec, found, err := c.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache lookup failed", zap.Error(err))
	}
	if found {
		return vec, nil
	}

	vec, err = c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, vec); err != nil {
		logger.Warn("Failed to cache embedding", zap.Error(err))
	}
	return vec, nil
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
