package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/internal/vector"
	"github.com/math-agent/backend/pkg/circuitbreaker"
	"github.com/math-agent/backend/pkg/logger"
)

var outputFields = []string{"entry_id", "problem", "topic", "solution", "source"}

// Client is a vector.Index backed by a Milvus (or Zilliz Cloud) collection
// using cosine similarity.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			Logger:           logger.GetLogger(),
			OnStateChange:    metrics.ObserveBreaker,
		}),
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return m.client.LoadCollection(ctx, m.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Solved math problems",
		Fields: []*entity.Field{
			{
				Name:       "entry_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(m.vectorDim)},
			},
			{
				Name:       "problem",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "4096"},
			},
			{
				Name:       "topic",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "solution",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "16384"},
			},
			{
				Name:       "source",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func (m *Client) Upsert(ctx context.Context, entries []domain.KnowledgeBaseEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))
	problems := make([]string, len(entries))
	topics := make([]string, len(entries))
	solutions := make([]string, len(entries))
	sources := make([]string, len(entries))

	for i, e := range entries {
		if len(e.Embedding) != m.vectorDim {
			return fmt.Errorf("entry %s has dimension %d, collection expects %d", e.ID, len(e.Embedding), m.vectorDim)
		}
		ids[i] = e.ID
		embeddings[i] = e.Embedding
		problems[i] = e.Problem
		topics[i] = e.Topic
		solutions[i] = e.Solution
		sources[i] = e.Source
	}

	err := m.cb.Execute(ctx, func() error {
		_, err := m.client.Upsert(
			ctx,
			m.collectionName,
			"",
			entity.NewColumnVarChar("entry_id", ids),
			entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
			entity.NewColumnVarChar("problem", problems),
			entity.NewColumnVarChar("topic", topics),
			entity.NewColumnVarChar("solution", solutions),
			entity.NewColumnVarChar("source", sources),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert entries: %w", err)
		}
		return m.client.Flush(ctx, m.collectionName, false)
	})
	if err != nil {
		return err
	}

	logger.Info("Entries upserted into vector DB", zap.Int("count", len(entries)))
	return nil
}

func (m *Client) Search(ctx context.Context, query []float32, k int) ([]vector.Hit, error) {
	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []client.SearchResult
	err = m.cb.Execute(ctx, func() error {
		var err error
		results, err = m.client.Search(
			ctx,
			m.collectionName,
			[]string{},
			"",
			outputFields,
			[]entity.Vector{entity.FloatVector(query)},
			"embedding",
			entity.COSINE,
			k,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]vector.Hit, 0, k)
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			entry := domain.KnowledgeBaseEntry{
				ID:       columnString(sr.Fields, "entry_id", i),
				Problem:  columnString(sr.Fields, "problem", i),
				Topic:    columnString(sr.Fields, "topic", i),
				Solution: columnString(sr.Fields, "solution", i),
				Source:   columnString(sr.Fields, "source", i),
			}
			hits = append(hits, vector.Hit{Entry: entry, Score: clamp(float64(sr.Scores[i]))})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", k),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}

func (m *Client) Count(ctx context.Context) (int, error) {
	stats, err := m.client.GetCollectionStatistics(ctx, m.collectionName)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection statistics: %w", err)
	}
	n, err := strconv.Atoi(stats["row_count"])
	if err != nil {
		return 0, fmt.Errorf("failed to parse row count: %w", err)
	}
	return n, nil
}

func (m *Client) Ping(ctx context.Context) error {
	if !m.cb.Available() {
		return circuitbreaker.ErrCircuitOpen
	}
	_, err := m.client.HasCollection(ctx, m.collectionName)
	return err
}

func columnString(fields client.ResultSet, name string, i int) string {
	col := fields.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
