package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/pkg/logger"
)

const keyPrefix = "math-agent:"

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return NewFromClient(client, ttl), nil
}

func NewFromClient(client *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{client: client, ttl: ttl}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32) error {
	return c.setJSON(ctx, "embedding:"+textHash, embedding)
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	var embedding []float32
	found, err := c.getJSON(ctx, "embedding:"+textHash, &embedding, "embedding")
	if err != nil || !found {
		return nil, found, err
	}
	return embedding, true, nil
}

func (c *Client) SetSearchResults(ctx context.Context, queryHash string, results []domain.WebSearchResult) error {
	return c.setJSON(ctx, "search:"+queryHash, results)
}

func (c *Client) GetSearchResults(ctx context.Context, queryHash string) ([]domain.WebSearchResult, bool, error) {
	var results []domain.WebSearchResult
	found, err := c.getJSON(ctx, "search:"+queryHash, &results, "search")
	if err != nil || !found {
		return nil, found, err
	}
	return results, true, nil
}

// InvalidateSearchCache drops every cached web search result.
func (c *Client) InvalidateSearchCache(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+"search:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Search cache invalidated")
	return nil
}

func (c *Client) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}

	logger.Debug("Cache value stored", zap.String("key", key), zap.Duration("ttl", c.ttl))
	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, out interface{}, cacheType string) (bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues(cacheType).Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache key: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}

	metrics.CacheHits.WithLabelValues(cacheType).Inc()
	return true, nil
}
