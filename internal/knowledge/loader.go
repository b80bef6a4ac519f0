package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/guardrail"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/internal/storage/models"
	"github.com/math-agent/backend/internal/vector"
	"github.com/math-agent/backend/pkg/logger"
)

type Store interface {
	UpsertKnowledgeEntries(ctx context.Context, entries []models.KnowledgeEntry) error
	KnowledgeStats(ctx context.Context) (int, []string, error)
}

// DatasetEntry is one record of a knowledge base JSON file. Solution falls
// back to Answer when empty.
type DatasetEntry struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Description string `json:"description,omitempty"`
	Solution    string `json:"solution,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Topic       string `json:"topic,omitempty"`
	Source      string `json:"source,omitempty"`
}

type Loader struct {
	embedder  embedding.Embedder
	index     vector.Index
	store     Store
	batchSize int
}

func NewLoader(embedder embedding.Embedder, index vector.Index, store Store) *Loader {
	return &Loader{
		embedder:  embedder,
		index:     index,
		store:     store,
		batchSize: 64,
	}
}

func (l *Loader) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read dataset: %w", err)
	}

	var records []DatasetEntry
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("failed to parse dataset: %w", err)
	}

	entries := make([]domain.KnowledgeBaseEntry, 0, len(records))
	for _, r := range records {
		e, ok := r.toEntry()
		if !ok {
			logger.Warn("Skipping dataset record without question or solution", zap.String("id", r.ID))
			continue
		}
		entries = append(entries, e)
	}

	if err := l.Add(ctx, entries); err != nil {
		return 0, err
	}

	logger.Info("Knowledge base dataset loaded",
		zap.String("path", path),
		zap.Int("entries", len(entries)),
	)
	return len(entries), nil
}

// Add embeds entries lacking an embedding, then writes them to the index
// and the catalog.
func (l *Loader) Add(ctx context.Context, entries []domain.KnowledgeBaseEntry) error {
	for start := 0; start < len(entries); start += l.batchSize {
		end := start + l.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := l.addBatch(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) addBatch(ctx context.Context, batch []domain.KnowledgeBaseEntry) error {
	now := time.Now()
	rows := make([]models.KnowledgeEntry, 0, len(batch))

	for i := range batch {
		e := &batch[i]
		if e.ID == "" {
			e.ID = EntryID(e.Problem)
		}
		if e.Topic == "" {
			e.Topic, _ = guardrail.DetectTopic(guardrail.Normalize(e.Problem), nil)
		}
		if len(e.Embedding) == 0 {
			vec, err := l.embedder.Embed(ctx, guardrail.Normalize(e.Problem))
			if err != nil {
				return fmt.Errorf("failed to embed entry %s: %w", e.ID, err)
			}
			e.Embedding = vec
		}

		rows = append(rows, models.KnowledgeEntry{
			ID:        e.ID,
			Problem:   e.Problem,
			Topic:     e.Topic,
			Solution:  e.Solution,
			Source:    e.Source,
			CreatedAt: now,
		})
	}

	if err := l.index.Upsert(ctx, batch); err != nil {
		return fmt.Errorf("failed to index entries: %w", err)
	}
	if err := l.store.UpsertKnowledgeEntries(ctx, rows); err != nil {
		return fmt.Errorf("failed to catalog entries: %w", err)
	}

	metrics.KnowledgeEntriesLoaded.Add(float64(len(batch)))
	return nil
}

func (l *Loader) Stats(ctx context.Context) (domain.KnowledgeBaseStats, error) {
	total, topics, err := l.store.KnowledgeStats(ctx)
	if err != nil {
		return domain.KnowledgeBaseStats{}, err
	}
	return domain.KnowledgeBaseStats{TotalProblems: total, Topics: topics}, nil
}

// EntryID derives a stable id so reloading a dataset updates rather than
// duplicates entries.
func EntryID(problem string) string {
	key := strings.ToLower(guardrail.Normalize(problem))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (r DatasetEntry) toEntry() (domain.KnowledgeBaseEntry, bool) {
	problem := strings.TrimSpace(r.Question)
	if d := strings.TrimSpace(r.Description); d != "" {
		problem += "\n" + d
	}

	solution := strings.TrimSpace(r.Solution)
	if solution == "" {
		solution = strings.TrimSpace(r.Answer)
	}

	if problem == "" || solution == "" {
		return domain.KnowledgeBaseEntry{}, false
	}

	return domain.KnowledgeBaseEntry{
		ID:       r.ID,
		Problem:  problem,
		Topic:    r.Topic,
		Solution: solution,
		Source:   r.Source,
	}, true
}
