// Package app assembles the solver and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/cache/redis"
	"github.com/math-agent/backend/internal/compute"
	"github.com/math-agent/backend/internal/compute/mathtools"
	"github.com/math-agent/backend/internal/compute/mcpclient"
	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/embedding"
	"github.com/math-agent/backend/internal/feedback"
	"github.com/math-agent/backend/internal/guardrail"
	"github.com/math-agent/backend/internal/knowledge"
	"github.com/math-agent/backend/internal/llm"
	"github.com/math-agent/backend/internal/routing"
	"github.com/math-agent/backend/internal/search/web"
	"github.com/math-agent/backend/internal/solver"
	"github.com/math-agent/backend/internal/storage/sqlite"
	"github.com/math-agent/backend/internal/synthesis"
	"github.com/math-agent/backend/internal/vector"
	"github.com/math-agent/backend/internal/vector/memory"
	"github.com/math-agent/backend/internal/vector/milvus"
	"github.com/math-agent/backend/pkg/config"
	"github.com/math-agent/backend/pkg/logger"
)

type App struct {
	Config   *config.Config
	DB       *sqlite.Client
	Embedder embedding.Embedder
	Loader   *knowledge.Loader
	Routing  *routing.Store
	Feedback *feedback.Aggregator
	Tuner    *routing.Tuner
	Engine   *solver.Engine
	Status   *solver.StatusMonitor

	closers []func() error
}

// New builds every component. Optional services that cannot be reached
// (Redis, search) are left out with a warning; storage and the index are
// required.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.InitSchema(); err != nil {
		return nil, err
	}
	a.DB = db

	cache := a.newCache(ctx)

	var llmClient *llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewClient(llm.Config{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.Embedding.Model,
			Temperature:    cfg.LLM.Temperature,
			MaxTokens:      cfg.LLM.MaxTokens,
			Timeout:        seconds(cfg.LLM.TimeoutSec),
		})
	} else {
		logger.Warn("No LLM API key configured, answers will be formatted without generation")
	}

	a.Embedder, err = newEmbedder(cfg.Embedding, llmClient, cache)
	if err != nil {
		return nil, err
	}

	index, err := a.newIndex(ctx)
	if err != nil {
		return nil, err
	}

	a.Loader = knowledge.NewLoader(a.Embedder, index, db)
	a.seedKnowledge(ctx)
	retriever := knowledge.NewRetriever(a.Embedder, index, seconds(cfg.Knowledge.TimeoutSec))

	a.Routing = routing.NewStore(routingDefaults(cfg.Routing), db)
	if err := a.Routing.Restore(ctx); err != nil {
		logger.Warn("Failed to restore routing parameters, using defaults", zap.Error(err))
	}

	a.Feedback = feedback.NewAggregator(db)
	if err := a.Feedback.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load feedback history: %w", err)
	}
	if cfg.Tuner.Enabled {
		a.Tuner = routing.NewTuner(a.Routing, a.Feedback, routing.TunerConfig{
			Interval:     seconds(cfg.Tuner.IntervalSec),
			EveryRecords: cfg.Tuner.EveryRecords,
			Policy: routing.Policy{
				RatingFloor: cfg.Tuner.RatingFloor,
				MinSamples:  cfg.Tuner.MinSamples,
				Step:        cfg.Tuner.Step,
			},
		})
		a.Feedback.OnRecorded(func(domain.FeedbackRecord) { a.Tuner.Notify() })
	}

	validator := guardrail.NewValidator(guardrail.Config{
		MaxInputLength:      cfg.Guardrails.MaxInputLength,
		TimeSensitiveTopics: cfg.Guardrails.TimeSensitiveTopics,
	})

	var gen synthesis.Generator
	if llmClient != nil {
		gen = llmClient
	}
	synth := synthesis.NewSynthesizer(gen, validator, synthesis.Config{
		MaxAttempts: cfg.Guardrails.MaxGenerationAttempt,
		Timeout:     seconds(cfg.LLM.TimeoutSec),
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})

	deps := solver.Deps{
		Validator:   validator,
		Retriever:   retriever,
		Synthesizer: synth,
		Routing:     a.Routing,
		Solutions:   db,
		Feedback:    a.Feedback,
		Knowledge:   a.Loader,
	}
	if llmClient != nil {
		deps.Generator = llmClient
	}
	if search := a.newSearch(cache); search != nil {
		deps.Search = search
	}
	if exec := a.newComputation(); exec != nil {
		deps.Compute = exec
	}

	a.Engine = solver.NewEngine(deps, solver.Config{TopK: cfg.Knowledge.TopK})
	a.Status = solver.NewStatusMonitor(a.Engine, seconds(cfg.Status.RefreshSec))

	ok = true
	return a, nil
}

// Start launches the background status poller and routing tuner.
func (a *App) Start(ctx context.Context) {
	a.Status.Start(ctx)
	if a.Tuner != nil {
		a.Tuner.Start(ctx)
	}
}

func (a *App) Close() error {
	if a.Tuner != nil {
		a.Tuner.Stop()
	}
	if a.Status != nil {
		a.Status.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// cacheBackend is what both the embedding and search caches need.
type cacheBackend interface {
	embedding.Cache
	web.Cache
}

func (a *App) newCache(ctx context.Context) cacheBackend {
	rc := a.Config.Redis
	if rc.Host == "" {
		return nil
	}
	client, err := redis.NewClient(rc.Host, rc.Port, rc.Password, rc.DB, time.Duration(rc.TTLMinutes)*time.Minute)
	if err != nil {
		logger.Warn("Redis unavailable, caching disabled", zap.Error(err))
		return nil
	}
	if err := client.Ping(ctx); err != nil {
		logger.Warn("Redis unreachable, caching disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	a.closers = append(a.closers, client.Close)
	return client
}

func newEmbedder(cfg config.EmbeddingConfig, llmClient *llm.Client, cache cacheBackend) (embedding.Embedder, error) {
	var emb embedding.Embedder
	switch cfg.Provider {
	case "", "hashing":
		emb = embedding.NewHashingEmbedder(cfg.Dim)
	case "openai":
		if llmClient == nil {
			return nil, errors.New("openai embeddings require llm.apiKey")
		}
		emb = embedding.NewRemoteEmbedder(llmClient, cfg.Dim)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cache != nil {
		emb = embedding.NewCachedEmbedder(emb, cache)
	}
	return emb, nil
}

func (a *App) newIndex(ctx context.Context) (vector.Index, error) {
	mc := a.Config.Milvus
	dim := a.Embedder.Dimension()
	if mc.Endpoint == "" {
		logger.Info("Using in-memory knowledge base index", zap.Int("dim", dim))
		return memory.NewIndex(dim), nil
	}
	if mc.VectorDim != 0 && mc.VectorDim != dim {
		logger.Warn("Milvus vector dimension differs from the embedder, using the embedder's",
			zap.Int("configured", mc.VectorDim),
			zap.Int("embedder", dim),
		)
	}
	client, err := milvus.NewClient(ctx, mc.Endpoint, mc.APIKey, mc.CollectionName, dim)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	if err := client.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare milvus collection: %w", err)
	}
	return client, nil
}

func (a *App) seedKnowledge(ctx context.Context) {
	path := a.Config.Knowledge.DatasetPath
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("Knowledge base dataset not found", zap.String("path", path))
		return
	}
	if _, err := a.Loader.LoadFile(ctx, path); err != nil {
		logger.Error("Failed to load knowledge base dataset", zap.String("path", path), zap.Error(err))
	}
}

func (a *App) newSearch(cache cacheBackend) *web.Augmenter {
	sc := a.Config.Search
	if !sc.Enabled {
		return nil
	}
	httpClient := web.NewHTTPClient(seconds(sc.TimeoutSec))

	var provider web.Provider
	switch sc.Provider {
	case "tavily":
		provider = web.NewTavilyProvider(sc.APIKey, web.TavilyURL, sc.IncludeDomains, httpClient)
	case "serpapi":
		provider = web.NewSerpAPIProvider(sc.APIKey, web.SerpAPIURL, httpClient)
	case "", "duckduckgo":
		provider = web.NewDuckDuckGoProvider(web.DuckDuckGoURL, httpClient)
	default:
		logger.Warn("Unknown search provider, web search disabled", zap.String("provider", sc.Provider))
		return nil
	}

	var wc web.Cache
	if cache != nil {
		wc = cache
	}
	logger.Info("Web search enabled", zap.String("provider", provider.Name()))
	return web.NewAugmenter(provider, wc, seconds(sc.TimeoutSec), sc.MaxResults)
}

func (a *App) newComputation() *compute.Executor {
	cc := a.Config.Computation
	timeout := seconds(cc.TimeoutSec)

	switch cc.Mode {
	case "", "local":
		logger.Info("Using built-in computation tools")
		return compute.NewExecutor(mathtools.NewEngine(), timeout)
	case "mcp":
		client := mcpclient.New(cc.Command, os.Environ(), cc.Args...)
		a.closers = append(a.closers, client.Close)
		logger.Info("Using MCP computation service", zap.String("command", cc.Command))
		return compute.NewExecutor(client, timeout)
	case "off":
		return nil
	}
	logger.Warn("Unknown computation mode, computation disabled", zap.String("mode", cc.Mode))
	return nil
}

func routingDefaults(rc config.RoutingConfig) domain.RoutingParameters {
	p := domain.DefaultRoutingParameters()
	if rc.KnowledgeThreshold > 0 {
		p.KnowledgeThreshold = rc.KnowledgeThreshold
	}
	if rc.HighSimilarity > 0 {
		p.HighSimilarity = rc.HighSimilarity
	}
	if rc.WebSearchThreshold > 0 {
		p.WebSearchThreshold = rc.WebSearchThreshold
	}
	if s, err := domain.ParseStrategy(rc.ConceptualStrategy); err == nil {
		p.CategoryStrategy[domain.CategoryConceptual] = s
	}
	return p
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
