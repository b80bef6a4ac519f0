package solver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/pkg/logger"
)

const (
	ComponentRetrieval   = "retrieval"
	ComponentComputation = "computation"
	ComponentWebSearch   = "web_search"
	ComponentGenerator   = "generator"
	ComponentStorage     = "storage"
)

// Health checks every component. Optional components that are not wired
// report false.
func (e *Engine) Health(ctx context.Context) domain.Health {
	components := map[string]bool{
		ComponentRetrieval:   e.deps.Retriever != nil && e.deps.Retriever.Available(ctx),
		ComponentComputation: e.deps.Compute != nil && e.deps.Compute.Available(),
		ComponentWebSearch:   e.deps.Search != nil && e.deps.Search.Available(),
		ComponentGenerator:   e.deps.Generator != nil && e.deps.Generator.Available(),
		ComponentStorage:     false,
	}
	if p, ok := e.deps.Solutions.(pinger); ok {
		components[ComponentStorage] = p.Ping(ctx) == nil
	}

	status := domain.HealthHealthy
	for _, up := range components {
		if !up {
			status = domain.HealthDegraded
			break
		}
	}
	return domain.Health{
		Status:                      status,
		ComputationServiceAvailable: components[ComponentComputation],
		Components:                  components,
	}
}

func (e *Engine) ComputationTools(ctx context.Context) domain.ToolsInfo {
	if e.deps.Compute == nil {
		return domain.ToolsInfo{Tools: []domain.ToolInfo{}}
	}
	return e.deps.Compute.ToolsInfo(ctx)
}

func (e *Engine) KnowledgeBaseStats(ctx context.Context) (domain.KnowledgeBaseStats, error) {
	if e.deps.Knowledge == nil {
		return domain.KnowledgeBaseStats{Topics: []string{}}, nil
	}
	stats, err := e.deps.Knowledge.Stats(ctx)
	if err != nil {
		return domain.KnowledgeBaseStats{}, domain.NewRetrievalError("knowledge base statistics unavailable", err)
	}
	if stats.Topics == nil {
		stats.Topics = []string{}
	}
	return stats, nil
}

type statusSnapshot struct {
	health domain.Health
	tools  domain.ToolsInfo
	kb     domain.KnowledgeBaseStats
}

// StatusMonitor caches health, tool and knowledge base status so status
// reads never touch external services.
type StatusMonitor struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration

	current atomic.Pointer[statusSnapshot]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStatusMonitor(engine *Engine, interval time.Duration) *StatusMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusMonitor{engine: engine, interval: interval, timeout: 5 * time.Second}
}

// Refresh checks everything once and publishes the result.
func (m *StatusMonitor) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snap := &statusSnapshot{
		health: m.engine.Health(ctx),
		tools:  m.engine.ComputationTools(ctx),
	}
	kb, err := m.engine.KnowledgeBaseStats(ctx)
	if err != nil {
		logger.Warn("Knowledge base stats refresh failed", zap.Error(err))
		if prev := m.current.Load(); prev != nil {
			kb = prev.kb
		}
	}
	snap.kb = kb
	m.current.Store(snap)
}

func (m *StatusMonitor) load(ctx context.Context) *statusSnapshot {
	if snap := m.current.Load(); snap != nil {
		return snap
	}
	m.Refresh(ctx)
	return m.current.Load()
}

func (m *StatusMonitor) Health(ctx context.Context) domain.Health {
	return m.load(ctx).health
}

func (m *StatusMonitor) ComputationTools(ctx context.Context) domain.ToolsInfo {
	return m.load(ctx).tools
}

func (m *StatusMonitor) KnowledgeBaseStats(ctx context.Context) domain.KnowledgeBaseStats {
	return m.load(ctx).kb
}

// Start refreshes immediately and then on every interval until Stop.
func (m *StatusMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.Refresh(ctx)

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	}(m.done)
}

func (m *StatusMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
