package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/query"
)

// Manager holds the loaded pipelines by UUID and swaps them atomically on reload.
type Manager struct {
	registry *StageRegistry
	services Services
	logger   *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*RuntimePipeline
}

// NewManager creates a manager with no pipelines.
func NewManager(registry *StageRegistry, services Services) *Manager {
	services = services.withDefaults()
	return &Manager{
		registry:  registry,
		services:  services,
		logger:    services.Logger.With("component", "pipeline-manager"),
		pipelines: make(map[string]*RuntimePipeline),
	}
}

// Load builds defs and replaces the whole pipeline set. Definitions that
// fail to build are skipped and reported; the others are still installed.
func (m *Manager) Load(defs []config.PipelineDefinition) error {
	next := make(map[string]*RuntimePipeline, len(defs))
	var errs []error
	for _, def := range defs {
		if _, dup := next[def.UUID]; dup {
			errs = append(errs, fmt.Errorf("duplicate pipeline uuid %q", def.UUID))
			continue
		}
		p, err := NewRuntimePipeline(def, m.registry, m.services)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next[def.UUID] = p
	}

	m.mu.Lock()
	m.pipelines = next
	m.mu.Unlock()

	m.logger.Info("pipelines loaded", "count", len(next), "failed", len(errs))
	return errors.Join(errs...)
}

// Upsert builds def and installs it, replacing any pipeline with the same UUID.
func (m *Manager) Upsert(def config.PipelineDefinition) error {
	p, err := NewRuntimePipeline(def, m.registry, m.services)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pipelines[def.UUID] = p
	m.mu.Unlock()
	return nil
}

// Remove unloads a pipeline.
func (m *Manager) Remove(uuid string) {
	m.mu.Lock()
	delete(m.pipelines, uuid)
	m.mu.Unlock()
}

// Get returns a loaded pipeline.
func (m *Manager) Get(uuid string) (*RuntimePipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[uuid]
	return p, ok
}

// List returns loaded pipelines sorted by UUID.
func (m *Manager) List() []*RuntimePipeline {
	m.mu.RLock()
	out := make([]*RuntimePipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

// Dispatch resolves the query's pipeline and runs it.
func (m *Manager) Dispatch(ctx context.Context, q *query.Query) error {
	p, ok := m.Get(q.PipelineUUID)
	if !ok {
		return &PipelineMissingError{UUID: q.PipelineUUID}
	}
	return p.Run(ctx, q)
}

// AggregationSettings returns a pipeline's message aggregation settings.
func (m *Manager) AggregationSettings(uuid string) (config.MessageAggregation, bool) {
	p, ok := m.Get(uuid)
	if !ok {
		return config.MessageAggregation{}, false
	}
	return p.def.Config.Trigger.MessageAggregation, true
}
