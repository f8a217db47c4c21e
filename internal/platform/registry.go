package platform

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Factory builds an adapter from the bot's adapter-specific config map.
type Factory func(config map[string]any, logger *slog.Logger) (Adapter, error)

// Registry maps adapter kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New builds an adapter of the given kind. It returns *AdapterNotFoundError
// when no factory is registered.
func (r *Registry) New(kind string, config map[string]any, logger *slog.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &AdapterNotFoundError{Kind: kind}
	}
	return factory(config, logger)
}

// Kinds lists registered adapter kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DecodeConfig converts a raw config map into an adapter's typed config struct.
func DecodeConfig(raw map[string]any, out any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return ErrConfig("encode adapter config", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return ErrConfig(fmt.Sprintf("decode adapter config into %T", out), err)
	}
	return nil
}
