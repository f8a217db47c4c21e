package vectordb

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Memory is an in-process VectorDB using brute-force cosine distance.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Record)}
}

func (m *Memory) GetOrCreateCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = make(map[string]Record)
	}
	return nil
}

func (m *Memory) AddEmbeddings(_ context.Context, collection string, records []Record) error {
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record id is required")
		}
		if err := validateVector(r.Vector, 0); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		c = make(map[string]Record)
		m.collections[collection] = c
	}
	for _, r := range records {
		c[r.ID] = Record{
			ID:       r.ID,
			Vector:   append([]float32(nil), r.Vector...),
			Metadata: maps.Clone(r.Metadata),
		}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, collection string, vector []float32, k int) ([]models.RetrievalResultEntry, error) {
	if err := validateVector(vector, 0); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	out := make([]models.RetrievalResultEntry, 0, len(c))
	for _, r := range c {
		out = append(out, models.RetrievalResultEntry{
			ID:       r.ID,
			Metadata: maps.Clone(r.Metadata),
			Distance: cosineDistance(vector, r.Vector),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) DeleteByFileID(_ context.Context, collection, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.collections[collection] {
		if r.Metadata["file_id"] == fileID {
			delete(m.collections[collection], id)
		}
	}
	return nil
}

func (m *Memory) DeleteCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *Memory) Close() error { return nil }
