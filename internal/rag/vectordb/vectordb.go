// Package vectordb stores embedding vectors in named collections and
// searches them by distance.
package vectordb

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrCollectionNotFound is returned when a collection has never been created.
var ErrCollectionNotFound = errors.New("collection not found")

// Record is one vector to store. Metadata should carry "text" and "file_id".
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// VectorDB is the vector database contract used by knowledge bases.
type VectorDB interface {
	GetOrCreateCollection(ctx context.Context, collection string) error
	AddEmbeddings(ctx context.Context, collection string, records []Record) error
	// Search returns up to k entries ordered by ascending distance.
	Search(ctx context.Context, collection string, vector []float32, k int) ([]models.RetrievalResultEntry, error)
	DeleteByFileID(ctx context.Context, collection, fileID string) error
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendPGVector = "pgvector"
)

// New opens the backend named by cfg.
func New(cfg config.VectorDBConfig) (VectorDB, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendPGVector:
		return NewPGVector(PGConfig{DSN: cfg.DSN, Dimensions: cfg.Dimensions})
	default:
		return nil, fmt.Errorf("unknown vector database backend %q", cfg.Backend)
	}
}

func validateVector(v []float32, dims int) error {
	if len(v) == 0 {
		return fmt.Errorf("vector is empty")
	}
	if dims > 0 && len(v) != dims {
		return fmt.Errorf("vector dimension mismatch: got %d, want %d", len(v), dims)
	}
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("vector contains invalid values")
		}
	}
	return nil
}

// cosineDistance is 1 - cos(a, b). Zero vectors are at distance 1.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
