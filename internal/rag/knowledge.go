// Package rag implements knowledge bases: internal ones backed by an
// embedding model and a vector database, and external ones served by a
// plugin retriever.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/internal/monitoring"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/rag/chunker"
	"github.com/haasonsaas/switchboard/internal/rag/vectordb"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	KindInternal = "internal"
	KindExternal = "external"
)

// RetrieveOptions carries the per-call context of a retrieval.
type RetrieveOptions struct {
	// TopK overrides the knowledge base default when positive.
	TopK      int
	SessionID string
	MessageID string
}

// KnowledgeBase answers retrieval queries.
type KnowledgeBase interface {
	UUID() string
	Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]models.RetrievalResultEntry, error)
}

// Embedder is the part of the model broker knowledge bases use.
type Embedder interface {
	GetEmbeddingModel(modelUUID string) (*llm.RuntimeEmbeddingModel, error)
	InvokeEmbedding(ctx context.Context, model *llm.RuntimeEmbeddingModel, texts []string, extraArgs map[string]any, call llm.EmbeddingCall) ([][]float32, error)
}

// Internal is a knowledge base stored in a vector database collection.
type Internal struct {
	cfg      config.KnowledgeBaseConfig
	embedder Embedder
	db       vectordb.VectorDB
}

func NewInternal(cfg config.KnowledgeBaseConfig, embedder Embedder, db vectordb.VectorDB) *Internal {
	return &Internal{cfg: cfg, embedder: embedder, db: db}
}

func (k *Internal) UUID() string { return k.cfg.UUID }

func (k *Internal) collection() string {
	if k.cfg.Collection != "" {
		return k.cfg.Collection
	}
	return k.cfg.UUID
}

// Ingest embeds chunks of an already parsed file and stores them. Chunks are
// replaced when the same file is ingested again.
func (k *Internal) Ingest(ctx context.Context, fileID string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	model, err := k.embedder.GetEmbeddingModel(k.cfg.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("knowledge base %s: %w", k.cfg.UUID, err)
	}
	vectors, err := k.embedder.InvokeEmbedding(ctx, model, chunks, nil, llm.EmbeddingCall{
		CallType:        monitoring.CallTypeEmbedding,
		KnowledgeBaseID: k.cfg.UUID,
	})
	if err != nil {
		return fmt.Errorf("knowledge base %s: embed: %w", k.cfg.UUID, err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("knowledge base %s: got %d vectors for %d chunks", k.cfg.UUID, len(vectors), len(chunks))
	}

	if err := k.db.GetOrCreateCollection(ctx, k.collection()); err != nil {
		return err
	}
	if err := k.db.DeleteByFileID(ctx, k.collection(), fileID); err != nil {
		return err
	}
	records := make([]vectordb.Record, len(chunks))
	for i, text := range chunks {
		id := uuid.NewString()
		records[i] = vectordb.Record{
			ID:     id,
			Vector: vectors[i],
			Metadata: map[string]any{
				"text":        text,
				"file_id":     fileID,
				"uuid":        id,
				"chunk_index": strconv.Itoa(i),
			},
		}
	}
	return k.db.AddEmbeddings(ctx, k.collection(), records)
}

// IngestText splits raw text with the configured chunk sizes and ingests
// the pieces.
func (k *Internal) IngestText(ctx context.Context, fileID, text string) (int, error) {
	cfg := chunker.Config{ChunkSize: k.cfg.ChunkSize, ChunkOverlap: k.cfg.ChunkOverlap, MinChunkSize: -1}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = -1
	}
	splitter := chunker.New(cfg)
	if k.cfg.Markdown {
		splitter = chunker.NewMarkdown(cfg)
	}
	chunks := splitter.Split(text)
	if err := k.Ingest(ctx, fileID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// DeleteFile removes every chunk of a file.
func (k *Internal) DeleteFile(ctx context.Context, fileID string) error {
	return k.db.DeleteByFileID(ctx, k.collection(), fileID)
}

func (k *Internal) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]models.RetrievalResultEntry, error) {
	model, err := k.embedder.GetEmbeddingModel(k.cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("knowledge base %s: %w", k.cfg.UUID, err)
	}
	vectors, err := k.embedder.InvokeEmbedding(ctx, model, []string{query}, nil, llm.EmbeddingCall{
		CallType:        monitoring.CallTypeRetrieve,
		KnowledgeBaseID: k.cfg.UUID,
		QueryText:       query,
		SessionID:       opts.SessionID,
		MessageID:       opts.MessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge base %s: embed query: %w", k.cfg.UUID, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("knowledge base %s: embedding returned no vector", k.cfg.UUID)
	}
	entries, err := k.db.Search(ctx, k.collection(), vectors[0], topK(k.cfg.TopK, opts.TopK))
	if errors.Is(err, vectordb.ErrCollectionNotFound) {
		return nil, nil
	}
	return entries, err
}

// External forwards retrieval to a plugin-provided retriever.
type External struct {
	cfg     config.KnowledgeBaseConfig
	plugins plugins.Connector
}

func NewExternal(cfg config.KnowledgeBaseConfig, connector plugins.Connector) *External {
	return &External{cfg: cfg, plugins: connector}
}

func (k *External) UUID() string { return k.cfg.UUID }

func (k *External) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]models.RetrievalResultEntry, error) {
	entries, err := k.plugins.RetrieveKnowledge(ctx, k.cfg.Plugin, k.cfg.Retriever, k.cfg.Instance, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge base %s: retriever %s/%s: %w", k.cfg.UUID, k.cfg.Plugin, k.cfg.Retriever, err)
	}
	if n := topK(k.cfg.TopK, opts.TopK); len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func topK(configured, override int) int {
	switch {
	case override > 0:
		return override
	case configured > 0:
		return configured
	default:
		return 5
	}
}

// ErrKnowledgeBaseNotFound is returned for an unknown knowledge base UUID.
var ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")

// Manager resolves knowledge bases by UUID.
type Manager struct {
	mu     sync.RWMutex
	kbs    map[string]KnowledgeBase
	logger *slog.Logger
}

// NewManager builds every configured knowledge base.
func NewManager(cfgs []config.KnowledgeBaseConfig, embedder Embedder, db vectordb.VectorDB, connector plugins.Connector, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{kbs: make(map[string]KnowledgeBase, len(cfgs)), logger: logger.With("component", "rag")}
	for _, cfg := range cfgs {
		switch cfg.Kind {
		case KindInternal, "":
			if embedder == nil || db == nil {
				return nil, fmt.Errorf("knowledge base %s: internal knowledge bases need an embedder and a vector database", cfg.UUID)
			}
			m.kbs[cfg.UUID] = NewInternal(cfg, embedder, db)
		case KindExternal:
			if connector == nil {
				connector = plugins.Disconnected{}
			}
			m.kbs[cfg.UUID] = NewExternal(cfg, connector)
		default:
			return nil, fmt.Errorf("knowledge base %s: unknown kind %q", cfg.UUID, cfg.Kind)
		}
	}
	return m, nil
}

// Add registers a knowledge base, replacing any with the same UUID.
func (m *Manager) Add(kb KnowledgeBase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kbs[kb.UUID()] = kb
}

func (m *Manager) Get(kbUUID string) (KnowledgeBase, error) {
	m.mu.RLock()
	kb, ok := m.kbs[kbUUID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKnowledgeBaseNotFound, kbUUID)
	}
	return kb, nil
}

// Retrieve queries each knowledge base in order and concatenates the
// results. Unknown or failing knowledge bases are logged and skipped.
func (m *Manager) Retrieve(ctx context.Context, kbUUIDs []string, query string, opts RetrieveOptions) []models.RetrievalResultEntry {
	var out []models.RetrievalResultEntry
	for _, id := range kbUUIDs {
		kb, err := m.Get(id)
		if err != nil {
			m.logger.WarnContext(ctx, "knowledge base skipped", "kb", id, "error", err)
			continue
		}
		entries, err := kb.Retrieve(ctx, query, opts)
		if err != nil {
			m.logger.WarnContext(ctx, "knowledge base retrieval failed", "kb", id, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out
}
