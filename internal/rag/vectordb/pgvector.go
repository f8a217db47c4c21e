package vectordb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/haasonsaas/switchboard/pkg/models"
)

// PGConfig configures the pgvector backend.
type PGConfig struct {
	// DSN opens a new connection pool owned by the store.
	DSN string
	// DB reuses an existing pool; the store will not close it.
	DB *sql.DB
	// Dimensions, when positive, is enforced on every vector.
	Dimensions int
	// SkipSchema disables CREATE statements on open.
	SkipSchema bool
}

// PGVector stores vectors in PostgreSQL using the pgvector extension.
type PGVector struct {
	db     *sql.DB
	dims   int
	ownsDB bool
}

var pgSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS switchboard_vector_collections (
		name TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS switchboard_vectors (
		collection TEXT NOT NULL REFERENCES switchboard_vector_collections(name) ON DELETE CASCADE,
		id TEXT NOT NULL,
		file_id TEXT NOT NULL DEFAULT '',
		embedding vector NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`,
	`CREATE INDEX IF NOT EXISTS switchboard_vectors_file_idx ON switchboard_vectors (collection, file_id)`,
}

func NewPGVector(cfg PGConfig) (*PGVector, error) {
	s := &PGVector{db: cfg.DB, dims: cfg.Dimensions}
	if s.db == nil {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("pgvector: dsn is required")
		}
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("pgvector: open: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pgvector: ping: %w", err)
		}
		s.db = db
		s.ownsDB = true
	}
	if !cfg.SkipSchema {
		if err := s.ensureSchema(context.Background()); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PGVector) ensureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector: schema: %w", err)
		}
	}
	return nil
}

func (s *PGVector) GetOrCreateCollection(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO switchboard_vector_collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		collection)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}
	return nil
}

func (s *PGVector) AddEmbeddings(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if err := validateVector(r.Vector, s.dims); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	if err := s.GetOrCreateCollection(ctx, collection); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO switchboard_vectors (collection, id, file_id, embedding, metadata)
		VALUES ($1, $2, $3, $4::vector, $5)
		ON CONFLICT (collection, id) DO UPDATE
		SET file_id = EXCLUDED.file_id, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("record %s: encode metadata: %w", r.ID, err)
		}
		fileID, _ := r.Metadata["file_id"].(string)
		if _, err := stmt.ExecContext(ctx, collection, r.ID, fileID, encodeVector(r.Vector), string(meta)); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PGVector) Search(ctx context.Context, collection string, vector []float32, k int) ([]models.RetrievalResultEntry, error) {
	if err := validateVector(vector, s.dims); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metadata, embedding <=> $2::vector AS distance
		FROM switchboard_vectors
		WHERE collection = $1
		ORDER BY distance ASC, id ASC
		LIMIT $3`,
		collection, encodeVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	defer rows.Close()

	var out []models.RetrievalResultEntry
	for rows.Next() {
		var (
			entry models.RetrievalResultEntry
			meta  []byte
		)
		if err := rows.Scan(&entry.ID, &meta, &entry.Distance); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", entry.ID, err)
			}
		}
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PGVector) DeleteByFileID(ctx context.Context, collection, fileID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM switchboard_vectors WHERE collection = $1 AND file_id = $2`,
		collection, fileID)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}

func (s *PGVector) DeleteCollection(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM switchboard_vector_collections WHERE name = $1`, collection)
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", collection, err)
	}
	return nil
}

func (s *PGVector) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// encodeVector renders v in pgvector's text form, e.g. [1,0.5,-2].
func encodeVector(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
