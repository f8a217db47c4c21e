package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists monitoring records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. An empty path
// opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if dsn == "" || dsn == ":memory:" {
		dsn = "file:monitoring-" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	} else {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open monitoring database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		query_id INTEGER NOT NULL,
		bot_uuid TEXT,
		bot_name TEXT,
		pipeline_uuid TEXT,
		pipeline_name TEXT,
		session_id TEXT,
		sender_id TEXT,
		text TEXT,
		status TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS llm_calls (
		id TEXT PRIMARY KEY,
		message_id TEXT,
		model_uuid TEXT,
		model_name TEXT,
		requester TEXT,
		stream INTEGER,
		input_tokens INTEGER,
		output_tokens INTEGER,
		duration_ms INTEGER,
		status TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS embedding_calls (
		id TEXT PRIMARY KEY,
		model_uuid TEXT,
		model_name TEXT,
		call_type TEXT,
		knowledge_base_id TEXT,
		query_text TEXT,
		session_id TEXT,
		message_id TEXT,
		prompt_tokens INTEGER,
		total_tokens INTEGER,
		duration_ms INTEGER,
		status TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id TEXT PRIMARY KEY,
		message_id TEXT,
		query_id INTEGER,
		pipeline_uuid TEXT,
		stage TEXT,
		message TEXT,
		stack TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		bot_uuid TEXT,
		pipeline_uuid TEXT,
		last_active DATETIME NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)",
	"CREATE INDEX IF NOT EXISTS idx_llm_calls_created ON llm_calls(created_at)",
	"CREATE INDEX IF NOT EXISTS idx_embedding_calls_created ON embedding_calls(created_at)",
	"CREATE INDEX IF NOT EXISTS idx_errors_created ON errors(created_at)",
}

func (s *SQLiteStore) init() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create monitoring schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func (s *SQLiteStore) RecordMessage(ctx context.Context, rec *MessageRecord) error {
	rec.ID = newID(rec.ID)
	created := stamp(rec.CreatedAt)
	status := rec.Status
	if status == "" {
		status = StatusReceived
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, query_id, bot_uuid, bot_name, pipeline_uuid, pipeline_name,
			session_id, sender_id, text, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.QueryID, rec.BotUUID, rec.BotName, rec.PipelineUUID, rec.PipelineName,
		rec.SessionID, rec.SenderID, rec.Text, string(status), rec.Error, created, created)
	if err != nil {
		return fmt.Errorf("failed to insert message record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordLLMCall(ctx context.Context, call *LLMCall) error {
	call.ID = newID(call.ID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (id, message_id, model_uuid, model_name, requester, stream,
			input_tokens, output_tokens, duration_ms, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.MessageID, call.ModelUUID, call.ModelName, call.Requester, call.Stream,
		call.InputTokens, call.OutputTokens, call.Duration.Milliseconds(), string(call.Status),
		call.Error, stamp(call.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert llm call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordEmbeddingCall(ctx context.Context, call *EmbeddingCall) error {
	call.ID = newID(call.ID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_calls (id, model_uuid, model_name, call_type, knowledge_base_id,
			query_text, session_id, message_id, prompt_tokens, total_tokens, duration_ms,
			status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.ModelUUID, call.ModelName, call.CallType, call.KnowledgeBaseID,
		call.QueryText, call.SessionID, call.MessageID, call.PromptTokens, call.TotalTokens,
		call.Duration.Milliseconds(), string(call.Status), call.Error, stamp(call.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert embedding call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordError(ctx context.Context, rec *ErrorRecord) error {
	rec.ID = newID(rec.ID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (id, message_id, query_id, pipeline_uuid, stage, message, stack, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, rec.QueryID, rec.PipelineUUID, rec.Stage, rec.Message, rec.Stack,
		stamp(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert error record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordSessionActivity(ctx context.Context, act *SessionActivity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, bot_uuid, pipeline_uuid, last_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			bot_uuid = excluded.bot_uuid,
			pipeline_uuid = excluded.pipeline_uuid,
			last_active = excluded.last_active`,
		act.SessionID, act.BotUUID, act.PipelineUUID, stamp(act.LastActive))
	if err != nil {
		return fmt.Errorf("failed to upsert session activity: %w", err)
	}
	return nil
}

// ListMessages returns the most recent message records, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query_id, bot_uuid, bot_name, pipeline_uuid, pipeline_name, session_id,
			sender_id, text, status, error, created_at, updated_at
		FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.QueryID, &rec.BotUUID, &rec.BotName, &rec.PipelineUUID,
			&rec.PipelineName, &rec.SessionID, &rec.SenderID, &rec.Text, &status, &rec.Error,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		rec.Status = MessageStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of rows in a monitoring table.
func (s *SQLiteStore) Count(ctx context.Context, table string) (int, error) {
	switch table {
	case "messages", "llm_calls", "embedding_calls", "errors", "sessions":
	default:
		return 0, fmt.Errorf("unknown monitoring table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Prune deletes records created before cutoff and returns how many rows went.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	stmts := []string{
		"DELETE FROM messages WHERE created_at < ?",
		"DELETE FROM llm_calls WHERE created_at < ?",
		"DELETE FROM embedding_calls WHERE created_at < ?",
		"DELETE FROM errors WHERE created_at < ?",
		"DELETE FROM sessions WHERE last_active < ?",
	}
	var total int64
	for _, stmt := range stmts {
		res, err := s.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune monitoring rows: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
