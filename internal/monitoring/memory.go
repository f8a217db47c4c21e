package monitoring

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps the most recent records in memory. It backs deployments
// without a monitoring database and is convenient in tests.
type MemorySink struct {
	mu         sync.Mutex
	limit      int
	messages   []*MessageRecord
	llmCalls   []*LLMCall
	embeddings []*EmbeddingCall
	errors     []*ErrorRecord
	sessions   map[string]SessionActivity
}

// NewMemorySink keeps at most limit records of each kind; limit <= 0 means 1000.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1000
	}
	return &MemorySink{limit: limit, sessions: make(map[string]SessionActivity)}
}

func trim[T any](s []T, limit int) []T {
	if len(s) > limit {
		return append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}

func (m *MemorySink) RecordMessage(_ context.Context, rec *MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.messages = trim(append(m.messages, &cp), m.limit)
	return nil
}

func (m *MemorySink) UpdateMessageStatus(_ context.Context, id string, status MessageStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.messages {
		if rec.ID == id {
			rec.Status = status
			rec.Error = errMsg
			rec.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *MemorySink) RecordLLMCall(_ context.Context, call *LLMCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *call
	m.llmCalls = trim(append(m.llmCalls, &cp), m.limit)
	return nil
}

func (m *MemorySink) RecordEmbeddingCall(_ context.Context, call *EmbeddingCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *call
	m.embeddings = trim(append(m.embeddings, &cp), m.limit)
	return nil
}

func (m *MemorySink) RecordError(_ context.Context, rec *ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.errors = trim(append(m.errors, &cp), m.limit)
	return nil
}

func (m *MemorySink) RecordSessionActivity(_ context.Context, act *SessionActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[act.SessionID] = *act
	return nil
}

// Messages returns copies of the stored message records, oldest first.
func (m *MemorySink) Messages() []MessageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageRecord, len(m.messages))
	for i, rec := range m.messages {
		out[i] = *rec
	}
	return out
}

// LLMCalls returns copies of the stored LLM calls.
func (m *MemorySink) LLMCalls() []LLMCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LLMCall, len(m.llmCalls))
	for i, c := range m.llmCalls {
		out[i] = *c
	}
	return out
}

// EmbeddingCalls returns copies of the stored embedding calls.
func (m *MemorySink) EmbeddingCalls() []EmbeddingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmbeddingCall, len(m.embeddings))
	for i, c := range m.embeddings {
		out[i] = *c
	}
	return out
}

// Errors returns copies of the stored error records.
func (m *MemorySink) Errors() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorRecord, len(m.errors))
	for i, e := range m.errors {
		out[i] = *e
	}
	return out
}

// Session returns the last activity of a session.
func (m *MemorySink) Session(id string) (SessionActivity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.sessions[id]
	return act, ok
}
