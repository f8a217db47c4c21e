package sessions

import (
	"context"
	"sync"
)

// ConversationStore persists the active conversation of each session.
// Load returns (nil, nil) when nothing is stored.
type ConversationStore interface {
	Load(ctx context.Context, sessionID string) (*Conversation, error)
	Save(ctx context.Context, sessionID string, conv *Conversation) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewMemoryStore creates an in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: map[string]*Conversation{}}
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.convs[sessionID], nil
}

func (m *MemoryStore) Save(ctx context.Context, sessionID string, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[sessionID] = conv
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, sessionID)
	return nil
}
