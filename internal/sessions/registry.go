package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// GateWidth is concurrency.session; it is fixed for the lifetime of the registry.
	GateWidth int
	Store     ConversationStore
	Logger    *slog.Logger
}

// Registry resolves (bot, launcher_type, launcher_id) to a Session, creating it on first use.
type Registry struct {
	width  int64
	store  ConversationStore
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.GateWidth <= 0 {
		cfg.GateWidth = 1
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		width:    int64(cfg.GateWidth),
		store:    cfg.Store,
		logger:   cfg.Logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for the tuple, creating it if needed.
func (r *Registry) Get(botUUID string, launcherType models.LauncherType, launcherID string) *Session {
	key := Key(botUUID, launcherType, launcherID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	s := newSession(botUUID, launcherType, launcherID, r.width)
	r.sessions[key] = s
	return s
}

// Lookup returns an existing session by key.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// List returns all sessions ordered by key.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GateWidth returns the per-session concurrency width.
func (r *Registry) GateWidth() int {
	return int(r.width)
}

// Conversation returns the session's conversation, restoring it from the store
// the first time a session is used. It returns nil when there is none.
func (r *Registry) Conversation(ctx context.Context, s *Session) (*Conversation, error) {
	s.mu.Lock()
	if s.restored {
		conv := s.conversation
		s.mu.Unlock()
		return conv, nil
	}
	s.mu.Unlock()

	conv, err := r.store.Load(ctx, s.ID())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.restored {
		s.restored = true
		if s.conversation == nil {
			s.conversation = conv
		}
	}
	return s.conversation, nil
}

// Persist writes the session's conversation to the store.
func (r *Registry) Persist(ctx context.Context, s *Session) error {
	conv := s.Conversation()
	if conv == nil {
		return r.store.Delete(ctx, s.ID())
	}
	return r.store.Save(ctx, s.ID(), conv)
}
