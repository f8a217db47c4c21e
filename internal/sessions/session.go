package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/switchboard/pkg/models"
	"golang.org/x/sync/semaphore"
)

// maxMessagesPerConversation bounds history kept in memory; the oldest
// messages are trimmed first.
const maxMessagesPerConversation = 1000

// Key builds the session id "bot:launcher_type:launcher_id".
func Key(botUUID string, launcherType models.LauncherType, launcherID string) string {
	return fmt.Sprintf("%s:%s:%s", botUUID, launcherType, launcherID)
}

// Session is the state shared by all queries of one (bot, launcher_type, launcher_id).
// It owns the per-session concurrency gate.
type Session struct {
	BotUUID      string
	LauncherType models.LauncherType
	LauncherID   string
	CreatedAt    time.Time

	gate *semaphore.Weighted

	mu           sync.Mutex
	conversation *Conversation
	restored     bool
	updatedAt    time.Time
}

func newSession(botUUID string, launcherType models.LauncherType, launcherID string, width int64) *Session {
	now := time.Now()
	return &Session{
		BotUUID:      botUUID,
		LauncherType: launcherType,
		LauncherID:   launcherID,
		CreatedAt:    now,
		gate:         semaphore.NewWeighted(width),
		updatedAt:    now,
	}
}

// ID returns the session key.
func (s *Session) ID() string {
	return Key(s.BotUUID, s.LauncherType, s.LauncherID)
}

// TryAcquire takes one slot of the session gate without blocking.
func (s *Session) TryAcquire() bool {
	return s.gate.TryAcquire(1)
}

// Release returns a slot taken by TryAcquire. It must be called exactly once per acquisition.
func (s *Session) Release() {
	s.gate.Release(1)
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// UpdatedAt returns the last activity time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Conversation returns the conversation in use, or nil.
func (s *Session) Conversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// NewConversation replaces the conversation in use with an empty one.
func (s *Session) NewConversation(prompt *models.Prompt, pipelineUUID string) *Conversation {
	now := time.Now()
	conv := &Conversation{
		UUID:         uuid.NewString(),
		Prompt:       prompt,
		PipelineUUID: pipelineUUID,
		BotUUID:      s.BotUUID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.conversation = conv
	s.updatedAt = now
	s.mu.Unlock()
	return conv
}

// ResetConversation drops the conversation in use.
func (s *Session) ResetConversation() {
	s.mu.Lock()
	s.conversation = nil
	s.mu.Unlock()
}

// Conversation is an ordered message history plus the prompt it was started with.
type Conversation struct {
	UUID         string            `json:"uuid"`
	Prompt       *models.Prompt    `json:"prompt,omitempty"`
	Messages     []*models.Message `json:"messages"`
	PipelineUUID string            `json:"pipeline_uuid"`
	BotUUID      string            `json:"bot_uuid"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	mu sync.Mutex
}

// History returns a copy of the stored messages.
func (c *Conversation) History() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Message, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Clone()
	}
	return out
}

// Append adds messages to the history, trimming the oldest beyond the cap.
func (c *Conversation) Append(msgs ...*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, msgs...)
	if over := len(c.Messages) - maxMessagesPerConversation; over > 0 {
		c.Messages = append([]*models.Message(nil), c.Messages[over:]...)
	}
	c.UpdatedAt = time.Now()
}

// Len returns the number of stored messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Messages)
}
