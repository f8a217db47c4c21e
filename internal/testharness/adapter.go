package testharness

import (
	"context"
	"sync"

	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Reply is one recorded ReplyMessage call.
type Reply struct {
	Event       *models.MessageEvent
	Chain       models.MessageChain
	QuoteOrigin bool
}

// ChunkReply is one recorded ReplyMessageChunk call. Chunk is a copy taken
// at call time.
type ChunkReply struct {
	Event       *models.MessageEvent
	Chunk       models.MessageChunk
	Chain       models.MessageChain
	QuoteOrigin bool
	IsFinal     bool
}

// Sent is one recorded SendMessage call.
type Sent struct {
	TargetType models.LauncherType
	TargetID   string
	Chain      models.MessageChain
}

// FakeAdapter is an in-memory platform adapter that records outbound calls.
type FakeAdapter struct {
	KindName  string
	Streaming bool
	// BotID is reported by BotAccountID.
	BotID string
	// ReplyErr, when set, is returned from ReplyMessage and ReplyMessageChunk.
	ReplyErr error

	platform.Listeners

	mu      sync.Mutex
	replies []Reply
	chunks  []ChunkReply
	sent    []Sent
	started bool
	notify  chan struct{}
}

// NewFakeAdapter returns an adapter of kind "fake".
func NewFakeAdapter(streaming bool) *FakeAdapter {
	return &FakeAdapter{KindName: "fake", Streaming: streaming, notify: make(chan struct{}, 1024)}
}

func (f *FakeAdapter) Kind() string {
	if f.KindName == "" {
		return "fake"
	}
	return f.KindName
}

func (f *FakeAdapter) Start(context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	return nil
}

// Started reports whether Start was called without a later Stop.
func (f *FakeAdapter) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *FakeAdapter) BotAccountID() string { return f.BotID }

func (f *FakeAdapter) RegisterListener(kind models.EventKind, handler platform.MessageHandler) {
	f.Listeners.Set(kind, handler)
}

// Emit delivers an inbound event to the registered listener.
func (f *FakeAdapter) Emit(ctx context.Context, event *models.MessageEvent) {
	f.Listeners.Dispatch(ctx, event, f)
}

func (f *FakeAdapter) ReplyMessage(_ context.Context, event *models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReplyErr != nil {
		return f.ReplyErr
	}
	f.replies = append(f.replies, Reply{Event: event, Chain: chain.Clone(), QuoteOrigin: quoteOrigin})
	f.signal()
	return nil
}

func (f *FakeAdapter) ReplyMessageChunk(_ context.Context, event *models.MessageEvent, botMessage *models.MessageChunk, chain models.MessageChain, quoteOrigin, isFinal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReplyErr != nil {
		return f.ReplyErr
	}
	rec := ChunkReply{Event: event, Chain: chain.Clone(), QuoteOrigin: quoteOrigin, IsFinal: isFinal}
	if botMessage != nil {
		rec.Chunk = *botMessage
		rec.Chunk.Message = *botMessage.Message.Clone()
	}
	f.chunks = append(f.chunks, rec)
	f.signal()
	return nil
}

func (f *FakeAdapter) IsStreamOutputSupported(context.Context) bool {
	return f.Streaming
}

func (f *FakeAdapter) SendMessage(_ context.Context, targetType models.LauncherType, targetID string, chain models.MessageChain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, Sent{TargetType: targetType, TargetID: targetID, Chain: chain.Clone()})
	f.signal()
	return nil
}

func (f *FakeAdapter) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Replies returns the recorded ReplyMessage calls.
func (f *FakeAdapter) Replies() []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reply(nil), f.replies...)
}

// Chunks returns the recorded ReplyMessageChunk calls.
func (f *FakeAdapter) Chunks() []ChunkReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChunkReply(nil), f.chunks...)
}

// SentMessages returns the recorded SendMessage calls.
func (f *FakeAdapter) SentMessages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Outbound returns the number of recorded outbound calls of any kind.
func (f *FakeAdapter) Outbound() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies) + len(f.chunks) + len(f.sent)
}

// Notify is signalled after every outbound call.
func (f *FakeAdapter) Notify() <-chan struct{} {
	return f.notify
}

// FriendEvent builds a private message event.
func FriendEvent(senderID, text string) *models.MessageEvent {
	return &models.MessageEvent{
		Kind:   models.EventFriendMessage,
		Sender: models.Sender{ID: senderID, Name: "user-" + senderID},
		Chain:  models.NewTextChain(text),
	}
}

// GroupEvent builds a group message event.
func GroupEvent(groupID, senderID string, chain models.MessageChain) *models.MessageEvent {
	return &models.MessageEvent{
		Kind:   models.EventGroupMessage,
		Sender: models.Sender{ID: senderID, Name: "user-" + senderID},
		Group:  &models.Group{ID: groupID},
		Chain:  chain,
	}
}
