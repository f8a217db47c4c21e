// Package platform defines the contract between the gateway core and chat
// platform adapters, plus the factory registry used to build them from config.
package platform

import (
	"context"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// MessageHandler receives inbound events from an adapter.
type MessageHandler func(ctx context.Context, event *models.MessageEvent, adapter Adapter)

// Adapter is the interface all platform adapters implement.
type Adapter interface {
	// Kind returns the adapter kind, e.g. "telegram".
	Kind() string

	// Start connects to the platform and begins delivering events to the
	// registered listeners. It returns once the adapter is running.
	Start(ctx context.Context) error

	// Stop disconnects and releases resources.
	Stop(ctx context.Context) error

	// RegisterListener sets the handler for one event kind. Adapters call
	// the friend handler for private messages and the group handler for
	// group messages.
	RegisterListener(kind models.EventKind, handler MessageHandler)

	// ReplyMessage answers the given event with a complete message.
	ReplyMessage(ctx context.Context, event *models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error

	// ReplyMessageChunk delivers one streamed chunk. botMessage carries the
	// cumulative content and the response id shared by all chunks of a reply.
	ReplyMessageChunk(ctx context.Context, event *models.MessageEvent, botMessage *models.MessageChunk, chain models.MessageChain, quoteOrigin, isFinal bool) error

	// IsStreamOutputSupported reports whether ReplyMessageChunk can be used.
	IsStreamOutputSupported(ctx context.Context) bool

	// SendMessage posts a message without an inbound event to answer.
	SendMessage(ctx context.Context, targetType models.LauncherType, targetID string, chain models.MessageChain) error
}

// LauncherIDResolver is implemented by adapters that compute their own session key.
type LauncherIDResolver interface {
	LauncherID(event *models.MessageEvent) string
}

// AccountIdentifier is implemented by adapters that know the bot's own
// platform account, so that mentions of the bot can be recognised.
type AccountIdentifier interface {
	BotAccountID() string
}

// BotAccountID returns the bot's account id, or "" when the adapter cannot tell.
func BotAccountID(adapter Adapter) string {
	if a, ok := adapter.(AccountIdentifier); ok {
		return a.BotAccountID()
	}
	return ""
}

// LauncherID returns the adapter's session key for event, falling back to the default.
func LauncherID(adapter Adapter, event *models.MessageEvent) string {
	if r, ok := adapter.(LauncherIDResolver); ok {
		if id := r.LauncherID(event); id != "" {
			return id
		}
	}
	return event.LauncherID()
}

// Listeners is a small helper adapters embed to store their handlers.
type Listeners struct {
	friend MessageHandler
	group  MessageHandler
}

// Set stores handler for kind.
func (l *Listeners) Set(kind models.EventKind, handler MessageHandler) {
	switch kind {
	case models.EventFriendMessage:
		l.friend = handler
	case models.EventGroupMessage:
		l.group = handler
	}
}

// Dispatch calls the handler registered for the event kind, if any.
func (l *Listeners) Dispatch(ctx context.Context, event *models.MessageEvent, adapter Adapter) {
	var h MessageHandler
	switch event.Kind {
	case models.EventFriendMessage:
		h = l.friend
	case models.EventGroupMessage:
		h = l.group
	}
	if h != nil {
		h(ctx, event, adapter)
	}
}
