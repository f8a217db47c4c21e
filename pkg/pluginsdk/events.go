package pluginsdk

import (
	"github.com/haasonsaas/switchboard/pkg/models"
)

// EventName identifies a pipeline event delivered to plugins.
type EventName string

const (
	// PersonMessageReceived and GroupMessageReceived fire before the stage
	// chain runs. Preventing default aborts the run.
	PersonMessageReceived EventName = "PersonMessageReceived"
	GroupMessageReceived  EventName = "GroupMessageReceived"

	// PersonNormalMessageReceived and GroupNormalMessageReceived fire for
	// non-command messages before the runner. Plugins may reply or alter the
	// user message.
	PersonNormalMessageReceived EventName = "PersonNormalMessageReceived"
	GroupNormalMessageReceived  EventName = "GroupNormalMessageReceived"

	// PromptPreProcessing lets plugins rewrite the prompt and history.
	PromptPreProcessing EventName = "PromptPreProcessing"

	// NormalMessageResponded fires for each assistant reply.
	NormalMessageResponded EventName = "NormalMessageResponded"
)

// Event is the payload of a pipeline event.
type Event struct {
	Name         EventName
	QueryID      int64
	BotUUID      string
	LauncherType models.LauncherType
	LauncherID   string
	SenderID     string
	SessionID    string

	// Chain is the inbound message chain.
	Chain models.MessageChain
	// Text is the inbound plain text.
	Text string
	// ResponseText is the assistant reply for NormalMessageResponded.
	ResponseText string
	// FuncsCalled lists tool names used while producing the reply.
	FuncsCalled []string

	// Prompt and History seed EventContext.DefaultPrompt and PromptMessages
	// for PromptPreProcessing.
	Prompt  []*models.Message
	History []*models.Message
}

// EventContext carries an event through the handlers and collects their effects.
type EventContext struct {
	Event *Event

	// ReplyMessageChain, when set, is sent back instead of running the default behaviour.
	ReplyMessageChain models.MessageChain
	// UserMessageAlter replaces the user message passed to the runner.
	UserMessageAlter models.MessageChain

	// DefaultPrompt and PromptMessages are mutable during PromptPreProcessing.
	DefaultPrompt  []*models.Message
	PromptMessages []*models.Message

	preventDefault   bool
	preventPostorder bool
}

// NewEventContext wraps an event.
func NewEventContext(event *Event) *EventContext {
	ec := &EventContext{Event: event}
	if event != nil {
		ec.DefaultPrompt = event.Prompt
		ec.PromptMessages = event.History
	}
	return ec
}

// PreventDefault stops the core from running its default behaviour.
func (c *EventContext) PreventDefault() { c.preventDefault = true }

// PreventPostorder stops lower priority handlers from seeing the event.
func (c *EventContext) PreventPostorder() { c.preventPostorder = true }

// IsPreventedDefault reports whether a handler called PreventDefault.
func (c *EventContext) IsPreventedDefault() bool { return c.preventDefault }

// IsPreventedPostorder reports whether a handler called PreventPostorder.
func (c *EventContext) IsPreventedPostorder() bool { return c.preventPostorder }
