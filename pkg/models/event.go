package models

import "time"

// LauncherType is the kind of conversation a message was launched from.
type LauncherType string

const (
	LauncherPerson LauncherType = "person"
	LauncherGroup  LauncherType = "group"
)

// EventKind distinguishes private from group message events.
type EventKind string

const (
	EventFriendMessage EventKind = "friend_message"
	EventGroupMessage  EventKind = "group_message"
)

// Sender describes who sent an inbound message.
type Sender struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Permission string `json:"permission,omitempty"`
}

// Group describes the group an inbound group message was posted in.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MessageEvent is the platform-neutral inbound event handed over by adapters.
// Raw holds the adapter's native payload so replies can reference the original.
type MessageEvent struct {
	Kind   EventKind    `json:"kind"`
	Sender Sender       `json:"sender"`
	Group  *Group       `json:"group,omitempty"`
	Chain  MessageChain `json:"chain"`
	Time   time.Time    `json:"time"`
	Raw    any          `json:"-"`
}

// LauncherType maps the event kind to its launcher type.
func (e *MessageEvent) LauncherType() LauncherType {
	if e.Kind == EventGroupMessage {
		return LauncherGroup
	}
	return LauncherPerson
}

// LauncherID is the default session key: the group id for group events,
// the sender id otherwise.
func (e *MessageEvent) LauncherID() string {
	if e.Kind == EventGroupMessage && e.Group != nil {
		return e.Group.ID
	}
	return e.Sender.ID
}
