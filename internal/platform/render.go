package platform

import (
	"strings"
	"sync"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Rendered is a chain flattened for platforms that send text and images separately.
type Rendered struct {
	Text   string
	Images []models.Image
}

// Render flattens chain into text and images. Mentions render as @name,
// forward cards are inlined node by node and files render as their name.
func Render(chain models.MessageChain) Rendered {
	var (
		b   strings.Builder
		out Rendered
	)
	var walk func(c models.MessageChain)
	walk = func(c models.MessageChain) {
		for _, comp := range c {
			switch v := comp.(type) {
			case models.Plain:
				b.WriteString(v.Text)
			case models.At, models.AtAll, models.File:
				b.WriteString(v.String())
			case models.Image:
				out.Images = append(out.Images, v)
			case models.Forward:
				for i, node := range v.Nodes {
					if i > 0 || b.Len() > 0 {
						b.WriteString("\n")
					}
					walk(node.Chain)
				}
			}
		}
	}
	walk(chain)
	out.Text = b.String()
	return out
}

// StreamState is the platform message a streamed reply is being written into.
type StreamState struct {
	MessageID string
	LastText  string
}

// StreamTracker remembers which platform message belongs to each streamed
// response id, for adapters that stream by editing a sent message.
type StreamTracker struct {
	mu     sync.Mutex
	states map[string]*StreamState
}

// NewStreamTracker creates an empty tracker.
func NewStreamTracker() *StreamTracker {
	return &StreamTracker{states: make(map[string]*StreamState)}
}

// Get returns the state for responseID, if a message was already sent.
func (t *StreamTracker) Get(responseID string) (StreamState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[responseID]
	if !ok {
		return StreamState{}, false
	}
	return *s, true
}

// Put records the state for responseID.
func (t *StreamTracker) Put(responseID string, state StreamState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[responseID] = &state
}

// Done forgets responseID.
func (t *StreamTracker) Done(responseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, responseID)
}

// Len returns the number of open streams.
func (t *StreamTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// EditFuncs are the two platform calls a streamed reply needs.
type EditFuncs struct {
	Send func(text string) (messageID string, err error)
	Edit func(messageID, text string) error
}

// StreamChunk sends the first non-empty chunk of a response and edits that
// message for later chunks, skipping edits that would not change the text.
// The final chunk closes the stream.
func (t *StreamTracker) StreamChunk(responseID, text string, isFinal bool, fn EditFuncs) error {
	if isFinal {
		defer t.Done(responseID)
	}
	state, ok := t.Get(responseID)
	if !ok {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		id, err := fn.Send(text)
		if err != nil {
			return err
		}
		if !isFinal {
			t.Put(responseID, StreamState{MessageID: id, LastText: text})
		}
		return nil
	}
	if text == state.LastText || strings.TrimSpace(text) == "" {
		return nil
	}
	if err := fn.Edit(state.MessageID, text); err != nil {
		return err
	}
	if !isFinal {
		t.Put(responseID, StreamState{MessageID: state.MessageID, LastText: text})
	}
	return nil
}
