package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ComponentType identifies a message chain component.
type ComponentType string

const (
	ComponentPlain   ComponentType = "Plain"
	ComponentAt      ComponentType = "At"
	ComponentAtAll   ComponentType = "AtAll"
	ComponentImage   ComponentType = "Image"
	ComponentVoice   ComponentType = "Voice"
	ComponentFile    ComponentType = "File"
	ComponentSource  ComponentType = "Source"
	ComponentQuote   ComponentType = "Quote"
	ComponentForward ComponentType = "Forward"
)

// Component is one typed element of a MessageChain.
type Component interface {
	Type() ComponentType
	String() string
}

// Plain is a run of text.
type Plain struct {
	Text string `json:"text"`
}

func (Plain) Type() ComponentType { return ComponentPlain }
func (p Plain) String() string    { return p.Text }

// At mentions a single user. Display is the rendered name when known.
type At struct {
	Target  string `json:"target"`
	Display string `json:"display,omitempty"`
}

func (At) Type() ComponentType { return ComponentAt }
func (a At) String() string {
	if a.Display != "" {
		return "@" + a.Display
	}
	return "@" + a.Target
}

// AtAll mentions everyone in a group.
type AtAll struct{}

func (AtAll) Type() ComponentType { return ComponentAtAll }
func (AtAll) String() string      { return "@all" }

// Image carries an image by URL, base64 payload or local path.
type Image struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (Image) Type() ComponentType { return ComponentImage }
func (Image) String() string      { return "[Image]" }

// Voice carries an audio clip.
type Voice struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
	Length int    `json:"length,omitempty"`
}

func (Voice) Type() ComponentType { return ComponentVoice }
func (Voice) String() string      { return "[Voice]" }

// File references an attached file.
type File struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

func (File) Type() ComponentType { return ComponentFile }
func (f File) String() string    { return "[File " + f.Name + "]" }

// Source records the platform message id and timestamp of the inbound message.
type Source struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`
}

func (Source) Type() ComponentType { return ComponentSource }
func (Source) String() string      { return "" }

// Quote references an earlier message being replied to.
type Quote struct {
	ID       string       `json:"id"`
	SenderID string       `json:"sender_id,omitempty"`
	Origin   MessageChain `json:"origin,omitempty"`
}

func (Quote) Type() ComponentType { return ComponentQuote }
func (Quote) String() string      { return "" }

// ForwardNode is one entry of a Forward bundle.
type ForwardNode struct {
	SenderID   string       `json:"sender_id"`
	SenderName string       `json:"sender_name"`
	Chain      MessageChain `json:"chain"`
}

// Forward bundles several messages into one merged-forward card.
type Forward struct {
	Title string        `json:"title,omitempty"`
	Nodes []ForwardNode `json:"nodes"`
}

func (Forward) Type() ComponentType { return ComponentForward }
func (Forward) String() string      { return "[Forward]" }

// MessageChain is the ordered sequence of components of one platform message.
type MessageChain []Component

// NewTextChain returns a chain holding a single Plain component.
func NewTextChain(text string) MessageChain {
	return MessageChain{Plain{Text: text}}
}

// String renders the chain for humans and logs.
func (c MessageChain) String() string {
	var b strings.Builder
	for _, comp := range c {
		b.WriteString(comp.String())
	}
	return b.String()
}

// Text concatenates only the Plain components.
func (c MessageChain) Text() string {
	var b strings.Builder
	for _, comp := range c {
		if p, ok := comp.(Plain); ok {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Has reports whether any component has the given type.
func (c MessageChain) Has(t ComponentType) bool {
	for _, comp := range c {
		if comp.Type() == t {
			return true
		}
	}
	return false
}

// Source returns the Source component, if present.
func (c MessageChain) Source() (Source, bool) {
	for _, comp := range c {
		if s, ok := comp.(Source); ok {
			return s, true
		}
	}
	return Source{}, false
}

// Clone returns a shallow copy; components are values so the copy is independent.
func (c MessageChain) Clone() MessageChain {
	if c == nil {
		return nil
	}
	out := make(MessageChain, len(c))
	copy(out, c)
	return out
}

type wireComponent struct {
	Type ComponentType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the chain as a list of {type, data} objects.
func (c MessageChain) MarshalJSON() ([]byte, error) {
	out := make([]wireComponent, 0, len(c))
	for _, comp := range c {
		data, err := json.Marshal(comp)
		if err != nil {
			return nil, err
		}
		out = append(out, wireComponent{Type: comp.Type(), Data: data})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the list form written by MarshalJSON.
func (c *MessageChain) UnmarshalJSON(data []byte) error {
	var wire []wireComponent
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	chain := make(MessageChain, 0, len(wire))
	for _, w := range wire {
		comp, err := decodeComponent(w)
		if err != nil {
			return err
		}
		chain = append(chain, comp)
	}
	*c = chain
	return nil
}

func decodeComponent(w wireComponent) (Component, error) {
	var (
		comp Component
		err  error
	)
	unmarshal := func(v any) {
		if len(w.Data) > 0 {
			err = json.Unmarshal(w.Data, v)
		}
	}
	switch w.Type {
	case ComponentPlain:
		var v Plain
		unmarshal(&v)
		comp = v
	case ComponentAt:
		var v At
		unmarshal(&v)
		comp = v
	case ComponentAtAll:
		comp = AtAll{}
	case ComponentImage:
		var v Image
		unmarshal(&v)
		comp = v
	case ComponentVoice:
		var v Voice
		unmarshal(&v)
		comp = v
	case ComponentFile:
		var v File
		unmarshal(&v)
		comp = v
	case ComponentSource:
		var v Source
		unmarshal(&v)
		comp = v
	case ComponentQuote:
		var v Quote
		unmarshal(&v)
		comp = v
	case ComponentForward:
		var v Forward
		unmarshal(&v)
		comp = v
	default:
		return nil, fmt.Errorf("unknown message component type %q", w.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s component: %w", w.Type, err)
	}
	return comp, nil
}
