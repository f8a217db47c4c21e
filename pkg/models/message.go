package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role indicates the author of an LLM message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleCommand and RolePlugin mark replies produced by plugin commands and
	// plugin event handlers rather than by a model.
	RoleCommand Role = "command"
	RolePlugin  Role = "plugin"
)

// ContentType names a ContentElement variant.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentImageBase64 ContentType = "image_base64"
	ContentImageURL    ContentType = "image_url"
	ContentFileURL     ContentType = "file_url"
	ContentAudio       ContentType = "audio"
	ContentVideoURL    ContentType = "video_url"
)

// ContentElement is one part of a multi-modal message.
type ContentElement struct {
	Type        ContentType `json:"type"`
	Text        string      `json:"text,omitempty"`
	ImageURL    string      `json:"image_url,omitempty"`
	ImageBase64 string      `json:"image_base64,omitempty"`
	FileURL     string      `json:"file_url,omitempty"`
	FileName    string      `json:"file_name,omitempty"`
	Audio       string      `json:"audio,omitempty"`
	AudioFormat string      `json:"audio_format,omitempty"`
	VideoURL    string      `json:"video_url,omitempty"`
}

// TextElement builds a text ContentElement.
func TextElement(text string) ContentElement {
	return ContentElement{Type: ContentText, Text: text}
}

// FunctionCall is the function part of a ToolCall. Arguments is always a JSON
// string so that streamed fragments can be concatenated.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-requested function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is a role-tagged LLM message. Content holds the plain string form;
// Parts, when non-nil, holds the list form and takes precedence.
type Message struct {
	Role             Role             `json:"role"`
	Content          string           `json:"-"`
	Parts            []ContentElement `json:"-"`
	ToolCalls        []ToolCall       `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
}

// Base returns m itself. Together with MessageChunk it forms Response.
func (m *Message) Base() *Message { return m }

// IsMultipart reports whether the message uses the list content form.
func (m *Message) IsMultipart() bool { return m.Parts != nil }

// Text returns the textual content: Content, or all text parts joined.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	if m.Parts == nil {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == ContentText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Elements returns the content as a list, promoting plain Content to one text element.
func (m *Message) Elements() []ContentElement {
	if m.Parts != nil {
		return m.Parts
	}
	if m.Content == "" {
		return nil
	}
	return []ContentElement{TextElement(m.Content)}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Parts != nil {
		out.Parts = append([]ContentElement(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return &out
}

type messageAlias Message

type messageWire struct {
	messageAlias
	Content json.RawMessage `json:"content,omitempty"`
}

// MarshalJSON writes content as a string or as a list of elements.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{messageAlias: messageAlias(m)}
	var err error
	if m.Parts != nil {
		w.Content, err = json.Marshal(m.Parts)
	} else if m.Content != "" {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts either content form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w.messageAlias)
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	switch w.Content[0] {
	case '"':
		return json.Unmarshal(w.Content, &m.Content)
	case '[':
		return json.Unmarshal(w.Content, &m.Parts)
	default:
		return fmt.Errorf("message content must be a string or a list")
	}
}

// MessageChunk is a streamed assistant message. Content is cumulative.
type MessageChunk struct {
	Message
	IsFinal     bool   `json:"is_final"`
	MsgSequence int    `json:"msg_sequence,omitempty"`
	ResponseID  string `json:"resp_message_id,omitempty"`
}

// Response is either a complete *Message or a streamed *MessageChunk.
type Response interface {
	Base() *Message
}

// Prompt is the ordered list of messages a pipeline contributes ahead of history.
type Prompt struct {
	Name     string     `json:"name"`
	Messages []*Message `json:"messages"`
}

// Clone returns a deep copy of the prompt.
func (p *Prompt) Clone() *Prompt {
	if p == nil {
		return nil
	}
	out := &Prompt{Name: p.Name, Messages: make([]*Message, len(p.Messages))}
	for i, m := range p.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// MarshalJSON adds the chunk fields to the embedded message encoding.
func (c MessageChunk) MarshalJSON() ([]byte, error) {
	base, err := c.Message.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	obj["is_final"], _ = json.Marshal(c.IsFinal)
	if c.MsgSequence != 0 {
		obj["msg_sequence"], _ = json.Marshal(c.MsgSequence)
	}
	if c.ResponseID != "" {
		obj["resp_message_id"], _ = json.Marshal(c.ResponseID)
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (c *MessageChunk) UnmarshalJSON(data []byte) error {
	if err := c.Message.UnmarshalJSON(data); err != nil {
		return err
	}
	var extra struct {
		IsFinal     bool   `json:"is_final"`
		MsgSequence int    `json:"msg_sequence"`
		ResponseID  string `json:"resp_message_id"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	c.IsFinal, c.MsgSequence, c.ResponseID = extra.IsFinal, extra.MsgSequence, extra.ResponseID
	return nil
}
