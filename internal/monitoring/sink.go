// Package monitoring records the lifecycle of queries and the metering of
// model calls. Sinks persist records (SQLite), count them (Prometheus) or
// keep them in memory.
package monitoring

import (
	"context"
	"errors"
	"time"
)

// MessageStatus is the lifecycle state of a monitored message.
type MessageStatus string

const (
	StatusReceived MessageStatus = "received"
	StatusSuccess  MessageStatus = "success"
	StatusError    MessageStatus = "error"
)

// MessageRecord is one inbound message handled by a pipeline.
type MessageRecord struct {
	ID           string
	QueryID      int64
	BotUUID      string
	BotName      string
	PipelineUUID string
	PipelineName string
	SessionID    string
	SenderID     string
	Text         string
	Status       MessageStatus
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LLMCall is one model invocation.
type LLMCall struct {
	ID           string
	MessageID    string
	ModelUUID    string
	ModelName    string
	Requester    string
	Stream       bool
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Status       MessageStatus
	Error        string
	CreatedAt    time.Time
}

// EmbeddingCall is one embedding invocation. CallType is "embedding" for
// ingestion and "retrieve" for query-time lookups.
type EmbeddingCall struct {
	ID              string
	ModelUUID       string
	ModelName       string
	CallType        string
	KnowledgeBaseID string
	QueryText       string
	SessionID       string
	MessageID       string
	PromptTokens    int
	TotalTokens     int
	Duration        time.Duration
	Status          MessageStatus
	Error           string
	CreatedAt       time.Time
}

// ErrorRecord captures a failure inside a pipeline.
type ErrorRecord struct {
	ID           string
	MessageID    string
	QueryID      int64
	PipelineUUID string
	Stage        string
	Message      string
	Stack        string
	CreatedAt    time.Time
}

// SessionActivity marks a session as active.
type SessionActivity struct {
	SessionID    string
	BotUUID      string
	PipelineUUID string
	LastActive   time.Time
}

// Call types of EmbeddingCall.
const (
	CallTypeEmbedding = "embedding"
	CallTypeRetrieve  = "retrieve"
)

// Sink receives monitoring records.
type Sink interface {
	RecordMessage(ctx context.Context, rec *MessageRecord) error
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, errMsg string) error
	RecordLLMCall(ctx context.Context, call *LLMCall) error
	RecordEmbeddingCall(ctx context.Context, call *EmbeddingCall) error
	RecordError(ctx context.Context, rec *ErrorRecord) error
	RecordSessionActivity(ctx context.Context, act *SessionActivity) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordMessage(context.Context, *MessageRecord) error { return nil }
func (Nop) UpdateMessageStatus(context.Context, string, MessageStatus, string) error {
	return nil
}
func (Nop) RecordLLMCall(context.Context, *LLMCall) error                 { return nil }
func (Nop) RecordEmbeddingCall(context.Context, *EmbeddingCall) error     { return nil }
func (Nop) RecordError(context.Context, *ErrorRecord) error               { return nil }
func (Nop) RecordSessionActivity(context.Context, *SessionActivity) error { return nil }

// Multi fans records out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) RecordMessage(ctx context.Context, rec *MessageRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordMessage(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, errMsg string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.UpdateMessageStatus(ctx, id, status, errMsg))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordLLMCall(ctx context.Context, call *LLMCall) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordLLMCall(ctx, call))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordEmbeddingCall(ctx context.Context, call *EmbeddingCall) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordEmbeddingCall(ctx, call))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordError(ctx context.Context, rec *ErrorRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordError(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordSessionActivity(ctx context.Context, act *SessionActivity) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordSessionActivity(ctx, act))
	}
	return errors.Join(errs...)
}
