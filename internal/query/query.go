// Package query defines the unit of work that flows through a pipeline and
// the pool that holds admitted queries until the controller dispatches them.
package query

import (
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Engine-reserved variable keys. User-facing variables never start with "_".
const (
	VarBoundPlugins      = "_pipeline_bound_plugins"
	VarBoundMCPServers   = "_pipeline_bound_mcp_servers"
	VarMonitoringMessage = "_monitoring_message_id"
	VarMonitoringBot     = "_monitoring_bot_name"
	VarMonitoringPipe    = "_monitoring_pipeline_name"
	VarMonitoringError   = "_monitoring_has_error"
	VarRateLimitHeld     = "_rate_limit_occupied"
	VarStreaming         = "_stream_output"
)

// Inbound is what an adapter callback or the aggregator hands to the pool.
type Inbound struct {
	BotUUID      string
	PipelineUUID string
	LauncherType models.LauncherType
	LauncherID   string
	SenderID     string
	Event        *models.MessageEvent
	Chain        models.MessageChain
	Adapter      platform.Adapter
	ReceivedAt   time.Time
}

// SessionID returns the aggregator and registry key of the inbound message.
func (in Inbound) SessionID() string {
	return sessions.Key(in.BotUUID, in.LauncherType, in.LauncherID)
}

// Query is one admitted unit of work. ID and PipelineUUID never change after admission.
type Query struct {
	ID           int64
	BotUUID      string
	PipelineUUID string
	LauncherType models.LauncherType
	LauncherID   string
	SenderID     string

	Event   *models.MessageEvent
	Chain   models.MessageChain
	Adapter platform.Adapter

	Session  *sessions.Session
	Messages []*models.Message
	Prompt   *models.Prompt

	UserMessage     *models.Message
	UseLLMModelUUID string
	UseFuncs        []models.ToolDescriptor

	PipelineConfig *config.PipelineConfig

	RespMessages     []models.Response
	RespMessageChain []models.MessageChain

	Variables map[string]any
	CreatedAt time.Time
}

func newQuery(id int64, in Inbound) *Query {
	created := in.ReceivedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &Query{
		ID:           id,
		BotUUID:      in.BotUUID,
		PipelineUUID: in.PipelineUUID,
		LauncherType: in.LauncherType,
		LauncherID:   in.LauncherID,
		SenderID:     in.SenderID,
		Event:        in.Event,
		Chain:        in.Chain,
		Adapter:      in.Adapter,
		Variables:    make(map[string]any),
		CreatedAt:    created,
	}
}

// SessionID returns the session key of the query.
func (q *Query) SessionID() string {
	return sessions.Key(q.BotUUID, q.LauncherType, q.LauncherID)
}

// IsGroup reports whether the query came from a group conversation.
func (q *Query) IsGroup() bool {
	return q.LauncherType == models.LauncherGroup
}

// Var returns a variable and whether it was set.
func (q *Query) Var(key string) (any, bool) {
	v, ok := q.Variables[key]
	return v, ok
}

// SetVar stores a variable, allocating the map when needed.
func (q *Query) SetVar(key string, value any) {
	if q.Variables == nil {
		q.Variables = make(map[string]any)
	}
	q.Variables[key] = value
}

// StringVar returns a string variable or "".
func (q *Query) StringVar(key string) string {
	s, _ := q.Variables[key].(string)
	return s
}

// BoolVar returns a bool variable or false.
func (q *Query) BoolVar(key string) bool {
	b, _ := q.Variables[key].(bool)
	return b
}

// StringsVar returns a []string variable. A missing key yields nil, which
// callers treat as "no restriction".
func (q *Query) StringsVar(key string) []string {
	v, _ := q.Variables[key].([]string)
	return v
}

// AppendResponse appends an assistant response and returns its index.
func (q *Query) AppendResponse(resp models.Response) int {
	q.RespMessages = append(q.RespMessages, resp)
	return len(q.RespMessages) - 1
}

// ReplaceLastResponse swaps the last response for resp, or appends when empty.
// Streaming runners use it so that only the newest cumulative chunk is kept.
func (q *Query) ReplaceLastResponse(resp models.Response) {
	if len(q.RespMessages) == 0 {
		q.RespMessages = append(q.RespMessages, resp)
		return
	}
	q.RespMessages[len(q.RespMessages)-1] = resp
}

// LastResponse returns the most recent response or nil.
func (q *Query) LastResponse() models.Response {
	if len(q.RespMessages) == 0 {
		return nil
	}
	return q.RespMessages[len(q.RespMessages)-1]
}

// LastChunk returns the last response when it is a streamed chunk.
func (q *Query) LastChunk() (*models.MessageChunk, bool) {
	c, ok := q.LastResponse().(*models.MessageChunk)
	return c, ok
}

// HasPendingStream reports whether a streamed reply is open, i.e. chunks were
// produced and the last one was not final.
func (q *Query) HasPendingStream() bool {
	c, ok := q.LastChunk()
	return ok && !c.IsFinal
}

// IsStreaming reports whether the runner chose the streaming path.
func (q *Query) IsStreaming() bool {
	return q.BoolVar(VarStreaming)
}
