package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/rag"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// LocalAgentName is the registry name of LocalAgent.
const LocalAgentName = "local-agent"

const (
	// emitEvery is how many streamed chunks are coalesced into one emitted chunk.
	emitEvery = 8
	// DefaultMaxIterations bounds the LLM rounds of one query.
	DefaultMaxIterations = 32
)

// ErrTooManyIterations is returned when the model keeps requesting tools.
var ErrTooManyIterations = errors.New("tool call loop exceeded the iteration limit")

const ragTemplate = `The following are relevant context entries retrieved from the knowledge base.
Use them to answer the user's message and respond in the language the user writes in.

<context>
%s
</context>

<user_message>
%s
</user_message>`

// LocalAgent runs the configured model with the pipeline's tools and
// knowledge bases. When the adapter supports streaming it yields cumulative
// chunks; otherwise it yields one message per model round plus the tool
// results between rounds.
type LocalAgent struct {
	models        ModelInvoker
	tools         ToolExecutor
	knowledge     Retriever
	tracer        *observability.Tracer
	logger        *slog.Logger
	maxIterations int
}

func NewLocalAgent(deps Deps) *LocalAgent {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalAgent{
		models:        deps.Models,
		tools:         deps.Tools,
		knowledge:     deps.Knowledge,
		tracer:        deps.Tracer,
		logger:        logger.With("component", "runner", "runner", LocalAgentName),
		maxIterations: DefaultMaxIterations,
	}
}

func (a *LocalAgent) Run(ctx context.Context, q *query.Query) iter.Seq2[models.Response, error] {
	return func(yield func(models.Response, error) bool) {
		if a.models == nil {
			yield(nil, errors.New("local-agent: no model broker configured"))
			return
		}
		model, err := a.models.GetLLMModel(q.UseLLMModelUUID)
		if err != nil {
			yield(nil, err)
			return
		}
		cfg := pipelineConfig(q)
		user := a.spliceKnowledge(ctx, q, cfg.AI.LocalAgent.KnowledgeBaseIDs())
		messages := requestMessages(q, user)
		removeThink := cfg.Output.Misc.RemoveThink

		if q.Adapter != nil && q.Adapter.IsStreamOutputSupported(ctx) {
			q.SetVar(query.VarStreaming, true)
			a.runStream(ctx, q, model, messages, removeThink, yield)
			return
		}
		a.runBlocking(ctx, q, model, messages, removeThink, yield)
	}
}

func (a *LocalAgent) runBlocking(ctx context.Context, q *query.Query, model *llm.RuntimeLLMModel, messages []*models.Message, removeThink bool, yield func(models.Response, error) bool) {
	for iteration := 0; ; iteration++ {
		if iteration >= a.maxIterations {
			yield(nil, ErrTooManyIterations)
			return
		}
		msg, err := a.models.InvokeLLM(ctx, q, model, messages, q.UseFuncs, nil, removeThink)
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(msg, nil) {
			return
		}
		if len(msg.ToolCalls) == 0 {
			return
		}
		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			result := a.callTool(ctx, q, call)
			if !yield(result, nil) {
				return
			}
			messages = append(messages, result)
		}
	}
}

// runStream coalesces requester chunks. The first chunk of each round, every
// emitEvery-th chunk and the round's last chunk are emitted. Content is
// cumulative over all rounds and the sequence number never resets, so the
// adapter sees one growing reply even across tool calls. Only the last
// chunk of the last round is final.
func (a *LocalAgent) runStream(ctx context.Context, q *query.Query, model *llm.RuntimeLLMModel, messages []*models.Message, removeThink bool, yield func(models.Response, error) bool) {
	var (
		accumulated strings.Builder
		sequence    int
		responseID  = uuid.NewString()
	)
	emit := func(role models.Role, final bool, calls []models.ToolCall) bool {
		sequence++
		return yield(&models.MessageChunk{
			Message: models.Message{
				Role:      role,
				Content:   accumulated.String(),
				ToolCalls: calls,
			},
			IsFinal:     final,
			MsgSequence: sequence,
			ResponseID:  responseID,
		}, nil)
	}

	for iteration := 0; ; iteration++ {
		if iteration >= a.maxIterations {
			yield(nil, ErrTooManyIterations)
			return
		}
		var (
			round    strings.Builder
			calls    callAccumulator
			role     = models.RoleAssistant
			idx      int
			sawFinal bool
		)
		for chunk, err := range a.models.InvokeLLMStream(ctx, q, model, messages, q.UseFuncs, nil, removeThink) {
			if err != nil {
				yield(nil, err)
				return
			}
			idx++
			if chunk.Role != "" {
				role = chunk.Role
			}
			round.WriteString(chunk.Content)
			accumulated.WriteString(chunk.Content)
			calls.add(chunk.ToolCalls)

			if !chunk.IsFinal && idx != 1 && idx%emitEvery != 0 {
				continue
			}
			var attached []models.ToolCall
			if chunk.IsFinal {
				sawFinal = true
				attached = calls.list()
			}
			if !emit(role, chunk.IsFinal && calls.empty(), attached) {
				return
			}
		}
		if !sawFinal {
			if !emit(role, calls.empty(), calls.list()) {
				return
			}
		}
		if calls.empty() {
			return
		}

		messages = append(messages, &models.Message{
			Role:      models.RoleAssistant,
			Content:   round.String(),
			ToolCalls: calls.list(),
		})
		for _, call := range calls.list() {
			messages = append(messages, a.callTool(ctx, q, call))
		}
	}
}

// callTool runs one tool call and returns the role=tool message answering
// it. Failures are reported to the model as "err: ..." content.
func (a *LocalAgent) callTool(ctx context.Context, q *query.Query, call models.ToolCall) *models.Message {
	content, err := a.execute(ctx, q, call)
	if err != nil {
		a.logger.WarnContext(ctx, "tool call failed", "tool", call.Function.Name, "call_id", call.ID, "error", err)
		content = "err: " + err.Error()
	}
	return &models.Message{Role: models.RoleTool, Content: content, ToolCallID: call.ID}
}

func (a *LocalAgent) execute(ctx context.Context, q *query.Query, call models.ToolCall) (string, error) {
	ctx, span := a.tracer.TraceToolCall(ctx, call.Function.Name)
	defer span.End()

	if a.tools == nil {
		return "", fmt.Errorf("%w: %s", tools.ErrToolNotFound, call.Function.Name)
	}
	params := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return "", fmt.Errorf("decode arguments of %s: %w", call.Function.Name, err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	result, err := a.tools.ExecuteFuncCall(ctx, call.Function.Name, params, tools.Invocation{
		SessionID: q.SessionID(),
		QueryID:   q.ID,
		Binding: tools.Binding{
			Plugins:    q.StringsVar(query.VarBoundPlugins),
			MCPServers: q.StringsVar(query.VarBoundMCPServers),
		},
	})
	if err != nil {
		observability.RecordError(span, err)
		return "", err
	}
	return encodeResult(result)
}

func encodeResult(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// spliceKnowledge returns the user message to send. When knowledge bases are
// bound and the message has a text element, the first text element is
// replaced by the retrieved context wrapped around the original text. In
// every other case the message is returned as is.
func (a *LocalAgent) spliceKnowledge(ctx context.Context, q *query.Query, kbIDs []string) *models.Message {
	user := q.UserMessage
	if user == nil || len(kbIDs) == 0 || a.knowledge == nil {
		return user
	}
	elems := user.Elements()
	textIdx := -1
	for i, e := range elems {
		if e.Type == models.ContentText {
			textIdx = i
			break
		}
	}
	if textIdx < 0 {
		return user
	}
	original := elems[textIdx].Text
	entries := a.knowledge.Retrieve(ctx, kbIDs, original, rag.RetrieveOptions{
		SessionID: q.SessionID(),
		MessageID: q.StringVar(query.VarMonitoringMessage),
	})
	if len(entries) == 0 {
		return user
	}

	out := user.Clone()
	if out.IsMultipart() {
		out.Parts[textIdx].Text = SpliceContext(original, entries)
	} else {
		out.Content = SpliceContext(original, entries)
	}
	return out
}

// SpliceContext renders retrieved entries as a numbered block followed by
// the user's text.
func SpliceContext(original string, entries []models.RetrievalResultEntry) string {
	var (
		b strings.Builder
		n int
	)
	for _, e := range entries {
		text := e.Text()
		if text == "" {
			continue
		}
		if n > 0 {
			b.WriteString("\n")
		}
		n++
		fmt.Fprintf(&b, "[%d] %s", n, text)
	}
	return fmt.Sprintf(ragTemplate, b.String(), original)
}

func requestMessages(q *query.Query, user *models.Message) []*models.Message {
	var out []*models.Message
	if q.Prompt != nil {
		out = append(out, q.Prompt.Messages...)
	}
	out = append(out, q.Messages...)
	if user != nil {
		out = append(out, user)
	}
	return out
}

func pipelineConfig(q *query.Query) *config.PipelineConfig {
	if q.PipelineConfig != nil {
		return q.PipelineConfig
	}
	return &config.PipelineConfig{}
}

// callAccumulator merges streamed tool call fragments by call id, keeping
// first-seen order. Argument fragments are concatenated.
type callAccumulator struct {
	order []string
	calls map[string]*models.ToolCall
}

func (c *callAccumulator) add(fragments []models.ToolCall) {
	for _, f := range fragments {
		id := f.ID
		if id == "" && len(c.order) > 0 {
			id = c.order[len(c.order)-1]
		}
		if c.calls == nil {
			c.calls = make(map[string]*models.ToolCall)
		}
		tc, ok := c.calls[id]
		if !ok {
			tc = &models.ToolCall{ID: id, Type: f.Type}
			if tc.Type == "" {
				tc.Type = "function"
			}
			c.calls[id] = tc
			c.order = append(c.order, id)
		}
		if tc.Function.Name == "" {
			tc.Function.Name = f.Function.Name
		}
		tc.Function.Arguments += f.Function.Arguments
	}
}

func (c *callAccumulator) empty() bool { return len(c.order) == 0 }

func (c *callAccumulator) list() []models.ToolCall {
	if len(c.order) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(c.order))
	for i, id := range c.order {
		out[i] = *c.calls[id]
	}
	return out
}
