package runner

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/rag"
	"github.com/haasonsaas/switchboard/internal/testharness"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// scriptedModels replays one scripted answer per model round and records
// the messages each round was called with.
type scriptedModels struct {
	streams [][]*models.MessageChunk
	replies []*models.Message
	err     error
	seen    [][]*models.Message
}

func (m *scriptedModels) GetLLMModel(id string) (*llm.RuntimeLLMModel, error) {
	if id == "" {
		return nil, errors.New("no model")
	}
	return &llm.RuntimeLLMModel{Config: config.ModelConfig{UUID: id, Name: id}}, nil
}

func (m *scriptedModels) record(messages []*models.Message) {
	m.seen = append(m.seen, append([]*models.Message(nil), messages...))
}

func (m *scriptedModels) InvokeLLM(_ context.Context, _ *query.Query, _ *llm.RuntimeLLMModel, messages []*models.Message, _ []models.ToolDescriptor, _ map[string]any, _ bool) (*models.Message, error) {
	m.record(messages)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &models.Message{Role: models.RoleAssistant, Content: "done"}, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func (m *scriptedModels) InvokeLLMStream(_ context.Context, _ *query.Query, _ *llm.RuntimeLLMModel, messages []*models.Message, _ []models.ToolDescriptor, _ map[string]any, _ bool) iter.Seq2[*models.MessageChunk, error] {
	m.record(messages)
	var round []*models.MessageChunk
	if len(m.streams) > 0 {
		round = m.streams[0]
		m.streams = m.streams[1:]
	}
	return func(yield func(*models.MessageChunk, error) bool) {
		for _, c := range round {
			if !yield(c, nil) {
				return
			}
		}
		if m.err != nil {
			yield(nil, m.err)
		}
	}
}

type toolCall struct {
	name   string
	params map[string]any
	inv    tools.Invocation
}

type fakeTools struct {
	calls  []toolCall
	result any
	err    error
}

func (f *fakeTools) ExecuteFuncCall(_ context.Context, name string, params map[string]any, inv tools.Invocation) (any, error) {
	f.calls = append(f.calls, toolCall{name: name, params: params, inv: inv})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeRetriever struct {
	entries []models.RetrievalResultEntry
	kbs     []string
	query   string
	calls   int
}

func (f *fakeRetriever) Retrieve(_ context.Context, kbUUIDs []string, q string, _ rag.RetrieveOptions) []models.RetrievalResultEntry {
	f.calls++
	f.kbs, f.query = kbUUIDs, q
	return f.entries
}

func newQuery(streaming bool, text string) *query.Query {
	return &query.Query{
		ID:              7,
		BotUUID:         "bot",
		LauncherType:    models.LauncherPerson,
		LauncherID:      "42",
		SenderID:        "42",
		Adapter:         testharness.NewFakeAdapter(streaming),
		UseLLMModelUUID: "gpt",
		UserMessage:     &models.Message{Role: models.RoleUser, Content: text},
		PipelineConfig:  &config.PipelineConfig{},
		Variables:       map[string]any{},
	}
}

func collect(t *testing.T, seq iter.Seq2[models.Response, error]) ([]models.Response, error) {
	t.Helper()
	var out []models.Response
	for r, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func chunk(content string, final bool, calls ...models.ToolCall) *models.MessageChunk {
	return &models.MessageChunk{
		Message: models.Message{Role: models.RoleAssistant, Content: content, ToolCalls: calls},
		IsFinal: final,
	}
}

func fragment(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Type: "function", Function: models.FunctionCall{Name: name, Arguments: args}}
}

func TestLocalAgentStreamingWithTool(t *testing.T) {
	m := &scriptedModels{streams: [][]*models.MessageChunk{
		{
			chunk("I'll check", false),
			chunk("…", false, fragment("call_1", "get_weather", `{"city":`)),
			chunk("", true, fragment("call_1", "", `"Paris"}`)),
		},
		{
			chunk(" It is 17°C.", true),
		},
	}}
	tl := &fakeTools{result: map[string]any{"temp": 17}}
	agent := NewLocalAgent(Deps{Models: m, Tools: tl})

	q := newQuery(true, "weather in Paris?")
	q.SetVar(query.VarBoundPlugins, []string{})
	out, err := collect(t, agent.Run(context.Background(), q))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !q.IsStreaming() {
		t.Errorf("expected the streaming flag to be set")
	}

	want := []string{"I'll check", "I'll check…", "I'll check… It is 17°C."}
	if len(out) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(out))
	}
	prevSeq := 0
	respID := ""
	for i, r := range out {
		c, ok := r.(*models.MessageChunk)
		if !ok {
			t.Fatalf("expected chunk at %d, got %T", i, r)
		}
		if c.Content != want[i] {
			t.Errorf("chunk %d: expected content %q, got %q", i, want[i], c.Content)
		}
		if c.MsgSequence <= prevSeq {
			t.Errorf("chunk %d: expected increasing sequence, got %d after %d", i, c.MsgSequence, prevSeq)
		}
		prevSeq = c.MsgSequence
		if respID == "" {
			respID = c.ResponseID
		} else if c.ResponseID != respID {
			t.Errorf("expected one response id across chunks")
		}
		if c.IsFinal != (i == len(out)-1) {
			t.Errorf("chunk %d: unexpected is_final %v", i, c.IsFinal)
		}
	}

	withCalls := out[1].(*models.MessageChunk)
	if len(withCalls.ToolCalls) != 1 || withCalls.ToolCalls[0].Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("expected concatenated tool call arguments, got %+v", withCalls.ToolCalls)
	}
	if len(out[0].(*models.MessageChunk).ToolCalls) != 0 {
		t.Errorf("expected tool calls only on the round's last chunk")
	}

	if len(tl.calls) != 1 || tl.calls[0].name != "get_weather" || tl.calls[0].params["city"] != "Paris" {
		t.Fatalf("unexpected tool calls %+v", tl.calls)
	}
	inv := tl.calls[0].inv
	if inv.QueryID != 7 || inv.SessionID != q.SessionID() {
		t.Errorf("expected invocation identity, got %+v", inv)
	}
	if inv.Binding.Plugins == nil || len(inv.Binding.Plugins) != 0 || inv.Binding.MCPServers != nil {
		t.Errorf("expected empty plugin binding and unrestricted mcp binding, got %+v", inv.Binding)
	}

	if len(m.seen) != 2 {
		t.Fatalf("expected two model rounds, got %d", len(m.seen))
	}
	second := m.seen[1]
	assistant, toolMsg := second[len(second)-2], second[len(second)-1]
	if assistant.Role != models.RoleAssistant || assistant.Content != "I'll check…" || len(assistant.ToolCalls) != 1 {
		t.Errorf("expected assistant round message before tool result, got %+v", assistant)
	}
	if toolMsg.Role != models.RoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.Content != `{"temp":17}` {
		t.Errorf("expected tool result message, got %+v", toolMsg)
	}
}

func TestLocalAgentStreamingCoalescesChunks(t *testing.T) {
	var round []*models.MessageChunk
	for i := 1; i <= 20; i++ {
		round = append(round, chunk("a", i == 20))
	}
	m := &scriptedModels{streams: [][]*models.MessageChunk{round}}
	out, err := collect(t, NewLocalAgent(Deps{Models: m}).Run(context.Background(), newQuery(true, "hi")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantLens := []int{1, 8, 16, 20}
	if len(out) != len(wantLens) {
		t.Fatalf("expected %d emitted chunks, got %d", len(wantLens), len(out))
	}
	prev := ""
	for i, r := range out {
		c := r.(*models.MessageChunk)
		if len(c.Content) != wantLens[i] {
			t.Errorf("chunk %d: expected %d characters, got %d", i, wantLens[i], len(c.Content))
		}
		if !strings.HasPrefix(c.Content, prev) {
			t.Errorf("chunk %d: %q does not extend %q", i, c.Content, prev)
		}
		prev = c.Content
	}
	if !out[len(out)-1].(*models.MessageChunk).IsFinal {
		t.Errorf("expected last chunk to be final")
	}
}

func TestLocalAgentStreamWithoutFinalMarker(t *testing.T) {
	m := &scriptedModels{streams: [][]*models.MessageChunk{{chunk("a", false), chunk("b", false)}}}
	out, err := collect(t, NewLocalAgent(Deps{Models: m}).Run(context.Background(), newQuery(true, "hi")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := out[len(out)-1].(*models.MessageChunk)
	if !last.IsFinal || last.Content != "ab" {
		t.Errorf("expected a synthesized final chunk with full content, got %+v", last)
	}
}

func TestLocalAgentBlockingToolError(t *testing.T) {
	m := &scriptedModels{replies: []*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{fragment("c1", "add", `{"a":1}`)}},
		{Role: models.RoleAssistant, Content: "could not add"},
	}}
	tl := &fakeTools{err: &tools.ToolError{Tool: "add", Cause: errors.New("boom")}}
	q := newQuery(false, "1+?")
	out, err := collect(t, NewLocalAgent(Deps{Models: m, Tools: tl}).Run(context.Background(), q))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if q.IsStreaming() {
		t.Errorf("expected blocking path")
	}
	if len(out) != 3 {
		t.Fatalf("expected assistant, tool and assistant messages, got %d", len(out))
	}
	toolMsg := out[1].(*models.Message)
	if toolMsg.Role != models.RoleTool || toolMsg.Content != "err: tool add: boom" || toolMsg.ToolCallID != "c1" {
		t.Errorf("unexpected tool message %+v", toolMsg)
	}
	if out[2].(*models.Message).Content != "could not add" {
		t.Errorf("expected final answer last")
	}
}

func TestLocalAgentInvalidArgumentsReportedToModel(t *testing.T) {
	m := &scriptedModels{replies: []*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{fragment("c1", "add", `{"a":`)}},
	}}
	tl := &fakeTools{}
	out, err := collect(t, NewLocalAgent(Deps{Models: m, Tools: tl}).Run(context.Background(), newQuery(false, "x")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tl.calls) != 0 {
		t.Errorf("expected tool not to be called with broken arguments")
	}
	if c := out[1].(*models.Message).Content; !strings.HasPrefix(c, "err: ") {
		t.Errorf("expected err: prefix, got %q", c)
	}
}

func TestLocalAgentErrors(t *testing.T) {
	boom := errors.New("upstream down")

	t.Run("requester error", func(t *testing.T) {
		m := &scriptedModels{err: boom}
		_, err := collect(t, NewLocalAgent(Deps{Models: m}).Run(context.Background(), newQuery(true, "x")))
		if !errors.Is(err, boom) {
			t.Errorf("expected requester error, got %v", err)
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		q := newQuery(false, "x")
		q.UseLLMModelUUID = ""
		_, err := collect(t, NewLocalAgent(Deps{Models: &scriptedModels{}}).Run(context.Background(), q))
		if err == nil {
			t.Errorf("expected model lookup error")
		}
	})

	t.Run("iteration limit", func(t *testing.T) {
		loop := &models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{fragment("c", "again", "{}")}}
		m := &scriptedModels{replies: []*models.Message{loop, loop, loop}}
		agent := NewLocalAgent(Deps{Models: m, Tools: &fakeTools{result: "ok"}})
		agent.maxIterations = 2
		_, err := collect(t, agent.Run(context.Background(), newQuery(false, "x")))
		if !errors.Is(err, ErrTooManyIterations) {
			t.Errorf("expected ErrTooManyIterations, got %v", err)
		}
	})
}

func TestLocalAgentSplicesKnowledge(t *testing.T) {
	kb := &fakeRetriever{entries: []models.RetrievalResultEntry{
		{ID: "1", Metadata: map[string]any{"text": "Paris is the capital of France."}},
		{ID: "2", Metadata: map[string]any{"text": "The Eiffel Tower is in Paris."}},
	}}
	m := &scriptedModels{}
	q := newQuery(false, "Where is the Eiffel Tower?")
	q.PipelineConfig.AI.LocalAgent.KnowledgeBases = []string{"kb-1"}
	q.Prompt = &models.Prompt{Messages: []*models.Message{{Role: models.RoleSystem, Content: "be brief"}}}

	if _, err := collect(t, NewLocalAgent(Deps{Models: m, Knowledge: kb}).Run(context.Background(), q)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if kb.query != "Where is the Eiffel Tower?" || len(kb.kbs) != 1 || kb.kbs[0] != "kb-1" {
		t.Errorf("unexpected retrieval %q %v", kb.query, kb.kbs)
	}

	sent := m.seen[0]
	if sent[0].Content != "be brief" {
		t.Errorf("expected prompt first")
	}
	user := sent[len(sent)-1].Text()
	ctxStart, ctxEnd := strings.Index(user, "<context>"), strings.Index(user, "</context>")
	if ctxStart < 0 || ctxEnd < ctxStart {
		t.Fatalf("expected a context block, got %q", user)
	}
	block := user[ctxStart:ctxEnd]
	for _, line := range []string{"[1] Paris is the capital of France.", "[2] The Eiffel Tower is in Paris."} {
		if !strings.Contains(block, line) {
			t.Errorf("expected %q inside the context block", line)
		}
	}
	if !strings.Contains(user[ctxEnd:], "<user_message>\nWhere is the Eiffel Tower?\n</user_message>") {
		t.Errorf("expected the question after the context, got %q", user)
	}
	if q.UserMessage.Content != "Where is the Eiffel Tower?" {
		t.Errorf("expected the query's user message to stay untouched")
	}
}

func TestLocalAgentSpliceKeepsNonTextParts(t *testing.T) {
	kb := &fakeRetriever{entries: []models.RetrievalResultEntry{{Metadata: map[string]any{"text": "fact"}}}}
	m := &scriptedModels{}
	q := newQuery(false, "")
	q.UserMessage = &models.Message{Role: models.RoleUser, Parts: []models.ContentElement{
		{Type: models.ContentImageURL, ImageURL: "https://example.com/a.png"},
		models.TextElement("what is this?"),
		models.TextElement("second"),
	}}
	q.PipelineConfig.AI.LocalAgent.KnowledgeBase = "kb-1"

	if _, err := collect(t, NewLocalAgent(Deps{Models: m, Knowledge: kb}).Run(context.Background(), q)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	parts := m.seen[0][0].Parts
	if len(parts) != 3 || parts[0].Type != models.ContentImageURL {
		t.Fatalf("expected the image part kept, got %+v", parts)
	}
	if !strings.Contains(parts[1].Text, "[1] fact") || !strings.Contains(parts[1].Text, "what is this?") {
		t.Errorf("expected first text part spliced, got %q", parts[1].Text)
	}
	if parts[2].Text != "second" {
		t.Errorf("expected later text parts untouched, got %q", parts[2].Text)
	}
}

func TestLocalAgentSkipsSplicing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(q *query.Query)
	}{
		{"no knowledge bases", func(q *query.Query) {}},
		{"empty list", func(q *query.Query) { q.PipelineConfig.AI.LocalAgent.KnowledgeBases = []string{} }},
		{"legacy none", func(q *query.Query) { q.PipelineConfig.AI.LocalAgent.KnowledgeBase = "__none__" }},
		{"no text element", func(q *query.Query) {
			q.PipelineConfig.AI.LocalAgent.KnowledgeBases = []string{"kb-1"}
			q.UserMessage = &models.Message{Role: models.RoleUser, Parts: []models.ContentElement{
				{Type: models.ContentImageURL, ImageURL: "https://example.com/a.png"},
			}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kb := &fakeRetriever{entries: []models.RetrievalResultEntry{{Metadata: map[string]any{"text": "fact"}}}}
			m := &scriptedModels{}
			q := newQuery(false, "plain question")
			tt.setup(q)
			if _, err := collect(t, NewLocalAgent(Deps{Models: m, Knowledge: kb}).Run(context.Background(), q)); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if kb.calls != 0 {
				t.Errorf("expected no retrieval")
			}
			sent := m.seen[0]
			if sent[len(sent)-1] != q.UserMessage {
				t.Errorf("expected the user message to be passed unchanged")
			}
		})
	}
}

func TestCallAccumulator(t *testing.T) {
	var acc callAccumulator
	acc.add([]models.ToolCall{fragment("a", "first", `{"x":`), fragment("b", "second", `[1,`)})
	acc.add([]models.ToolCall{fragment("b", "", `2]`), fragment("a", "", `1}`)})
	acc.add([]models.ToolCall{{Function: models.FunctionCall{Arguments: ""}}})

	got := acc.list()
	if len(got) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(got))
	}
	if got[0].ID != "a" || got[0].Function.Name != "first" || got[0].Function.Arguments != `{"x":1}` {
		t.Errorf("unexpected first call %+v", got[0])
	}
	if got[1].Function.Arguments != `[1,2]` || got[1].Type != "function" {
		t.Errorf("unexpected second call %+v", got[1])
	}
}
