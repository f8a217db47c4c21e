package requesters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func sseServer(t *testing.T, status int, lines []string, body *[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body != nil {
			*body, _ = io.ReadAll(r.Body)
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, lines[0])
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOpenAI(t *testing.T, url string) llm.Requester {
	t.Helper()
	r, err := NewOpenAI(config.ProviderConfig{Requester: OpenAIName, BaseURL: url})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return r
}

func TestOpenAIStreamAssemblesToolCallFragments(t *testing.T) {
	lines := []string{
		`data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"hmm"}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`,
		`data: [DONE]`,
	}
	var body []byte
	srv := sseServer(t, http.StatusOK, lines, &body)
	r := newOpenAI(t, srv.URL)

	req := &llm.Request{
		Model:    "gpt-test",
		APIKey:   "k",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "weather?"}},
		Funcs: []models.ToolDescriptor{{
			Name:        "get_weather",
			Description: "Look up weather",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
		}},
	}
	var content strings.Builder
	args := map[string]*strings.Builder{}
	names := map[string]string{}
	var usage *llm.Usage
	for ev, err := range r.InvokeStream(context.Background(), req) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		if ev.Usage != nil {
			usage = ev.Usage
		}
		if ev.Chunk == nil {
			continue
		}
		content.WriteString(ev.Chunk.Content)
		for _, tc := range ev.Chunk.ToolCalls {
			if tc.ID == "" {
				t.Fatalf("expected every fragment to carry the call id")
			}
			if args[tc.ID] == nil {
				args[tc.ID] = &strings.Builder{}
			}
			args[tc.ID].WriteString(tc.Function.Arguments)
			if tc.Function.Name != "" {
				names[tc.ID] = tc.Function.Name
			}
		}
	}

	if got, want := content.String(), "<think>\nhmm\n</think>\nHello"; got != want {
		t.Errorf("expected content %q, got %q", want, got)
	}
	if names["call_1"] != "get_weather" {
		t.Errorf("expected tool name get_weather, got %q", names["call_1"])
	}
	if got := args["call_1"].String(); got != `{"city":"Paris"}` {
		t.Errorf("expected assembled arguments, got %q", got)
	}
	if usage == nil || usage.TotalTokens != 12 {
		t.Errorf("expected usage total 12, got %+v", usage)
	}

	var sent map[string]any
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if sent["stream"] != true {
		t.Errorf("expected stream=true in request")
	}
	tools, _ := sent["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected one tool in request, got %v", sent["tools"])
	}
}

func TestOpenAIInvokeRemovesThink(t *testing.T) {
	resp := `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"<think>plan</think>answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	}))
	defer srv.Close()
	r := newOpenAI(t, srv.URL)

	out, err := r.Invoke(context.Background(), &llm.Request{
		Model:       "gpt-test",
		Messages:    []*models.Message{{Role: models.RoleUser, Content: "q"}},
		RemoveThink: true,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Message.Content != "answer" {
		t.Errorf("expected think section removed, got %q", out.Message.Content)
	}
	if out.Usage.TotalTokens != 3 {
		t.Errorf("expected total tokens 3, got %d", out.Usage.TotalTokens)
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   llm.FailoverReason
	}{
		{"rate limited", http.StatusTooManyRequests, llm.ReasonRateLimit},
		{"bad key", http.StatusUnauthorized, llm.ReasonAuth},
		{"server error", http.StatusBadGateway, llm.ReasonServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sseServer(t, tt.status, []string{`{"error":{"message":"nope","type":"error"}}`}, nil)
			r := newOpenAI(t, srv.URL)
			_, err := r.Invoke(context.Background(), &llm.Request{
				Model:    "gpt-test",
				Messages: []*models.Message{{Role: models.RoleUser, Content: "q"}},
			})
			var re *llm.RequesterError
			if !errors.As(err, &re) {
				t.Fatalf("expected RequesterError, got %v", err)
			}
			if re.Reason != tt.want {
				t.Errorf("expected reason %s, got %s", tt.want, re.Reason)
			}
			if re.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, re.Status)
			}
		})
	}
}

func TestOpenAIEmbed(t *testing.T) {
	resp := `{"object":"list","data":[{"object":"embedding","index":1,"embedding":[0,1]},{"object":"embedding","index":0,"embedding":[1,0]}],"usage":{"prompt_tokens":4,"total_tokens":4}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	}))
	defer srv.Close()
	r := newOpenAI(t, srv.URL)

	out, err := r.Embed(context.Background(), &llm.EmbeddingRequest{Model: "embed", Texts: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := [][]float32{{1, 0}, {0, 1}}
	if !reflect.DeepEqual(out.Vectors, want) {
		t.Errorf("expected vectors ordered by index %v, got %v", want, out.Vectors)
	}
}

func TestOpenAIMessagesRoundTrip(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Parts: []models.ContentElement{models.TextElement("hello"), models.TextElement("there")}},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: models.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
		}}},
		{Role: models.RoleTool, Content: "result", ToolCallID: "call_1"},
	}
	wire, err := OpenAIMessages(msgs)
	if err != nil {
		t.Fatalf("OpenAIMessages: %v", err)
	}
	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back []*models.Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(back))
	}
	for i := range msgs {
		if back[i].Role != msgs[i].Role {
			t.Errorf("message %d: expected role %s, got %s", i, msgs[i].Role, back[i].Role)
		}
		if back[i].Text() != msgs[i].Text() {
			t.Errorf("message %d: expected text %q, got %q", i, msgs[i].Text(), back[i].Text())
		}
		if back[i].ToolCallID != msgs[i].ToolCallID {
			t.Errorf("message %d: expected tool_call_id %q, got %q", i, msgs[i].ToolCallID, back[i].ToolCallID)
		}
		if !reflect.DeepEqual(back[i].ToolCalls, msgs[i].ToolCalls) {
			t.Errorf("message %d: expected tool calls %+v, got %+v", i, msgs[i].ToolCalls, back[i].ToolCalls)
		}
	}
}

func TestOpenAIMessagesRejectsUnsupportedContent(t *testing.T) {
	_, err := OpenAIMessages([]*models.Message{{
		Role:  models.RoleUser,
		Parts: []models.ContentElement{{Type: models.ContentAudio, Audio: "AAAA"}},
	}})
	var re *llm.RequesterError
	if !errors.As(err, &re) || re.Reason != llm.ReasonUnsupported {
		t.Fatalf("expected unsupported modality error, got %v", err)
	}
}
