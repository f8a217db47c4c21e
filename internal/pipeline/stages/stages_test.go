package stages

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/png"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/ratelimit"
	"github.com/haasonsaas/switchboard/internal/runner"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/testharness"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

type fakeConnector struct {
	plugins.Disconnected
	events    []pluginsdk.EventName
	onEvent   func(ec *pluginsdk.EventContext)
	commands  []*pluginsdk.CommandContext
	cmdResult *pluginsdk.CommandResult
	cmdErr    error
}

func (f *fakeConnector) EmitEvent(_ context.Context, event *pluginsdk.Event, _ []string) (*pluginsdk.EventContext, error) {
	f.events = append(f.events, event.Name)
	ec := pluginsdk.NewEventContext(event)
	if f.onEvent != nil {
		f.onEvent(ec)
	}
	return ec, nil
}

func (f *fakeConnector) ExecuteCommand(_ context.Context, cmd *pluginsdk.CommandContext, _ []string) (*pluginsdk.CommandResult, error) {
	f.commands = append(f.commands, cmd)
	return f.cmdResult, f.cmdErr
}

type scriptedRunner struct {
	replies []models.Response
	err     error
}

func (r scriptedRunner) Run(context.Context, *query.Query) iter.Seq2[models.Response, error] {
	return func(yield func(models.Response, error) bool) {
		for _, resp := range r.replies {
			if !yield(resp, nil) {
				return
			}
		}
		if r.err != nil {
			yield(nil, r.err)
		}
	}
}

func runnerRegistry(name string, r runner.Runner) *runner.Registry {
	reg := runner.NewRegistry()
	reg.Register(name, func(runner.Deps) (runner.Runner, error) { return r, nil })
	return reg
}

func newQuery(lt models.LauncherType, chain models.MessageChain, adapter *testharness.FakeAdapter) *query.Query {
	in := query.Inbound{
		BotUUID:      "bot",
		PipelineUUID: "pipe",
		LauncherType: lt,
		LauncherID:   "42",
		SenderID:     "42",
		Chain:        chain,
	}
	if lt == models.LauncherGroup {
		in.LauncherID = "g1"
		in.Event = testharness.GroupEvent("g1", "42", chain)
	} else {
		in.Event = testharness.FriendEvent("42", chain.Text())
	}
	if adapter != nil {
		in.Adapter = adapter
	}
	q := query.NewPool(nil).AddQuery(in)
	cfg := &config.PipelineConfig{}
	cfg.ApplyDefaults()
	q.PipelineConfig = cfg
	return q
}

func def(cfg config.PipelineConfig) *config.PipelineDefinition {
	cfg.ApplyDefaults()
	return &config.PipelineDefinition{UUID: "pipe", Name: "test", Config: cfg}
}

func results(t *testing.T) func(pipeline.Output, error) []*pipeline.Result {
	return func(out pipeline.Output, err error) []*pipeline.Result {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !out.IsStream() {
			return []*pipeline.Result{out.Result()}
		}
		var rs []*pipeline.Result
		for r, serr := range out.Seq() {
			if serr != nil {
				t.Fatalf("unexpected stream error: %v", serr)
			}
			rs = append(rs, r)
		}
		return rs
	}
}

func only(t *testing.T) func(pipeline.Output, error) *pipeline.Result {
	return func(out pipeline.Output, err error) *pipeline.Result {
		t.Helper()
		rs := results(t)(out, err)
		if len(rs) != 1 {
			t.Fatalf("expected 1 result, got %d", len(rs))
		}
		return rs[0]
	}
}

func TestRespondRuleCheck(t *testing.T) {
	tests := []struct {
		name     string
		rules    config.GroupRespondRules
		group    bool
		chain    models.MessageChain
		random   float64
		wantType pipeline.ResultType
		wantText string
	}{
		{
			name:     "private always passes",
			chain:    models.NewTextChain("hello"),
			wantType: pipeline.Continue,
			wantText: "hello",
		},
		{
			name:     "mention of the bot",
			rules:    config.GroupRespondRules{At: true},
			group:    true,
			chain:    models.MessageChain{models.At{Target: "self"}, models.Plain{Text: " what time is it"}},
			wantType: pipeline.Continue,
			wantText: "what time is it",
		},
		{
			name:     "mention of someone else",
			rules:    config.GroupRespondRules{At: true},
			group:    true,
			chain:    models.MessageChain{models.At{Target: "other"}, models.Plain{Text: " hi"}},
			wantType: pipeline.Interrupt,
		},
		{
			name:     "prefix is stripped",
			rules:    config.GroupRespondRules{Prefix: []string{"ai"}},
			group:    true,
			chain:    models.NewTextChain("ai tell me a joke"),
			wantType: pipeline.Continue,
			wantText: " tell me a joke",
		},
		{
			name:     "regexp match",
			rules:    config.GroupRespondRules{Regexp: []string{`\?$`}},
			group:    true,
			chain:    models.NewTextChain("anyone there?"),
			wantType: pipeline.Continue,
			wantText: "anyone there?",
		},
		{
			name:     "random hit",
			rules:    config.GroupRespondRules{Random: 0.5},
			group:    true,
			chain:    models.NewTextChain("chatter"),
			random:   0.1,
			wantType: pipeline.Continue,
			wantText: "chatter",
		},
		{
			name:     "random miss",
			rules:    config.GroupRespondRules{Random: 0.5},
			group:    true,
			chain:    models.NewTextChain("chatter"),
			random:   0.9,
			wantType: pipeline.Interrupt,
		},
		{
			name: "group override",
			rules: config.GroupRespondRules{
				Prefix: []string{"ai"},
				Groups: map[string]config.GroupRespondRules{"g1": {Prefix: []string{"bot"}}},
			},
			group:    true,
			chain:    models.NewTextChain("ai hello"),
			wantType: pipeline.Interrupt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, err := newRespondRuleCheck(def(config.PipelineConfig{Trigger: config.TriggerConfig{GroupRespondRules: tt.rules}}), func() float64 { return tt.random })
			if err != nil {
				t.Fatalf("newRespondRuleCheck: %v", err)
			}
			adapter := testharness.NewFakeAdapter(false)
			adapter.BotID = "self"
			lt := models.LauncherPerson
			if tt.group {
				lt = models.LauncherGroup
			}
			q := newQuery(lt, tt.chain, adapter)
			r := only(t)(stage.Process(context.Background(), q, GroupRespondRuleCheck))
			if r.Type != tt.wantType {
				t.Fatalf("expected %v, got %v", tt.wantType, r.Type)
			}
			if tt.wantType == pipeline.Continue && q.Chain.Text() != tt.wantText {
				t.Errorf("expected chain %q, got %q", tt.wantText, q.Chain.Text())
			}
		})
	}
}

func TestRespondRuleCheckRejectsBadPattern(t *testing.T) {
	_, err := newRespondRuleCheck(def(config.PipelineConfig{Trigger: config.TriggerConfig{
		GroupRespondRules: config.GroupRespondRules{Regexp: []string{"("}},
	}}), nil)
	if err == nil {
		t.Error("expected error for invalid regexp")
	}
}

func TestBanSessionCheck(t *testing.T) {
	tests := []struct {
		name   string
		access config.AccessControl
		want   pipeline.ResultType
	}{
		{"empty blacklist", config.AccessControl{Mode: "blacklist"}, pipeline.Continue},
		{"blacklisted id", config.AccessControl{Mode: "blacklist", Blacklist: []string{"person_42"}}, pipeline.Interrupt},
		{"blacklisted type", config.AccessControl{Mode: "blacklist", Blacklist: []string{"person_*"}}, pipeline.Interrupt},
		{"other id", config.AccessControl{Mode: "blacklist", Blacklist: []string{"person_7"}}, pipeline.Continue},
		{"whitelist miss", config.AccessControl{Mode: "whitelist", Whitelist: []string{"group_*"}}, pipeline.Interrupt},
		{"whitelist hit", config.AccessControl{Mode: "whitelist", Whitelist: []string{"person_42"}}, pipeline.Continue},
		{"whitelist everyone", config.AccessControl{Mode: "whitelist", Whitelist: []string{"*"}}, pipeline.Continue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := &banSessionCheck{access: tt.access}
			q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
			if r := only(t)(stage.Process(context.Background(), q, BanSessionCheck)); r.Type != tt.want {
				t.Errorf("expected %v, got %v", tt.want, r.Type)
			}
		})
	}
}

func TestContentFilterInbound(t *testing.T) {
	base := config.PipelineConfig{
		Trigger: config.TriggerConfig{IgnoreRules: config.IgnoreRules{Prefix: []string{"//"}, Regexp: []string{`^\d+$`}}},
		Safety: config.SafetyConfig{ContentFilter: config.ContentFilter{
			CheckSensitiveWords: true,
			BanWords:            []string{"darn"},
		}},
	}
	tests := []struct {
		name     string
		action   string
		text     string
		want     pipeline.ResultType
		wantText string
		notice   bool
	}{
		{"clean", "mask", "hello there", pipeline.Continue, "hello there", false},
		{"masked", "mask", "well DARN it", pipeline.Continue, "well **** it", false},
		{"blocked", "block", "darn", pipeline.Interrupt, "", true},
		{"ignored prefix", "mask", "// note to self", pipeline.Interrupt, "", false},
		{"ignored regexp", "mask", "12345", pipeline.Interrupt, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Safety.ContentFilter.Action = tt.action
			f, err := newContentFilter(def(cfg), true)
			if err != nil {
				t.Fatalf("newContentFilter: %v", err)
			}
			q := newQuery(models.LauncherPerson, models.NewTextChain(tt.text), nil)
			r := only(t)(f.Process(context.Background(), q, PreContentFilter))
			if r.Type != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, r.Type)
			}
			if tt.want == pipeline.Continue && q.Chain.Text() != tt.wantText {
				t.Errorf("expected %q, got %q", tt.wantText, q.Chain.Text())
			}
			if tt.notice != (len(r.UserNotice) > 0) {
				t.Errorf("expected user notice %v, got %q", tt.notice, r.UserNotice.Text())
			}
		})
	}
}

func TestContentFilterOutbound(t *testing.T) {
	cfg := config.PipelineConfig{Safety: config.SafetyConfig{ContentFilter: config.ContentFilter{
		Scope:               "output-msg",
		CheckSensitiveWords: true,
		BanWords:            []string{"secret"},
		Mask:                "#",
	}}}
	f, err := newContentFilter(def(cfg), false)
	if err != nil {
		t.Fatalf("newContentFilter: %v", err)
	}
	q := newQuery(models.LauncherPerson, models.NewTextChain("tell me"), nil)
	q.AppendResponse(&models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: "the secret is out"}})
	if r := only(t)(f.Process(context.Background(), q, PostContentFilter)); r.Type != pipeline.Continue {
		t.Fatalf("expected continue, got %v", r.Type)
	}
	if got := q.LastResponse().Base().Content; got != "the ###### is out" {
		t.Errorf("expected masked response, got %q", got)
	}

	in, err := newContentFilter(def(cfg), true)
	if err != nil {
		t.Fatalf("newContentFilter: %v", err)
	}
	q = newQuery(models.LauncherPerson, models.NewTextChain("a secret"), nil)
	only(t)(in.Process(context.Background(), q, PreContentFilter))
	if q.Chain.Text() != "a secret" {
		t.Errorf("expected inbound text untouched outside scope, got %q", q.Chain.Text())
	}
}

func TestTruncateRounds(t *testing.T) {
	msg := func(role models.Role, text string) *models.Message {
		return &models.Message{Role: role, Content: text}
	}
	history := []*models.Message{
		msg(models.RoleUser, "u1"), msg(models.RoleAssistant, "a1"),
		msg(models.RoleUser, "u2"), msg(models.RoleAssistant, "a2"), msg(models.RoleTool, "t2"), msg(models.RoleAssistant, "a2b"),
		msg(models.RoleUser, "u3"), msg(models.RoleAssistant, "a3"),
	}
	tests := []struct {
		maxRound int
		first    string
		length   int
	}{
		{1, "u3", 2},
		{2, "u2", 6},
		{3, "u1", 8},
		{10, "u1", 8},
	}
	for _, tt := range tests {
		got := truncateRounds(history, tt.maxRound)
		if len(got) != tt.length || got[0].Content != tt.first {
			t.Errorf("maxRound %d: expected %d messages from %s, got %d from %s", tt.maxRound, tt.length, tt.first, len(got), got[0].Content)
		}
	}
}

func TestRateLimitStages(t *testing.T) {
	limiter := ratelimit.NewFixedWindow()
	require := &requireRateLimit{limiter: limiter, rule: rateRule(config.RateLimit{WindowLength: 60, Limitation: 1, Strategy: "drop"})}
	release := &releaseRateLimit{limiter: limiter}
	ctx := context.Background()

	q1 := newQuery(models.LauncherPerson, models.NewTextChain("one"), nil)
	if r := only(t)(require.Process(ctx, q1, RequireRateLimitOccupancy)); r.Type != pipeline.Continue {
		t.Fatalf("expected first query admitted, got %v", r.Type)
	}
	if !q1.BoolVar(query.VarRateLimitHeld) {
		t.Error("expected occupancy to be recorded")
	}
	q2 := newQuery(models.LauncherPerson, models.NewTextChain("two"), nil)
	r := only(t)(require.Process(ctx, q2, RequireRateLimitOccupancy))
	if r.Type != pipeline.Interrupt || r.UserNotice.Text() != rateLimitedNotice {
		t.Errorf("expected second query dropped with notice, got %v %q", r.Type, r.UserNotice.Text())
	}

	only(t)(release.Process(ctx, q1, ReleaseRateLimitOccupancy))
	only(t)(release.Process(ctx, q1, ReleaseRateLimitOccupancy))
	if _, inflight := limiter.Status(q1.SessionID()); inflight != 0 {
		t.Errorf("expected no inflight requests, got %d", inflight)
	}
	if q1.BoolVar(query.VarRateLimitHeld) {
		t.Error("expected occupancy to be cleared")
	}
}

func TestRateRule(t *testing.T) {
	rule := rateRule(config.RateLimit{Limitation: 5, Strategy: "wait"})
	if rule.Window != time.Minute || rule.Limit != 5 || rule.Strategy != ratelimit.StrategyWait {
		t.Errorf("unexpected rule %+v", rule)
	}
	if rule := rateRule(config.RateLimit{Strategy: "bogus"}); rule.Strategy != ratelimit.StrategyDrop {
		t.Errorf("expected drop fallback, got %s", rule.Strategy)
	}
}

func TestPreProcessor(t *testing.T) {
	registry := sessions.NewRegistry(sessions.RegistryConfig{})
	conn := &fakeConnector{onEvent: func(ec *pluginsdk.EventContext) {
		if ec.Event.Name == pluginsdk.PromptPreProcessing {
			ec.DefaultPrompt = append(ec.DefaultPrompt, &models.Message{Role: models.RoleSystem, Content: "plugin"})
		}
	}}
	deps := Deps{Sessions: registry, Plugins: conn}.withDefaults()
	stage := &preProcessor{deps: deps, logger: deps.Logger}

	q := newQuery(models.LauncherPerson, models.MessageChain{models.Plain{Text: "look"}, models.Image{URL: "http://x/cat.png"}}, nil)
	q.PipelineConfig.AI.LocalAgent.Model = "gpt"
	q.PipelineConfig.AI.LocalAgent.Prompt = []config.PromptMessage{{Role: "system", Content: "be brief"}}

	if r := only(t)(stage.Process(context.Background(), q, PreProcessor)); r.Type != pipeline.Continue {
		t.Fatalf("expected continue, got %v", r.Type)
	}
	if q.Session == nil || q.Session.Conversation() == nil {
		t.Fatal("expected session with a conversation")
	}
	if q.UseLLMModelUUID != "gpt" {
		t.Errorf("expected model gpt, got %q", q.UseLLMModelUUID)
	}
	if len(q.Prompt.Messages) != 2 || q.Prompt.Messages[0].Content != "be brief" || q.Prompt.Messages[1].Content != "plugin" {
		t.Errorf("unexpected prompt %+v", q.Prompt.Messages)
	}
	if q.UserMessage.Content != "look" || q.UserMessage.IsMultipart() {
		t.Errorf("expected image dropped without vision, got %+v", q.UserMessage)
	}
	if q.StringVar("user_message_text") != "look" || q.StringVar("session_id") != q.SessionID() {
		t.Errorf("unexpected variables %v", q.Variables)
	}
	if len(conn.events) != 1 || conn.events[0] != pluginsdk.PromptPreProcessing {
		t.Errorf("expected PromptPreProcessing, got %v", conn.events)
	}
}

func TestPreProcessorStartsNewConversationForOtherPipeline(t *testing.T) {
	registry := sessions.NewRegistry(sessions.RegistryConfig{})
	session := registry.Get("bot", models.LauncherPerson, "42")
	old := session.NewConversation(nil, "other-pipe")
	old.Append(&models.Message{Role: models.RoleUser, Content: "from before"})

	deps := Deps{Sessions: registry}.withDefaults()
	stage := &preProcessor{deps: deps, logger: deps.Logger}
	q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
	only(t)(stage.Process(context.Background(), q, PreProcessor))

	if len(q.Messages) != 0 {
		t.Errorf("expected empty history, got %d messages", len(q.Messages))
	}
	if conv := session.Conversation(); conv == old || conv.PipelineUUID != "pipe" {
		t.Error("expected a new conversation bound to the pipeline")
	}
}

func TestUserMessage(t *testing.T) {
	chain := models.MessageChain{
		models.Quote{Origin: models.NewTextChain("earlier")},
		models.Plain{Text: "what is this"},
		models.Image{Base64: "aGk="},
	}
	msg := userMessage(chain, true)
	if len(msg.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %+v", msg.Parts)
	}
	if msg.Parts[0].Text != "> earlier\n" || msg.Parts[2].Type != models.ContentImageBase64 {
		t.Errorf("unexpected parts %+v", msg.Parts)
	}
	if msg := userMessage(models.NewTextChain("plain"), true); msg.IsMultipart() || msg.Content != "plain" {
		t.Errorf("expected plain string form, got %+v", msg)
	}
}

func processorFor(conn *fakeConnector, r runner.Runner) *messageProcessor {
	deps := Deps{Plugins: conn, Runners: runnerRegistry("scripted", r)}.withDefaults()
	return &messageProcessor{deps: deps, logger: deps.Logger}
}

func TestMessageProcessorCommand(t *testing.T) {
	conn := &fakeConnector{cmdResult: &pluginsdk.CommandResult{Text: "pong"}}
	stage := processorFor(conn, scriptedRunner{})
	q := newQuery(models.LauncherPerson, models.NewTextChain("!ping a b"), nil)

	if r := only(t)(stage.Process(context.Background(), q, MessageProcessor)); r.Type != pipeline.Continue {
		t.Fatalf("expected continue, got %v", r.Type)
	}
	if len(conn.commands) != 1 || conn.commands[0].Command != "ping" || strings.Join(conn.commands[0].Params, ",") != "a,b" {
		t.Fatalf("unexpected command call %+v", conn.commands)
	}
	resp := q.LastResponse().Base()
	if resp.Role != models.RoleCommand || resp.Content != "pong" {
		t.Errorf("unexpected response %+v", resp)
	}

	conn.cmdErr = plugins.ErrCommandNotFound
	q = newQuery(models.LauncherPerson, models.NewTextChain("！nope"), nil)
	r := only(t)(stage.Process(context.Background(), q, MessageProcessor))
	if r.Type != pipeline.Interrupt || !strings.Contains(r.UserNotice.Text(), "nope") {
		t.Errorf("expected unknown command notice, got %v %q", r.Type, r.UserNotice.Text())
	}
}

func TestMessageProcessorPluginReply(t *testing.T) {
	conn := &fakeConnector{onEvent: func(ec *pluginsdk.EventContext) {
		ec.ReplyMessageChain = models.NewTextChain("handled by plugin")
		ec.PreventDefault()
	}}
	stage := processorFor(conn, scriptedRunner{replies: []models.Response{&models.Message{Role: models.RoleAssistant, Content: "model"}}})
	q := newQuery(models.LauncherGroup, models.NewTextChain("hi"), nil)

	if r := only(t)(stage.Process(context.Background(), q, MessageProcessor)); r.Type != pipeline.Continue {
		t.Fatalf("expected continue, got %v", r.Type)
	}
	if conn.events[0] != pluginsdk.GroupNormalMessageReceived {
		t.Errorf("expected group event, got %v", conn.events)
	}
	if resp := q.LastResponse().Base(); resp.Role != models.RolePlugin || resp.Content != "handled by plugin" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestMessageProcessorRunsRunner(t *testing.T) {
	registry := sessions.NewRegistry(sessions.RegistryConfig{})
	chunks := []models.Response{
		&models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: "Hel"}, MsgSequence: 1},
		&models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: "Hello"}, MsgSequence: 2, IsFinal: true},
	}
	conn := &fakeConnector{onEvent: func(ec *pluginsdk.EventContext) {
		ec.UserMessageAlter = models.NewTextChain("altered")
	}}
	deps := Deps{Sessions: registry, Plugins: conn, Runners: runnerRegistry("scripted", scriptedRunner{replies: chunks})}.withDefaults()
	stage := &messageProcessor{deps: deps, logger: deps.Logger}

	q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
	q.PipelineConfig.AI.Runner.Runner = "scripted"
	q.Session = registry.Get(q.BotUUID, q.LauncherType, q.LauncherID)
	q.Session.NewConversation(nil, "pipe")
	q.UserMessage = &models.Message{Role: models.RoleUser, Content: "hi"}

	rs := results(t)(stage.Process(context.Background(), q, MessageProcessor))
	if len(rs) != 2 {
		t.Fatalf("expected 2 results, got %d", len(rs))
	}
	if len(q.RespMessages) != 1 {
		t.Fatalf("expected chunks to replace one another, got %d responses", len(q.RespMessages))
	}
	if c, ok := q.LastChunk(); !ok || c.Content != "Hello" || !c.IsFinal {
		t.Errorf("unexpected last chunk %+v", q.LastResponse())
	}
	history := q.Session.Conversation().History()
	if len(history) != 2 || history[0].Content != "altered" || history[1].Content != "Hello" {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestMessageProcessorRunnerError(t *testing.T) {
	tests := []struct {
		name   string
		hide   bool
		notice string
	}{
		{"detailed", false, "upstream exploded"},
		{"hidden", true, hiddenErrorNotice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := processorFor(&fakeConnector{}, scriptedRunner{err: errors.New("upstream exploded")})
			q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
			q.PipelineConfig.AI.Runner.Runner = "scripted"
			q.PipelineConfig.Output.Misc.HideException = tt.hide

			r := only(t)(stage.Process(context.Background(), q, MessageProcessor))
			if r.Type != pipeline.Interrupt || r.UserNotice.Text() != tt.notice {
				t.Errorf("expected notice %q, got %v %q", tt.notice, r.Type, r.UserNotice.Text())
			}
			if r.ErrorNotice != "upstream exploded" {
				t.Errorf("expected error notice, got %q", r.ErrorNotice)
			}
		})
	}
}

func TestMessageProcessorUnknownRunner(t *testing.T) {
	stage := processorFor(&fakeConnector{}, scriptedRunner{})
	q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
	q.PipelineConfig.AI.Runner.Runner = "missing"
	r := only(t)(stage.Process(context.Background(), q, MessageProcessor))
	if r.Type != pipeline.Interrupt || r.ErrorNotice == "" {
		t.Errorf("expected interrupt with error notice, got %+v", r)
	}
}

func TestResponseWrapper(t *testing.T) {
	tests := []struct {
		name  string
		resp  models.Response
		track bool
		want  pipeline.ResultType
		text  string
	}{
		{"assistant", &models.Message{Role: models.RoleAssistant, Content: "hello"}, false, pipeline.Continue, "hello"},
		{"command", &models.Message{Role: models.RoleCommand, Content: "pong"}, false, pipeline.Continue, "pong"},
		{"tool result", &models.Message{Role: models.RoleTool, Content: "{}"}, false, pipeline.Interrupt, ""},
		{"empty", &models.Message{Role: models.RoleAssistant}, false, pipeline.Interrupt, ""},
		{"empty final chunk", &models.MessageChunk{Message: models.Message{Role: models.RoleAssistant}, IsFinal: true}, false, pipeline.Continue, ""},
		{
			"tracked call",
			&models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "1", Function: models.FunctionCall{Name: "weather", Arguments: `{"city":"Paris"}`}}}},
			true, pipeline.Continue, "\n[call weather] {\"city\":\"Paris\"}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConnector{}
			stage := &responseWrapper{plugins: conn, logger: Deps{}.withDefaults().Logger}
			q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
			q.PipelineConfig.Output.Misc.TrackFunctionCalls = tt.track
			q.AppendResponse(tt.resp)

			r := only(t)(stage.Process(context.Background(), q, ResponseWrapper))
			if r.Type != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, r.Type)
			}
			if tt.want == pipeline.Continue {
				if len(q.RespMessageChain) != 1 || q.RespMessageChain[0].Text() != tt.text {
					t.Errorf("expected chain %q, got %v", tt.text, q.RespMessageChain)
				}
			}
		})
	}
}

func TestResponseWrapperStreamReplacesChain(t *testing.T) {
	stage := &responseWrapper{plugins: &fakeConnector{}, logger: Deps{}.withDefaults().Logger}
	q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
	for i, text := range []string{"a", "ab", "abc"} {
		q.ReplaceLastResponse(&models.MessageChunk{
			Message:     models.Message{Role: models.RoleAssistant, Content: text},
			MsgSequence: i + 1,
			IsFinal:     i == 2,
		})
		only(t)(stage.Process(context.Background(), q, ResponseWrapper))
	}
	if len(q.RespMessageChain) != 1 || q.RespMessageChain[0].Text() != "abc" {
		t.Errorf("expected a single cumulative chain, got %v", q.RespMessageChain)
	}
}

func TestResponseWrapperPluginOverride(t *testing.T) {
	conn := &fakeConnector{onEvent: func(ec *pluginsdk.EventContext) {
		ec.ReplyMessageChain = models.NewTextChain("rewritten")
	}}
	stage := &responseWrapper{plugins: conn, logger: Deps{}.withDefaults().Logger}
	q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
	q.AppendResponse(&models.Message{Role: models.RoleAssistant, Content: "original"})
	only(t)(stage.Process(context.Background(), q, ResponseWrapper))
	if q.RespMessageChain[0].Text() != "rewritten" {
		t.Errorf("expected plugin reply, got %q", q.RespMessageChain[0].Text())
	}
	if len(conn.events) != 1 || conn.events[0] != pluginsdk.NormalMessageResponded {
		t.Errorf("expected NormalMessageResponded, got %v", conn.events)
	}
}

func TestLongText(t *testing.T) {
	long := strings.Repeat("word ", 50)
	tests := []struct {
		name      string
		strategy  string
		streaming bool
		want      models.ComponentType
	}{
		{"none", "none", false, models.ComponentPlain},
		{"forward", "forward", false, models.ComponentForward},
		{"image", "image", false, models.ComponentImage},
		{"streaming is skipped", "forward", true, models.ComponentPlain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, err := newLongText(config.LongTextConfig{Threshold: 100, Strategy: tt.strategy}, Deps{}.withDefaults().Logger)
			if err != nil {
				t.Fatalf("newLongText: %v", err)
			}
			q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
			q.SetVar(query.VarStreaming, tt.streaming)
			q.RespMessageChain = []models.MessageChain{models.NewTextChain(long)}
			only(t)(stage.Process(context.Background(), q, LongTextProcess))

			chain := q.RespMessageChain[0]
			if len(chain) != 1 || chain[0].Type() != tt.want {
				t.Fatalf("expected a single %s, got %v", tt.want, chain)
			}
			if img, ok := chain[0].(models.Image); ok {
				data, err := base64.StdEncoding.DecodeString(img.Base64)
				if err != nil {
					t.Fatalf("decode base64: %v", err)
				}
				cfg, err := png.DecodeConfig(bytes.NewReader(data))
				if err != nil {
					t.Fatalf("decode png: %v", err)
				}
				if cfg.Width != renderWidth || cfg.Height <= 2*renderPadding {
					t.Errorf("unexpected image size %dx%d", cfg.Width, cfg.Height)
				}
			}
		})
	}
}

func TestLongTextBelowThreshold(t *testing.T) {
	stage, _ := newLongText(config.LongTextConfig{Threshold: 100, Strategy: "forward"}, Deps{}.withDefaults().Logger)
	q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), nil)
	q.RespMessageChain = []models.MessageChain{models.NewTextChain("short")}
	only(t)(stage.Process(context.Background(), q, LongTextProcess))
	if q.RespMessageChain[0].Text() != "short" {
		t.Errorf("expected short reply untouched, got %v", q.RespMessageChain[0])
	}
}

func TestSendResponseBack(t *testing.T) {
	var slept []time.Duration
	stage := &sendResponseBack{
		sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
		random: func() float64 { return 0.5 },
	}

	adapter := testharness.NewFakeAdapter(false)
	q := newQuery(models.LauncherGroup, models.NewTextChain("hi"), adapter)
	q.PipelineConfig.Output.Misc.AtSender = true
	q.PipelineConfig.Output.ForceDelay = config.ForceDelayConfig{Min: 1, Max: 3}
	q.RespMessageChain = []models.MessageChain{models.NewTextChain("hello")}
	only(t)(stage.Process(context.Background(), q, SendResponseBack))

	replies := adapter.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if at, ok := replies[0].Chain[0].(models.At); !ok || at.Target != "42" {
		t.Errorf("expected reply to mention the sender, got %v", replies[0].Chain)
	}
	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("expected a 2s delay, got %v", slept)
	}

	streaming := testharness.NewFakeAdapter(true)
	q = newQuery(models.LauncherPerson, models.NewTextChain("hi"), streaming)
	q.AppendResponse(&models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: "part"}, MsgSequence: 1})
	q.RespMessageChain = []models.MessageChain{models.NewTextChain("part")}
	only(t)(stage.Process(context.Background(), q, SendResponseBack))
	chunks := streaming.Chunks()
	if len(chunks) != 1 || chunks[0].IsFinal || chunks[0].Chunk.Content != "part" {
		t.Errorf("unexpected chunk replies %+v", chunks)
	}
	if len(slept) != 1 {
		t.Errorf("expected no delay for chunks, got %v", slept)
	}
}

func TestSendResponseBackReportsAdapterError(t *testing.T) {
	adapter := testharness.NewFakeAdapter(false)
	adapter.ReplyErr = errors.New("offline")
	stage := &sendResponseBack{sleep: sleep, random: func() float64 { return 0 }}
	q := newQuery(models.LauncherPerson, models.NewTextChain("hi"), adapter)
	q.RespMessageChain = []models.MessageChain{models.NewTextChain("hello")}
	if _, err := stage.Process(context.Background(), q, SendResponseBack); err == nil {
		t.Error("expected adapter error")
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	registry := sessions.NewRegistry(sessions.RegistryConfig{})
	reg := NewRegistry(Deps{Sessions: registry})
	cfg := config.PipelineConfig{}
	cfg.AI.Runner.Runner = runner.EchoName
	p, err := pipeline.NewRuntimePipeline(config.PipelineDefinition{UUID: "pipe", Name: "echo", Config: cfg}, reg, pipeline.Services{})
	if err != nil {
		t.Fatalf("NewRuntimePipeline: %v", err)
	}

	adapter := testharness.NewFakeAdapter(false)
	q := newQuery(models.LauncherPerson, models.NewTextChain("hello"), adapter)
	if err := p.Run(context.Background(), q); err != nil {
		t.Fatalf("Run: %v", err)
	}
	replies := adapter.Replies()
	if len(replies) != 1 || replies[0].Chain.Text() != "echo:hello" {
		t.Fatalf("expected echo reply, got %+v", replies)
	}
	conv := registry.Get("bot", models.LauncherPerson, "42").Conversation()
	if conv == nil || conv.Len() != 2 {
		t.Errorf("expected the exchange to be stored")
	}
}

func TestPipelineEndToEndStreaming(t *testing.T) {
	chunks := []models.Response{
		&models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: "Hi"}, MsgSequence: 1, ResponseID: "r"},
		&models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: "Hi there"}, MsgSequence: 2, ResponseID: "r", IsFinal: true},
	}
	reg := NewRegistry(Deps{Runners: runnerRegistry("scripted", scriptedRunner{replies: chunks})})
	cfg := config.PipelineConfig{}
	cfg.AI.Runner.Runner = "scripted"
	p, err := pipeline.NewRuntimePipeline(config.PipelineDefinition{UUID: "pipe", Name: "stream", Config: cfg}, reg, pipeline.Services{})
	if err != nil {
		t.Fatalf("NewRuntimePipeline: %v", err)
	}

	adapter := testharness.NewFakeAdapter(true)
	q := newQuery(models.LauncherPerson, models.NewTextChain("hello"), adapter)
	q.SetVar(query.VarStreaming, true)
	if err := p.Run(context.Background(), q); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := adapter.Chunks()
	if len(got) != 2 {
		t.Fatalf("expected 2 chunk replies, got %d", len(got))
	}
	if got[0].IsFinal || !got[1].IsFinal || got[1].Chain.Text() != "Hi there" {
		t.Errorf("unexpected chunk replies %+v", got)
	}
	if len(adapter.Replies()) != 0 {
		t.Errorf("expected no whole-message replies, got %d", len(adapter.Replies()))
	}
}
