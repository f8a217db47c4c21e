package pipeline

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/monitoring"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/testharness"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

type trace struct {
	steps []string
}

func (t *trace) single(name string, typ ResultType) Factory {
	return func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, stageName string) (Output, error) {
			t.steps = append(t.steps, name)
			return Single(&Result{Type: typ, NewQuery: q}), nil
		}), nil
	}
}

func (t *trace) stream(name string, types ...ResultType) Factory {
	return func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, stageName string) (Output, error) {
			return Stream(func(yield func(*Result, error) bool) {
				for _, typ := range types {
					t.steps = append(t.steps, name)
					if !yield(&Result{Type: typ, NewQuery: q}, nil) {
						return
					}
				}
			}), nil
		}), nil
	}
}

func newTestQuery(adapter *testharness.FakeAdapter) *query.Query {
	in := query.Inbound{
		BotUUID:      "bot",
		PipelineUUID: "pipe",
		LauncherType: models.LauncherPerson,
		LauncherID:   "42",
		SenderID:     "42",
		Event:        testharness.FriendEvent("42", "hello"),
		Chain:        models.NewTextChain("hello"),
	}
	if adapter != nil {
		in.Adapter = adapter
	}
	return query.NewPool(nil).AddQuery(in)
}

func build(t *testing.T, reg *StageRegistry, services Services, stages ...string) *RuntimePipeline {
	t.Helper()
	p, err := NewRuntimePipeline(config.PipelineDefinition{UUID: "pipe", Name: "test", Stages: stages}, reg, services)
	if err != nil {
		t.Fatalf("NewRuntimePipeline: %v", err)
	}
	return p
}

func TestLinearChain(t *testing.T) {
	tr := &trace{}
	reg := NewStageRegistry()
	for _, n := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		reg.Register(n, tr.single(n, Continue))
	}
	p := build(t, reg, Services{}, "A", "B", "C", "D", "E", "F", "G")

	if err := p.Run(context.Background(), newTestQuery(nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(tr.steps, " "); got != "A B C D E F G" {
		t.Errorf("expected A B C D E F G, got %s", got)
	}
}

func TestGeneratorFanOut(t *testing.T) {
	tr := &trace{}
	reg := NewStageRegistry()
	reg.Register("A", tr.single("A", Continue))
	reg.Register("B", tr.single("B", Continue))
	reg.Register("C", tr.stream("C", Continue, Continue, Continue))
	reg.Register("D", tr.single("D", Continue))
	p := build(t, reg, Services{}, "A", "B", "C", "D")

	if err := p.Run(context.Background(), newTestQuery(nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(tr.steps, " "); got != "A B C D C D C D" {
		t.Errorf("expected A B C D C D C D, got %s", got)
	}
}

func TestInterruptSemantics(t *testing.T) {
	tests := []struct {
		name   string
		stages map[string]func(tr *trace) Factory
		want   string
	}{
		{
			name: "single interrupt stops the chain",
			stages: map[string]func(tr *trace) Factory{
				"A": func(tr *trace) Factory { return tr.single("A", Continue) },
				"B": func(tr *trace) Factory { return tr.single("B", Interrupt) },
				"C": func(tr *trace) Factory { return tr.single("C", Continue) },
				"D": func(tr *trace) Factory { return tr.single("D", Continue) },
			},
			want: "A B",
		},
		{
			name: "stream interrupt stops pulling",
			stages: map[string]func(tr *trace) Factory{
				"A": func(tr *trace) Factory { return tr.single("A", Continue) },
				"B": func(tr *trace) Factory { return tr.single("B", Continue) },
				"C": func(tr *trace) Factory { return tr.stream("C", Continue, Interrupt, Continue) },
				"D": func(tr *trace) Factory { return tr.single("D", Continue) },
			},
			want: "A B C D C",
		},
		{
			name: "tail interrupt stops only its branch",
			stages: map[string]func(tr *trace) Factory{
				"A": func(tr *trace) Factory { return tr.single("A", Continue) },
				"B": func(tr *trace) Factory { return tr.single("B", Continue) },
				"C": func(tr *trace) Factory { return tr.stream("C", Continue, Continue) },
				"D": func(tr *trace) Factory { return tr.single("D", Interrupt) },
			},
			want: "A B C D C D",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &trace{}
			reg := NewStageRegistry()
			for name, f := range tt.stages {
				reg.Register(name, f(tr))
			}
			p := build(t, reg, Services{}, "A", "B", "C", "D")
			if err := p.Run(context.Background(), newTestQuery(nil)); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := strings.Join(tr.steps, " "); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPassThroughPipelinePreservesQuery(t *testing.T) {
	reg := NewStageRegistry()
	passthrough := func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, _ string) (Output, error) {
			return Single(ContinueWith(q)), nil
		}), nil
	}
	var final *query.Query
	respond := func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, _ string) (Output, error) {
			q.AppendResponse(&models.Message{Role: models.RoleAssistant, Content: "ok"})
			final = q
			return Single(ContinueWith(q)), nil
		}), nil
	}
	reg.Register("P1", passthrough)
	reg.Register("P2", passthrough)
	reg.Register("R", respond)
	p := build(t, reg, Services{}, "P1", "P2", "R")

	q := newTestQuery(nil)
	before := *q
	if err := p.Run(context.Background(), q); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != q {
		t.Fatal("expected the same query to reach the last stage")
	}
	if len(q.RespMessages) != 1 {
		t.Errorf("expected one response, got %d", len(q.RespMessages))
	}
	after := *q
	after.RespMessages = nil
	after.PipelineConfig = nil
	after.Variables = nil
	before.Variables = nil
	if !reflect.DeepEqual(before, after) {
		t.Errorf("expected query unchanged apart from responses\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestStageErrorsAreWrappedWithStageName(t *testing.T) {
	reg := NewStageRegistry()
	reg.Register("ok", (&trace{}).single("ok", Continue))
	reg.Register("fails", func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(context.Context, *query.Query, string) (Output, error) {
			return Output{}, errors.New("database down")
		}), nil
	})
	reg.Register("panics", func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(context.Context, *query.Query, string) (Output, error) {
			panic("nil map")
		}), nil
	})
	reg.Register("stream-panics", func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(context.Context, *query.Query, string) (Output, error) {
			return Stream(func(yield func(*Result, error) bool) {
				panic("mid stream")
			}), nil
		}), nil
	})

	tests := []struct {
		stage     string
		wantStack bool
	}{
		{"fails", false},
		{"panics", true},
		{"stream-panics", true},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			sink := monitoring.NewMemorySink(0)
			p := build(t, reg, Services{Monitoring: sink}, "ok", tt.stage)

			err := p.Run(context.Background(), newTestQuery(nil))
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("expected StageError, got %v", err)
			}
			if se.Stage != tt.stage {
				t.Errorf("expected stage %s, got %s", tt.stage, se.Stage)
			}
			if (se.Stack != "") != tt.wantStack {
				t.Errorf("expected stack=%v, got %q", tt.wantStack, se.Stack)
			}

			errs := sink.Errors()
			if len(errs) != 1 || errs[0].Stage != tt.stage {
				t.Errorf("expected one monitoring error for %s, got %+v", tt.stage, errs)
			}
			msgs := sink.Messages()
			if len(msgs) != 1 || msgs[0].Status != monitoring.StatusError {
				t.Errorf("expected message marked as error, got %+v", msgs)
			}
		})
	}
}

func TestStreamErrorStopsRun(t *testing.T) {
	tr := &trace{}
	reg := NewStageRegistry()
	reg.Register("S", func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, _ string) (Output, error) {
			var seq iter.Seq2[*Result, error] = func(yield func(*Result, error) bool) {
				if !yield(ContinueWith(q), nil) {
					return
				}
				yield(nil, errors.New("stream broke"))
			}
			return Stream(seq), nil
		}), nil
	})
	reg.Register("T", tr.single("T", Continue))
	p := build(t, reg, Services{}, "S", "T")

	err := p.Run(context.Background(), newTestQuery(nil))
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "S" {
		t.Fatalf("expected StageError from S, got %v", err)
	}
	if len(tr.steps) != 1 {
		t.Errorf("expected the tail to run once before the failure, got %d", len(tr.steps))
	}
}

func TestNotices(t *testing.T) {
	reg := NewStageRegistry()
	reg.Register("notice", func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, _ string) (Output, error) {
			return Single(&Result{
				Type:          Interrupt,
				UserNotice:    models.NewTextChain("slow down"),
				ErrorNotice:   "rate limited",
				ConsoleNotice: "dropped",
			}), nil
		}), nil
	})

	sink := monitoring.NewMemorySink(0)
	def := config.PipelineDefinition{UUID: "pipe", Stages: []string{"notice"}}
	def.Config.Output.Misc.AtSender = true
	def.Config.Output.Misc.QuoteOrigin = true
	p, err := NewRuntimePipeline(def, reg, Services{Monitoring: sink})
	if err != nil {
		t.Fatalf("NewRuntimePipeline: %v", err)
	}

	adapter := testharness.NewFakeAdapter(false)
	q := newTestQuery(adapter)
	q.LauncherType = models.LauncherGroup
	q.LauncherID = "g1"

	if err := p.Run(context.Background(), q); err != nil {
		t.Fatalf("Run: %v", err)
	}
	replies := adapter.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected one notice reply, got %d", len(replies))
	}
	at, ok := replies[0].Chain[0].(models.At)
	if !ok || at.Target != "42" {
		t.Errorf("expected At(sender) prefix for group notice, got %v", replies[0].Chain)
	}
	if !replies[0].QuoteOrigin {
		t.Error("expected quote-origin forwarded")
	}
	if !q.BoolVar(query.VarMonitoringError) {
		t.Error("expected error notice to flag the query")
	}
	if msgs := sink.Messages(); msgs[0].Status != monitoring.StatusError {
		t.Errorf("expected message status error, got %s", msgs[0].Status)
	}
}

func TestStreamingNoticeUsesChunk(t *testing.T) {
	reg := NewStageRegistry()
	reg.Register("stream-then-notice", func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, _ string) (Output, error) {
			q.SetVar(query.VarStreaming, true)
			q.ReplaceLastResponse(&models.MessageChunk{Message: models.Message{Role: models.RoleAssistant, Content: "part"}, MsgSequence: 3, ResponseID: "r1"})
			return Single(&Result{Type: Interrupt, UserNotice: models.NewTextChain("failed")}), nil
		}), nil
	})
	p := build(t, reg, Services{}, "stream-then-notice")
	adapter := testharness.NewFakeAdapter(true)

	if err := p.Run(context.Background(), newTestQuery(adapter)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := adapter.Chunks()
	if len(chunks) != 1 || len(adapter.Replies()) != 0 {
		t.Fatalf("expected notice via chunk, got %d chunks %d replies", len(chunks), len(adapter.Replies()))
	}
	if chunks[0].Chunk.MsgSequence != 4 || chunks[0].Chunk.ResponseID != "r1" || !chunks[0].IsFinal {
		t.Errorf("unexpected notice chunk %+v", chunks[0].Chunk)
	}
	if got := chunks[0].Chunk.Content; !strings.HasPrefix(got, "part") || !strings.HasSuffix(got, "failed") {
		t.Errorf("expected notice appended to streamed content, got %q", got)
	}
	if got := chunks[0].Chain.Text(); !strings.HasPrefix(got, "part") {
		t.Errorf("expected rendered chain to keep streamed content, got %q", got)
	}
}

type preventingPlugin struct{}

func (preventingPlugin) Manifest() *pluginsdk.Manifest {
	return &pluginsdk.Manifest{Author: "test", Name: "guard"}
}

func (preventingPlugin) Setup(api pluginsdk.API) error {
	api.On(pluginsdk.PersonMessageReceived, func(ctx context.Context, ec *pluginsdk.EventContext) error {
		ec.ReplyMessageChain = models.NewTextChain("handled by plugin")
		ec.PreventDefault()
		return nil
	})
	return nil
}

func TestPluginPreventDefaultAbortsRun(t *testing.T) {
	host := plugins.NewHost(nil)
	if err := host.Register(preventingPlugin{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := host.Start(config.PluginsConfig{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tr := &trace{}
	reg := NewStageRegistry()
	reg.Register("A", tr.single("A", Continue))
	p := build(t, reg, Services{Plugins: host}, "A")
	adapter := testharness.NewFakeAdapter(false)

	if err := p.Run(context.Background(), newTestQuery(adapter)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.steps) != 0 {
		t.Errorf("expected no stage to run, got %v", tr.steps)
	}
	if r := adapter.Replies(); len(r) != 1 || r[0].Chain.Text() != "handled by plugin" {
		t.Errorf("expected plugin reply, got %+v", r)
	}
}

func TestRunStampsBindings(t *testing.T) {
	var seen *query.Query
	reg := NewStageRegistry()
	reg.Register("capture", func(*config.PipelineDefinition) (Stage, error) {
		return StageFunc(func(ctx context.Context, q *query.Query, _ string) (Output, error) {
			seen = q
			return Single(ContinueWith(q)), nil
		}), nil
	})
	def := config.PipelineDefinition{UUID: "pipe", Stages: []string{"capture"}, BoundPlugins: []string{}}
	p, err := NewRuntimePipeline(def, reg, Services{})
	if err != nil {
		t.Fatalf("NewRuntimePipeline: %v", err)
	}
	if err := p.Run(context.Background(), newTestQuery(nil)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := seen.StringsVar(query.VarBoundPlugins); got == nil || len(got) != 0 {
		t.Errorf("expected empty bound plugins, got %#v", got)
	}
	if seen.StringsVar(query.VarBoundMCPServers) != nil {
		t.Error("expected nil bound MCP servers")
	}
	if seen.PipelineConfig == nil || seen.PipelineConfig.AI.Runner.Runner != "local-agent" {
		t.Error("expected defaulted pipeline config on the query")
	}
	if seen.StringVar(query.VarMonitoringMessage) == "" {
		t.Error("expected a monitoring message id")
	}
}

func TestUnknownStageFailsBuild(t *testing.T) {
	_, err := NewRuntimePipeline(config.PipelineDefinition{UUID: "p", Stages: []string{"Nope"}}, NewStageRegistry(), Services{})
	if err == nil {
		t.Error("expected unknown stage error")
	}
}
