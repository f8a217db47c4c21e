package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "config.yaml", contents)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
pipelines:
  - uuid: p1
    name: default
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency.Pipeline != 20 || cfg.Concurrency.Session != 1 {
		t.Errorf("unexpected concurrency defaults %+v", cfg.Concurrency)
	}
	if len(cfg.Command.Prefix) != 2 {
		t.Errorf("expected default command prefixes, got %v", cfg.Command.Prefix)
	}
	p := cfg.Pipelines[0]
	if p.Config.AI.Runner.Runner != "local-agent" {
		t.Errorf("expected local-agent runner, got %q", p.Config.AI.Runner.Runner)
	}
	if got := len(p.StageNames()); got != len(DefaultStages) {
		t.Errorf("expected canonical stage order, got %d stages", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
concurrency:
  pipeline: 4
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidatesModelProvider(t *testing.T) {
	path := writeConfig(t, `
providers:
  - uuid: openai
    requester: openai-chat-completions
models:
  - uuid: m1
    name: gpt-4o
    provider: missing
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "models[0].provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
concurrency:
  pipeline: 3
  session: 2
`)
	path := writeFile(t, dir, "config.yaml", `
$include: base.yaml
concurrency:
  pipeline: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency.Pipeline != 7 {
		t.Errorf("expected local value to win, got %d", cfg.Concurrency.Pipeline)
	}
	if cfg.Concurrency.Session != 2 {
		t.Errorf("expected included value to survive, got %d", cfg.Concurrency.Session)
	}
}

func TestLoadExpandsBracedEnvOnly(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_REDIS", "redis://cache:6379/0")
	dir := t.TempDir()
	writeFile(t, dir, "store.yaml", `
session_store:
  backend: redis
  url: ${SWITCHBOARD_TEST_REDIS}
`)
	path := writeFile(t, dir, "config.yaml", "$include: store.yaml\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionStore.URL != "redis://cache:6379/0" {
		t.Errorf("expected ${VAR} to expand, got %q", cfg.SessionStore.URL)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil {
		t.Fatal("expected include cycle error")
	}
	if !strings.Contains(err.Error(), "include cycle") {
		t.Errorf("expected include cycle error, got %v", err)
	}
}

func TestLoadPipelinesDir(t *testing.T) {
	dir := t.TempDir()
	pdir := filepath.Join(dir, "pipelines")
	if err := os.Mkdir(pdir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, pdir, "b.yaml", `
uuid: second
bound_plugins: []
`)
	writeFile(t, pdir, "a.json5", `{uuid: "first", config: {trigger: {"message-aggregation": {enabled: true, delay: 0.2}}}}`)
	writeFile(t, pdir, "notes.txt", "ignored")
	path := writeFile(t, dir, "config.yaml", "pipelines_dir: pipelines\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Pipelines) != 2 {
		t.Fatalf("expected 2 pipelines, got %d", len(cfg.Pipelines))
	}
	first, second := cfg.Pipelines[0], cfg.Pipelines[1]
	if first.UUID != "first" || second.UUID != "second" {
		t.Fatalf("unexpected order %q, %q", first.UUID, second.UUID)
	}
	if first.BoundPlugins != nil {
		t.Errorf("expected nil bound plugins when unset, got %v", first.BoundPlugins)
	}
	if second.BoundPlugins == nil || len(second.BoundPlugins) != 0 {
		t.Errorf("expected empty non-nil bound plugins, got %#v", second.BoundPlugins)
	}
	if got := first.Config.Trigger.MessageAggregation.EffectiveDelay(); got != MinAggregationDelay {
		t.Errorf("expected clamped delay, got %v", got)
	}
	if n := len(cfg.InlinePipelines()); n != 0 {
		t.Errorf("expected no inline pipelines, got %d", n)
	}
}

func TestAggregationDelayClamp(t *testing.T) {
	seconds := func(v float64) *float64 { return &v }
	tests := []struct {
		name  string
		delay *float64
		want  float64
	}{
		{"unset", nil, 1.5},
		{"explicit zero", seconds(0), 1.0},
		{"below minimum", seconds(0.5), 1.0},
		{"minimum", seconds(1.0), 1.0},
		{"in range", seconds(3.2), 3.2},
		{"maximum", seconds(10), 10},
		{"above maximum", seconds(42), 10},
	}
	for _, tt := range tests {
		got := MessageAggregation{Delay: tt.delay}.EffectiveDelay()
		if got != tt.want {
			t.Errorf("%s: EffectiveDelay() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLoadExplicitZeroDelayClamps(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
pipelines:
  - uuid: p
    config:
      trigger:
        message-aggregation:
          enabled: true
          delay: 0
      ai:
        runner:
          runner: echo-runner
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	agg := cfg.Pipelines[0].Config.Trigger.MessageAggregation
	if agg.Delay == nil {
		t.Fatal("expected explicit delay to be kept")
	}
	if got := agg.EffectiveDelay(); got != MinAggregationDelay {
		t.Errorf("expected delay 0 to clamp to %v, got %v", MinAggregationDelay, got)
	}
}

func TestKnowledgeBaseIDs(t *testing.T) {
	tests := []struct {
		name string
		cfg  LocalAgentConfig
		want []string
	}{
		{"none", LocalAgentConfig{}, nil},
		{"legacy none marker", LocalAgentConfig{KnowledgeBase: "__none__"}, nil},
		{"legacy scalar", LocalAgentConfig{KnowledgeBase: "kb1"}, []string{"kb1"}},
		{"list wins", LocalAgentConfig{KnowledgeBases: []string{"kb2", "kb3"}, KnowledgeBase: "kb1"}, []string{"kb2", "kb3"}},
		{"empty list falls back", LocalAgentConfig{KnowledgeBases: []string{}, KnowledgeBase: "__none__"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.KnowledgeBaseIDs()
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("KnowledgeBaseIDs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPipelineConfigValidate(t *testing.T) {
	cfg := PipelineConfig{}
	cfg.Trigger.IgnoreRules.Regexp = []string{"("}
	cfg.Output.LongText.Strategy = "scroll"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"invalid regexp", "long-text-processing"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}
