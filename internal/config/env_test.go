package config

import (
	"testing"
)

func TestApplyEnvOverrides(t *testing.T) {
	raw := map[string]any{
		"concurrency": map[string]any{"pipeline": 20, "session": 1},
		"logging":     map[string]any{"level": "info", "add_source": false},
		"tracing":     map[string]any{"sampling_rate": 1.0},
		"command":     map[string]any{"prefix": []any{"!"}},
		"monitoring":  map[string]any{"prune-schedule": "@daily"},
	}
	applied := ApplyEnvOverrides(raw, []string{
		"CONCURRENCY__PIPELINE=8",
		"Logging__Level=debug",
		"LOGGING__ADD_SOURCE=true",
		"TRACING__SAMPLING_RATE=0.25",
		"MONITORING__PRUNE_SCHEDULE=@hourly",
		"COMMAND__PREFIX=/",
		"CONCURRENCY__MISSING=3",
		"CONCURRENCY=1",
		"PATH=/usr/bin",
		"CONCURRENCY__SESSION=not-a-number",
	})

	concurrency := raw["concurrency"].(map[string]any)
	if concurrency["pipeline"] != 8 {
		t.Errorf("expected pipeline=8, got %v", concurrency["pipeline"])
	}
	if concurrency["session"] != 1 {
		t.Errorf("expected invalid value to be ignored, got %v", concurrency["session"])
	}
	if _, ok := concurrency["missing"]; ok {
		t.Error("overrides must not create keys")
	}
	logging := raw["logging"].(map[string]any)
	if logging["level"] != "debug" || logging["add_source"] != true {
		t.Errorf("unexpected logging %v", logging)
	}
	if raw["tracing"].(map[string]any)["sampling_rate"] != 0.25 {
		t.Errorf("unexpected sampling rate %v", raw["tracing"])
	}
	if raw["monitoring"].(map[string]any)["prune-schedule"] != "@hourly" {
		t.Errorf("expected hyphenated key to match underscores, got %v", raw["monitoring"])
	}
	if _, ok := raw["command"].(map[string]any)["prefix"].([]any); !ok {
		t.Error("list fields must not be overridden")
	}
	if len(applied) != 5 {
		t.Errorf("expected 5 applied overrides, got %v", applied)
	}
}
