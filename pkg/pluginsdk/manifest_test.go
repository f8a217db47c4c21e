package pluginsdk

import (
	"context"
	"encoding/json"
	"testing"
)

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name     string
		manifest *Manifest
		wantErr  bool
	}{
		{"valid", &Manifest{Author: "acme", Name: "weather"}, false},
		{"nil", nil, true},
		{"missing author", &Manifest{Name: "weather"}, true},
		{"missing name", &Manifest{Author: "acme"}, true},
		{"slash in name", &Manifest{Author: "acme", Name: "a/b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestManifestIDAndPriority(t *testing.T) {
	m := &Manifest{Author: "acme", Name: "weather"}
	if m.ID() != "acme/weather" {
		t.Errorf("expected acme/weather, got %s", m.ID())
	}
	if m.EffectivePriority() != DefaultPriority {
		t.Errorf("expected default priority, got %d", m.EffectivePriority())
	}
}

func TestManifestValidateConfig(t *testing.T) {
	m := &Manifest{
		Author: "acme",
		Name:   "weather",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"units": {"type": "string", "enum": ["metric", "imperial"]}},
			"required": ["units"]
		}`),
	}
	if err := m.ValidateConfig(map[string]any{"units": "metric"}); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	if err := m.ValidateConfig(map[string]any{"units": "kelvin"}); err == nil {
		t.Error("expected enum violation")
	}
	if err := m.ValidateConfig(map[string]any{}); err == nil {
		t.Error("expected missing required field")
	}

	noSchema := &Manifest{Author: "acme", Name: "x"}
	if err := noSchema.ValidateConfig(map[string]any{"anything": 1}); err != nil {
		t.Errorf("expected no validation without schema, got %v", err)
	}
}

type weatherArgs struct {
	City  string `json:"city" jsonschema:"required,description=City name"`
	Units string `json:"units,omitempty"`
}

func TestNewToolReflectsSchema(t *testing.T) {
	tool, err := NewTool("get_weather", "Current weather", func(ctx context.Context, call ToolCall, args weatherArgs) (any, error) {
		return map[string]any{"city": args.City, "temp": 17}, nil
	})
	if err != nil {
		t.Fatalf("NewTool: %v", err)
	}
	if tool.Parameters["type"] != "object" {
		t.Errorf("expected object schema, got %v", tool.Parameters["type"])
	}
	props, ok := tool.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties, got %T", tool.Parameters["properties"])
	}
	if _, ok := props["city"]; !ok {
		t.Error("expected city property")
	}
	if _, ok := tool.Parameters["$schema"]; ok {
		t.Error("expected $schema to be stripped")
	}

	out, err := tool.Handler(context.Background(), ToolCall{Params: map[string]any{"city": "Paris"}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out.(map[string]any)["city"] != "Paris" {
		t.Errorf("expected decoded args, got %v", out)
	}
}

func TestEventContextFlags(t *testing.T) {
	ec := NewEventContext(&Event{Name: PersonMessageReceived})
	if ec.IsPreventedDefault() || ec.IsPreventedPostorder() {
		t.Fatal("expected fresh context to allow defaults")
	}
	ec.PreventDefault()
	ec.PreventPostorder()
	if !ec.IsPreventedDefault() || !ec.IsPreventedPostorder() {
		t.Error("expected flags to be set")
	}
}
