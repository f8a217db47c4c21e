package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	logger.Info("calling provider with api_key=abcdefghijklmnopqrstuvwxyz",
		"token", "super-secret-value",
		"error", errors.New("bearer abcdefghijklmnopqrstuvwxyz0123"),
		"model", "gpt-4o",
	)

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") || strings.Contains(out, "super-secret-value") {
		t.Fatalf("expected secrets to be redacted, got %s", out)
	}
	if !strings.Contains(out, "gpt-4o") {
		t.Errorf("expected non-sensitive fields to survive, got %s", out)
	}
}

func TestNewLoggerAddsQueryFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithQuery(context.Background(), QueryFields{
		QueryID:      7,
		SessionID:    "bot:person:42",
		PipelineUUID: "p1",
	})
	logger.InfoContext(ctx, "stage finished", "stage", "PreProcessor")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if record["query_id"] != float64(7) {
		t.Errorf("expected query_id=7, got %v", record["query_id"])
	}
	if record["session_id"] != "bot:person:42" || record["pipeline_uuid"] != "p1" {
		t.Errorf("unexpected record %v", record)
	}
	if _, ok := record["bot_uuid"]; ok {
		t.Error("empty fields should be omitted")
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
