package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageChainText(t *testing.T) {
	chain := MessageChain{
		At{Target: "bot"},
		Plain{Text: "hello "},
		Image{URL: "https://example.com/a.png"},
		Plain{Text: "world"},
	}

	if got := chain.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
	if got := chain.String(); got != "@bothello [Image]world" {
		t.Errorf("String() = %q", got)
	}
	if !chain.Has(ComponentImage) {
		t.Error("expected chain to contain an image")
	}
	if chain.Has(ComponentVoice) {
		t.Error("did not expect a voice component")
	}
}

func TestMessageChainJSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	chain := MessageChain{
		Source{ID: "m-1", Time: ts},
		Quote{ID: "m-0", Origin: NewTextChain("earlier")},
		Plain{Text: "hi"},
		AtAll{},
	}

	data, err := json.Marshal(chain)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded MessageChain
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 4 {
		t.Fatalf("expected 4 components, got %d", len(decoded))
	}
	src, ok := decoded.Source()
	if !ok || src.ID != "m-1" || !src.Time.Equal(ts) {
		t.Errorf("unexpected source %+v", src)
	}
	quote, ok := decoded[1].(Quote)
	if !ok || quote.Origin.Text() != "earlier" {
		t.Errorf("unexpected quote %#v", decoded[1])
	}
	if decoded[2] != (Plain{Text: "hi"}) {
		t.Errorf("unexpected plain %#v", decoded[2])
	}
}

func TestMessageChainUnknownComponent(t *testing.T) {
	var chain MessageChain
	err := json.Unmarshal([]byte(`[{"type":"Sticker"}]`), &chain)
	if err == nil {
		t.Fatal("expected error for unknown component type")
	}
}

func TestMessageEventLauncher(t *testing.T) {
	tests := []struct {
		name     string
		event    MessageEvent
		wantType LauncherType
		wantID   string
	}{
		{
			name:     "friend",
			event:    MessageEvent{Kind: EventFriendMessage, Sender: Sender{ID: "42"}},
			wantType: LauncherPerson,
			wantID:   "42",
		},
		{
			name:     "group",
			event:    MessageEvent{Kind: EventGroupMessage, Sender: Sender{ID: "42"}, Group: &Group{ID: "g1"}},
			wantType: LauncherGroup,
			wantID:   "g1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.LauncherType(); got != tt.wantType {
				t.Errorf("LauncherType() = %q, want %q", got, tt.wantType)
			}
			if got := tt.event.LauncherID(); got != tt.wantID {
				t.Errorf("LauncherID() = %q, want %q", got, tt.wantID)
			}
		})
	}
}
