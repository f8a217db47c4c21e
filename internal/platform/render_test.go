package platform

import (
	"errors"
	"testing"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name       string
		chain      models.MessageChain
		wantText   string
		wantImages int
	}{
		{
			name:     "plain and mention",
			chain:    models.MessageChain{models.At{Target: "42", Display: "alice"}, models.Plain{Text: " hello"}},
			wantText: "@alice hello",
		},
		{
			name:       "images are split out",
			chain:      models.MessageChain{models.Plain{Text: "look"}, models.Image{URL: "https://x/y.png"}},
			wantText:   "look",
			wantImages: 1,
		},
		{
			name: "forward nodes are inlined",
			chain: models.MessageChain{models.Forward{Nodes: []models.ForwardNode{
				{Chain: models.NewTextChain("one")},
				{Chain: models.NewTextChain("two")},
			}}},
			wantText: "one\ntwo",
		},
		{
			name:     "file",
			chain:    models.MessageChain{models.File{Name: "a.pdf"}},
			wantText: "[File a.pdf]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.chain)
			if got.Text != tt.wantText {
				t.Errorf("expected text %q, got %q", tt.wantText, got.Text)
			}
			if len(got.Images) != tt.wantImages {
				t.Errorf("expected %d images, got %d", tt.wantImages, len(got.Images))
			}
		})
	}
}

func TestStreamChunk(t *testing.T) {
	var calls []string
	fn := EditFuncs{
		Send: func(text string) (string, error) {
			calls = append(calls, "send:"+text)
			return "m1", nil
		},
		Edit: func(id, text string) error {
			calls = append(calls, "edit:"+id+":"+text)
			return nil
		},
	}
	tr := NewStreamTracker()
	steps := []struct {
		text  string
		final bool
	}{
		{"", false},
		{"He", false},
		{"He", false},
		{"Hello", false},
		{"Hello!", true},
	}
	for _, s := range steps {
		if err := tr.StreamChunk("r1", s.text, s.final, fn); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	want := []string{"send:He", "edit:m1:Hello", "edit:m1:Hello!"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
	if tr.Len() != 0 {
		t.Errorf("expected stream to be closed, %d open", tr.Len())
	}
}

func TestStreamChunkSendError(t *testing.T) {
	tr := NewStreamTracker()
	err := tr.StreamChunk("r1", "hi", false, EditFuncs{
		Send: func(string) (string, error) { return "", errors.New("down") },
	})
	if err == nil {
		t.Fatal("expected send error")
	}
	if _, ok := tr.Get("r1"); ok {
		t.Error("expected no state after failed send")
	}
}
