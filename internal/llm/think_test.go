package llm

import (
	"strings"
	"testing"
)

func TestNormalizeThink(t *testing.T) {
	tests := []struct {
		name      string
		reasoning string
		content   string
		remove    bool
		want      string
	}{
		{"plain", "", "hello", false, "hello"},
		{"reasoning field", "let me see", "hello", false, "<think>\nlet me see\n</think>\nhello"},
		{"reasoning removed", "let me see", "hello", true, "hello"},
		{"inline kept", "", "<think>hmm</think>hello", false, "<think>hmm</think>hello"},
		{"inline removed", "", "<think>hmm</think>\nhello", true, "hello"},
		{"unterminated removed", "", "ok<think>never ends", true, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeThink(tt.reasoning, tt.content, tt.remove); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestThinkStream(t *testing.T) {
	type delta struct{ reasoning, content string }
	tests := []struct {
		name   string
		remove bool
		deltas []delta
		want   string
	}{
		{
			name:   "reasoning deltas wrapped once",
			deltas: []delta{{"a", ""}, {"b", ""}, {"", "hi"}, {"", " there"}},
			want:   "<think>\nab\n</think>\nhi there",
		},
		{
			name:   "reasoning removed",
			remove: true,
			deltas: []delta{{"a", ""}, {"", "hi"}},
			want:   "hi",
		},
		{
			name:   "inline tags split across deltas",
			remove: true,
			deltas: []delta{{"", "x<th"}, {"", "ink>secret</thi"}, {"", "nk>y"}},
			want:   "xy",
		},
		{
			name:   "partial tag that is not a tag",
			remove: true,
			deltas: []delta{{"", "a <t"}, {"", "able>"}},
			want:   "a <table>",
		},
		{
			name:   "reasoning only",
			deltas: []delta{{"r", ""}},
			want:   "<think>\nr\n</think>\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := NewThinkStream(tt.remove)
			var b strings.Builder
			for _, d := range tt.deltas {
				b.WriteString(ts.Push(d.reasoning, d.content))
			}
			b.WriteString(ts.Flush())
			if got := b.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTokenManagerRoundRobin(t *testing.T) {
	tm := NewTokenManager([]string{"a", "", "b", "c"})
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, tm.Next())
	}
	if strings.Join(got, ",") != "a,b,c,a,b" {
		t.Errorf("expected a,b,c,a,b, got %v", got)
	}
	if NewTokenManager(nil).Next() != "" {
		t.Error("expected empty key for provider without keys")
	}
}
