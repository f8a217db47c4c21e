package llm

import (
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// NormalizeThink folds reasoning into a single <think> block prefixing
// content. With remove set, the block and any inline <think> sections are
// dropped instead.
func NormalizeThink(reasoning, content string, remove bool) string {
	if remove {
		return strings.TrimLeft(StripThink(content), "\n")
	}
	if reasoning == "" {
		return content
	}
	return thinkOpen + "\n" + reasoning + "\n" + thinkClose + "\n" + content
}

// StripThink removes every <think>...</think> section. An unterminated
// section removes the rest of the text.
func StripThink(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, thinkOpen)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		rest := s[i+len(thinkOpen):]
		j := strings.Index(rest, thinkClose)
		if j < 0 {
			return b.String()
		}
		s = rest[j+len(thinkClose):]
	}
}

// ThinkStream applies NormalizeThink to a stream of deltas. Reasoning
// deltas open a <think> block that closes when regular content arrives.
// Inline tags split across deltas are handled.
type ThinkStream struct {
	remove bool

	inReasoning bool
	inInline    bool
	pending     string
}

// NewThinkStream creates a stream normaliser.
func NewThinkStream(remove bool) *ThinkStream {
	return &ThinkStream{remove: remove}
}

// Push consumes one delta and returns the content to emit.
func (t *ThinkStream) Push(reasoning, content string) string {
	var b strings.Builder
	if reasoning != "" {
		if !t.remove {
			if !t.inReasoning {
				b.WriteString(thinkOpen + "\n")
			}
			b.WriteString(reasoning)
		}
		t.inReasoning = true
	}
	if content == "" {
		return b.String()
	}
	if t.inReasoning {
		if !t.remove {
			b.WriteString("\n" + thinkClose + "\n")
		}
		t.inReasoning = false
	}
	if !t.remove {
		b.WriteString(content)
		return b.String()
	}
	b.WriteString(t.filterInline(content))
	return b.String()
}

// Flush returns anything held back at the end of the stream.
func (t *ThinkStream) Flush() string {
	var out string
	if t.inReasoning && !t.remove {
		out = "\n" + thinkClose + "\n"
	}
	t.inReasoning = false
	if !t.inInline {
		out += t.pending
	}
	t.pending = ""
	return out
}

// filterInline drops inline <think> sections, holding back a suffix that
// could be the start of a tag.
func (t *ThinkStream) filterInline(content string) string {
	s := t.pending + content
	t.pending = ""
	var b strings.Builder
	for s != "" {
		tag := thinkOpen
		if t.inInline {
			tag = thinkClose
		}
		i := strings.Index(s, tag)
		if i >= 0 {
			if !t.inInline {
				b.WriteString(s[:i])
			}
			s = s[i+len(tag):]
			t.inInline = !t.inInline
			continue
		}
		keep := partialSuffix(s, tag)
		if !t.inInline {
			b.WriteString(s[:len(s)-keep])
		}
		t.pending = s[len(s)-keep:]
		break
	}
	return b.String()
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
