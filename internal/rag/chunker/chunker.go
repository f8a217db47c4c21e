// Package chunker splits plain text into overlapping pieces sized for
// embedding.
package chunker

import "strings"

// Config controls chunk sizes, measured in bytes.
type Config struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	// MinChunkSize folds fragments shorter than this into the previous chunk.
	MinChunkSize int `yaml:"min_chunk_size"`
}

// DefaultConfig returns 1000 byte chunks with 200 bytes of overlap.
func DefaultConfig() Config {
	return Config{ChunkSize: 1000, ChunkOverlap: 200, MinChunkSize: 20}
}

// Separators are tried in order, from paragraphs down to single runes.
var Separators = []string{"\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " ", ""}

// MarkdownSeparators prefer heading boundaries.
var MarkdownSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", ". ", " ", ""}

// Splitter is a recursive character splitter.
type Splitter struct {
	cfg        Config
	separators []string
}

// New normalises cfg and returns a splitter using Separators.
func New(cfg Config) *Splitter {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.MinChunkSize < 0 {
		cfg.MinChunkSize = 0
	}
	return &Splitter{cfg: cfg, separators: Separators}
}

// NewMarkdown returns a splitter that cuts on headings first.
func NewMarkdown(cfg Config) *Splitter {
	s := New(cfg)
	s.separators = MarkdownSeparators
	return s
}

// Config returns the normalised configuration.
func (s *Splitter) Config() Config { return s.cfg }

// Split cuts text into chunks. Every chunk except possibly the first starts
// with up to ChunkOverlap bytes copied from the end of its predecessor,
// followed by a space.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pieces := s.split(text, s.separators)
	if len(pieces) <= 1 || s.cfg.ChunkOverlap == 0 {
		return pieces
	}
	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		out[i] = tail(pieces[i-1], s.cfg.ChunkOverlap) + " " + pieces[i]
	}
	return out
}

func (s *Splitter) split(text string, separators []string) []string {
	sep := ""
	for _, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			break
		}
	}

	var parts []string
	if sep == "" {
		for _, r := range text {
			parts = append(parts, string(r))
		}
	} else {
		// The separator opens the following part so headings stay with
		// their section.
		parts = strings.Split(text, sep)
		for i := 1; i < len(parts); i++ {
			parts[i] = sep + parts[i]
		}
	}

	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if chunk != "" && len(chunk) >= s.cfg.MinChunkSize {
			out = append(out, chunk)
		} else if chunk != "" && len(out) > 0 {
			out[len(out)-1] += " " + chunk
		} else if chunk != "" {
			out = append(out, chunk)
		}
	}

	for _, part := range parts {
		if current.Len() > 0 && current.Len()+len(part) > s.cfg.ChunkSize {
			flush()
		}
		if len(part) > s.cfg.ChunkSize && len(separators) > 1 {
			if current.Len() > 0 {
				flush()
			}
			out = append(out, s.split(part, separators[1:])...)
			continue
		}
		current.WriteString(part)
	}
	if current.Len() > 0 {
		flush()
	}
	return out
}

// tail returns at most n bytes from the end of s without cutting a rune.
func tail(s string, n int) string {
	if n >= len(s) {
		return s
	}
	start := len(s) - n
	for start < len(s) && !isRuneStart(s[start]) {
		start++
	}
	return s[start:]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
