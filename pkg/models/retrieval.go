package models

// RetrievalResultEntry is one hit returned by a knowledge base.
// Metadata carries at least "text", "file_id" and "uuid".
type RetrievalResultEntry struct {
	ID       string           `json:"id"`
	Content  []ContentElement `json:"content,omitempty"`
	Metadata map[string]any   `json:"metadata"`
	Distance float64          `json:"distance"`
}

// Text returns metadata["text"], falling back to the first text content element.
func (e RetrievalResultEntry) Text() string {
	if s, ok := e.Metadata["text"].(string); ok {
		return s
	}
	for _, c := range e.Content {
		if c.Type == ContentText {
			return c.Text
		}
	}
	return ""
}
