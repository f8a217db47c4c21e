// Package llm resolves configured models to providers and invokes them
// through protocol-specific requesters, metering every call.
package llm

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Usage is token accounting reported by a provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request is one chat completion call.
type Request struct {
	// Model is the provider-side model name.
	Model       string
	APIKey      string
	Messages    []*models.Message
	Funcs       []models.ToolDescriptor
	ExtraArgs   map[string]any
	RemoveThink bool
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Message *models.Message
	Usage   *Usage
}

// StreamEvent is one element of a streaming call. Chunk content is a delta
// and tool call fragments carry their call id so that arguments can be
// concatenated. Usage, when the protocol reports it, arrives on its own
// event or on the last chunk.
type StreamEvent struct {
	Chunk *models.MessageChunk
	Usage *Usage
}

// EmbeddingRequest is one embedding call.
type EmbeddingRequest struct {
	Model     string
	APIKey    string
	Texts     []string
	ExtraArgs map[string]any
}

// Embeddings is the result of an embedding call.
type Embeddings struct {
	Vectors [][]float32
	Usage   *Usage
}

// Requester speaks one provider wire protocol. Implementations convert
// failures to *RequesterError and normalise think content.
type Requester interface {
	Name() string
	Invoke(ctx context.Context, req *Request) (*Completion, error)
	InvokeStream(ctx context.Context, req *Request) iter.Seq2[*StreamEvent, error]
	Embed(ctx context.Context, req *EmbeddingRequest) (*Embeddings, error)
}

// RequesterFactory builds a requester for a provider.
type RequesterFactory func(provider config.ProviderConfig) (Requester, error)

// RequesterRegistry maps requester names to factories.
type RequesterRegistry struct {
	mu        sync.RWMutex
	factories map[string]RequesterFactory
}

// NewRequesterRegistry creates an empty registry.
func NewRequesterRegistry() *RequesterRegistry {
	return &RequesterRegistry{factories: make(map[string]RequesterFactory)}
}

// Register adds a factory.
func (r *RequesterRegistry) Register(name string, f RequesterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the named requester.
func (r *RequesterRegistry) New(name string, provider config.ProviderConfig) (Requester, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown requester %q", name)
	}
	return f(provider)
}

// Names lists registered requesters.
func (r *RequesterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
