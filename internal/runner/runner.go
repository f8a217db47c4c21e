// Package runner holds the processors that turn a prepared query into
// assistant responses. Runners are selected per pipeline by name through
// ai.runner.runner.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/rag"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Runner produces the responses for one query. Streaming runners yield
// *models.MessageChunk values with cumulative content; the others yield
// *models.Message values.
type Runner interface {
	Run(ctx context.Context, q *query.Query) iter.Seq2[models.Response, error]
}

// ModelInvoker is the part of the model broker runners use.
type ModelInvoker interface {
	GetLLMModel(modelUUID string) (*llm.RuntimeLLMModel, error)
	InvokeLLM(ctx context.Context, q *query.Query, model *llm.RuntimeLLMModel, messages []*models.Message, funcs []models.ToolDescriptor, extraArgs map[string]any, removeThink bool) (*models.Message, error)
	InvokeLLMStream(ctx context.Context, q *query.Query, model *llm.RuntimeLLMModel, messages []*models.Message, funcs []models.ToolDescriptor, extraArgs map[string]any, removeThink bool) iter.Seq2[*models.MessageChunk, error]
}

// ToolExecutor runs model-requested tool calls.
type ToolExecutor interface {
	ExecuteFuncCall(ctx context.Context, name string, params map[string]any, inv tools.Invocation) (any, error)
}

// Retriever fetches knowledge base entries for RAG splicing.
type Retriever interface {
	Retrieve(ctx context.Context, kbUUIDs []string, query string, opts rag.RetrieveOptions) []models.RetrievalResultEntry
}

// Deps are the collaborators handed to runner factories. Any of them may be
// nil; runners that need a missing one fail when they run.
type Deps struct {
	Models    ModelInvoker
	Tools     ToolExecutor
	Knowledge Retriever
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Factory builds a runner.
type Factory func(deps Deps) (Runner, error)

// ErrRunnerNotFound is returned for an unregistered runner name.
var ErrRunnerNotFound = errors.New("runner not found")

// Registry maps runner names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in runners.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(LocalAgentName, func(deps Deps) (Runner, error) { return NewLocalAgent(deps), nil })
	r.Register(EchoName, func(Deps) (Runner, error) { return Echo{}, nil })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the named runner.
func (r *Registry) New(name string, deps Deps) (Runner, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunnerNotFound, name)
	}
	return f(deps)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
