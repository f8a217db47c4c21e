// Package pipeline runs the ordered stage chain of a pipeline on each query.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ResultType is the directive a stage returns.
type ResultType int

const (
	// Continue passes the (possibly replaced) query to the next stage.
	Continue ResultType = iota
	// Interrupt stops the current branch of the chain.
	Interrupt
)

func (t ResultType) String() string {
	if t == Interrupt {
		return "interrupt"
	}
	return "continue"
}

// Result is what a stage produces for one step.
type Result struct {
	Type ResultType
	// NewQuery replaces the query for the following stages when set.
	NewQuery *query.Query

	// UserNotice is replied to the user.
	UserNotice models.MessageChain
	// ConsoleNotice is logged at info level.
	ConsoleNotice string
	// DebugNotice is logged at debug level.
	DebugNotice string
	// ErrorNotice marks the query as failed in monitoring.
	ErrorNotice string
}

// ContinueWith returns a Continue result carrying q.
func ContinueWith(q *query.Query) *Result {
	return &Result{Type: Continue, NewQuery: q}
}

// InterruptWith returns an Interrupt result.
func InterruptWith(q *query.Query) *Result {
	return &Result{Type: Interrupt, NewQuery: q}
}

// Output is either a single result or a stream of results.
type Output struct {
	single *Result
	stream iter.Seq2[*Result, error]
}

// Single wraps one result.
func Single(r *Result) Output {
	return Output{single: r}
}

// Stream wraps a sequence. For every Continue it yields, the remaining
// stages run before the next element is pulled.
func Stream(seq iter.Seq2[*Result, error]) Output {
	return Output{stream: seq}
}

// IsStream reports whether the output is a sequence.
func (o Output) IsStream() bool { return o.stream != nil }

// Result returns the single result.
func (o Output) Result() *Result { return o.single }

// Seq returns the stream.
func (o Output) Seq() iter.Seq2[*Result, error] { return o.stream }

// Stage is one step of a pipeline.
type Stage interface {
	Process(ctx context.Context, q *query.Query, stageName string) (Output, error)
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, q *query.Query, stageName string) (Output, error)

func (f StageFunc) Process(ctx context.Context, q *query.Query, stageName string) (Output, error) {
	return f(ctx, q, stageName)
}

// Factory builds a stage instance for a pipeline definition.
type Factory func(def *config.PipelineDefinition) (Stage, error)

// StageRegistry maps stage names to factories.
type StageRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStageRegistry creates an empty registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{factories: make(map[string]Factory)}
}

// Register adds or replaces a stage factory.
func (r *StageRegistry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build instantiates the named stage.
func (r *StageRegistry) Build(name string, def *config.PipelineDefinition) (Stage, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	return factory(def)
}

// Names lists registered stages.
func (r *StageRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
