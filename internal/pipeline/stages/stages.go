// Package stages implements the built-in pipeline stages. Register binds
// them, with their shared dependencies, into a stage registry.
package stages

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/ratelimit"
	"github.com/haasonsaas/switchboard/internal/runner"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Stage names as used in pipeline definitions.
const (
	GroupRespondRuleCheck        = "GroupRespondRuleCheck"
	BanSessionCheck              = "BanSessionCheck"
	PreContentFilter             = "PreContentFilter"
	PreProcessor                 = "PreProcessor"
	ConversationMessageTruncator = "ConversationMessageTruncator"
	RequireRateLimitOccupancy    = "RequireRateLimitOccupancy"
	MessageProcessor             = "MessageProcessor"
	ReleaseRateLimitOccupancy    = "ReleaseRateLimitOccupancy"
	PostContentFilter            = "PostContentFilter"
	ResponseWrapper              = "ResponseWrapper"
	LongTextProcess              = "LongTextProcess"
	SendResponseBack             = "SendResponseBack"
)

// ModelResolver resolves the pipeline's model to read its abilities.
type ModelResolver interface {
	GetLLMModel(modelUUID string) (*llm.RuntimeLLMModel, error)
}

// ToolLister lists the tools visible to a pipeline.
type ToolLister interface {
	ListTools(ctx context.Context, binding tools.Binding) ([]models.ToolDescriptor, error)
}

// Deps are shared by every stage instance.
type Deps struct {
	Sessions   *sessions.Registry
	Models     ModelResolver
	Tools      ToolLister
	Runners    *runner.Registry
	RunnerDeps runner.Deps
	Plugins    plugins.Connector
	Limiter    *ratelimit.FixedWindow
	Command    config.CommandConfig
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	// Random returns a number in [0,1). Defaults to math/rand.
	Random func() float64
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sessions == nil {
		d.Sessions = sessions.NewRegistry(sessions.RegistryConfig{Logger: d.Logger})
	}
	if d.Runners == nil {
		d.Runners = runner.DefaultRegistry()
	}
	if d.Plugins == nil {
		d.Plugins = plugins.NewResilient(plugins.Disconnected{}, d.Logger)
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewFixedWindow()
	}
	if len(d.Command.Prefix) == 0 {
		d.Command.Prefix = append([]string(nil), config.DefaultCommandPrefixes...)
	}
	if d.Random == nil {
		d.Random = rand.Float64
	}
	if d.Sleep == nil {
		d.Sleep = sleep
	}
	return d
}

// Register adds every built-in stage to reg.
func Register(reg *pipeline.StageRegistry, deps Deps) {
	deps = deps.withDefaults()
	logger := deps.Logger.With("component", "stages")

	reg.Register(GroupRespondRuleCheck, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return newRespondRuleCheck(def, deps.Random)
	})
	reg.Register(BanSessionCheck, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return &banSessionCheck{access: def.Config.Trigger.AccessControl}, nil
	})
	reg.Register(PreContentFilter, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return newContentFilter(def, true)
	})
	reg.Register(PreProcessor, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return &preProcessor{deps: deps, logger: logger}, nil
	})
	reg.Register(ConversationMessageTruncator, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return truncator{}, nil
	})
	reg.Register(RequireRateLimitOccupancy, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return &requireRateLimit{limiter: deps.Limiter, rule: rateRule(def.Config.Safety.RateLimit)}, nil
	})
	reg.Register(MessageProcessor, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return &messageProcessor{deps: deps, logger: logger}, nil
	})
	reg.Register(ReleaseRateLimitOccupancy, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return &releaseRateLimit{limiter: deps.Limiter}, nil
	})
	reg.Register(PostContentFilter, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return newContentFilter(def, false)
	})
	reg.Register(ResponseWrapper, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return &responseWrapper{plugins: deps.Plugins, logger: logger}, nil
	})
	reg.Register(LongTextProcess, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return newLongText(def.Config.Output.LongText, logger)
	})
	reg.Register(SendResponseBack, func(def *config.PipelineDefinition) (pipeline.Stage, error) {
		return &sendResponseBack{sleep: deps.Sleep, random: deps.Random, metrics: deps.Metrics}, nil
	})
}

// NewRegistry returns a stage registry holding the built-in stages.
func NewRegistry(deps Deps) *pipeline.StageRegistry {
	reg := pipeline.NewStageRegistry()
	Register(reg, deps)
	return reg
}

func pipelineConfig(q *query.Query) *config.PipelineConfig {
	if q.PipelineConfig != nil {
		return q.PipelineConfig
	}
	return &config.PipelineConfig{}
}

func binding(q *query.Query) tools.Binding {
	return tools.Binding{
		Plugins:    q.StringsVar(query.VarBoundPlugins),
		MCPServers: q.StringsVar(query.VarBoundMCPServers),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func single(r *pipeline.Result) (pipeline.Output, error) {
	return pipeline.Single(r), nil
}
