package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/monitoring"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

// Services are the collaborators of the runtime itself. Stage-specific
// dependencies are bound into stage factories instead.
type Services struct {
	Plugins    plugins.Connector
	Monitoring monitoring.Sink
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

func (s Services) withDefaults() Services {
	if s.Plugins == nil {
		s.Plugins = plugins.NewResilient(plugins.Disconnected{}, s.Logger)
	}
	if s.Monitoring == nil {
		s.Monitoring = monitoring.Nop{}
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// StageContainer pairs a stage with its configured name.
type StageContainer struct {
	Name  string
	Stage Stage
}

// RuntimePipeline is a loaded pipeline. It is immutable; reloads build a
// new instance and queries already running keep the old one.
type RuntimePipeline struct {
	def      config.PipelineDefinition
	stages   []StageContainer
	services Services
	logger   *slog.Logger
}

// NewRuntimePipeline builds every stage of def.
func NewRuntimePipeline(def config.PipelineDefinition, registry *StageRegistry, services Services) (*RuntimePipeline, error) {
	def.Config.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", def.UUID, err)
	}
	services = services.withDefaults()
	p := &RuntimePipeline{
		def:      def,
		services: services,
		logger:   services.Logger.With("component", "pipeline", "pipeline_uuid", def.UUID),
	}
	for _, name := range def.StageNames() {
		stage, err := registry.Build(name, &p.def)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", def.UUID, err)
		}
		p.stages = append(p.stages, StageContainer{Name: name, Stage: stage})
	}
	return p, nil
}

// UUID returns the pipeline id.
func (p *RuntimePipeline) UUID() string { return p.def.UUID }

// Name returns the pipeline name.
func (p *RuntimePipeline) Name() string { return p.def.Name }

// Definition returns a copy of the definition the pipeline was built from.
func (p *RuntimePipeline) Definition() config.PipelineDefinition { return p.def }

// StageNames lists the stages in execution order.
func (p *RuntimePipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes the pipeline on q. A returned error is a *StageError; the
// failure has already been logged and recorded.
func (p *RuntimePipeline) Run(ctx context.Context, q *query.Query) (err error) {
	p.prepare(q)
	ctx = observability.WithQuery(ctx, observability.QueryFields{
		QueryID:      q.ID,
		SessionID:    q.SessionID(),
		BotUUID:      q.BotUUID,
		PipelineUUID: p.def.UUID,
	})
	ctx, span := p.services.Tracer.TracePipelineRun(ctx, p.def.UUID, q.ID)
	defer span.End()
	finish := p.services.Metrics.PipelineStarted(p.def.UUID)

	messageID := q.StringVar(query.VarMonitoringMessage)
	p.record(ctx, "record message", p.services.Monitoring.RecordMessage(ctx, &monitoring.MessageRecord{
		ID:           messageID,
		QueryID:      q.ID,
		BotUUID:      q.BotUUID,
		BotName:      q.StringVar(query.VarMonitoringBot),
		PipelineUUID: p.def.UUID,
		PipelineName: p.def.Name,
		SessionID:    q.SessionID(),
		SenderID:     q.SenderID,
		Text:         q.Chain.Text(),
		Status:       monitoring.StatusReceived,
		CreatedAt:    q.CreatedAt,
	}))
	p.record(ctx, "record session", p.services.Monitoring.RecordSessionActivity(ctx, &monitoring.SessionActivity{
		SessionID:    q.SessionID(),
		BotUUID:      q.BotUUID,
		PipelineUUID: p.def.UUID,
		LastActive:   time.Now(),
	}))

	defer func() {
		status, errMsg := monitoring.StatusSuccess, ""
		if err != nil {
			status, errMsg = monitoring.StatusError, err.Error()
			observability.RecordError(span, err)
		} else if q.BoolVar(query.VarMonitoringError) {
			status = monitoring.StatusError
		}
		p.record(ctx, "update message", p.services.Monitoring.UpdateMessageStatus(ctx, messageID, status, errMsg))
		finish(string(status))
	}()

	if p.preventedByPlugins(ctx, q) {
		return nil
	}

	err = p.processFromStage(ctx, q, 0)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			se = &StageError{Cause: err}
			err = se
		}
		p.logger.ErrorContext(ctx, "stage failed",
			"stage", se.Stage,
			"error", se.Cause,
			"stack", se.Stack)
		p.record(ctx, "record error", p.services.Monitoring.RecordError(ctx, &monitoring.ErrorRecord{
			MessageID:    messageID,
			QueryID:      q.ID,
			PipelineUUID: p.def.UUID,
			Stage:        se.Stage,
			Message:      se.Cause.Error(),
			Stack:        se.Stack,
		}))
	}
	return err
}

// prepare stamps the pipeline's configuration and bindings on q.
func (p *RuntimePipeline) prepare(q *query.Query) {
	q.PipelineConfig = &p.def.Config
	q.SetVar(query.VarBoundPlugins, p.def.BoundPlugins)
	q.SetVar(query.VarBoundMCPServers, p.def.BoundMCPServers)
	if q.StringVar(query.VarMonitoringMessage) == "" {
		q.SetVar(query.VarMonitoringMessage, uuid.NewString())
	}
	q.SetVar(query.VarMonitoringPipe, p.def.Name)
}

func (p *RuntimePipeline) preventedByPlugins(ctx context.Context, q *query.Query) bool {
	name := pluginsdk.PersonMessageReceived
	if q.IsGroup() {
		name = pluginsdk.GroupMessageReceived
	}
	ec, err := p.services.Plugins.EmitEvent(ctx, &pluginsdk.Event{
		Name:         name,
		QueryID:      q.ID,
		BotUUID:      q.BotUUID,
		LauncherType: q.LauncherType,
		LauncherID:   q.LauncherID,
		SenderID:     q.SenderID,
		SessionID:    q.SessionID(),
		Chain:        q.Chain,
		Text:         q.Chain.Text(),
	}, p.def.BoundPlugins)
	if err != nil {
		p.logger.WarnContext(ctx, "plugin event failed", "event", name, "error", err)
		return false
	}
	if ec == nil || !ec.IsPreventedDefault() {
		return false
	}
	if len(ec.ReplyMessageChain) > 0 && q.Adapter != nil {
		if err := q.Adapter.ReplyMessage(ctx, q.Event, ec.ReplyMessageChain, false); err != nil {
			p.logger.WarnContext(ctx, "plugin reply failed", "error", err)
		}
	}
	p.logger.DebugContext(ctx, "run prevented by plugin", "event", name)
	return true
}

// processFromStage runs stages[i:] on q. A stream output drives the tail:
// for each Continue it yields, stages after it run before the next pull.
func (p *RuntimePipeline) processFromStage(ctx context.Context, q *query.Query, i int) error {
	for i < len(p.stages) {
		c := p.stages[i]
		out, err := p.invoke(ctx, c, q)
		if err != nil {
			return err
		}

		if !out.IsStream() {
			r := out.Result()
			if r == nil {
				return &StageError{Stage: c.Name, Cause: errors.New("stage returned no result")}
			}
			p.handleResult(ctx, q, r, c.Name)
			if r.Type == Interrupt {
				return nil
			}
			if r.NewQuery != nil {
				q = r.NewQuery
			}
			i++
			continue
		}

		return p.drain(ctx, c, q, out, i)
	}
	return nil
}

func (p *RuntimePipeline) drain(ctx context.Context, c StageContainer, q *query.Query, out Output, i int) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &StageError{Stage: c.Name, Cause: &panicError{value: v}, Stack: string(debug.Stack())}
		}
	}()
	for r, serr := range out.Seq() {
		if serr != nil {
			var se *StageError
			if errors.As(serr, &se) {
				return serr
			}
			return &StageError{Stage: c.Name, Cause: serr}
		}
		if r == nil {
			continue
		}
		p.handleResult(ctx, q, r, c.Name)
		if r.Type == Interrupt {
			break
		}
		next := q
		if r.NewQuery != nil {
			next = r.NewQuery
		}
		if err := p.processFromStage(ctx, next, i+1); err != nil {
			return err
		}
	}
	return nil
}

// invoke calls one stage, converting panics and errors into StageError.
func (p *RuntimePipeline) invoke(ctx context.Context, c StageContainer, q *query.Query) (out Output, err error) {
	ctx, span := p.services.Tracer.TraceStage(ctx, c.Name)
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			err = &StageError{Stage: c.Name, Cause: &panicError{value: v}, Stack: string(debug.Stack())}
		}
		if err != nil {
			observability.RecordError(span, err)
		}
		span.End()
		p.services.Metrics.ObserveStage(c.Name, time.Since(start))
	}()

	out, err = c.Stage.Process(ctx, q, c.Name)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			err = &StageError{Stage: c.Name, Cause: err}
		}
	}
	return out, err
}

// handleResult applies the notices attached to a result.
func (p *RuntimePipeline) handleResult(ctx context.Context, q *query.Query, r *Result, stageName string) {
	if r.ConsoleNotice != "" {
		p.logger.InfoContext(ctx, r.ConsoleNotice, "stage", stageName)
	}
	if r.DebugNotice != "" {
		p.logger.DebugContext(ctx, r.DebugNotice, "stage", stageName)
	}
	if r.ErrorNotice != "" {
		q.SetVar(query.VarMonitoringError, true)
		p.logger.ErrorContext(ctx, r.ErrorNotice, "stage", stageName)
		p.record(ctx, "record error", p.services.Monitoring.RecordError(ctx, &monitoring.ErrorRecord{
			MessageID:    q.StringVar(query.VarMonitoringMessage),
			QueryID:      q.ID,
			PipelineUUID: p.def.UUID,
			Stage:        stageName,
			Message:      r.ErrorNotice,
		}))
	}
	if len(r.UserNotice) > 0 {
		p.sendNotice(ctx, q, r.UserNotice)
	}
}

func (p *RuntimePipeline) sendNotice(ctx context.Context, q *query.Query, notice models.MessageChain) {
	if q.Adapter == nil {
		return
	}
	misc := p.def.Config.Output.Misc
	last, streaming := q.LastChunk()
	streaming = streaming && q.IsStreaming()
	body := notice
	if streaming && last.Content != "" {
		// Streamed replies are cumulative; the notice extends what was already shown.
		body = append(models.MessageChain{models.Plain{Text: last.Content + "\n"}}, notice...)
	}
	chain := body
	if q.IsGroup() && misc.AtSender {
		chain = append(models.MessageChain{models.At{Target: q.SenderID}, models.Plain{Text: " "}}, body...)
	}

	var err error
	kind := "reply"
	if streaming {
		kind = "chunk"
		chunk := &models.MessageChunk{
			Message:     models.Message{Role: models.RoleAssistant, Content: body.Text()},
			IsFinal:     true,
			MsgSequence: last.MsgSequence + 1,
			ResponseID:  last.ResponseID,
		}
		err = q.Adapter.ReplyMessageChunk(ctx, q.Event, chunk, chain, misc.QuoteOrigin, true)
	} else {
		err = q.Adapter.ReplyMessage(ctx, q.Event, chain, misc.QuoteOrigin)
	}
	p.services.Metrics.RecordReply(q.Adapter.Kind(), kind, err)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to deliver notice", "error", err)
	}
}

func (p *RuntimePipeline) record(ctx context.Context, op string, err error) {
	if err != nil {
		p.logger.WarnContext(ctx, "monitoring write failed", "op", op, "error", err)
	}
}
