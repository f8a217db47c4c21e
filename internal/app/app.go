// Package app builds every switchboard component from configuration and runs
// them as one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/switchboard/internal/aggregator"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/controller"
	"github.com/haasonsaas/switchboard/internal/llm"
	"github.com/haasonsaas/switchboard/internal/llm/requesters"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/internal/monitoring"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/pipeline/stages"
	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/internal/platform/discord"
	"github.com/haasonsaas/switchboard/internal/platform/slack"
	"github.com/haasonsaas/switchboard/internal/platform/telegram"
	"github.com/haasonsaas/switchboard/internal/platform/websocket"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/rag"
	"github.com/haasonsaas/switchboard/internal/rag/vectordb"
	"github.com/haasonsaas/switchboard/internal/ratelimit"
	"github.com/haasonsaas/switchboard/internal/runner"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

// DefaultShutdownGrace bounds how long Run waits for in-flight queries.
const DefaultShutdownGrace = 30 * time.Second

// Options override parts of the application that are not configured by file.
// Zero values select the production defaults.
type Options struct {
	Logger *slog.Logger
	// Adapters builds bots; defaults to DefaultAdapters.
	Adapters *platform.Registry
	// Runners defaults to runner.DefaultRegistry.
	Runners *runner.Registry
	// Requesters defaults to every built-in requester.
	Requesters *llm.RequesterRegistry
	// Plugins are registered with the in-process host before it starts.
	Plugins []pluginsdk.Plugin
	// Monitoring replaces the SQLite store; the Prometheus sink is always added.
	Monitoring monitoring.Sink
	// ConversationStore replaces the store selected by session_store.
	ConversationStore sessions.ConversationStore
	ShutdownGrace     time.Duration
}

// DefaultAdapters returns a registry holding every built-in platform adapter.
func DefaultAdapters() *platform.Registry {
	reg := platform.NewRegistry()
	reg.Register(telegram.Kind, telegram.New)
	reg.Register(discord.Kind, discord.New)
	reg.Register(slack.Kind, slack.New)
	reg.Register(websocket.Kind, websocket.New)
	return reg
}

// App owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	grace  time.Duration

	registry      *prometheus.Registry
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error

	monitor   monitoring.Sink
	store     *monitoring.SQLiteStore
	retention *monitoring.RetentionJob
	convStore sessions.ConversationStore

	sessions   *sessions.Registry
	pool       *query.Pool
	models     *llm.Broker
	mcp        *mcp.Manager
	host       *plugins.Host
	plugins    plugins.Connector
	tools      *tools.Broker
	vectors    vectordb.VectorDB
	knowledge  *rag.Manager
	pipelines  *pipeline.Manager
	aggregator *aggregator.Aggregator
	controller *controller.Controller
	bots       *platform.Manager

	closing atomic.Bool
	ready   atomic.Bool

	mu         sync.Mutex
	stopLoop   context.CancelFunc
	group      *errgroup.Group
	shutdownMu sync.Once
}

// New builds the application. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, grace: opts.ShutdownGrace}
	if a.grace <= 0 {
		a.grace = DefaultShutdownGrace
	}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.registry)
	a.tracer, a.traceShutdown = observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	if err := a.buildMonitoring(opts); err != nil {
		return nil, err
	}
	if err := a.buildSessions(ctx, opts); err != nil {
		return nil, err
	}

	reqs := opts.Requesters
	if reqs == nil {
		reqs = llm.NewRequesterRegistry()
		requesters.Register(reqs)
	}
	a.models, err = llm.NewBroker(llm.BrokerConfig{
		Providers:       cfg.Providers,
		Models:          cfg.Models,
		EmbeddingModels: cfg.EmbeddingModels,
		Requesters:      reqs,
		Monitoring:      a.monitor,
		Tracer:          a.tracer,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("model broker: %w", err)
	}

	a.host = plugins.NewHost(logger)
	for _, p := range opts.Plugins {
		if err := a.host.Register(p); err != nil {
			return nil, fmt.Errorf("register plugin: %w", err)
		}
	}
	if cfg.Plugins.Disabled {
		a.plugins = plugins.NewResilient(plugins.Disconnected{}, logger)
	} else {
		if err := a.host.Start(cfg.Plugins); err != nil {
			logger.Warn("some plugins failed to load", "error", err)
		}
		a.plugins = plugins.NewResilient(a.host, logger)
	}

	a.mcp = mcp.NewManager(cfg.MCPServers, logger)
	a.tools = tools.NewBroker(a.plugins, a.mcp, tools.WithMetrics(a.metrics), tools.WithLogger(logger))

	a.vectors, err = vectordb.New(cfg.VectorDB)
	if err != nil {
		return nil, fmt.Errorf("vector database: %w", err)
	}
	a.knowledge, err = rag.NewManager(cfg.KnowledgeBases, a.models, a.vectors, a.plugins, logger)
	if err != nil {
		return nil, fmt.Errorf("knowledge bases: %w", err)
	}

	runners := opts.Runners
	if runners == nil {
		runners = runner.DefaultRegistry()
	}
	stageRegistry := stages.NewRegistry(stages.Deps{
		Sessions: a.sessions,
		Models:   a.models,
		Tools:    a.tools,
		Runners:  runners,
		RunnerDeps: runner.Deps{
			Models:    a.models,
			Tools:     a.tools,
			Knowledge: a.knowledge,
			Tracer:    a.tracer,
			Logger:    logger,
		},
		Plugins: a.plugins,
		Limiter: ratelimit.NewFixedWindow(),
		Command: cfg.Command,
		Metrics: a.metrics,
		Logger:  logger,
	})
	a.pipelines = pipeline.NewManager(stageRegistry, pipeline.Services{
		Plugins:    a.plugins,
		Monitoring: a.monitor,
		Logger:     logger,
		Metrics:    a.metrics,
		Tracer:     a.tracer,
	})
	if err := a.pipelines.Load(cfg.Pipelines); err != nil {
		logger.Warn("some pipelines failed to build", "error", err)
	}

	a.pool = query.NewPool(a.metrics)
	a.aggregator = aggregator.New(aggregator.Config{
		Sink:     a.pool,
		Settings: a.pipelines.AggregationSettings,
		Logger:   logger,
		Metrics:  a.metrics,
	})
	a.controller = controller.New(controller.Config{
		Pool:          a.pool,
		Sessions:      a.sessions,
		Dispatcher:    a.pipelines,
		PipelineWidth: cfg.Concurrency.Pipeline,
		Logger:        logger,
		Metrics:       a.metrics,
	})

	adapters := opts.Adapters
	if adapters == nil {
		adapters = DefaultAdapters()
	}
	a.bots = platform.NewManager(platform.ManagerConfig{
		Registry:  adapters,
		OnMessage: a.onMessage,
		Logger:    logger,
	})
	if err := a.bots.Load(cfg.Bots); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildMonitoring(opts Options) error {
	prom := monitoring.NewPrometheusSink(a.metrics)
	if opts.Monitoring != nil {
		a.monitor = monitoring.Multi{opts.Monitoring, prom}
		return nil
	}
	store, err := monitoring.NewSQLiteStore(a.cfg.Monitoring.Path)
	if err != nil {
		return err
	}
	a.store = store
	a.monitor = monitoring.Multi{store, prom}
	job, err := monitoring.NewRetentionJob(store, a.cfg.Monitoring.PruneSchedule, a.cfg.Monitoring.Retention(), a.logger)
	if err != nil {
		return err
	}
	a.retention = job
	return nil
}

func (a *App) buildSessions(ctx context.Context, opts Options) error {
	store := opts.ConversationStore
	if store == nil && a.cfg.SessionStore.Backend == "redis" {
		rs, err := sessions.NewRedisStore(ctx, sessions.RedisStoreConfig{
			URL:    a.cfg.SessionStore.URL,
			Prefix: a.cfg.SessionStore.Prefix,
			TTL:    a.cfg.SessionStore.TTL,
		})
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		store = rs
	}
	a.convStore = store
	a.sessions = sessions.NewRegistry(sessions.RegistryConfig{
		GateWidth: a.cfg.Concurrency.Session,
		Store:     store,
		Logger:    a.logger,
	})
	return nil
}

// ReloadPipelines swaps in the inline pipelines plus defs read from
// pipelines_dir.
func (a *App) ReloadPipelines(defs []config.PipelineDefinition) {
	all := append(append([]config.PipelineDefinition(nil), a.cfg.InlinePipelines()...), defs...)
	if err := a.pipelines.Load(all); err != nil {
		a.logger.Warn("some pipelines failed to build", "error", err)
	}
}

func (a *App) onMessage(_ context.Context, bot *platform.Bot, event *models.MessageEvent, launcherID string) {
	if a.closing.Load() {
		return
	}
	a.aggregator.AddMessage(query.Inbound{
		BotUUID:      bot.UUID,
		PipelineUUID: bot.PipelineUUID,
		LauncherType: event.LauncherType(),
		LauncherID:   launcherID,
		SenderID:     event.Sender.ID,
		Event:        event,
		Chain:        event.Chain,
		Adapter:      bot.Adapter,
		ReceivedAt:   time.Now(),
	})
}

// Start connects MCP servers, starts every bot and launches the controller
// loop and the pipeline watcher. It returns once they are running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group != nil {
		return errors.New("app already started")
	}

	if err := a.mcp.Start(ctx); err != nil {
		a.logger.Warn("mcp start failed", "error", err)
	}
	if err := a.bots.Start(ctx); err != nil {
		a.logger.Warn("some bots failed to start", "error", err)
	}
	if a.retention != nil {
		a.retention.Start()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopLoop = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return a.controller.Run(gctx) })
	if dir := a.cfg.PipelinesDir; dir != "" {
		g.Go(func() error {
			if err := config.WatchPipelines(gctx, dir, 0, a.logger, a.ReloadPipelines); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("pipeline watcher stopped", "error", err)
			}
			return nil
		})
	}
	a.group = g
	a.ready.Store(true)
	a.logger.Info("switchboard started",
		"bots", len(a.bots.List()),
		"pipelines", len(a.pipelines.List()),
		"pipeline_width", a.cfg.Concurrency.Pipeline,
		"session_width", a.sessions.GateWidth(),
	)
	return nil
}

// Run starts the application and blocks until ctx is done, then shuts down
// within the grace period.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.grace)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops accepting messages, flushes the aggregator, waits for queued
// and running queries until ctx expires, then releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.shutdownMu.Do(func() {
		a.closing.Store(true)
		a.ready.Store(false)
		a.aggregator.Stop()
		a.drain(ctx)

		a.mu.Lock()
		stop, g := a.stopLoop, a.group
		a.mu.Unlock()
		if stop != nil {
			stop()
			if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
				err = werr
			}
		}
		if berr := a.bots.Stop(ctx); berr != nil {
			err = errors.Join(err, berr)
		}
		a.closeResources(ctx)
		a.logger.Info("switchboard stopped")
	})
	return err
}

// drain waits until every admitted query has finished or ctx is done.
func (a *App) drain(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for a.pool.Cached() > 0 {
		select {
		case <-ctx.Done():
			a.logger.Warn("shutdown grace expired", "unfinished_queries", a.pool.Cached())
			return
		case <-ticker.C:
		}
	}
}

func (a *App) closeResources(ctx context.Context) {
	if a.mcp != nil {
		if err := a.mcp.Stop(); err != nil {
			a.logger.Warn("mcp stop failed", "error", err)
		}
	}
	if a.retention != nil {
		a.retention.Stop()
	}
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if c, ok := a.convStore.(io.Closer); ok {
		_ = c.Close()
	}
	if a.traceShutdown != nil {
		if err := a.traceShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
	}
}

// Handler serves /metrics and /healthz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Pipelines returns the pipeline manager.
func (a *App) Pipelines() *pipeline.Manager { return a.pipelines }

// Bots returns the bot manager.
func (a *App) Bots() *platform.Manager { return a.bots }

// Sessions returns the session registry.
func (a *App) Sessions() *sessions.Registry { return a.sessions }

// Knowledge returns the knowledge base manager.
func (a *App) Knowledge() *rag.Manager { return a.knowledge }

// MCP returns the MCP server manager.
func (a *App) MCP() *mcp.Manager { return a.mcp }
