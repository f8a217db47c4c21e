// Package controller consumes the query pool and runs admitted queries
// under the global and per-session concurrency limits.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

// DefaultPipelineWidth is concurrency.pipeline when unset.
const DefaultPipelineWidth = 20

// Dispatcher runs a query on its pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, q *query.Query) error
}

// Config configures a Controller.
type Config struct {
	Pool       *query.Pool
	Sessions   *sessions.Registry
	Dispatcher Dispatcher
	// PipelineWidth bounds the number of concurrent pipeline runs.
	PipelineWidth int
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Controller is the single consumer of the query pool.
type Controller struct {
	pool       *query.Pool
	sessions   *sessions.Registry
	dispatcher Dispatcher
	global     *semaphore.Weighted
	logger     *slog.Logger
	metrics    *observability.Metrics

	wg sync.WaitGroup
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.PipelineWidth <= 0 {
		cfg.PipelineWidth = DefaultPipelineWidth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		pool:       cfg.Pool,
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		global:     semaphore.NewWeighted(int64(cfg.PipelineWidth)),
		logger:     cfg.Logger.With("component", "controller"),
		metrics:    cfg.Metrics,
	}
}

// Run scans the pool until ctx is done, then waits for running workers.
// Workers are detached from ctx cancellation so in-flight queries finish.
func (c *Controller) Run(ctx context.Context) error {
	stop := c.pool.WakeOnDone(ctx)
	defer stop()

	workerCtx := context.WithoutCancel(ctx)
	c.logger.Info("controller started")
	for ctx.Err() == nil {
		q := c.pool.Scan(ctx, c.pick)
		if q == nil {
			continue
		}
		c.wg.Add(1)
		go c.work(workerCtx, q)
	}

	c.logger.Info("controller stopping, waiting for workers")
	c.wg.Wait()
	return nil
}

// Wait blocks until every spawned worker has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// pick runs under the pool lock. It takes the first queued query whose
// session gate can be acquired without blocking, so a busy session does
// not hold up queries behind it.
func (c *Controller) pick(queue []*query.Query) int {
	for i, q := range queue {
		s := c.sessions.Get(q.BotUUID, q.LauncherType, q.LauncherID)
		if s.TryAcquire() {
			q.Session = s
			return i
		}
	}
	return -1
}

func (c *Controller) work(ctx context.Context, q *query.Query) {
	defer c.wg.Done()
	defer c.pool.Remove(q.ID)
	defer c.pool.Locked(q.Session.Release)

	if err := c.global.Acquire(ctx, 1); err != nil {
		c.logger.Warn("query dropped before dispatch", "query_id", q.ID, "error", err)
		return
	}
	defer c.global.Release(1)

	q.Session.Touch()
	err := c.dispatcher.Dispatch(ctx, q)

	var missing *pipeline.PipelineMissingError
	switch {
	case errors.As(err, &missing):
		c.logger.Warn("pipeline not found, query dropped",
			"query_id", q.ID,
			"pipeline_uuid", missing.UUID,
			"bot_uuid", q.BotUUID)
		c.metrics.RecordError("controller", "pipeline_missing")
	case err != nil:
		// Stage failures are logged and recorded by the runtime.
		c.logger.Debug("query finished with error", "query_id", q.ID, "error", err)
	}
}
