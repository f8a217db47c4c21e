package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/internal/ratelimit"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const rateLimitedNotice = "Too many requests. Please try again later."

func rateRule(cfg config.RateLimit) ratelimit.Rule {
	window := cfg.WindowLength
	if window <= 0 {
		window = 60
	}
	strategy := ratelimit.StrategyDrop
	if cfg.Strategy == string(ratelimit.StrategyWait) {
		strategy = ratelimit.StrategyWait
	}
	return ratelimit.Rule{
		Window:   time.Duration(window) * time.Second,
		Limit:    cfg.Limitation,
		Strategy: strategy,
	}
}

// requireRateLimit admits the query against its session's window.
type requireRateLimit struct {
	limiter *ratelimit.FixedWindow
	rule    ratelimit.Rule
}

func (s *requireRateLimit) Process(ctx context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	ok, err := s.limiter.Acquire(ctx, q.SessionID(), s.rule)
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("rate limit wait: %w", err)
	}
	if !ok {
		return single(&pipeline.Result{
			Type:          pipeline.Interrupt,
			NewQuery:      q,
			UserNotice:    models.NewTextChain(rateLimitedNotice),
			ConsoleNotice: "session " + q.SessionID() + " rate limited",
		})
	}
	q.SetVar(query.VarRateLimitHeld, true)
	return single(pipeline.ContinueWith(q))
}

// releaseRateLimit gives back the occupancy taken by requireRateLimit. It
// is a no-op when nothing is held, so it may run more than once.
type releaseRateLimit struct {
	limiter *ratelimit.FixedWindow
}

func (s *releaseRateLimit) Process(_ context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	if q.BoolVar(query.VarRateLimitHeld) {
		s.limiter.Release(q.SessionID())
		q.SetVar(query.VarRateLimitHeld, false)
	}
	return single(pipeline.ContinueWith(q))
}
