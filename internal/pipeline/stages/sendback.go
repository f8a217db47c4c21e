package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// sendResponseBack delivers the latest wrapped chain through the adapter.
type sendResponseBack struct {
	sleep   func(ctx context.Context, d time.Duration) error
	random  func() float64
	metrics *observability.Metrics
}

func (s *sendResponseBack) Process(ctx context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	if len(q.RespMessageChain) == 0 || q.Adapter == nil {
		return single(pipeline.ContinueWith(q))
	}
	out := pipelineConfig(q).Output
	chain := q.RespMessageChain[len(q.RespMessageChain)-1]
	if q.IsGroup() && out.Misc.AtSender {
		chain = append(models.MessageChain{models.At{Target: q.SenderID}, models.Plain{Text: " "}}, chain...)
	}

	if chunk, ok := q.LastChunk(); ok {
		err := q.Adapter.ReplyMessageChunk(ctx, q.Event, chunk, chain, out.Misc.QuoteOrigin, chunk.IsFinal)
		s.metrics.RecordReply(q.Adapter.Kind(), "chunk", err)
		if err != nil {
			return pipeline.Output{}, fmt.Errorf("reply chunk: %w", err)
		}
		return single(pipeline.ContinueWith(q))
	}

	if err := s.sleep(ctx, s.delay(out.ForceDelay.Min, out.ForceDelay.Max)); err != nil {
		return pipeline.Output{}, err
	}
	err := q.Adapter.ReplyMessage(ctx, q.Event, chain, out.Misc.QuoteOrigin)
	s.metrics.RecordReply(q.Adapter.Kind(), "reply", err)
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("reply: %w", err)
	}
	return single(pipeline.ContinueWith(q))
}

// delay picks a duration uniformly from [min, max] seconds.
func (s *sendResponseBack) delay(lo, hi float64) time.Duration {
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi <= 0 {
		return 0
	}
	sec := lo + (hi-lo)*s.random()
	return time.Duration(sec * float64(time.Second))
}
