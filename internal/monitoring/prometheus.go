package monitoring

import (
	"context"
	"errors"

	"github.com/haasonsaas/switchboard/internal/observability"
)

// PrometheusSink turns monitoring records into Prometheus samples.
type PrometheusSink struct {
	metrics *observability.Metrics
}

// NewPrometheusSink wraps metrics. A nil metrics yields a sink that records nothing.
func NewPrometheusSink(metrics *observability.Metrics) *PrometheusSink {
	return &PrometheusSink{metrics: metrics}
}

func (p *PrometheusSink) RecordMessage(context.Context, *MessageRecord) error { return nil }

func (p *PrometheusSink) UpdateMessageStatus(_ context.Context, _ string, status MessageStatus, _ string) error {
	if status == StatusError {
		p.metrics.RecordError("pipeline", "message")
	}
	return nil
}

func (p *PrometheusSink) RecordLLMCall(_ context.Context, call *LLMCall) error {
	p.metrics.RecordLLMRequest(call.ModelName, statusErr(call.Status, call.Error), call.Duration, call.InputTokens, call.OutputTokens)
	return nil
}

func (p *PrometheusSink) RecordEmbeddingCall(_ context.Context, call *EmbeddingCall) error {
	p.metrics.RecordEmbedding(call.ModelName, call.CallType, statusErr(call.Status, call.Error))
	return nil
}

func (p *PrometheusSink) RecordError(_ context.Context, rec *ErrorRecord) error {
	stage := rec.Stage
	if stage == "" {
		stage = "runtime"
	}
	p.metrics.RecordError("stage", stage)
	return nil
}

func (p *PrometheusSink) RecordSessionActivity(context.Context, *SessionActivity) error { return nil }

func statusErr(status MessageStatus, msg string) error {
	if status != StatusError {
		return nil
	}
	if msg == "" {
		msg = "error"
	}
	return errors.New(msg)
}
