package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/monitoring"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// DefaultModelCacheTTL bounds how long a resolved model is reused.
const DefaultModelCacheTTL = 60 * time.Second

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	Providers       []config.ProviderConfig
	Models          []config.ModelConfig
	EmbeddingModels []config.ModelConfig
	Requesters      *RequesterRegistry

	Monitoring monitoring.Sink
	Tracer     *observability.Tracer
	Logger     *slog.Logger
	CacheTTL   time.Duration
	// Retry spaces attempts of retryable failures. Zero uses RequesterPolicy.
	Retry backoff.Policy
}

// EmbeddingCall carries the monitoring context of an embedding call.
type EmbeddingCall struct {
	CallType        string
	KnowledgeBaseID string
	QueryText       string
	SessionID       string
	MessageID       string
}

type catalog struct {
	providers map[string]*RuntimeProvider
	models    map[string]config.ModelConfig
	embedding map[string]config.ModelConfig
}

// Broker resolves model UUIDs to runtime models and invokes them, recording
// one monitoring row per call.
type Broker struct {
	requesters *RequesterRegistry
	sink       monitoring.Sink
	tracer     *observability.Tracer
	logger     *slog.Logger
	retry      backoff.Policy

	mu  sync.RWMutex
	cat *catalog

	llmCache *expirable.LRU[string, *RuntimeLLMModel]
	embCache *expirable.LRU[string, *RuntimeEmbeddingModel]
}

// NewBroker builds every provider. An unknown requester fails construction.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.Requesters == nil {
		cfg.Requesters = NewRequesterRegistry()
	}
	if cfg.Monitoring == nil {
		cfg.Monitoring = monitoring.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultModelCacheTTL
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.RequesterPolicy()
	}
	b := &Broker{
		requesters: cfg.Requesters,
		sink:       cfg.Monitoring,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger.With("component", "model-broker"),
		retry:      cfg.Retry,
		llmCache:   expirable.NewLRU[string, *RuntimeLLMModel](256, nil, cfg.CacheTTL),
		embCache:   expirable.NewLRU[string, *RuntimeEmbeddingModel](64, nil, cfg.CacheTTL),
	}
	if err := b.Reload(cfg.Providers, cfg.Models, cfg.EmbeddingModels); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload replaces the provider and model catalog. Models already resolved by
// in-flight calls keep their handle.
func (b *Broker) Reload(providers []config.ProviderConfig, llms, embeddings []config.ModelConfig) error {
	cat := &catalog{
		providers: make(map[string]*RuntimeProvider, len(providers)),
		models:    make(map[string]config.ModelConfig, len(llms)),
		embedding: make(map[string]config.ModelConfig, len(embeddings)),
	}
	var errs []error
	for _, p := range providers {
		r, err := b.requesters.New(p.Requester, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.UUID, err))
			continue
		}
		cat.providers[p.UUID] = &RuntimeProvider{Config: p, Requester: r, Tokens: NewTokenManager(p.APIKeys)}
	}
	for _, m := range llms {
		cat.models[m.UUID] = m
	}
	for _, m := range embeddings {
		cat.embedding[m.UUID] = m
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	b.mu.Lock()
	b.cat = cat
	b.mu.Unlock()
	b.llmCache.Purge()
	b.embCache.Purge()
	b.logger.Info("model catalog loaded", "providers", len(cat.providers), "models", len(cat.models), "embedding_models", len(cat.embedding))
	return nil
}

// GetLLMModel resolves a chat model by UUID.
func (b *Broker) GetLLMModel(modelUUID string) (*RuntimeLLMModel, error) {
	if m, ok := b.llmCache.Get(modelUUID); ok {
		return m, nil
	}
	b.mu.RLock()
	cat := b.cat
	b.mu.RUnlock()

	cfg, ok := cat.models[modelUUID]
	if !ok {
		return nil, &RequesterError{Reason: ReasonUnknownModel, Model: modelUUID, Message: "model not found"}
	}
	p, ok := cat.providers[cfg.Provider]
	if !ok {
		return nil, &RequesterError{Reason: ReasonUnknownModel, Model: modelUUID, Message: fmt.Sprintf("provider %s not loaded", cfg.Provider)}
	}
	m := &RuntimeLLMModel{Config: cfg, Provider: p}
	b.llmCache.Add(modelUUID, m)
	return m, nil
}

// GetEmbeddingModel resolves an embedding model by UUID.
func (b *Broker) GetEmbeddingModel(modelUUID string) (*RuntimeEmbeddingModel, error) {
	if m, ok := b.embCache.Get(modelUUID); ok {
		return m, nil
	}
	b.mu.RLock()
	cat := b.cat
	b.mu.RUnlock()

	cfg, ok := cat.embedding[modelUUID]
	if !ok {
		return nil, &RequesterError{Reason: ReasonUnknownModel, Model: modelUUID, Message: "embedding model not found"}
	}
	p, ok := cat.providers[cfg.Provider]
	if !ok {
		return nil, &RequesterError{Reason: ReasonUnknownModel, Model: modelUUID, Message: fmt.Sprintf("provider %s not loaded", cfg.Provider)}
	}
	m := &RuntimeEmbeddingModel{Config: cfg, Provider: p}
	b.embCache.Add(modelUUID, m)
	return m, nil
}

func (b *Broker) request(model *RuntimeLLMModel, messages []*models.Message, funcs []models.ToolDescriptor, extraArgs map[string]any, removeThink bool) *Request {
	args := make(map[string]any, len(model.Config.ExtraArgs)+len(extraArgs))
	for k, v := range model.Config.ExtraArgs {
		args[k] = v
	}
	for k, v := range extraArgs {
		args[k] = v
	}
	return &Request{
		Model:       model.Config.Name,
		APIKey:      model.Provider.Tokens.Next(),
		Messages:    messages,
		Funcs:       funcs,
		ExtraArgs:   args,
		RemoveThink: removeThink,
	}
}

func (b *Broker) timeout(p *RuntimeProvider) time.Duration {
	if t := p.Config.RequesterConfig.Timeout; t > 0 {
		return t
	}
	return config.DefaultRequesterTimeout
}

func (b *Broker) attempts(p *RuntimeProvider) int {
	return p.Config.RequesterConfig.MaxRetries + 1
}

// InvokeLLM runs a non-streaming completion for q.
func (b *Broker) InvokeLLM(ctx context.Context, q *query.Query, model *RuntimeLLMModel, messages []*models.Message, funcs []models.ToolDescriptor, extraArgs map[string]any, removeThink bool) (*models.Message, error) {
	requester := model.Provider.Requester
	ctx, span := b.tracer.TraceLLMRequest(ctx, requester.Name(), model.Name(), false)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, b.timeout(model.Provider))
	defer cancel()

	start := time.Now()
	comp, err := backoff.Retry(ctx, b.retry, b.attempts(model.Provider), IsRetryable, func(int) (*Completion, error) {
		return requester.Invoke(ctx, b.request(model, messages, funcs, extraArgs, removeThink))
	})
	if err != nil {
		err = NewRequesterError(requester.Name(), model.Name(), err)
		observability.RecordError(span, err)
	}
	var usage *Usage
	if comp != nil {
		usage = comp.Usage
	}
	b.recordLLM(ctx, q, model, false, usage, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return comp.Message, nil
}

// InvokeLLMStream runs a streaming completion for q. Yielded chunks carry
// content deltas; the last one has IsFinal set. Retries happen only while
// nothing has been yielded.
func (b *Broker) InvokeLLMStream(ctx context.Context, q *query.Query, model *RuntimeLLMModel, messages []*models.Message, funcs []models.ToolDescriptor, extraArgs map[string]any, removeThink bool) iter.Seq2[*models.MessageChunk, error] {
	return func(yield func(*models.MessageChunk, error) bool) {
		requester := model.Provider.Requester
		ctx, span := b.tracer.TraceLLMRequest(ctx, requester.Name(), model.Name(), true)
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, b.timeout(model.Provider))
		defer cancel()

		start := time.Now()
		var (
			usage   *Usage
			pending *models.MessageChunk
			emitted bool
			err     error
		)
		defer func() {
			if err != nil {
				observability.RecordError(span, err)
			}
			b.recordLLM(ctx, q, model, true, usage, time.Since(start), err)
		}()

		attempts := b.attempts(model.Provider)
		for attempt := 1; attempt <= attempts; attempt++ {
			err = nil
			for ev, serr := range requester.InvokeStream(ctx, b.request(model, messages, funcs, extraArgs, removeThink)) {
				if serr != nil {
					err = serr
					break
				}
				if ev.Usage != nil {
					usage = ev.Usage
				}
				if ev.Chunk == nil {
					continue
				}
				if pending != nil {
					emitted = true
					if !yield(pending, nil) {
						return
					}
				}
				pending = ev.Chunk
			}
			if err == nil || emitted || pending != nil || attempt == attempts || !IsRetryable(err) {
				break
			}
			if backoff.Sleep(ctx, b.retry.Delay(attempt)) != nil {
				break
			}
		}

		if err != nil {
			err = NewRequesterError(requester.Name(), model.Name(), err)
			if pending != nil && !yield(pending, nil) {
				return
			}
			yield(nil, err)
			return
		}
		if pending == nil {
			pending = &models.MessageChunk{Message: models.Message{Role: models.RoleAssistant}}
		}
		pending.IsFinal = true
		yield(pending, nil)
	}
}

func (b *Broker) recordLLM(ctx context.Context, q *query.Query, model *RuntimeLLMModel, stream bool, usage *Usage, d time.Duration, err error) {
	call := &monitoring.LLMCall{
		ID:        uuid.NewString(),
		ModelUUID: model.UUID(),
		ModelName: model.Name(),
		Requester: model.Provider.Requester.Name(),
		Stream:    stream,
		Duration:  d,
		Status:    monitoring.StatusSuccess,
		CreatedAt: time.Now(),
	}
	if q != nil {
		call.MessageID = q.StringVar(query.VarMonitoringMessage)
	}
	if usage != nil {
		call.InputTokens, call.OutputTokens = usage.InputTokens, usage.OutputTokens
	}
	if err != nil {
		call.Status, call.Error = monitoring.StatusError, err.Error()
	}
	if rerr := b.sink.RecordLLMCall(context.WithoutCancel(ctx), call); rerr != nil {
		b.logger.WarnContext(ctx, "failed to record llm call", "error", rerr)
	}
}

// InvokeEmbedding embeds texts with model.
func (b *Broker) InvokeEmbedding(ctx context.Context, model *RuntimeEmbeddingModel, texts []string, extraArgs map[string]any, call EmbeddingCall) ([][]float32, error) {
	requester := model.Provider.Requester
	ctx, cancel := context.WithTimeout(ctx, b.timeout(model.Provider))
	defer cancel()

	args := make(map[string]any, len(model.Config.ExtraArgs)+len(extraArgs))
	for k, v := range model.Config.ExtraArgs {
		args[k] = v
	}
	for k, v := range extraArgs {
		args[k] = v
	}

	start := time.Now()
	out, err := backoff.Retry(ctx, b.retry, b.attempts(model.Provider), IsRetryable, func(int) (*Embeddings, error) {
		return requester.Embed(ctx, &EmbeddingRequest{
			Model:     model.Name(),
			APIKey:    model.Provider.Tokens.Next(),
			Texts:     texts,
			ExtraArgs: args,
		})
	})
	if err == nil && len(out.Vectors) != len(texts) {
		err = fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Vectors))
	}
	if err != nil {
		err = NewRequesterError(requester.Name(), model.Name(), err)
	}

	callType := call.CallType
	if callType == "" {
		callType = monitoring.CallTypeEmbedding
	}
	rec := &monitoring.EmbeddingCall{
		ID:              uuid.NewString(),
		ModelUUID:       model.UUID(),
		ModelName:       model.Name(),
		CallType:        callType,
		KnowledgeBaseID: call.KnowledgeBaseID,
		QueryText:       call.QueryText,
		SessionID:       call.SessionID,
		MessageID:       call.MessageID,
		Duration:        time.Since(start),
		Status:          monitoring.StatusSuccess,
		CreatedAt:       time.Now(),
	}
	if out != nil && out.Usage != nil {
		rec.PromptTokens, rec.TotalTokens = out.Usage.InputTokens, out.Usage.TotalTokens
	}
	if err != nil {
		rec.Status, rec.Error = monitoring.StatusError, err.Error()
	}
	if rerr := b.sink.RecordEmbeddingCall(context.WithoutCancel(ctx), rec); rerr != nil {
		b.logger.WarnContext(ctx, "failed to record embedding call", "error", rerr)
	}
	if err != nil {
		return nil, err
	}
	return out.Vectors, nil
}
