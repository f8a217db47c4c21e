// Package aggregator merges bursts of messages from one session into a single
// query before admission to the pool.
package aggregator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// MaxBufferMessages is the buffer size that forces an immediate flush.
const MaxBufferMessages = 10

// Sink receives flushed messages. *query.Pool implements it.
type Sink interface {
	AddQuery(in query.Inbound) *query.Query
}

// SettingsFunc returns the aggregation settings of a pipeline. ok is false
// when the pipeline is unknown, in which case messages are forwarded as is.
type SettingsFunc func(pipelineUUID string) (settings config.MessageAggregation, ok bool)

// Config configures an Aggregator.
type Config struct {
	Sink     Sink
	Settings SettingsFunc
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// buffer holds the pending messages of one session. timer and gen are only
// touched under Aggregator.mu; gen invalidates a timer that fired after it
// was replaced.
type buffer struct {
	sessionID    string
	messages     []query.Inbound
	timer        *time.Timer
	gen          uint64
	lastActivity time.Time
}

// Aggregator debounces messages per session.
type Aggregator struct {
	sink     Sink
	settings SettingsFunc
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	buffers map[string]*buffer
	// gen is shared by all buffers so a timer armed for a flushed buffer
	// never matches its replacement.
	gen     uint64
	stopped bool
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := cfg.Settings
	if settings == nil {
		settings = func(string) (config.MessageAggregation, bool) { return config.MessageAggregation{}, false }
	}
	return &Aggregator{
		sink:     cfg.Sink,
		settings: settings,
		logger:   logger.With("component", "aggregator"),
		metrics:  cfg.Metrics,
		buffers:  make(map[string]*buffer),
	}
}

// AddMessage buffers a message or forwards it directly when aggregation is
// disabled for its pipeline.
func (a *Aggregator) AddMessage(in query.Inbound) {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	settings, ok := a.settings(in.PipelineUUID)
	if !ok || !settings.Enabled {
		a.sink.AddQuery(in)
		return
	}
	delay := time.Duration(settings.EffectiveDelay() * float64(time.Second))
	key := in.SessionID()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.sink.AddQuery(in)
		return
	}
	buf, exists := a.buffers[key]
	if exists {
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		buf.messages = append(buf.messages, in)
	} else {
		buf = &buffer{sessionID: key, messages: []query.Inbound{in}}
		a.buffers[key] = buf
	}
	buf.lastActivity = in.ReceivedAt
	a.gen++
	buf.gen = a.gen

	var forced *buffer
	if len(buf.messages) >= MaxBufferMessages {
		delete(a.buffers, key)
		forced = buf
	} else {
		gen := buf.gen
		buf.timer = time.AfterFunc(delay, func() { a.flushSession(key, gen) })
	}
	a.mu.Unlock()

	if forced != nil {
		a.deliver(forced.messages, "capacity")
	}
}

// flushSession is the timer callback. A stale generation means a newer
// message re-armed the buffer and this firing lost the race.
func (a *Aggregator) flushSession(key string, gen uint64) {
	a.mu.Lock()
	buf, ok := a.buffers[key]
	if !ok || buf.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, key)
	buf.timer = nil
	a.mu.Unlock()

	a.deliver(buf.messages, "timer")
}

// FlushAll flushes every pending buffer immediately.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	pending := make([]*buffer, 0, len(a.buffers))
	for key, buf := range a.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		delete(a.buffers, key)
		pending = append(pending, buf)
	}
	a.mu.Unlock()

	for _, buf := range pending {
		a.deliver(buf.messages, "flush_all")
	}
}

// Stop flushes pending buffers; later messages bypass aggregation.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.FlushAll()
}

// Pending returns the number of buffered messages for a session.
func (a *Aggregator) Pending(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[sessionID]; ok {
		return len(buf.messages)
	}
	return 0
}

func (a *Aggregator) deliver(messages []query.Inbound, reason string) {
	if len(messages) == 0 {
		return
	}
	a.metrics.AggregatorFlush(reason)
	if len(messages) == 1 {
		a.sink.AddQuery(messages[0])
		return
	}
	merged := Merge(messages)
	a.logger.Debug("merged messages",
		"session_id", merged.SessionID(),
		"count", len(messages),
		"reason", reason)
	a.sink.AddQuery(merged)
}

// Merge combines buffered messages. Routing and the original event come from
// the first message; chains are joined with a Plain("\n") separator.
func Merge(messages []query.Inbound) query.Inbound {
	merged := messages[0]
	size := 0
	for _, m := range messages {
		size += len(m.Chain) + 1
	}
	chain := make(models.MessageChain, 0, size)
	for i, m := range messages {
		if i > 0 {
			chain = append(chain, models.Plain{Text: "\n"})
		}
		chain = append(chain, m.Chain.Clone()...)
	}
	merged.Chain = chain
	return merged
}
