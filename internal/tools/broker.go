// Package tools is the tool broker: it lists the tools a pipeline may offer
// to a model and dispatches model-requested calls to the plugin runtime or
// to an MCP server.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/plugins"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrToolNotFound is returned when no visible source owns a tool name.
var ErrToolNotFound = errors.New("tool not found")

// ToolError wraps a failure raised while executing a tool.
type ToolError struct {
	Tool  string
	Cause error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// MCPSource is the subset of the MCP manager the broker uses.
type MCPSource interface {
	Tools(bound []string) []models.ToolDescriptor
	CallTool(ctx context.Context, name string, args map[string]any, bound []string) (string, error)
}

// Binding scopes a call to the extensions a pipeline is bound to.
type Binding struct {
	Plugins    []string
	MCPServers []string
}

// Invocation identifies the query a tool call belongs to.
type Invocation struct {
	SessionID string
	QueryID   int64
	Binding   Binding
}

// Broker aggregates plugin and MCP tools.
type Broker struct {
	plugins   plugins.Connector
	mcp       MCPSource
	validator *Validator
	metrics   *observability.Metrics
	logger    *slog.Logger
}

type Option func(*Broker)

func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithoutValidation skips argument validation against tool schemas.
func WithoutValidation() Option {
	return func(b *Broker) { b.validator = nil }
}

// NewBroker builds a broker. Either source may be nil.
func NewBroker(p plugins.Connector, m MCPSource, opts ...Option) *Broker {
	if p == nil {
		p = plugins.Disconnected{}
	}
	b := &Broker{
		plugins:   p,
		mcp:       m,
		validator: NewValidator(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "tools")
	return b
}

// ListTools returns the plugin tools followed by the MCP tools visible under
// the binding. A plugin tool shadows an MCP tool with the same name.
func (b *Broker) ListTools(ctx context.Context, binding Binding) ([]models.ToolDescriptor, error) {
	pluginTools, err := b.plugins.ListTools(ctx, binding.Plugins)
	if err != nil && !errors.Is(err, plugins.ErrRuntimeDisconnected) {
		return nil, fmt.Errorf("list plugin tools: %w", err)
	}
	out := make([]models.ToolDescriptor, 0, len(pluginTools))
	seen := make(map[string]bool, len(pluginTools))
	for _, t := range pluginTools {
		if t.Source == "" {
			t.Source = models.ToolSourcePlugin
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	if b.mcp != nil {
		for _, t := range b.mcp.Tools(binding.MCPServers) {
			if seen[t.Name] {
				b.logger.Debug("mcp tool shadowed by plugin tool", "tool", t.Name, "server", t.Owner)
				continue
			}
			seen[t.Name] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// ExecuteFuncCall runs the named tool with params and returns its result.
func (b *Broker) ExecuteFuncCall(ctx context.Context, name string, params map[string]any, inv Invocation) (result any, err error) {
	start := time.Now()
	defer func() {
		b.metrics.RecordToolCall(name, err)
		if err != nil {
			b.logger.WarnContext(ctx, "tool call failed", "tool", name, "duration", time.Since(start), "error", err)
		} else {
			b.logger.DebugContext(ctx, "tool call finished", "tool", name, "duration", time.Since(start))
		}
	}()

	tools, err := b.ListTools(ctx, inv.Binding)
	if err != nil {
		return nil, err
	}
	var desc *models.ToolDescriptor
	for i := range tools {
		if tools[i].Name == name {
			desc = &tools[i]
			break
		}
	}
	if desc == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if b.validator != nil {
		if err := b.validator.Validate(desc, params); err != nil {
			return nil, &ToolError{Tool: name, Cause: err}
		}
	}

	switch desc.Source {
	case models.ToolSourceMCP:
		result, err = b.mcp.CallTool(ctx, name, params, inv.Binding.MCPServers)
	default:
		result, err = b.plugins.CallTool(ctx, name, params, inv.SessionID, inv.QueryID, inv.Binding.Plugins)
	}
	if err != nil {
		return nil, &ToolError{Tool: name, Cause: err}
	}
	return result, nil
}
