// Package plugins connects pipelines to the plugin runtime: event dispatch,
// plugin tools, commands and external knowledge retrieval.
package plugins

import (
	"context"
	"errors"
	"log/slog"

	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

// ErrRuntimeDisconnected is returned when the plugin runtime is unavailable.
var ErrRuntimeDisconnected = errors.New("plugin runtime disconnected")

// CommandInfo describes a registered command.
type CommandInfo struct {
	Name        string
	Aliases     []string
	Description string
	Plugin      string
}

// Connector is the plugin runtime as seen by the core. Bound lists follow
// the pipeline binding rule: nil means every plugin, empty means none.
type Connector interface {
	EmitEvent(ctx context.Context, event *pluginsdk.Event, bound []string) (*pluginsdk.EventContext, error)
	ListTools(ctx context.Context, bound []string) ([]models.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, params map[string]any, sessionID string, queryID int64, bound []string) (any, error)
	ListCommands(ctx context.Context, bound []string) ([]CommandInfo, error)
	ExecuteCommand(ctx context.Context, cmd *pluginsdk.CommandContext, bound []string) (*pluginsdk.CommandResult, error)
	RetrieveKnowledge(ctx context.Context, plugin, retriever, instance, query string) ([]models.RetrievalResultEntry, error)
}

// Disconnected is a Connector with no runtime behind it.
type Disconnected struct{}

func (Disconnected) EmitEvent(context.Context, *pluginsdk.Event, []string) (*pluginsdk.EventContext, error) {
	return nil, ErrRuntimeDisconnected
}

func (Disconnected) ListTools(context.Context, []string) ([]models.ToolDescriptor, error) {
	return nil, ErrRuntimeDisconnected
}

func (Disconnected) CallTool(context.Context, string, map[string]any, string, int64, []string) (any, error) {
	return nil, ErrRuntimeDisconnected
}

func (Disconnected) ListCommands(context.Context, []string) ([]CommandInfo, error) {
	return nil, ErrRuntimeDisconnected
}

func (Disconnected) ExecuteCommand(context.Context, *pluginsdk.CommandContext, []string) (*pluginsdk.CommandResult, error) {
	return nil, ErrRuntimeDisconnected
}

func (Disconnected) RetrieveKnowledge(context.Context, string, string, string, string) ([]models.RetrievalResultEntry, error) {
	return nil, ErrRuntimeDisconnected
}

// Resilient treats a disconnected runtime as "no plugins available": events
// pass through untouched and listings are empty. Other errors are returned.
type Resilient struct {
	Connector Connector
	Logger    *slog.Logger
}

// NewResilient wraps c.
func NewResilient(c Connector, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{Connector: c, Logger: logger.With("component", "plugins")}
}

func (r *Resilient) disconnected(err error, op string) bool {
	if errors.Is(err, ErrRuntimeDisconnected) {
		r.Logger.Debug("plugin runtime unavailable", "op", op)
		return true
	}
	return false
}

func (r *Resilient) EmitEvent(ctx context.Context, event *pluginsdk.Event, bound []string) (*pluginsdk.EventContext, error) {
	ec, err := r.Connector.EmitEvent(ctx, event, bound)
	if r.disconnected(err, "emit_event") {
		return pluginsdk.NewEventContext(event), nil
	}
	return ec, err
}

func (r *Resilient) ListTools(ctx context.Context, bound []string) ([]models.ToolDescriptor, error) {
	tools, err := r.Connector.ListTools(ctx, bound)
	if r.disconnected(err, "list_tools") {
		return nil, nil
	}
	return tools, err
}

func (r *Resilient) CallTool(ctx context.Context, name string, params map[string]any, sessionID string, queryID int64, bound []string) (any, error) {
	return r.Connector.CallTool(ctx, name, params, sessionID, queryID, bound)
}

func (r *Resilient) ListCommands(ctx context.Context, bound []string) ([]CommandInfo, error) {
	cmds, err := r.Connector.ListCommands(ctx, bound)
	if r.disconnected(err, "list_commands") {
		return nil, nil
	}
	return cmds, err
}

func (r *Resilient) ExecuteCommand(ctx context.Context, cmd *pluginsdk.CommandContext, bound []string) (*pluginsdk.CommandResult, error) {
	return r.Connector.ExecuteCommand(ctx, cmd, bound)
}

func (r *Resilient) RetrieveKnowledge(ctx context.Context, plugin, retriever, instance, query string) ([]models.RetrievalResultEntry, error) {
	entries, err := r.Connector.RetrieveKnowledge(ctx, plugin, retriever, instance, query)
	if r.disconnected(err, "retrieve_knowledge") {
		return nil, nil
	}
	return entries, err
}

// Visible applies the binding rule to a plugin id.
func Visible(bound []string, id string) bool {
	if bound == nil {
		return true
	}
	for _, b := range bound {
		if b == id {
			return true
		}
	}
	return false
}
