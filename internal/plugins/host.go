package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/pkg/models"
	"github.com/haasonsaas/switchboard/pkg/pluginsdk"
)

// ErrCommandNotFound is returned when no visible plugin owns a command.
var ErrCommandNotFound = errors.New("command not found")

// ErrToolNotFound is returned when no visible plugin owns a tool.
var ErrToolNotFound = errors.New("plugin tool not found")

type loadedPlugin struct {
	id         string
	manifest   *pluginsdk.Manifest
	priority   int
	handlers   map[pluginsdk.EventName][]pluginsdk.EventHandler
	tools      map[string]pluginsdk.Tool
	commands   map[string]pluginsdk.Command
	retrievers map[string]pluginsdk.Retriever
}

// Host runs plugins in-process. Plugins are registered before Start and set
// up in priority order.
type Host struct {
	logger *slog.Logger

	mu      sync.RWMutex
	pending []pluginsdk.Plugin
	loaded  []*loadedPlugin
	byID    map[string]*loadedPlugin
	started bool
}

// NewHost creates an empty host.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		logger: logger.With("component", "plugin-host"),
		byID:   make(map[string]*loadedPlugin),
	}
}

// Register queues a plugin for Start.
func (h *Host) Register(p pluginsdk.Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}
	if err := p.Manifest().Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("plugin %s registered after start", p.Manifest().ID())
	}
	h.pending = append(h.pending, p)
	return nil
}

// Start validates settings and sets up every enabled plugin. A plugin whose
// setup fails is skipped and reported in the joined error.
func (h *Host) Start(cfg config.PluginsConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	h.started = true

	enabled := make(map[string]bool, len(cfg.Enabled))
	for _, id := range cfg.Enabled {
		enabled[id] = true
	}

	var errs []error
	for _, p := range h.pending {
		m := p.Manifest()
		id := m.ID()
		if len(enabled) > 0 && !enabled[id] {
			continue
		}
		if _, dup := h.byID[id]; dup {
			errs = append(errs, fmt.Errorf("plugin %s registered twice", id))
			continue
		}
		settings := cfg.Settings[id]
		if settings == nil {
			settings = map[string]any{}
		}
		if err := m.ValidateConfig(settings); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", id, err))
			continue
		}
		lp := &loadedPlugin{
			id:         id,
			manifest:   m,
			priority:   m.EffectivePriority(),
			handlers:   make(map[pluginsdk.EventName][]pluginsdk.EventHandler),
			tools:      make(map[string]pluginsdk.Tool),
			commands:   make(map[string]pluginsdk.Command),
			retrievers: make(map[string]pluginsdk.Retriever),
		}
		api := &pluginAPI{plugin: lp, config: settings, logger: h.logger.With("plugin", id)}
		if err := p.Setup(api); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s setup: %w", id, err))
			continue
		}
		h.loaded = append(h.loaded, lp)
		h.byID[id] = lp
		h.logger.Info("plugin loaded", "plugin", id, "tools", len(lp.tools), "commands", len(lp.commands))
	}
	sort.SliceStable(h.loaded, func(i, j int) bool {
		return h.loaded[i].priority < h.loaded[j].priority
	})
	h.pending = nil
	return errors.Join(errs...)
}

// Plugins lists loaded plugin ids in priority order.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, len(h.loaded))
	for i, lp := range h.loaded {
		ids[i] = lp.id
	}
	return ids
}

func (h *Host) visible(bound []string) []*loadedPlugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*loadedPlugin, 0, len(h.loaded))
	for _, lp := range h.loaded {
		if Visible(bound, lp.id) {
			out = append(out, lp)
		}
	}
	return out
}

// EmitEvent calls handlers in priority order until one prevents postorder.
func (h *Host) EmitEvent(ctx context.Context, event *pluginsdk.Event, bound []string) (*pluginsdk.EventContext, error) {
	ec := pluginsdk.NewEventContext(event)
	for _, lp := range h.visible(bound) {
		for _, handler := range lp.handlers[event.Name] {
			if err := handler(ctx, ec); err != nil {
				h.logger.Warn("plugin event handler failed",
					"plugin", lp.id,
					"event", event.Name,
					"error", err)
			}
		}
		if ec.IsPreventedPostorder() {
			break
		}
	}
	return ec, nil
}

func (h *Host) ListTools(_ context.Context, bound []string) ([]models.ToolDescriptor, error) {
	var out []models.ToolDescriptor
	for _, lp := range h.visible(bound) {
		names := make([]string, 0, len(lp.tools))
		for name := range lp.tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tool := lp.tools[name]
			out = append(out, models.ToolDescriptor{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
				Source:      models.ToolSourcePlugin,
				Owner:       lp.id,
			})
		}
	}
	return out, nil
}

func (h *Host) CallTool(ctx context.Context, name string, params map[string]any, sessionID string, queryID int64, bound []string) (any, error) {
	for _, lp := range h.visible(bound) {
		if tool, ok := lp.tools[name]; ok {
			return tool.Handler(ctx, pluginsdk.ToolCall{Params: params, SessionID: sessionID, QueryID: queryID})
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

func (h *Host) ListCommands(_ context.Context, bound []string) ([]CommandInfo, error) {
	var out []CommandInfo
	for _, lp := range h.visible(bound) {
		for _, cmd := range lp.commands {
			out = append(out, CommandInfo{Name: cmd.Name, Aliases: cmd.Aliases, Description: cmd.Description, Plugin: lp.id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (h *Host) ExecuteCommand(ctx context.Context, cmd *pluginsdk.CommandContext, bound []string) (*pluginsdk.CommandResult, error) {
	for _, lp := range h.visible(bound) {
		for _, c := range lp.commands {
			if matchesCommand(c, cmd.Command) {
				return c.Handler(ctx, cmd)
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.Command)
}

func matchesCommand(c pluginsdk.Command, name string) bool {
	if c.Name == name {
		return true
	}
	for _, a := range c.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

func (h *Host) RetrieveKnowledge(ctx context.Context, plugin, retriever, instance, query string) ([]models.RetrievalResultEntry, error) {
	h.mu.RLock()
	lp, ok := h.byID[plugin]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %s not loaded", plugin)
	}
	r, ok := lp.retrievers[retriever]
	if !ok {
		return nil, fmt.Errorf("plugin %s has no retriever %s", plugin, retriever)
	}
	return r(ctx, instance, query)
}

type pluginAPI struct {
	plugin *loadedPlugin
	config map[string]any
	logger *slog.Logger
}

func (a *pluginAPI) On(event pluginsdk.EventName, handler pluginsdk.EventHandler) {
	a.plugin.handlers[event] = append(a.plugin.handlers[event], handler)
}

func (a *pluginAPI) RegisterTool(tool pluginsdk.Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return fmt.Errorf("tool name and handler are required")
	}
	if _, exists := a.plugin.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	if tool.Parameters == nil {
		tool.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	a.plugin.tools[tool.Name] = tool
	return nil
}

func (a *pluginAPI) RegisterCommand(cmd pluginsdk.Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command name and handler are required")
	}
	a.plugin.commands[cmd.Name] = cmd
	return nil
}

func (a *pluginAPI) RegisterRetriever(name string, retriever pluginsdk.Retriever) error {
	if name == "" || retriever == nil {
		return fmt.Errorf("retriever name and function are required")
	}
	a.plugin.retrievers[name] = retriever
	return nil
}

func (a *pluginAPI) Config() map[string]any { return a.config }

func (a *pluginAPI) Logger() *slog.Logger { return a.logger }
