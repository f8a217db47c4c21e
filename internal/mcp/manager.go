package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrToolNotFound is returned when no visible server offers a tool.
var ErrToolNotFound = errors.New("mcp tool not found")

// Manager owns the sessions to every configured MCP server, keyed by the
// server UUID. Servers are listed in configuration order so that tool name
// collisions resolve to the first server.
type Manager struct {
	servers []config.MCPServerConfig
	logger  *slog.Logger
	dial    func(config.MCPServerConfig, *slog.Logger) (*Client, error)

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewManager(servers []config.MCPServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers: servers,
		logger:  logger.With("component", "mcp"),
		dial:    NewClient,
		clients: make(map[string]*Client),
	}
}

// Start connects every enabled server in parallel. A server that fails to
// connect is logged and skipped; its tools are simply absent.
func (m *Manager) Start(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, srv := range m.servers {
		if !srv.IsEnabled() {
			continue
		}
		g.Go(func() error {
			if err := m.Connect(ctx, srv.UUID); err != nil {
				m.logger.Error("mcp server unavailable", "server", srv.UUID, "name", srv.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Connect opens the session for one configured server. Connecting an already
// connected server is a no-op.
func (m *Manager) Connect(ctx context.Context, uuid string) error {
	idx := slices.IndexFunc(m.servers, func(s config.MCPServerConfig) bool { return s.UUID == uuid })
	if idx < 0 {
		return fmt.Errorf("mcp server %q is not configured", uuid)
	}
	cfg := m.servers[idx]
	if err := Validate(cfg); err != nil {
		return err
	}

	m.mu.RLock()
	_, ok := m.clients[uuid]
	m.mu.RUnlock()
	if ok {
		return nil
	}

	client, err := m.dial(cfg, m.logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[uuid]; ok {
		_ = client.Close()
		return nil
	}
	m.clients[uuid] = client
	return nil
}

// Disconnect closes one server session.
func (m *Manager) Disconnect(uuid string) error {
	m.mu.Lock()
	client, ok := m.clients[uuid]
	delete(m.clients, uuid)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

// Stop closes every session.
func (m *Manager) Stop() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var errs []error
	for id, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Tools lists the tools of every connected server visible under bound.
// A nil bound means all servers; an empty bound means none.
func (m *Manager) Tools(bound []string) []models.ToolDescriptor {
	var out []models.ToolDescriptor
	seen := make(map[string]bool)
	for _, v := range m.visible(bound) {
		for _, t := range v.client.Tools() {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			out = append(out, models.ToolDescriptor{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaMap(t.InputSchema),
				Source:      models.ToolSourceMCP,
				Owner:       v.uuid,
			})
		}
	}
	return out
}

// HasTool reports whether a visible server offers name.
func (m *Manager) HasTool(name string, bound []string) bool {
	_, _, ok := m.find(name, bound)
	return ok
}

// CallTool calls name on the first visible server that offers it and
// returns the joined text of the result.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any, bound []string) (string, error) {
	uuid, client, ok := m.find(name, bound)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	result, err := client.CallTool(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("mcp server %s: %w", uuid, err)
	}
	return result.Text(), nil
}

// ServerStatus reports the state of one configured server.
type ServerStatus struct {
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
}

func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, cfg := range m.servers {
		st := ServerStatus{UUID: cfg.UUID, Name: cfg.Name, Enabled: cfg.IsEnabled()}
		if c, ok := m.clients[cfg.UUID]; ok {
			st.Connected = c.Connected()
			st.Server = c.ServerInfo()
			st.Tools = len(c.Tools())
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) find(name string, bound []string) (string, *Client, bool) {
	for _, v := range m.visible(bound) {
		for _, t := range v.client.Tools() {
			if t.Name == name {
				return v.uuid, v.client, true
			}
		}
	}
	return "", nil, false
}

type visibleClient struct {
	uuid   string
	client *Client
}

// visible returns connected clients in configuration order, filtered by bound.
func (m *Manager) visible(bound []string) []visibleClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []visibleClient
	for _, cfg := range m.servers {
		if bound != nil && !slices.Contains(bound, cfg.UUID) {
			continue
		}
		if c, ok := m.clients[cfg.UUID]; ok {
			out = append(out, visibleClient{uuid: cfg.UUID, client: c})
		}
	}
	return out
}

func schemaMap(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	if schema == nil {
		schema = map[string]any{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema
}
