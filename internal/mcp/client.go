package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/switchboard/internal/config"
)

// Client holds one initialised session with an MCP server.
type Client struct {
	cfg       config.MCPServerConfig
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []*Tool
	info  ServerInfo
}

// NewClient builds a client for cfg without connecting it.
func NewClient(cfg config.MCPServerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newClientWithTransport(cfg, t, logger), nil
}

func newClientWithTransport(cfg config.MCPServerConfig, t Transport, logger *slog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		transport: t,
		logger:    logger.With("mcp_server", cfg.UUID),
	}
}

// Connect runs the initialize handshake and loads the tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	raw, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "switchboard", "version": "1.0.0"},
	})
	if err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.mu.Lock()
	c.info = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	if err := c.RefreshTools(ctx); err != nil {
		_ = c.transport.Close()
		return err
	}
	c.logger.Info("mcp server connected",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion,
		"tools", len(c.Tools()))
	return nil
}

// RefreshTools reloads the server's tool list, following pagination.
func (c *Client) RefreshTools(ctx context.Context) error {
	var tools []*Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("decode tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool. A result flagged isError is returned as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call: %w", err)
	}
	if result.IsError {
		return &result, fmt.Errorf("tool %s reported an error: %s", name, result.Text())
	}
	return &result, nil
}

func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Client) Connected() bool {
	return c.transport.Connected()
}

func (c *Client) Close() error {
	return c.transport.Close()
}
