// Package mcp is a Model Context Protocol client. A Manager keeps one
// long-lived session per configured server and exposes their tools.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/switchboard/internal/config"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	protocolVersion = "2024-11-05"
)

// Tool is a tool advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is one element of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the text elements of the result.
func (r *CallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		switch c.Type {
		case "text":
			parts = append(parts, c.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", c.MimeType, len(c.Data)))
		}
	}
	return strings.Join(parts, "\n")
}

// ServerInfo identifies a connected server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

type listToolsResult struct {
	Tools      []*Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error returned by a server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func newRequest(id, method string, params any) (*rpcRequest, error) {
	req := &rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// responseID normalises a decoded JSON-RPC id to the string form requests use.
func responseID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%d", int64(v))
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Validate rejects server definitions that cannot be started or that look
// like shell injection.
func Validate(cfg config.MCPServerConfig) error {
	if cfg.UUID == "" {
		return fmt.Errorf("mcp server uuid is required")
	}
	switch transport(cfg) {
	case TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("mcp server %s: command is required", cfg.UUID)
		}
		for field, path := range map[string]string{"command": cfg.Command, "workdir": cfg.WorkDir} {
			if path != "" && strings.Contains(filepath.Clean(path), "..") {
				return fmt.Errorf("mcp server %s: %s contains path traversal: %q", cfg.UUID, field, path)
			}
		}
		for i, arg := range cfg.Args {
			if hasShellMetachars(arg) {
				return fmt.Errorf("mcp server %s: arg[%d] contains shell metacharacters: %q", cfg.UUID, i, arg)
			}
		}
	case TransportHTTP:
		if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
			return fmt.Errorf("mcp server %s: url must start with http:// or https://", cfg.UUID)
		}
	default:
		return fmt.Errorf("mcp server %s: unknown transport %q", cfg.UUID, cfg.Transport)
	}
	return nil
}

func transport(cfg config.MCPServerConfig) string {
	if cfg.Transport == "" {
		return TransportStdio
	}
	return cfg.Transport
}

func hasShellMetachars(s string) bool {
	for _, p := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
