package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
)

// DefaultTimeout bounds a single JSON-RPC exchange.
const DefaultTimeout = 30 * time.Second

// Transport carries JSON-RPC messages to one server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Connected() bool
}

// NewTransport builds the transport named by the server config.
func NewTransport(cfg config.MCPServerConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.UUID, "transport", transport(cfg))
	switch transport(cfg) {
	case TransportStdio:
		return newStdio(cfg, logger), nil
	case TransportHTTP:
		return newHTTP(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown mcp transport %q", cfg.Transport)
	}
}

func timeoutOf(cfg config.MCPServerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return DefaultTimeout
}
