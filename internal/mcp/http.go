package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/haasonsaas/switchboard/internal/config"
)

const sessionHeader = "Mcp-Session-Id"

// httpTransport posts each JSON-RPC message to the server URL. Replies may
// come back as a JSON body or as a short event stream.
type httpTransport struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	sessionID string
	connected atomic.Bool
}

func newHTTP(cfg config.MCPServerConfig, logger *slog.Logger) *httpTransport {
	return &httpTransport{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: timeoutOf(cfg)},
	}
}

func (t *httpTransport) Connect(_ context.Context) error {
	t.connected.Store(true)
	t.logger.Info("mcp http transport ready", "url", t.cfg.URL)
	return nil
}

func (t *httpTransport) Close() error {
	t.connected.Store(false)
	return nil
}

func (t *httpTransport) Connected() bool {
	return t.connected.Load()
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, errClosed
	}
	id := uuid.NewString()
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	rpc, err := t.readResponse(resp, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if rpc.Error != nil {
		return nil, rpc.Error
	}
	return rpc.Result, nil
}

func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return errClosed
	}
	req, err := newRequest("", method, params)
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) post(ctx context.Context, req *rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Method, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

func (t *httpTransport) readResponse(resp *http.Response, id string) (*rpcResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		var rpc rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &rpc, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(payload, " "))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}
		var rpc rpcResponse
		err := json.Unmarshal([]byte(data.String()), &rpc)
		data.Reset()
		if err != nil {
			t.logger.Debug("skipping undecodable event", "error", err)
			continue
		}
		if responseID(rpc.ID) == id {
			return &rpc, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if data.Len() > 0 {
		var rpc rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &rpc); err == nil && responseID(rpc.ID) == id {
			return &rpc, nil
		}
	}
	return nil, fmt.Errorf("event stream ended without a response")
}
