package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/switchboard/internal/config"
)

const maxLine = 1 << 20

var errClosed = errors.New("mcp transport closed")

// stdioTransport speaks newline-delimited JSON-RPC to a child process.
type stdioTransport struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	wmu   sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rpcResponse
	nextID  atomic.Int64

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newStdio(cfg config.MCPServerConfig, logger *slog.Logger) *stdioTransport {
	return &stdioTransport{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan *rpcResponse),
		done:    make(chan struct{}),
	}
}

// Connect starts the server process. The process outlives ctx; Close stops it.
func (t *stdioTransport) Connect(_ context.Context) error {
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Dir = t.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.cfg.Command, err)
	}
	t.cmd = cmd
	t.stdin = stdin
	t.connected.Store(true)
	t.logger.Info("mcp server process started", "command", t.cfg.Command, "pid", cmd.Process.Pid)

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	return nil
}

func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		t.wg.Wait()
		if t.cmd != nil {
			_ = t.cmd.Wait()
		}
	})
	return nil
}

func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, errClosed
	}
	id := strconv.FormatInt(t.nextID.Add(1), 10)
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *rpcResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeoutOf(t.cfg))
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: no response after %s", method, timeoutOf(t.cfg))
	case <-t.done:
		return nil, errClosed
	}
}

func (t *stdioTransport) Notify(_ context.Context, method string, params any) error {
	if !t.connected.Load() {
		return errClosed
	}
	req, err := newRequest("", method, params)
	if err != nil {
		return err
	}
	return t.write(req)
}

func (t *stdioTransport) write(req *rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

func (t *stdioTransport) readLoop(r io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("ignoring non-json line from mcp server", "error", err)
			continue
		}
		id := responseID(resp.ID)
		if id == "" {
			// Server notifications are not consumed.
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[id]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("mcp server stdout closed", "error", err)
	}
}

func (t *stdioTransport) drainStderr(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("mcp server stderr", "line", line)
		}
	}
}
