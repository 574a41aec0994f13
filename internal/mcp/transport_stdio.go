package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// StdioTransport talks JSON-RPC over the stdin/stdout of a subprocess.
// Messages are line delimited.
type StdioTransport struct {
	cfg    *ServerConfig
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	connected bool

	nextID  atomic.Int64
	pending sync.Map // int64 -> chan *JSONRPCResponse

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStdioTransport returns an unconnected stdio transport.
func NewStdioTransport(cfg *ServerConfig) *StdioTransport {
	return &StdioTransport{
		cfg:    cfg,
		logger: slog.Default().With("component", "mcp-stdio", "server", cfg.Name),
	}
}

// Connect starts the subprocess and begins reading its stdout.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	if t.cfg.WorkDir != "" {
		cmd.Dir = t.cfg.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

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
	t.stdout = stdout
	t.stderr = stderr
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.connected = true

	go t.readLoop()
	go t.logStderr()

	return nil
}

func (t *StdioTransport) readLoop() {
	defer close(t.doneCh)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-t.stopCh:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("stdout read ended", "error", err)
	}

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *StdioTransport) dispatch(line []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("unparseable message from server", "error", err)
		return
	}
	if resp.ID == nil {
		// Server-initiated notification; nothing listens for these.
		return
	}
	id, ok := numericID(resp.ID)
	if !ok {
		t.logger.Warn("response with non-numeric id", "id", resp.ID)
		return
	}
	if ch, ok := t.pending.LoadAndDelete(id); ok {
		ch.(chan *JSONRPCResponse) <- &resp
	}
}

func numericID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	}
	return 0, false
}

func (t *StdioTransport) logStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (*JSONRPCResponse, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("server %s: not connected", t.cfg.Name)
	}
	stdin := t.stdin
	t.mu.Unlock()

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  raw,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respCh := make(chan *JSONRPCResponse, 1)
	t.pending.Store(id, respCh)
	defer t.pending.Delete(id)

	t.mu.Lock()
	_, err = stdin.Write(append(data, '\n'))
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("server %s: %s timed out after %s", t.cfg.Name, method, timeout)
	case <-t.stopCh:
		return nil, fmt.Errorf("server %s: transport closed", t.cfg.Name)
	}
}

// Notify sends a notification without waiting for a response.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return fmt.Errorf("server %s: not connected", t.cfg.Name)
	}

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	note := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = t.stdin.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Connected reports whether the subprocess is still attached.
func (t *StdioTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close stops the reader and terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	close(t.stopCh)
	stdin := t.stdin
	cmd := t.cmd
	done := t.doneCh
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		waitCh := make(chan error, 1)
		go func() { waitCh <- cmd.Wait() }()
		select {
		case <-waitCh:
		case <-time.After(5 * time.Second):
			cmd.Process.Kill()
			<-waitCh
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	return nil
}
