package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HTTPTransport talks JSON-RPC over HTTP POST. It serves both the
// "http" and "sse" transport configs; a server may answer the POST
// with plain JSON or with a text/event-stream body whose events carry
// the response.
type HTTPTransport struct {
	cfg    *ServerConfig
	client *http.Client

	mu        sync.Mutex
	connected bool
}

// NewHTTPTransport returns an unconnected HTTP transport.
func NewHTTPTransport(cfg *ServerConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Connect marks the transport usable. HTTP is stateless so there is
// nothing to establish; the initialize handshake is what actually
// exercises the server.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// Call posts a request and decodes the response body.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (*JSONRPCResponse, error) {
	if !t.Connected() {
		return nil, fmt.Errorf("server %s: not connected", t.cfg.Name)
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  raw,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server %s: HTTP %d: %s", t.cfg.Name, resp.StatusCode, bytes.TrimSpace(data))
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		return decodeEventStream(resp.Body)
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rpcResp, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(strings.ToLower(mediaType)) == "text/event-stream"
}

// decodeEventStream reads SSE events off the response body until one
// carries a JSON-RPC response. Events that are notifications or
// server-initiated requests are skipped; a stream that ends without a
// response is an error.
func decodeEventStream(r io.Reader) (*JSONRPCResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var data bytes.Buffer
	flush := func() (*JSONRPCResponse, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		payload := data.Bytes()
		data.Reset()
		var rpcResp JSONRPCResponse
		if err := json.Unmarshal(payload, &rpcResp); err != nil {
			return nil, false
		}
		var envelope struct {
			Method string `json:"method"`
		}
		json.Unmarshal(payload, &envelope)
		if envelope.Method != "" || (rpcResp.Result == nil && rpcResp.Error == nil) {
			return nil, false
		}
		return &rpcResp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if rpcResp, ok := flush(); ok {
				return rpcResp, nil
			}
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
		}
	}
	if rpcResp, ok := flush(); ok {
		return rpcResp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}

// Notify posts a notification and discards the response.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.Connected() {
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
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", t.cfg.Name, err)
	}
	return resp, nil
}

// Connected reports whether Connect has been called.
func (t *HTTPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close marks the transport unusable.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.client.CloseIdleConnections()
	return nil
}
