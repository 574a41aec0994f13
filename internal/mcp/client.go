package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const protocolVersion = "2024-11-05"

// Client wraps one transport with the MCP handshake and tool calls.
type Client struct {
	cfg       *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []*Tool
	info  ServerInfo
}

// NewClient creates a client for the given server. Connect must be
// called before tools are available.
func NewClient(cfg *ServerConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		logger:    slog.Default().With("component", "mcp-client", "server", cfg.Name),
	}, nil
}

// Connect establishes the transport, performs the initialize
// handshake, and fetches the server's tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Name, err)
	}

	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "ferry",
			"version": "1.0.0",
		},
	}
	resp, err := c.transport.Call(ctx, "initialize", initParams)
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize %s: %w", c.cfg.Name, err)
	}
	if resp.Error != nil {
		c.transport.Close()
		return fmt.Errorf("initialize %s: %s (code %d)", c.cfg.Name, resp.Error.Message, resp.Error.Code)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize %s: decode result: %w", c.cfg.Name, err)
	}

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	c.mu.Lock()
	c.info = initResult.ServerInfo
	c.mu.Unlock()

	if err := c.RefreshTools(ctx); err != nil {
		c.transport.Close()
		return err
	}

	c.logger.Info("connected",
		"server_version", initResult.ServerInfo.Version,
		"tools", len(c.Tools()))
	return nil
}

// RefreshTools re-fetches the server's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	resp, err := c.transport.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("list tools on %s: %w", c.cfg.Name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("list tools on %s: %s (code %d)", c.cfg.Name, resp.Error.Message, resp.Error.Code)
	}

	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("list tools on %s: decode result: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list from the last refresh.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Info returns the server's reported identity.
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// CallTool invokes a tool on the server by its unqualified name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	params := CallToolParams{Name: name, Arguments: args}
	resp, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, c.cfg.Name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("call %s on %s: %s (code %d)", name, c.cfg.Name, resp.Error.Message, resp.Error.Code)
	}

	var result ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("call %s on %s: decode result: %w", name, c.cfg.Name, err)
	}
	return &result, nil
}

// Connected reports whether the transport is usable.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Close tears down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
