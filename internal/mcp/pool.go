package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ToolClient is the part of Client the pool hands out.
type ToolClient interface {
	Tools() []*Tool
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error)
	Close() error
}

// DialFunc creates and connects a client for one server.
type DialFunc func(ctx context.Context, cfg *ServerConfig) (ToolClient, error)

func defaultDial(ctx context.Context, cfg *ServerConfig) (ToolClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Pool lazily connects to configured servers and caches one client per
// server name for the lifetime of the pool. Concurrent first requests
// for the same server share a single connection attempt.
type Pool struct {
	dial   DialFunc
	logger *slog.Logger

	mu      sync.Mutex
	configs map[string]*ServerConfig
	entries map[string]*poolEntry
}

type poolEntry struct {
	mu     sync.Mutex
	dialed bool
	closed bool
	client ToolClient
	err    error
}

// take marks the entry closed and hands back the client, waiting out
// any dial still in flight so the connection cannot leak.
func (e *poolEntry) take() ToolClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	client := e.client
	e.client = nil
	return client
}

// NewPool creates a pool over the given server configs. No connections
// are made until a server's tools are first requested.
func NewPool(configs []*ServerConfig) *Pool {
	p := &Pool{
		dial:    defaultDial,
		logger:  slog.Default().With("component", "mcp-pool"),
		configs: make(map[string]*ServerConfig, len(configs)),
		entries: make(map[string]*poolEntry),
	}
	for _, cfg := range configs {
		p.configs[cfg.Name] = cfg
	}
	return p
}

// SetDial replaces the connection function. Intended for tests.
func (p *Pool) SetDial(dial DialFunc) {
	p.dial = dial
}

// Servers returns the configured server names.
func (p *Pool) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.configs))
	for name := range p.configs {
		names = append(names, name)
	}
	return names
}

// Client returns the connected client for a server, dialing on first
// use. A failed dial is cached until Reset or CloseAll.
func (p *Pool) Client(ctx context.Context, name string) (ToolClient, error) {
	p.mu.Lock()
	cfg, ok := p.configs[name]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("unknown tool server %q", name)
	}
	entry, ok := p.entries[name]
	if !ok {
		entry = &poolEntry{}
		p.entries[name] = entry
	}
	p.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return nil, fmt.Errorf("tool server %s: pool closed", name)
	}
	if !entry.dialed {
		entry.dialed = true
		entry.client, entry.err = p.dial(ctx, cfg)
		if entry.err != nil {
			p.logger.Warn("tool server unavailable", "server", name, "error", entry.err)
		}
	}
	if entry.err != nil {
		return nil, fmt.Errorf("tool server %s: %w", name, entry.err)
	}
	return entry.client, nil
}

// Tools returns the tool list for one server. An unreachable server
// yields an empty list rather than an error.
func (p *Pool) Tools(ctx context.Context, name string) []*Tool {
	client, err := p.Client(ctx, name)
	if err != nil {
		return nil
	}
	return client.Tools()
}

// AllTools returns tools from every configured server, keyed by server
// name. Unreachable servers contribute an empty entry so a bad server
// never blocks the rest.
func (p *Pool) AllTools(ctx context.Context) map[string][]*Tool {
	p.mu.Lock()
	names := make([]string, 0, len(p.configs))
	for name := range p.configs {
		names = append(names, name)
	}
	p.mu.Unlock()

	out := make(map[string][]*Tool, len(names))
	for _, name := range names {
		out[name] = p.Tools(ctx, name)
	}
	return out
}

// CallTool invokes a tool on a named server.
func (p *Pool) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (*ToolCallResult, error) {
	client, err := p.Client(ctx, server)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// Reset drops the cached client for one server so the next request
// dials fresh. The old client, if any, is closed.
func (p *Pool) Reset(name string) {
	p.mu.Lock()
	entry := p.entries[name]
	delete(p.entries, name)
	p.mu.Unlock()

	if entry == nil {
		return
	}
	if client := entry.take(); client != nil {
		client.Close()
	}
}

// CloseAll closes every cached client and clears the cache. Close
// errors are logged, not returned; shutdown is best effort.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for name, entry := range entries {
		client := entry.take()
		if client == nil {
			continue
		}
		if err := client.Close(); err != nil {
			p.logger.Warn("close tool server", "server", name, "error", err)
		}
	}
}
