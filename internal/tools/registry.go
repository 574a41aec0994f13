package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/quayside/ferry/internal/approval"
	"github.com/quayside/ferry/internal/mcp"
)

// Tool input limits guard against resource exhaustion.
const (
	maxToolNameLength = 256
	maxToolParamsSize = 10 << 20
)

// Entry pairs a tool with its policy-resolved approval tier. The tier
// is stamped at build time so the orchestrator never re-derives it
// mid-turn.
type Entry struct {
	Definition   Tool
	ApprovalTier approval.Tier
}

// Registry is the tool map a turn executes against. It is immutable
// after Build; a config change produces a fresh registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Get returns the entry for a tool name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Names returns all tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns all entries ordered by tool name.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Definition.Name() < entries[j].Definition.Name()
	})
	return entries
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Execute runs a tool by name. Unknown tools and invalid inputs come
// back as error results, not errors; the model sees them as feedback.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > maxToolNameLength {
		return errorResult(fmt.Sprintf("tool name exceeds maximum length of %d characters", maxToolNameLength)), nil
	}
	if len(params) > maxToolParamsSize {
		return errorResult(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", maxToolParamsSize)), nil
	}

	entry, ok := r.Get(name)
	if !ok {
		return errorResult("tool not found: " + name), nil
	}
	return entry.Definition.Execute(ctx, params)
}

func (r *Registry) add(tool Tool, tier approval.Tier) {
	r.entries[tool.Name()] = &Entry{Definition: tool, ApprovalTier: tier}
}

// BuildConfig parameterizes one registry build.
type BuildConfig struct {
	SecurityMode SecurityMode
	Workspace    string
}

// readOnlyBuiltins never mutate anything; absent an explicit per-tool
// override they resolve to the auto tier. This is the one auto-approval
// mechanism; there is no separate caller-side allowlist.
var readOnlyBuiltins = map[string]bool{
	"read_file": true,
	"list_dir":  true,
	"fetch_url": true,
}

// mutatingBuiltins are clamped to per-call confirmation in
// limited-control mode, overrides included.
var mutatingBuiltins = map[string]bool{
	"write_file":     true,
	"exec_shell":     true,
	"draft_skill":    true,
	"register_skill": true,
}

// Build assembles a registry: built-ins first, then every configured
// tool server's tools under the <server>.<tool> namespace. A server
// that cannot provide tools is skipped with a warning; the registry
// stays usable with whatever succeeded.
func Build(ctx context.Context, cfg BuildConfig, policy *approval.Policy, pool *mcp.Pool) *Registry {
	logger := slog.Default().With("component", "tool-registry")
	r := &Registry{entries: make(map[string]*Entry)}

	builtins := []Tool{
		NewReadFileTool(cfg.Workspace),
		NewWriteFileTool(cfg.Workspace),
		NewListDirTool(cfg.Workspace),
		NewFetchURLTool(),
		NewDraftSkillTool(cfg.Workspace),
		NewRegisterSkillTool(cfg.Workspace),
	}
	if cfg.SecurityMode != ModeLimitedControl {
		builtins = append(builtins, NewExecShellTool(cfg.Workspace))
	}

	for _, tool := range builtins {
		r.add(tool, builtinTier(tool.Name(), cfg.SecurityMode, policy))
	}

	if pool != nil {
		for server, serverTools := range pool.AllTools(ctx) {
			if len(serverTools) == 0 {
				logger.Warn("tool server contributed no tools", "server", server)
				continue
			}
			for _, t := range serverTools {
				wrapped := &mcpTool{pool: pool, server: server, tool: t}
				r.add(wrapped, policy.TierFor(wrapped.Name()))
			}
			logger.Debug("registered server tools", "server", server, "count", len(serverTools))
		}
	}

	logger.Info("registry built", "tools", r.Len(), "security_mode", string(cfg.SecurityMode))
	return r
}

func builtinTier(name string, mode SecurityMode, policy *approval.Policy) approval.Tier {
	if mode == ModeLimitedControl && mutatingBuiltins[name] {
		return approval.TierAlways
	}
	if readOnlyBuiltins[name] && !policy.HasOverride(name) {
		return approval.TierAuto
	}
	return policy.TierFor(name)
}

// mcpTool adapts one external server tool to the Tool interface under
// its namespaced name.
type mcpTool struct {
	pool   *mcp.Pool
	server string
	tool   *mcp.Tool
}

func (t *mcpTool) Name() string {
	return t.server + "." + t.tool.Name
}

func (t *mcpTool) Description() string {
	if t.tool.Description != "" {
		return t.tool.Description
	}
	return "Tool " + t.tool.Name + " from server " + t.server
}

func (t *mcpTool) Schema() json.RawMessage {
	if len(t.tool.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.tool.InputSchema
}

func (t *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	result, err := t.pool.CallTool(ctx, t.server, t.tool.Name, params)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return &Result{Content: result.Text(), IsError: result.IsError}, nil
}
