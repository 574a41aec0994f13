// Package tools provides the built-in tool set and the registry the
// turn orchestrator executes against.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one executable capability exposed to the model.
type Tool interface {
	// Name returns the tool's unique name within a registry.
	Name() string

	// Description returns a short description for the model.
	Description() string

	// Schema returns the JSON schema of the tool's input object.
	Schema() json.RawMessage

	// Execute runs the tool. Tool-level failures are reported through
	// Result.IsError; the error return is for infrastructure failures.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the outcome of one tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

func textResult(content string) *Result {
	return &Result{Content: content}
}

func errorResult(msg string) *Result {
	return &Result{Content: msg, IsError: true}
}

// SecurityMode bounds what the built-in tool set may touch.
type SecurityMode string

const (
	// ModeFullControl enables every built-in, shell execution included.
	ModeFullControl SecurityMode = "full-control"
	// ModeLimitedControl drops shell execution and forces mutating
	// built-ins to per-call confirmation.
	ModeLimitedControl SecurityMode = "limited-control"
)
