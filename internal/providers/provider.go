// Package providers implements LLM provider integrations for the Ferry
// gateway.
//
// Each provider handles the specifics of one API (Anthropic, OpenAI)
// while presenting a unified streaming interface to the turn
// orchestrator: a channel of chunks carrying text deltas, reasoning
// deltas, complete tool calls, token usage, and a terminal done or
// error marker.
package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/quayside/ferry/pkg/models"
)

// Provider is the interface all LLM backends implement.
//
// Implementations must be safe for concurrent use; each Complete call
// creates an independent stream and goroutine. Cancelling the context
// stops the stream.
type Provider interface {
	// Complete sends a request and returns a streaming response. The
	// channel is closed when the stream completes or errors; the final
	// chunk always carries Done or Error.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the provider identifier used in model prefixes.
	Name() string

	// Models returns the model identifiers this provider serves.
	Models() []string
}

// Request contains all parameters for one completion call.
type Request struct {
	// Model is the bare model id, without the provider prefix.
	Model string `json:"model"`

	// System sets the assistant's behavior; handled separately from
	// messages in most APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []Message `json:"messages"`

	// Tools the model may request to execute. Empty disables tool use.
	Tools []ToolDef `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Message is a single conversation entry in provider-neutral form.
// Role is "user", "assistant", or "tool" (tool-result carrier).
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDef describes one callable tool in the shape LLM APIs expect.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Chunk is a single element of a streaming response.
type Chunk struct {
	// Text is a partial response delta.
	Text string

	// Reasoning is a partial extended-thinking delta. Reasoning content
	// is streamed to the client but never persisted.
	Reasoning string

	// ToolCall is a complete tool invocation request.
	ToolCall *models.ToolCall

	// InputTokens and OutputTokens are set on the final Done chunk.
	InputTokens  int
	OutputTokens int

	// Done marks successful completion of the stream.
	Done bool

	// Error marks an aborted stream.
	Error error
}

// SplitModel splits a provider-qualified model id ("anthropic/claude-…")
// into its provider name and bare model id. An unqualified id returns an
// empty provider.
func SplitModel(qualified string) (provider, model string) {
	if idx := strings.IndexByte(qualified, '/'); idx >= 0 {
		return strings.ToLower(qualified[:idx]), qualified[idx+1:]
	}
	return "", qualified
}
