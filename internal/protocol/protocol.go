// Package protocol defines the message set exchanged between the
// gateway and any attached interface. Both directions are closed
// tagged unions discriminated by a type field; requests and the
// responses or streams they produce are correlated by a caller-supplied
// opaque id.
package protocol

import "encoding/json"

// Client message types.
const (
	TypeChatSend         = "chat.send"
	TypeChatAbort        = "chat.abort"
	TypeContextInspect   = "context.inspect"
	TypeUsageQuery       = "usage.query"
	TypeSessionsList     = "sessions.list"
	TypeApprovalRespond  = "approval.respond"
	TypePreflightRespond = "preflight.respond"
)

// Server message types.
const (
	TypeStreamStart      = "stream.start"
	TypeStreamDelta      = "stream.delta"
	TypeStreamEnd        = "stream.end"
	TypeToolCall         = "tool.call"
	TypeToolResult       = "tool.result"
	TypeApprovalRequest  = "approval.request"
	TypePreflightRequest = "preflight.request"
	TypeError            = "error"
	TypeSessionCreated   = "session.created"
	TypeSessionList      = "session.list"
	TypeContextInfo      = "context.info"
	TypeUsageReport      = "usage.report"
)

// Error codes carried by error messages.
const (
	ErrCodeBusy     = "busy"
	ErrCodeProtocol = "protocol"
	ErrCodeProvider = "provider"
	ErrCodeSession  = "session_not_found"
	ErrCodeInternal = "internal"
)

// ClientMessage is one decoded inbound frame. Exactly one payload
// field is populated, matching Type.
type ClientMessage struct {
	Type string
	ID   string

	ChatSend         *ChatSendPayload
	ChatAbort        *ChatAbortPayload
	ContextInspect   *ContextInspectPayload
	UsageQuery       *UsageQueryPayload
	ApprovalRespond  *ApprovalRespondPayload
	PreflightRespond *PreflightRespondPayload
}

// ChatSendPayload starts a turn.
type ChatSendPayload struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`
	Preflight bool   `json:"preflight,omitempty"`
}

// ChatAbortPayload cancels the in-flight turn.
type ChatAbortPayload struct {
	RequestID string `json:"requestId,omitempty"`
}

// ContextInspectPayload asks for the bound session's context summary.
type ContextInspectPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

// UsageQueryPayload asks for usage totals, optionally per session.
type UsageQueryPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ApprovalRespondPayload resolves a pending tool approval.
type ApprovalRespondPayload struct {
	ApprovalID        string `json:"approvalId"`
	Approved          bool   `json:"approved"`
	ApproveForSession bool   `json:"approveForSession,omitempty"`
}

// PreflightRespondPayload resolves a pending preflight plan.
type PreflightRespondPayload struct {
	RequestID   string          `json:"requestId"`
	Approved    bool            `json:"approved"`
	EditedSteps []PreflightStep `json:"editedSteps,omitempty"`
}

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Usage summarizes token consumption for one turn.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// StreamStartPayload opens a response stream.
type StreamStartPayload struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
	Tier      string `json:"tier,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StreamDeltaPayload carries incremental output.
type StreamDeltaPayload struct {
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// StreamEndPayload closes a response stream with final accounting.
type StreamEndPayload struct {
	Usage Usage   `json:"usage"`
	Cost  float64 `json:"cost"`
	Error string  `json:"error,omitempty"`
}

// ToolCallPayload announces a tool invocation.
type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload reports a completed tool invocation.
type ToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// ApprovalRequestPayload asks the user to confirm a tool call.
type ApprovalRequestPayload struct {
	ApprovalID string          `json:"approvalId"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Tier       string          `json:"tier"`
	TimeoutMS  int64           `json:"timeoutMs"`
}

// PreflightStep is one planned step of a complex turn.
type PreflightStep struct {
	Description   string `json:"description"`
	Tool          string `json:"tool,omitempty"`
	Risk          string `json:"risk"` // low | medium | high
	NeedsApproval bool   `json:"needsApproval"`
}

// PreflightPlan is the structured plan for a complex turn.
type PreflightPlan struct {
	Steps               []PreflightStep `json:"steps"`
	EstimatedTokens     int             `json:"estimatedTokens"`
	EstimatedCost       float64         `json:"estimatedCost"`
	RequiredPermissions []string        `json:"requiredPermissions,omitempty"`
	Warnings            []string        `json:"warnings,omitempty"`
}

// PreflightRequestPayload asks the user to confirm a plan.
type PreflightRequestPayload struct {
	Plan PreflightPlan `json:"plan"`
}

// ErrorPayload reports a request-scoped or connection-scoped failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionCreatedPayload reports a freshly bound session.
type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model,omitempty"`
}

// SessionSummary is one entry of a session listing.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	Model     string `json:"model,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// SessionListPayload answers a sessions.list request.
type SessionListPayload struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ContextInfoPayload answers a context.inspect request.
type ContextInfoPayload struct {
	SessionID    string   `json:"sessionId"`
	Model        string   `json:"model,omitempty"`
	MessageCount int      `json:"messageCount"`
	Tools        []string `json:"tools,omitempty"`
}

// UsageRecord is one usage entry.
type UsageRecord struct {
	SessionID    string  `json:"sessionId"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	RecordedAt   string  `json:"recordedAt,omitempty"`
}

// UsageReportPayload answers a usage.query request.
type UsageReportPayload struct {
	Records []UsageRecord `json:"records,omitempty"`
	Totals  Usage         `json:"totals"`
	Cost    float64       `json:"cost"`
}

// Transport delivers server messages to whatever interface is
// attached. Send is fire and forget from the gateway's perspective.
type Transport interface {
	Send(msg *ServerMessage) error
}
