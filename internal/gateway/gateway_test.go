package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quayside/ferry/internal/config"
	"github.com/quayside/ferry/internal/mcp"
	"github.com/quayside/ferry/internal/metrics"
	"github.com/quayside/ferry/internal/protocol"
	"github.com/quayside/ferry/internal/providers"
	"github.com/quayside/ferry/internal/routing"
	"github.com/quayside/ferry/internal/sessions"
	"github.com/quayside/ferry/internal/usage"
	"github.com/quayside/ferry/pkg/models"
)

// scriptedProvider plays back one chunk sequence per Complete call.
type scriptedProvider struct {
	mu       sync.Mutex
	rounds   [][]*providers.Chunk
	requests []*providers.Request
	release  chan struct{}
}

func (p *scriptedProvider) Complete(ctx context.Context, req *providers.Request) (<-chan *providers.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var round []*providers.Chunk
	if len(p.rounds) > 0 {
		round = p.rounds[0]
		p.rounds = p.rounds[1:]
	}
	release := p.release
	p.mu.Unlock()

	ch := make(chan *providers.Chunk, len(round)+1)
	go func() {
		defer close(ch)
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				ch <- &providers.Chunk{Error: ctx.Err()}
				return
			}
		}
		for _, chunk := range round {
			ch <- chunk
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string     { return "anthropic" }
func (p *scriptedProvider) Models() []string { return []string{"claude-sonnet-4-test"} }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textRound(text string, in, out int) []*providers.Chunk {
	return []*providers.Chunk{
		{Text: text},
		{Done: true, InputTokens: in, OutputTokens: out},
	}
}

func toolRound(id, name, input string) []*providers.Chunk {
	return []*providers.Chunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

// captureTransport records outbound messages and lets tests wait for
// specific types.
type captureTransport struct {
	mu     sync.Mutex
	msgs   []*protocol.ServerMessage
	notify chan *protocol.ServerMessage
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{notify: make(chan *protocol.ServerMessage, 256)}
}

func (t *captureTransport) Send(msg *protocol.ServerMessage) error {
	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()
	t.notify <- msg
	return nil
}

func (t *captureTransport) waitFor(tb testing.TB, msgType string) *protocol.ServerMessage {
	tb.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-t.notify:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			tb.Fatalf("timed out waiting for %s; got %v", msgType, t.types())
			return nil
		}
	}
}

func (t *captureTransport) byType(msgType string) []*protocol.ServerMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*protocol.ServerMessage
	for _, msg := range t.msgs {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (t *captureTransport) types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.msgs))
	for _, msg := range t.msgs {
		out = append(out, msg.Type)
	}
	return out
}

type testEnv struct {
	gateway   *Gateway
	conn      *ConnState
	transport *captureTransport
	provider  *scriptedProvider
	sessions  sessions.Store
	usage     usage.Store
	cfg       *config.Config
}

func newTestEnv(t *testing.T, provider *scriptedProvider, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Security.Workspace = t.TempDir()
	cfg.Routing.Tiers = map[string][]string{
		"standard": {"anthropic/claude-sonnet-4-test"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	tierModels := make(map[routing.Tier][]string, len(cfg.Routing.Tiers))
	for name, list := range cfg.Routing.Tiers {
		tier, err := routing.ParseTier(name)
		if err != nil {
			t.Fatalf("bad tier %q: %v", name, err)
		}
		tierModels[tier] = list
	}
	router, err := routing.NewRouter(routing.DefaultRules(), tierModels)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	reg := providers.NewRegistry()
	reg.Register(provider)

	sessionStore := sessions.NewMemoryStore()
	usageStore := usage.NewMemoryStore()

	gw := New(Options{
		Config:    cfg,
		Providers: reg,
		Router:    router,
		Sessions:  sessionStore,
		Usage:     usageStore,
		Pool:      mcp.NewPool(nil),
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})

	conn := gw.Register("conn-test")
	t.Cleanup(func() { gw.Unregister("conn-test") })

	return &testEnv{
		gateway:   gw,
		conn:      conn,
		transport: newCaptureTransport(),
		provider:  provider,
		sessions:  sessionStore,
		usage:     usageStore,
		cfg:       cfg,
	}
}

func (e *testEnv) sendChat(ctx context.Context, id, content string) {
	e.gateway.HandleMessage(ctx, e.conn, e.transport, &protocol.ClientMessage{
		Type:     protocol.TypeChatSend,
		ID:       id,
		ChatSend: &protocol.ChatSendPayload{Content: content},
	})
}

func (e *testEnv) respondApproval(approvalID string, approved, forSession bool) {
	e.gateway.HandleMessage(context.Background(), e.conn, e.transport, &protocol.ClientMessage{
		Type: protocol.TypeApprovalRespond,
		ID:   "resp-" + approvalID,
		ApprovalRespond: &protocol.ApprovalRespondPayload{
			ApprovalID:        approvalID,
			Approved:          approved,
			ApproveForSession: forSession,
		},
	})
}

func streamEndPayload(t *testing.T, msg *protocol.ServerMessage) *protocol.StreamEndPayload {
	t.Helper()
	payload, ok := msg.Payload.(*protocol.StreamEndPayload)
	if !ok {
		t.Fatalf("stream.end payload is %T", msg.Payload)
	}
	return payload
}

func TestPlainTextTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		textRound("hello there", 12, 7),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "hi")

	env.transport.waitFor(t, protocol.TypeSessionCreated)
	env.transport.waitFor(t, protocol.TypeStreamStart)
	end := streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))

	if end.Error != "" {
		t.Fatalf("unexpected stream error %q", end.Error)
	}
	if end.Usage.InputTokens != 12 || end.Usage.OutputTokens != 7 {
		t.Fatalf("usage = %+v", end.Usage)
	}

	var text strings.Builder
	for _, msg := range env.transport.byType(protocol.TypeStreamDelta) {
		text.WriteString(msg.Payload.(*protocol.StreamDeltaPayload).Text)
	}
	if text.String() != "hello there" {
		t.Fatalf("streamed text = %q", text.String())
	}

	// Exactly the user and assistant messages were persisted.
	sessionID := env.conn.SessionID()
	history, err := env.sessions.History(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d messages, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %s, %s", history[0].Role, history[1].Role)
	}

	records, err := env.usage.BySession(context.Background(), sessionID)
	if err != nil || len(records) != 1 {
		t.Fatalf("usage records = %v, err %v", records, err)
	}
	if records[0].Cost <= 0 {
		t.Fatal("expected a nonzero cost for a priced model")
	}
}

func TestBusyRejection(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{
		rounds:  [][]*providers.Chunk{textRound("slow answer", 1, 1)},
		release: release,
	}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "first")
	env.transport.waitFor(t, protocol.TypeStreamStart)

	env.sendChat(context.Background(), "req-2", "second")
	errMsg := env.transport.waitFor(t, protocol.TypeError)
	payload := errMsg.Payload.(*protocol.ErrorPayload)
	if payload.Code != protocol.ErrCodeBusy {
		t.Fatalf("code = %q, want busy", payload.Code)
	}
	if errMsg.RequestID != "req-2" {
		t.Fatalf("busy error correlated to %q", errMsg.RequestID)
	}

	close(release)
	env.transport.waitFor(t, protocol.TypeStreamEnd)

	// The connection accepts a new turn after the first completes.
	env.provider.mu.Lock()
	env.provider.rounds = [][]*providers.Chunk{textRound("again", 1, 1)}
	env.provider.release = nil
	env.provider.mu.Unlock()
	env.sendChat(context.Background(), "req-3", "third")
	env.transport.waitFor(t, protocol.TypeStreamEnd)
}

func TestToolCallApproved(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "write_file", `{"path":"note.txt","content":"saved"}`),
		textRound("wrote the file", 20, 9),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "write a note")

	req := env.transport.waitFor(t, protocol.TypeApprovalRequest)
	approvalReq := req.Payload.(*protocol.ApprovalRequestPayload)
	if approvalReq.Tool != "write_file" {
		t.Fatalf("approval for %q", approvalReq.Tool)
	}
	if approvalReq.Tier != "session" {
		t.Fatalf("tier = %q, want session default", approvalReq.Tier)
	}
	env.respondApproval(approvalReq.ApprovalID, true, false)

	result := env.transport.waitFor(t, protocol.TypeToolResult)
	resultPayload := result.Payload.(*protocol.ToolResultPayload)
	if resultPayload.IsError {
		t.Fatalf("tool result errored: %s", resultPayload.Content)
	}

	end := streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))
	if end.Error != "" {
		t.Fatalf("stream error %q", end.Error)
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.callCount())
	}
}

func TestToolCallDeniedFeedsModel(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "exec_shell", `{"command":"ls"}`),
		textRound("skipped the command", 5, 5),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "run ls for me")

	req := env.transport.waitFor(t, protocol.TypeApprovalRequest)
	approvalReq := req.Payload.(*protocol.ApprovalRequestPayload)
	env.respondApproval(approvalReq.ApprovalID, false, false)

	result := env.transport.waitFor(t, protocol.TypeToolResult)
	resultPayload := result.Payload.(*protocol.ToolResultPayload)
	if !resultPayload.IsError {
		t.Fatal("denied call should produce an error result")
	}
	if !strings.Contains(resultPayload.Content, "declined") {
		t.Fatalf("denial notice = %q", resultPayload.Content)
	}

	// The denial is fed back; the turn continues rather than dying.
	end := streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))
	if end.Error != "" {
		t.Fatalf("stream error %q", end.Error)
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.callCount())
	}

	// The model saw the denial as a tool result.
	provider.mu.Lock()
	second := provider.requests[1]
	provider.mu.Unlock()
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Fatalf("model did not receive the denial: %+v", last)
	}
}

func TestApprovalTimeoutDenies(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "write_file", `{"path":"a.txt","content":"x"}`),
		textRound("timed out", 1, 1),
	}}
	env := newTestEnv(t, provider, func(cfg *config.Config) {
		cfg.Approval.TimeoutSeconds = 1
	})

	env.sendChat(context.Background(), "req-1", "write something")
	env.transport.waitFor(t, protocol.TypeApprovalRequest)

	// Never respond; the wait must resolve as a denial on its own.
	result := env.transport.waitFor(t, protocol.TypeToolResult)
	resultPayload := result.Payload.(*protocol.ToolResultPayload)
	if !resultPayload.IsError || !strings.Contains(resultPayload.Content, "timeout") {
		t.Fatalf("result = %+v, want timeout denial", resultPayload)
	}
	env.transport.waitFor(t, protocol.TypeStreamEnd)
}

func TestSessionWaiverSkipsSecondApproval(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "write_file", `{"path":"a.txt","content":"1"}`),
		toolRound("tc-2", "write_file", `{"path":"b.txt","content":"2"}`),
		textRound("both written", 1, 1),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "write two files")

	req := env.transport.waitFor(t, protocol.TypeApprovalRequest)
	approvalReq := req.Payload.(*protocol.ApprovalRequestPayload)
	env.respondApproval(approvalReq.ApprovalID, true, true)

	env.transport.waitFor(t, protocol.TypeStreamEnd)

	if got := len(env.transport.byType(protocol.TypeApprovalRequest)); got != 1 {
		t.Fatalf("approval requested %d times, want 1 after session waiver", got)
	}
	if got := len(env.transport.byType(protocol.TypeToolResult)); got != 2 {
		t.Fatalf("tool executed %d times, want 2", got)
	}
}

func TestAlwaysTierIgnoresWaiver(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "write_file", `{"path":"a.txt","content":"1"}`),
		toolRound("tc-2", "write_file", `{"path":"b.txt","content":"2"}`),
		textRound("done", 1, 1),
	}}
	env := newTestEnv(t, provider, func(cfg *config.Config) {
		cfg.Approval.Overrides = map[string]string{"write_file": "always"}
	})

	env.sendChat(context.Background(), "req-1", "write two files")

	first := env.transport.waitFor(t, protocol.TypeApprovalRequest)
	env.respondApproval(first.Payload.(*protocol.ApprovalRequestPayload).ApprovalID, true, true)

	second := env.transport.waitFor(t, protocol.TypeApprovalRequest)
	env.respondApproval(second.Payload.(*protocol.ApprovalRequestPayload).ApprovalID, true, false)

	env.transport.waitFor(t, protocol.TypeStreamEnd)

	if got := len(env.transport.byType(protocol.TypeApprovalRequest)); got != 2 {
		t.Fatalf("always-tier tool asked %d times, want every call", got)
	}
}

func TestAutoTierRunsWithoutApproval(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "list_dir", `{"path":"."}`),
		textRound("listing done", 1, 1),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "list the workspace")
	env.transport.waitFor(t, protocol.TypeStreamEnd)

	if got := len(env.transport.byType(protocol.TypeApprovalRequest)); got != 0 {
		t.Fatalf("read-only tool asked for approval %d times", got)
	}
	if got := len(env.transport.byType(protocol.TypeToolResult)); got != 1 {
		t.Fatalf("tool results = %d, want 1", got)
	}
}

func TestProviderErrorEndsStreamPersistsNothing(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		{
			{Text: "partial"},
			{Error: errors.New("upstream 500")},
		},
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "hello")

	errMsg := env.transport.waitFor(t, protocol.TypeError)
	if errMsg.Payload.(*protocol.ErrorPayload).Code != protocol.ErrCodeProvider {
		t.Fatalf("code = %q", errMsg.Payload.(*protocol.ErrorPayload).Code)
	}
	end := streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))
	if end.Error == "" {
		t.Fatal("stream.end should carry the error")
	}

	history, err := env.sessions.History(context.Background(), env.conn.SessionID(), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("failed half-turn persisted %d messages", len(history))
	}
}

func TestAbortCancelsTurn(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{
		rounds:  [][]*providers.Chunk{textRound("never delivered", 1, 1)},
		release: release,
	}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "long task")
	env.transport.waitFor(t, protocol.TypeStreamStart)

	env.gateway.HandleMessage(context.Background(), env.conn, env.transport, &protocol.ClientMessage{
		Type:      protocol.TypeChatAbort,
		ID:        "req-2",
		ChatAbort: &protocol.ChatAbortPayload{},
	})

	end := streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))
	if !strings.Contains(end.Error, "aborted") {
		t.Fatalf("stream.end error = %q, want aborted", end.Error)
	}
}

func TestExplicitUnknownSessionRejected(t *testing.T) {
	provider := &scriptedProvider{}
	env := newTestEnv(t, provider, nil)

	env.gateway.HandleMessage(context.Background(), env.conn, env.transport, &protocol.ClientMessage{
		Type: protocol.TypeChatSend,
		ID:   "req-1",
		ChatSend: &protocol.ChatSendPayload{
			Content:   "hello",
			SessionID: "missing",
		},
	})

	errMsg := env.transport.waitFor(t, protocol.TypeError)
	if errMsg.Payload.(*protocol.ErrorPayload).Code != protocol.ErrCodeSession {
		t.Fatalf("code = %q, want session_not_found", errMsg.Payload.(*protocol.ErrorPayload).Code)
	}
	if provider.callCount() != 0 {
		t.Fatal("provider should not be called for a rejected turn")
	}
}

func TestModelOverrideSkipsRouting(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		textRound("override answer", 1, 1),
	}}
	env := newTestEnv(t, provider, nil)

	env.gateway.HandleMessage(context.Background(), env.conn, env.transport, &protocol.ClientMessage{
		Type: protocol.TypeChatSend,
		ID:   "req-1",
		ChatSend: &protocol.ChatSendPayload{
			Content: "hi",
			Model:   "anthropic/claude-sonnet-4-test",
		},
	})

	start := env.transport.waitFor(t, protocol.TypeStreamStart)
	payload := start.Payload.(*protocol.StreamStartPayload)
	if payload.Model != "anthropic/claude-sonnet-4-test" || payload.Tier != "" {
		t.Fatalf("start = %+v, want caller override", payload)
	}
	env.transport.waitFor(t, protocol.TypeStreamEnd)
}

func TestUpdateConfigInvalidatesCachedRegistries(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		textRound("one", 1, 1),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "hello")
	env.transport.waitFor(t, protocol.TypeStreamEnd)
	if env.conn.cachedRegistry() == nil {
		t.Fatal("turn should cache the registry")
	}

	env.gateway.UpdateConfig(env.cfg, env.gateway.currentRouter())
	if env.conn.cachedRegistry() != nil {
		t.Fatal("config update should invalidate cached registries")
	}
}

func TestSessionContinuesAcrossTurns(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		textRound("first answer", 1, 1),
		textRound("second answer", 1, 1),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "first question")
	env.transport.waitFor(t, protocol.TypeStreamEnd)
	sessionID := env.conn.SessionID()

	env.sendChat(context.Background(), "req-2", "second question")
	env.transport.waitFor(t, protocol.TypeStreamEnd)

	if env.conn.SessionID() != sessionID {
		t.Fatal("second turn should reuse the bound session")
	}
	if got := len(env.transport.byType(protocol.TypeSessionCreated)); got != 1 {
		t.Fatalf("session.created emitted %d times, want 1", got)
	}

	// The second request carried the first exchange as history.
	provider.mu.Lock()
	second := provider.requests[1]
	provider.mu.Unlock()
	if len(second.Messages) != 3 {
		t.Fatalf("second request has %d messages, want prior exchange plus new user message", len(second.Messages))
	}

	history, _ := env.sessions.History(context.Background(), sessionID, 0)
	if len(history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(history))
	}
}

func TestUnknownToolReportedToModel(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "no_such_tool", `{}`),
		textRound("could not use that tool", 1, 1),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "use the imaginary tool")

	result := env.transport.waitFor(t, protocol.TypeToolResult)
	payload := result.Payload.(*protocol.ToolResultPayload)
	if !payload.IsError || !strings.Contains(payload.Content, "not available") {
		t.Fatalf("result = %+v", payload)
	}
	env.transport.waitFor(t, protocol.TypeStreamEnd)
}

func TestSessionsListAndUsageQuery(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		textRound("answer", 100, 50),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "hello")
	env.transport.waitFor(t, protocol.TypeStreamEnd)

	env.gateway.HandleMessage(context.Background(), env.conn, env.transport, &protocol.ClientMessage{
		Type: protocol.TypeSessionsList,
		ID:   "req-2",
	})
	list := env.transport.waitFor(t, protocol.TypeSessionList)
	if got := len(list.Payload.(*protocol.SessionListPayload).Sessions); got != 1 {
		t.Fatalf("sessions listed = %d, want 1", got)
	}

	env.gateway.HandleMessage(context.Background(), env.conn, env.transport, &protocol.ClientMessage{
		Type:       protocol.TypeUsageQuery,
		ID:         "req-3",
		UsageQuery: &protocol.UsageQueryPayload{},
	})
	report := env.transport.waitFor(t, protocol.TypeUsageReport)
	totals := report.Payload.(*protocol.UsageReportPayload).Totals
	if totals.InputTokens != 100 || totals.OutputTokens != 50 {
		t.Fatalf("totals = %+v", totals)
	}
}

func TestContextInspect(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		textRound("answer", 1, 1),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChat(context.Background(), "req-1", "hello")
	env.transport.waitFor(t, protocol.TypeStreamEnd)

	env.gateway.HandleMessage(context.Background(), env.conn, env.transport, &protocol.ClientMessage{
		Type:           protocol.TypeContextInspect,
		ID:             "req-2",
		ContextInspect: &protocol.ContextInspectPayload{},
	})
	info := env.transport.waitFor(t, protocol.TypeContextInfo)
	payload := info.Payload.(*protocol.ContextInfoPayload)
	if payload.SessionID != env.conn.SessionID() {
		t.Fatalf("inspect session = %q", payload.SessionID)
	}
	if payload.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", payload.MessageCount)
	}
	if len(payload.Tools) == 0 {
		t.Fatal("inspect should list the builtin tools")
	}
}

func TestLimitedControlDropsShell(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		toolRound("tc-1", "exec_shell", `{"command":"ls"}`),
		textRound("no shell here", 1, 1),
	}}
	env := newTestEnv(t, provider, func(cfg *config.Config) {
		cfg.Security.Mode = "limited-control"
	})

	env.sendChat(context.Background(), "req-1", "run a command")

	result := env.transport.waitFor(t, protocol.TypeToolResult)
	payload := result.Payload.(*protocol.ToolResultPayload)
	if !payload.IsError {
		t.Fatal("exec_shell must not exist in limited-control mode")
	}
	env.transport.waitFor(t, protocol.TypeStreamEnd)
}

func planRound(planJSON string) []*providers.Chunk {
	return []*providers.Chunk{
		{Text: planJSON},
		{Done: true, InputTokens: 20, OutputTokens: 30},
	}
}

func (e *testEnv) sendChatPreflight(ctx context.Context, id, content string) {
	e.gateway.HandleMessage(ctx, e.conn, e.transport, &protocol.ClientMessage{
		Type:     protocol.TypeChatSend,
		ID:       id,
		ChatSend: &protocol.ChatSendPayload{Content: content, Preflight: true},
	})
}

func (e *testEnv) respondPreflight(requestID string, approved bool, edited []protocol.PreflightStep) {
	e.gateway.HandleMessage(context.Background(), e.conn, e.transport, &protocol.ClientMessage{
		Type: protocol.TypePreflightRespond,
		ID:   "resp-" + requestID,
		PreflightRespond: &protocol.PreflightRespondPayload{
			RequestID:   requestID,
			Approved:    approved,
			EditedSteps: edited,
		},
	})
}

const logCleanupPlan = `{"steps":[{"description":"Remove the rotated log files","tool":"write_file","risk":"high","needsApproval":true}],"estimatedTokens":500,"estimatedCost":0.01,"requiredPermissions":[],"warnings":["files are removed permanently"]}`

func TestPreflightDeclineEndsTurnBeforeTools(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		planRound(logCleanupPlan),
		textRound("all done", 5, 3),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChatPreflight(context.Background(), "req-1", "delete every rotated log file")

	req := env.transport.waitFor(t, protocol.TypePreflightRequest)
	plan := req.Payload.(*protocol.PreflightRequestPayload).Plan
	if len(plan.Steps) != 1 || plan.Steps[0].Tool != "write_file" {
		t.Fatalf("unexpected plan %+v", plan)
	}

	env.respondPreflight("req-1", false, nil)
	end := streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))

	if !strings.Contains(end.Error, "declined") {
		t.Fatalf("stream.end error = %q, want a declined notice", end.Error)
	}
	if calls := env.transport.byType(protocol.TypeToolCall); len(calls) != 0 {
		t.Fatalf("declined plan must run no tools, saw %d tool calls", len(calls))
	}
	if got := provider.callCount(); got != 1 {
		t.Fatalf("expected only the planning call, got %d", got)
	}

	// The connection is idle again and accepts the next turn.
	env.sendChat(context.Background(), "req-2", "hello")
	end = streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))
	if end.Error != "" {
		t.Fatalf("follow-up turn failed: %q", end.Error)
	}
}

func TestPreflightEditedStepsGuideTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*providers.Chunk{
		planRound(logCleanupPlan),
		textRound("compressed instead", 5, 3),
	}}
	env := newTestEnv(t, provider, nil)

	env.sendChatPreflight(context.Background(), "req-1", "delete every rotated log file")

	env.transport.waitFor(t, protocol.TypePreflightRequest)
	env.respondPreflight("req-1", true, []protocol.PreflightStep{
		{Description: "Compress the rotated logs instead", Risk: "low"},
	})
	end := streamEndPayload(t, env.transport.waitFor(t, protocol.TypeStreamEnd))

	if end.Error != "" {
		t.Fatalf("approved turn failed: %q", end.Error)
	}
	if got := provider.callCount(); got != 2 {
		t.Fatalf("expected plan call plus turn call, got %d", got)
	}
	provider.mu.Lock()
	turnReq := provider.requests[1]
	provider.mu.Unlock()
	if !strings.Contains(turnReq.System, "Compress the rotated logs instead") {
		t.Fatalf("edited step missing from system prompt:\n%s", turnReq.System)
	}
	if strings.Contains(turnReq.System, "Remove the rotated log files") {
		t.Fatal("original step should be replaced by the edited one")
	}
}
