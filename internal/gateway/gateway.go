// Package gateway implements the per-connection state machine and the
// turn orchestrator that drives one user message through routing, tool
// execution, human approvals, and streamed output.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quayside/ferry/internal/approval"
	"github.com/quayside/ferry/internal/config"
	"github.com/quayside/ferry/internal/metrics"
	"github.com/quayside/ferry/internal/mcp"
	"github.com/quayside/ferry/internal/protocol"
	"github.com/quayside/ferry/internal/providers"
	"github.com/quayside/ferry/internal/routing"
	"github.com/quayside/ferry/internal/sessions"
	"github.com/quayside/ferry/internal/tools"
	"github.com/quayside/ferry/internal/usage"
)

// Options carries the gateway's dependencies. Everything is injected;
// the gateway owns no ambient globals.
type Options struct {
	Config    *config.Config
	Providers *providers.Registry
	Router    *routing.Router
	Sessions  sessions.Store
	Usage     usage.Store
	Pool      *mcp.Pool
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Gateway coordinates connections, turns, and approvals.
type Gateway struct {
	providers *providers.Registry
	sessions  sessions.Store
	usage     usage.Store
	pool      *mcp.Pool
	metrics   *metrics.Metrics
	logger    *slog.Logger
	conns     *connRegistry

	cfgMu  sync.RWMutex
	cfg    *config.Config
	router *routing.Router
}

// New creates a gateway from its dependencies.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		providers: opts.Providers,
		sessions:  opts.Sessions,
		usage:     opts.Usage,
		pool:      opts.Pool,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "gateway"),
		conns:     newConnRegistry(),
		cfg:       opts.Config,
		router:    opts.Router,
	}
}

func (g *Gateway) currentConfig() *config.Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

func (g *Gateway) currentRouter() *routing.Router {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.router
}

// UpdateConfig swaps in a reloaded configuration. Cached tool
// registries are invalidated so the next turn on every connection
// rebuilds against the new tool and approval settings.
func (g *Gateway) UpdateConfig(cfg *config.Config, router *routing.Router) {
	g.cfgMu.Lock()
	g.cfg = cfg
	g.router = router
	g.cfgMu.Unlock()

	g.conns.each(func(conn *ConnState) {
		conn.invalidateRegistry()
	})
	g.logger.Info("configuration updated", "connections", g.conns.len())
}

// Register creates connection state for a freshly attached interface.
func (g *Gateway) Register(connID string) *ConnState {
	cfg := g.currentConfig()

	defaultTier, err := approval.ParseTier(cfg.Approval.DefaultTier)
	if err != nil {
		defaultTier = approval.TierSession
	}
	overrides := make(map[string]approval.Tier, len(cfg.Approval.Overrides))
	for tool, tier := range cfg.Approval.Overrides {
		parsed, err := approval.ParseTier(tier)
		if err != nil {
			continue
		}
		overrides[tool] = parsed
	}

	conn := newConnState(connID, approval.NewPolicy(defaultTier, overrides))
	g.conns.add(conn)
	if g.metrics != nil {
		g.metrics.ActiveConnections.Inc()
	}
	g.logger.Info("connection registered", "conn_id", connID)
	return conn
}

// Unregister tears a connection down: pending approvals resolve as
// denied, the in-flight turn is aborted, and the state is removed.
func (g *Gateway) Unregister(connID string) {
	conn := g.conns.remove(connID)
	if conn == nil {
		return
	}
	conn.close()
	if g.metrics != nil {
		g.metrics.ActiveConnections.Dec()
	}
	g.logger.Info("connection closed", "conn_id", connID)
}

// HandleMessage dispatches one decoded client message. Chat sends run
// their turn on a fresh goroutine; everything else is handled inline.
func (g *Gateway) HandleMessage(ctx context.Context, conn *ConnState, transport protocol.Transport, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeChatSend:
		g.handleChatSend(ctx, conn, transport, msg)
	case protocol.TypeChatAbort:
		conn.abortTurn()
	case protocol.TypeApprovalRespond:
		g.handleApprovalRespond(conn, msg.ApprovalRespond)
	case protocol.TypePreflightRespond:
		g.handlePreflightRespond(conn, msg.PreflightRespond)
	case protocol.TypeContextInspect:
		g.handleContextInspect(ctx, conn, transport, msg)
	case protocol.TypeUsageQuery:
		g.handleUsageQuery(ctx, transport, msg)
	case protocol.TypeSessionsList:
		g.handleSessionsList(ctx, transport, msg)
	default:
		g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeProtocol, "unsupported message type"))
	}
}

func (g *Gateway) handleChatSend(ctx context.Context, conn *ConnState, transport protocol.Transport, msg *protocol.ClientMessage) {
	turnCtx, cancel := context.WithCancel(ctx)
	if !conn.beginTurn(msg.ID, cancel) {
		cancel()
		if g.metrics != nil {
			g.metrics.BusyRejections.Inc()
		}
		inFlight, _ := conn.inFlightRequest()
		g.logger.Debug("busy rejection", "conn_id", conn.id, "in_flight", inFlight)
		g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeBusy, "a turn is already in flight"))
		return
	}

	go g.runTurn(turnCtx, cancel, conn, transport, msg.ID, msg.ChatSend)
}

func (g *Gateway) handleApprovalRespond(conn *ConnState, payload *protocol.ApprovalRespondPayload) {
	outcome := "denied"
	if payload.Approved {
		outcome = "approved"
	}
	ok := conn.resolveWait(payload.ApprovalID, waitResolution{
		approved:   payload.Approved,
		forSession: payload.ApproveForSession,
		outcome:    outcome,
	})
	if !ok {
		// Late or duplicate response; the wait already resolved.
		g.logger.Debug("approval response for unknown wait", "conn_id", conn.id, "approval_id", payload.ApprovalID)
	}
}

func (g *Gateway) handlePreflightRespond(conn *ConnState, payload *protocol.PreflightRespondPayload) {
	outcome := "denied"
	if payload.Approved {
		outcome = "approved"
	}
	ok := conn.resolveWait(payload.RequestID, waitResolution{
		approved:    payload.Approved,
		editedSteps: payload.EditedSteps,
		outcome:     outcome,
	})
	if !ok {
		g.logger.Debug("preflight response for unknown wait", "conn_id", conn.id, "request_id", payload.RequestID)
	}
}

func (g *Gateway) handleContextInspect(ctx context.Context, conn *ConnState, transport protocol.Transport, msg *protocol.ClientMessage) {
	sessionID := msg.ContextInspect.SessionID
	if sessionID == "" {
		sessionID = conn.SessionID()
	}
	if sessionID == "" {
		g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeSession, "no session bound"))
		return
	}

	session, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeSession, "session not found"))
		return
	}
	history, err := g.sessions.History(ctx, sessionID, 0)
	if err != nil {
		g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeInternal, "history unavailable"))
		return
	}

	registry := conn.cachedRegistry()
	if registry == nil {
		registry = g.buildRegistry(ctx, conn)
		conn.cacheRegistry(registry)
	}

	g.send(transport, &protocol.ServerMessage{
		Type:      protocol.TypeContextInfo,
		RequestID: msg.ID,
		Payload: &protocol.ContextInfoPayload{
			SessionID:    sessionID,
			Model:        session.Model,
			MessageCount: len(history),
			Tools:        registry.Names(),
		},
	})
}

func (g *Gateway) handleUsageQuery(ctx context.Context, transport protocol.Transport, msg *protocol.ClientMessage) {
	payload := &protocol.UsageReportPayload{}

	if sessionID := msg.UsageQuery.SessionID; sessionID != "" {
		records, err := g.usage.BySession(ctx, sessionID)
		if err != nil {
			g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeInternal, "usage unavailable"))
			return
		}
		for _, rec := range records {
			payload.Records = append(payload.Records, protocol.UsageRecord{
				SessionID:    rec.SessionID,
				Model:        rec.Model,
				InputTokens:  rec.InputTokens,
				OutputTokens: rec.OutputTokens,
				Cost:         rec.Cost,
				RecordedAt:   rec.RecordedAt.Format(time.RFC3339),
			})
			payload.Totals.InputTokens += rec.InputTokens
			payload.Totals.OutputTokens += rec.OutputTokens
			payload.Cost += rec.Cost
		}
		payload.Totals.TotalTokens = payload.Totals.InputTokens + payload.Totals.OutputTokens
	} else {
		totals, err := g.usage.Totals(ctx)
		if err != nil {
			g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeInternal, "usage unavailable"))
			return
		}
		payload.Totals = protocol.Usage{
			InputTokens:  totals.InputTokens,
			OutputTokens: totals.OutputTokens,
			TotalTokens:  totals.InputTokens + totals.OutputTokens,
		}
		payload.Cost = totals.Cost
	}

	g.send(transport, &protocol.ServerMessage{
		Type:      protocol.TypeUsageReport,
		RequestID: msg.ID,
		Payload:   payload,
	})
}

func (g *Gateway) handleSessionsList(ctx context.Context, transport protocol.Transport, msg *protocol.ClientMessage) {
	list, err := g.sessions.List(ctx, 50)
	if err != nil {
		g.send(transport, protocol.Error(msg.ID, protocol.ErrCodeInternal, "sessions unavailable"))
		return
	}

	payload := &protocol.SessionListPayload{Sessions: make([]protocol.SessionSummary, 0, len(list))}
	for _, session := range list {
		payload.Sessions = append(payload.Sessions, protocol.SessionSummary{
			SessionID: session.ID,
			Title:     session.Title,
			Model:     session.Model,
			UpdatedAt: session.UpdatedAt.Format(time.RFC3339),
		})
	}
	g.send(transport, &protocol.ServerMessage{
		Type:      protocol.TypeSessionList,
		RequestID: msg.ID,
		Payload:   payload,
	})
}

func (g *Gateway) buildRegistry(ctx context.Context, conn *ConnState) *tools.Registry {
	cfg := g.currentConfig()
	return tools.Build(ctx, tools.BuildConfig{
		SecurityMode: tools.SecurityMode(cfg.Security.Mode),
		Workspace:    cfg.Security.Workspace,
	}, conn.policy, g.pool)
}

// send delivers a server message, logging failures. Transport delivery
// is fire and forget; a dead transport never fails a turn.
func (g *Gateway) send(transport protocol.Transport, msg *protocol.ServerMessage) {
	if err := transport.Send(msg); err != nil {
		g.logger.Warn("transport send failed", "type", msg.Type, "error", err)
	}
}

// awaitWait blocks until the wait resolves by client response, by
// timeout, or by cancellation, whichever fires first. The losing paths
// are no-ops because resolution is single shot.
func (g *Gateway) awaitWait(ctx context.Context, conn *ConnState, id string, w *pendingWait, timeout time.Duration) waitResolution {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res waitResolution
	select {
	case res = <-w.ch:
	case <-timer.C:
		conn.resolveWait(id, waitResolution{outcome: "timeout"})
		res = <-w.ch
	case <-ctx.Done():
		conn.resolveWait(id, waitResolution{outcome: "cancelled"})
		res = <-w.ch
	}
	if g.metrics != nil {
		g.metrics.RecordApprovalWait(res.outcome, time.Since(w.createdAt))
	}
	return res
}

func newApprovalID() string {
	return "ap-" + uuid.New().String()
}
