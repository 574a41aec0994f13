package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quayside/ferry/internal/approval"
	"github.com/quayside/ferry/internal/protocol"
	"github.com/quayside/ferry/internal/providers"
	"github.com/quayside/ferry/internal/tools"
	"github.com/quayside/ferry/internal/usage"
	"github.com/quayside/ferry/pkg/models"
)

// maxToolRounds bounds the model/tool loop so a misbehaving model
// cannot spin a turn forever.
const maxToolRounds = 20

const defaultMaxTokens = 4096

const systemPrompt = `You are Ferry, a capable assistant with access to tools.
Use tools when they help answer the user; never invent tool output.
If a tool call is declined, continue without it and say what you could
not do. Keep answers direct.`

// runTurn drives one chat.send to completion. Once stream.start has
// been emitted, every exit path emits stream.end; endTurn always runs
// so the connection is never wedged busy.
func (g *Gateway) runTurn(ctx context.Context, cancel context.CancelFunc, conn *ConnState, transport protocol.Transport, requestID string, payload *protocol.ChatSendPayload) {
	start := time.Now()
	status := "error"
	defer func() {
		cancel()
		conn.endTurn()
		if g.metrics != nil {
			g.metrics.RecordTurn(status, time.Since(start))
		}
	}()

	logger := g.logger.With("conn_id", conn.id, "request_id", requestID)
	cfg := g.currentConfig()

	session, created, err := g.resolveSession(ctx, conn, payload)
	if err != nil {
		g.send(transport, protocol.Error(requestID, protocol.ErrCodeSession, err.Error()))
		return
	}
	conn.bindSession(session.ID)
	if created {
		g.send(transport, &protocol.ServerMessage{
			Type:      protocol.TypeSessionCreated,
			RequestID: requestID,
			Payload:   &protocol.SessionCreatedPayload{SessionID: session.ID, Model: session.Model},
		})
	}

	history, err := g.sessions.History(ctx, session.ID, 0)
	if err != nil {
		g.send(transport, protocol.Error(requestID, protocol.ErrCodeInternal, "history unavailable"))
		return
	}

	model, tier, reason := g.pickModel(payload, len(history))
	if session.Model != model {
		if err := g.sessions.UpdateModel(ctx, session.ID, model); err != nil {
			logger.Warn("model update failed", "error", err)
		}
	}

	registry := conn.cachedRegistry()
	if registry == nil {
		registry = g.buildRegistry(ctx, conn)
		conn.cacheRegistry(registry)
	}

	g.send(transport, &protocol.ServerMessage{
		Type:      protocol.TypeStreamStart,
		RequestID: requestID,
		Payload:   &protocol.StreamStartPayload{SessionID: session.ID, Model: model, Tier: tier, Reason: reason},
	})

	// From here on every return must go through endStream.
	var totalIn, totalOut int
	endStream := func(errMsg string) {
		g.send(transport, &protocol.ServerMessage{
			Type:      protocol.TypeStreamEnd,
			RequestID: requestID,
			Payload: &protocol.StreamEndPayload{
				Usage: protocol.Usage{
					InputTokens:  totalIn,
					OutputTokens: totalOut,
					TotalTokens:  totalIn + totalOut,
				},
				Cost:  usage.Cost(model, totalIn, totalOut),
				Error: errMsg,
			},
		})
	}

	system := systemPrompt
	if payload.Preflight && preflightNeeded(payload.Content, registry.Len()) {
		planNote, ok := g.runPreflight(ctx, conn, transport, registry, requestID, model, payload.Content, cfg.Approval.Timeout())
		if !ok {
			status = "aborted"
			endStream("preflight declined")
			return
		}
		if planNote != "" {
			system += "\n\nThe user approved this plan for the current request:\n" + planNote
		}
	}

	toolDefs := toolDefinitions(registry)
	msgs := providerHistory(history)
	msgs = append(msgs, providers.Message{Role: "user", Content: payload.Content})

	var finalText strings.Builder
	for round := 0; round < maxToolRounds; round++ {
		stream, err := g.providers.Complete(ctx, model, &providers.Request{
			System:    system,
			Messages:  msgs,
			Tools:     toolDefs,
			MaxTokens: defaultMaxTokens,
		})
		if err != nil {
			g.send(transport, protocol.Error(requestID, protocol.ErrCodeProvider, err.Error()))
			endStream(err.Error())
			return
		}

		var roundText strings.Builder
		var calls []models.ToolCall
		var streamErr error
		for chunk := range stream {
			if chunk.Error != nil {
				streamErr = chunk.Error
				continue
			}
			if chunk.Text != "" {
				roundText.WriteString(chunk.Text)
				g.send(transport, &protocol.ServerMessage{
					Type:      protocol.TypeStreamDelta,
					RequestID: requestID,
					Payload:   &protocol.StreamDeltaPayload{Text: chunk.Text},
				})
			}
			if chunk.Reasoning != "" {
				g.send(transport, &protocol.ServerMessage{
					Type:      protocol.TypeStreamDelta,
					RequestID: requestID,
					Payload:   &protocol.StreamDeltaPayload{Reasoning: chunk.Reasoning},
				})
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				totalIn += chunk.InputTokens
				totalOut += chunk.OutputTokens
			}
		}
		if streamErr != nil {
			// Nothing from the failed half-turn is persisted.
			if ctx.Err() != nil {
				status = "aborted"
				endStream("turn aborted")
			} else {
				logger.Error("provider stream failed", "model", model, "error", streamErr)
				g.send(transport, protocol.Error(requestID, protocol.ErrCodeProvider, streamErr.Error()))
				endStream(streamErr.Error())
			}
			return
		}

		finalText.WriteString(roundText.String())
		if len(calls) == 0 {
			break
		}

		msgs = append(msgs, providers.Message{Role: "assistant", Content: roundText.String(), ToolCalls: calls})
		results := make([]models.ToolResult, 0, len(calls))
		for i := range calls {
			results = append(results, g.executeToolCall(ctx, conn, transport, registry, requestID, cfg.Approval.Timeout(), &calls[i]))
			if ctx.Err() != nil {
				status = "aborted"
				endStream("turn aborted")
				return
			}
		}
		msgs = append(msgs, providers.Message{Role: "tool", ToolResults: results})
		finalText.WriteString("\n")
	}

	if _, err := g.sessions.AppendMessage(ctx, session.ID, models.RoleUser, payload.Content); err != nil {
		logger.Error("persist user message failed", "error", err)
	}
	if text := strings.TrimSpace(finalText.String()); text != "" {
		if _, err := g.sessions.AppendMessage(ctx, session.ID, models.RoleAssistant, text); err != nil {
			logger.Error("persist assistant message failed", "error", err)
		}
	}

	if totalIn > 0 || totalOut > 0 {
		rec := &usage.Record{
			SessionID:    session.ID,
			Model:        model,
			InputTokens:  totalIn,
			OutputTokens: totalOut,
			Cost:         usage.Cost(model, totalIn, totalOut),
		}
		if err := g.usage.Record(ctx, rec); err != nil {
			logger.Warn("usage record failed", "error", err)
		}
		if g.metrics != nil {
			g.metrics.RecordTokens(model, totalIn, totalOut)
		}
	}

	status = "success"
	endStream("")
}

// resolveSession binds the turn to an existing session or creates a
// fresh one. An explicit unknown session id is an error; silence means
// continue the connection's session or start a new one.
func (g *Gateway) resolveSession(ctx context.Context, conn *ConnState, payload *protocol.ChatSendPayload) (*models.Session, bool, error) {
	id := payload.SessionID
	explicit := id != ""
	if id == "" {
		id = conn.SessionID()
	}
	if id != "" {
		session, err := g.sessions.Get(ctx, id)
		if err == nil {
			return session, false, nil
		}
		if explicit {
			return nil, false, fmt.Errorf("session %q not found", id)
		}
		// The bound session disappeared underneath us; start over.
	}

	session := &models.Session{
		ID:    uuid.New().String(),
		Title: titleFrom(payload.Content),
	}
	if err := g.sessions.Create(ctx, session); err != nil {
		return nil, false, fmt.Errorf("session create failed: %w", err)
	}
	return session, true, nil
}

// pickModel applies the caller override or routes by message shape.
func (g *Gateway) pickModel(payload *protocol.ChatSendPayload, historyLen int) (model, tier, reason string) {
	if payload.Model != "" {
		if g.metrics != nil {
			g.metrics.RecordRouting("override", true)
		}
		return payload.Model, "", "caller override"
	}
	decision := g.currentRouter().Classify(payload.Content, historyLen)
	if g.metrics != nil {
		g.metrics.RecordRouting(string(decision.Tier), false)
	}
	return decision.Model, string(decision.Tier), decision.Reason
}

// runPreflight generates a plan, asks the user, and returns the note to
// inject into the system prompt. ok is false when the user declined or
// the wait could not complete.
func (g *Gateway) runPreflight(ctx context.Context, conn *ConnState, transport protocol.Transport, registry *tools.Registry, requestID, model, content string, timeout time.Duration) (note string, ok bool) {
	plan, err := generatePreflight(ctx, g.providers, model, content, registry.Names())
	if err != nil {
		// Planning is best effort; a failed plan never blocks the turn.
		g.logger.Warn("preflight generation failed", "error", err)
		return "", true
	}
	annotatePlan(plan, registry, conn.policy)

	w, added := conn.addWait(requestID, "preflight")
	if !added {
		return "", false
	}
	g.send(transport, &protocol.ServerMessage{
		Type:      protocol.TypePreflightRequest,
		RequestID: requestID,
		Payload:   &protocol.PreflightRequestPayload{Plan: *plan},
	})
	res := g.awaitWait(ctx, conn, requestID, w, timeout)
	if !res.approved {
		return "", false
	}

	steps := plan.Steps
	if len(res.editedSteps) > 0 {
		steps = res.editedSteps
	}
	var b strings.Builder
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s", i+1, step.Description)
		if step.Tool != "" {
			fmt.Fprintf(&b, " (tool: %s)", step.Tool)
		}
		b.WriteString("\n")
	}
	return b.String(), true
}

// annotatePlan recomputes each step's approval flag from the actual
// registry and policy rather than trusting the model's guess.
func annotatePlan(plan *protocol.PreflightPlan, registry *tools.Registry, policy *approval.Policy) {
	perms := make(map[string]struct{})
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Tool == "" {
			step.NeedsApproval = false
			continue
		}
		entry, ok := registry.Get(step.Tool)
		if !ok {
			step.NeedsApproval = false
			continue
		}
		step.NeedsApproval = needsApproval(entry.ApprovalTier, step.Tool, policy)
		if step.NeedsApproval {
			perms[step.Tool] = struct{}{}
		}
	}
	plan.RequiredPermissions = plan.RequiredPermissions[:0]
	for _, name := range registry.Names() {
		if _, ok := perms[name]; ok {
			plan.RequiredPermissions = append(plan.RequiredPermissions, name)
		}
	}
}

func needsApproval(tier approval.Tier, tool string, policy *approval.Policy) bool {
	switch tier {
	case approval.TierAuto:
		return false
	case approval.TierAlways:
		return true
	default:
		return !policy.Waived(tool)
	}
}

// executeToolCall runs one tool call through the approval gate and the
// registry. A denial produces an error result the model can read; it
// never terminates the turn.
func (g *Gateway) executeToolCall(ctx context.Context, conn *ConnState, transport protocol.Transport, registry *tools.Registry, requestID string, timeout time.Duration, call *models.ToolCall) models.ToolResult {
	g.send(transport, &protocol.ServerMessage{
		Type:      protocol.TypeToolCall,
		RequestID: requestID,
		Payload:   &protocol.ToolCallPayload{ToolCallID: call.ID, Name: call.Name, Input: call.Input},
	})

	sendResult := func(content string, isErr bool) models.ToolResult {
		g.send(transport, &protocol.ServerMessage{
			Type:      protocol.TypeToolResult,
			RequestID: requestID,
			Payload:   &protocol.ToolResultPayload{ToolCallID: call.ID, Name: call.Name, Content: content, IsError: isErr},
		})
		return models.ToolResult{ToolCallID: call.ID, Content: content, IsError: isErr}
	}

	entry, ok := registry.Get(call.Name)
	if !ok {
		if g.metrics != nil {
			g.metrics.RecordToolExecution(call.Name, "error", 0)
		}
		return sendResult(fmt.Sprintf("tool %q is not available", call.Name), true)
	}

	tier := entry.ApprovalTier
	if needsApproval(tier, call.Name, conn.policy) {
		approvalID := newApprovalID()
		w, added := conn.addWait(approvalID, call.Name)
		if !added {
			if g.metrics != nil {
				g.metrics.RecordToolExecution(call.Name, "denied", 0)
			}
			return sendResult("connection closed before approval", true)
		}
		g.send(transport, &protocol.ServerMessage{
			Type:      protocol.TypeApprovalRequest,
			RequestID: requestID,
			Payload: &protocol.ApprovalRequestPayload{
				ApprovalID: approvalID,
				Tool:       call.Name,
				Input:      call.Input,
				Tier:       string(tier),
				TimeoutMS:  timeout.Milliseconds(),
			},
		})
		res := g.awaitWait(ctx, conn, approvalID, w, timeout)
		if !res.approved {
			if g.metrics != nil {
				g.metrics.RecordToolExecution(call.Name, "denied", 0)
			}
			msg := fmt.Sprintf("The user declined this %s call (%s). Do not retry it; continue without it and explain what was skipped.", call.Name, res.outcome)
			return sendResult(msg, true)
		}
		if res.forSession && tier == approval.TierSession {
			conn.policy.Waive(call.Name)
		}
	}

	start := time.Now()
	out, err := registry.Execute(ctx, call.Name, call.Input)
	elapsed := time.Since(start)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordToolExecution(call.Name, "error", elapsed)
		}
		return sendResult(err.Error(), true)
	}
	status := "success"
	if out.IsError {
		status = "error"
	}
	if g.metrics != nil {
		g.metrics.RecordToolExecution(call.Name, status, elapsed)
	}
	return sendResult(out.Content, out.IsError)
}

func toolDefinitions(registry *tools.Registry) []providers.ToolDef {
	entries := registry.Entries()
	defs := make([]providers.ToolDef, 0, len(entries))
	for _, entry := range entries {
		defs = append(defs, providers.ToolDef{
			Name:        entry.Definition.Name(),
			Description: entry.Definition.Description(),
			InputSchema: entry.Definition.Schema(),
		})
	}
	return defs
}

func providerHistory(history []*models.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

func titleFrom(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	const max = 80
	if len(title) > max {
		title = title[:max]
	}
	return title
}
