package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/quayside/ferry/internal/protocol"
	"github.com/quayside/ferry/internal/providers"
)

// Preflight heuristic: long messages, destructive intent, or a large
// tool surface trigger a plan-and-approve round before any tool runs.
const (
	preflightLengthThreshold = 1500
	preflightToolThreshold   = 5
)

var destructiveRe = regexp.MustCompile(`(?i)\b(delete|remove|drop|truncate|wipe|destroy|rm -rf|force[ -]?push|reset --hard|shutdown|uninstall|revoke)\b`)

// preflightNeeded reports whether a request is complex enough to plan
// before executing. Whether planning runs at all is the caller's
// choice; this only classifies.
func preflightNeeded(content string, toolCount int) bool {
	if len(content) > preflightLengthThreshold {
		return true
	}
	if destructiveRe.MatchString(content) {
		return true
	}
	return toolCount > preflightToolThreshold
}

const preflightSystemPrompt = `You are a planning assistant. Analyze the user's request and produce an execution plan.

Respond with a single JSON object and nothing else, in this exact shape:
{
  "steps": [{"description": "...", "tool": "tool_name or empty", "risk": "low|medium|high", "needsApproval": true}],
  "estimatedTokens": 1000,
  "estimatedCost": 0.01,
  "requiredPermissions": ["..."],
  "warnings": ["..."]
}

Only reference tools from the available list. Mark any step that mutates files, runs commands, or touches external systems as needing approval.`

// generatePreflight produces a structured plan with a single
// non-streaming model call.
func generatePreflight(ctx context.Context, reg *providers.Registry, model, content string, toolNames []string) (*protocol.PreflightPlan, error) {
	prompt := fmt.Sprintf("Available tools: %s\n\nUser request:\n%s",
		strings.Join(toolNames, ", "), content)

	chunks, err := reg.Complete(ctx, model, &providers.Request{
		System: preflightSystemPrompt,
		Messages: []providers.Message{
			{Role: "user", Content: prompt},
		},
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, fmt.Errorf("preflight call: %w", err)
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, fmt.Errorf("preflight stream: %w", chunk.Error)
		}
		b.WriteString(chunk.Text)
	}

	plan, err := parsePreflightPlan(b.String())
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// parsePreflightPlan extracts the JSON plan from model output,
// tolerating code fences and surrounding prose.
func parsePreflightPlan(raw string) (*protocol.PreflightPlan, error) {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var plan protocol.PreflightPlan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, fmt.Errorf("parse preflight plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("preflight plan has no steps")
	}
	for i := range plan.Steps {
		switch plan.Steps[i].Risk {
		case "low", "medium", "high":
		default:
			plan.Steps[i].Risk = "medium"
		}
	}
	return &plan, nil
}
