// Package usage records per-turn token consumption and cost.
package usage

import (
	"context"
	"strings"
	"time"
)

// Record is one turn's accounting entry.
type Record struct {
	ID           string
	SessionID    string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	RecordedAt   time.Time
}

// TotalTokens returns the combined token count.
func (r *Record) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Totals aggregates records.
type Totals struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	Turns        int
}

// Store persists usage records. Write failures must be logged by the
// caller, never propagated into an already-delivered response.
type Store interface {
	Record(ctx context.Context, rec *Record) error
	BySession(ctx context.Context, sessionID string) ([]*Record, error)
	Totals(ctx context.Context) (*Totals, error)
	Close() error
}

// pricing is USD per million tokens.
type pricing struct {
	input  float64
	output float64
}

// modelPricing maps bare model id prefixes to rates. Longest prefix
// wins so dated snapshots inherit their family's rate.
var modelPricing = map[string]pricing{
	"claude-opus-4":    {input: 15.0, output: 75.0},
	"claude-sonnet-4":  {input: 3.0, output: 15.0},
	"claude-haiku-4":   {input: 0.80, output: 4.0},
	"claude-3-5-haiku": {input: 0.80, output: 4.0},
	"gpt-4o":           {input: 2.50, output: 10.0},
	"gpt-4o-mini":      {input: 0.15, output: 0.60},
	"o3-mini":          {input: 1.10, output: 4.40},
}

// Cost estimates the USD cost of a turn. The model may be provider
// qualified. Unknown models cost zero; accounting stays best effort.
func Cost(model string, inputTokens, outputTokens int) float64 {
	bare := model
	if i := strings.IndexByte(bare, '/'); i >= 0 {
		bare = bare[i+1:]
	}

	var best string
	for prefix := range modelPricing {
		if strings.HasPrefix(bare, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	rate := modelPricing[best]
	return float64(inputTokens)/1e6*rate.input + float64(outputTokens)/1e6*rate.output
}
