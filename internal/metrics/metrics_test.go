package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordTurn("success", 2*time.Second)
	m.RecordTurn("success", time.Second)
	m.RecordTurn("error", 500*time.Millisecond)

	expected := `
		# HELP ferry_turns_total Total number of completed turns by status
		# TYPE ferry_turns_total counter
		ferry_turns_total{status="error"} 1
		ferry_turns_total{status="success"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected turn counter: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordToolExecution("exec_shell", "success", 100*time.Millisecond)
	m.RecordToolExecution("exec_shell", "denied", 0)
	m.RecordToolExecution("github.search_code", "success", 50*time.Millisecond)

	if count := testutil.CollectAndCount(m.ToolExecutionCounter); count != 3 {
		t.Errorf("label combinations = %d, want 3", count)
	}
	got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("exec_shell", "success"))
	if got != 1 {
		t.Errorf("exec_shell success count = %v", got)
	}
}

func TestRecordTokens(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordTokens("anthropic/claude-sonnet-4-5", 100, 40)
	m.RecordTokens("anthropic/claude-sonnet-4-5", 50, 10)

	input := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic/claude-sonnet-4-5", "input"))
	output := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic/claude-sonnet-4-5", "output"))
	if input != 150 || output != 50 {
		t.Errorf("tokens = %v/%v, want 150/50", input, output)
	}
}

func TestRecordRouting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRouting("high", false)
	m.RecordRouting("budget", true)

	if got := testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("budget", "true")); got != 1 {
		t.Errorf("overridden budget count = %v", got)
	}
}
