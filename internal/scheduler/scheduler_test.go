package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/quayside/ferry/internal/config"
	"github.com/quayside/ferry/internal/mcp"
)

func newTestScheduler(t *testing.T, mutate func(*config.Config)) *Scheduler {
	t.Helper()
	cfg := config.Default()
	cfg.Security.Workspace = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	return New(context.Background(), cfg, mcp.NewPool(nil), nil)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := newTestScheduler(t, func(cfg *config.Config) {
		cfg.Jobs = []config.JobConfig{
			{Name: "broken", Schedule: "not a schedule", Tool: "list_dir"},
		}
	})
	if err := s.Start(); err == nil {
		t.Fatal("bad cron expression should fail Start")
	}
}

func TestStartAcceptsDescriptorsAndSeconds(t *testing.T) {
	s := newTestScheduler(t, func(cfg *config.Config) {
		cfg.Jobs = []config.JobConfig{
			{Name: "hourly", Schedule: "@hourly", Tool: "list_dir"},
			{Name: "six-field", Schedule: "0 */5 * * * *", Tool: "list_dir"},
		}
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()
}

func TestRunJobExecutesAutoTool(t *testing.T) {
	workspace := t.TempDir()
	s := newTestScheduler(t, func(cfg *config.Config) {
		cfg.Security.Workspace = workspace
	})

	s.runJob(config.JobConfig{
		Name:  "write",
		Tool:  "write_file",
		Input: `{"path":"job.txt","content":"done"}`,
	})

	data, err := os.ReadFile(filepath.Join(workspace, "job.txt"))
	if err != nil {
		t.Fatalf("job output missing: %v", err)
	}
	if string(data) != "done" {
		t.Fatalf("job wrote %q", data)
	}
}

func TestRunJobSkipsGatedTool(t *testing.T) {
	workspace := t.TempDir()
	s := newTestScheduler(t, func(cfg *config.Config) {
		cfg.Security.Workspace = workspace
		cfg.Approval.Overrides = map[string]string{"write_file": "always"}
	})

	s.runJob(config.JobConfig{
		Name:  "gated",
		Tool:  "write_file",
		Input: `{"path":"job.txt","content":"nope"}`,
	})

	if _, err := os.Stat(filepath.Join(workspace, "job.txt")); !os.IsNotExist(err) {
		t.Fatal("gated job must not execute")
	}
}

func TestRunJobUnknownToolIsNoop(t *testing.T) {
	s := newTestScheduler(t, nil)
	s.runJob(config.JobConfig{Name: "ghost", Tool: "no_such_tool"})
}
