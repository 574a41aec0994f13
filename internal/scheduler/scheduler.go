// Package scheduler runs configured background jobs against the tool
// registry on cron schedules. Jobs are headless: only tools that
// resolve to the auto approval tier may run, anything that would need
// a human confirmation is skipped.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quayside/ferry/internal/approval"
	"github.com/quayside/ferry/internal/config"
	"github.com/quayside/ferry/internal/mcp"
	"github.com/quayside/ferry/internal/tools"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

const jobTimeout = 5 * time.Minute

// Scheduler owns the cron runner and the registry jobs execute against.
type Scheduler struct {
	cron     *cron.Cron
	registry *tools.Registry
	jobs     []config.JobConfig
	logger   *slog.Logger
}

// New builds a scheduler from configuration. The registry is built with
// an auto default tier so unconfigured tools run unattended; explicit
// overrides from the approval config still apply and gate jobs out.
func New(ctx context.Context, cfg *config.Config, pool *mcp.Pool, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	overrides := make(map[string]approval.Tier, len(cfg.Approval.Overrides))
	for tool, tier := range cfg.Approval.Overrides {
		parsed, err := approval.ParseTier(tier)
		if err != nil {
			continue
		}
		overrides[tool] = parsed
	}
	policy := approval.NewPolicy(approval.TierAuto, overrides)
	registry := tools.Build(ctx, tools.BuildConfig{
		SecurityMode: tools.SecurityMode(cfg.Security.Mode),
		Workspace:    cfg.Security.Workspace,
	}, policy, pool)

	return &Scheduler{
		cron:     cron.New(cron.WithParser(cronParser)),
		registry: registry,
		jobs:     cfg.Jobs,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start registers all jobs and starts the runner. A job with a bad
// schedule fails Start; a job referencing an unknown or gated tool is
// registered anyway and reports at execution time.
func (s *Scheduler) Start() error {
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.runJob(job) }); err != nil {
			return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
		}
		s.logger.Info("job registered", "job", job.Name, "schedule", job.Schedule, "tool", job.Tool)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runJob(job config.JobConfig) {
	logger := s.logger.With("job", job.Name, "tool", job.Tool)

	entry, ok := s.registry.Get(job.Tool)
	if !ok {
		logger.Warn("job tool not available")
		return
	}
	if entry.ApprovalTier != approval.TierAuto {
		logger.Warn("job tool requires approval, skipping", "tier", string(entry.ApprovalTier))
		return
	}

	input := json.RawMessage(job.Input)
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.registry.Execute(ctx, job.Tool, input)
	if err != nil {
		logger.Error("job failed", "error", err, "duration", time.Since(start))
		return
	}
	if result.IsError {
		logger.Warn("job reported error", "output", result.Content, "duration", time.Since(start))
		return
	}
	logger.Info("job completed", "duration", time.Since(start))
}
