package scheduler

import (
	"context"
	"fmt"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/queue"
)

// defaultRule describes one rule installed on worker startup.
type defaultRule struct {
	Cron    string
	JobType string
	Payload any
}

var defaultRules = []defaultRule{
	{Cron: "*/5 * * * *", JobType: queue.TypeHealthCheck, Payload: map[string]any{"checkType": "database"}},
	{Cron: "0 0 * * *", JobType: queue.TypeCleanupLogs, Payload: map[string]any{"olderThanDays": 30, "batchSize": 1000}},
	// Window range is resolved at execution time, not at install time.
	{Cron: "*/15 * * * *", JobType: queue.TypeProcessMetrics, Payload: nil},
}

// EnsureDefaults installs the standing maintenance rules, skipping any
// job type that already has a rule.
func EnsureDefaults(ctx context.Context, s Scheduler) error {
	existing, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	installed := make(map[string]bool, len(existing))
	for _, r := range existing {
		installed[r.JobType] = true
	}

	for _, d := range defaultRules {
		if installed[d.JobType] {
			continue
		}
		if _, err := s.Schedule(ctx, d.Cron, d.JobType, d.Payload); err != nil {
			return fmt.Errorf("failed to install default rule for %s: %w", d.JobType, err)
		}
		common.Logger.WithField("job_type", d.JobType).WithField("cron", d.Cron).
			Info("installed default schedule")
	}
	return nil
}
