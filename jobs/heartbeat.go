package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
	"github.com/pulselabs/pulse/queue"
)

// handleHealthCheck probes the database and records a worker heartbeat
// snapshot. An empty checkType means the database probe. The probe
// failing fails the job, but the heartbeat is written either way so the
// health rollup can tell a dead worker from a sick database; the
// heartbeat write failing only logs.
func (d *Deps) handleHealthCheck(ctx context.Context, job *queue.Job) error {
	var payload HealthCheckPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	var probeErr error
	switch payload.CheckType {
	case "", "database":
		if err := d.DB.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
			probeErr = fmt.Errorf("database probe failed: %w", err)
		}
	default:
		probeErr = fmt.Errorf("unknown check type %q", payload.CheckType)
	}

	if err := d.recordHeartbeat(ctx); err != nil {
		common.Logger.WithError(err).Warn("failed to record worker heartbeat")
	}
	return probeErr
}

// recordHeartbeat snapshots queue depth, scheduled rules, and the
// available job types into the latest WorkerStats row for the current
// mode, inserting one when none exists yet.
func (d *Deps) recordHeartbeat(ctx context.Context) error {
	stats, err := d.Queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}

	row := db.WorkerStats{
		Mode:          d.Mode,
		QueueDepth:    stats.Depth,
		InFlight:      stats.InFlight,
		LastHeartbeat: time.Now().UTC(),
	}

	if d.Scheduler != nil {
		rules, err := d.Scheduler.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}
		row.ScheduledJobs = len(rules)
		row.ScheduledList = make(db.JSONList, 0, len(rules))
		for _, r := range rules {
			row.ScheduledList = append(row.ScheduledList, map[string]any{
				"id":      r.ID,
				"cron":    r.Cron,
				"jobType": r.JobType,
				"enabled": r.Enabled,
			})
		}
	}

	if d.Registry != nil {
		reg := d.Registry()
		row.AvailableJobs = len(reg)
		row.AvailableList = make(db.JSONList, 0, len(reg))
		for jobType, def := range reg {
			row.AvailableList = append(row.AvailableList, map[string]any{
				"type":        jobType,
				"name":        def.Name,
				"description": def.Description,
				"category":    def.Category,
			})
		}
	}

	latest, err := d.Stats.GetFirst(ctx, repository.FirstParams{
		OrderBy: "last_heartbeat",
		Order:   "desc",
		Filters: map[string]any{"mode__eq": d.Mode},
	})
	if err != nil {
		return err
	}
	if latest == nil {
		_, err = d.Stats.Create(ctx, &row)
		return err
	}

	// The list columns are not part of the gateway's writable schema, so
	// the refresh goes through gorm directly.
	res := d.DB.WithContext(ctx).Model(&db.WorkerStats{}).
		Where("id = ?", latest.ID).
		Updates(map[string]any{
			"queue_depth":    row.QueueDepth,
			"in_flight":      row.InFlight,
			"scheduled_jobs": row.ScheduledJobs,
			"available_jobs": row.AvailableJobs,
			"scheduled_list": row.ScheduledList,
			"available_list": row.AvailableList,
			"last_heartbeat": row.LastHeartbeat,
			"updated_at":     row.LastHeartbeat,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to refresh worker stats %d: %w", latest.ID, res.Error)
	}
	return nil
}
