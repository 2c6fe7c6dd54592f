package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/queue"
)

// handleCleanupLogs hard-deletes log rows older than the retention
// horizon in batches, pausing between batches so the sweep never
// monopolizes the database. It stops when a batch comes back short.
func (d *Deps) handleCleanupLogs(ctx context.Context, job *queue.Job) error {
	var payload CleanupLogsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -payload.OlderThanDays)
	var total int64
	for {
		res := d.DB.WithContext(ctx).Exec(
			"DELETE FROM logs WHERE id IN (SELECT id FROM logs WHERE created_at < ? LIMIT ?)",
			cutoff, payload.BatchSize,
		)
		if res.Error != nil {
			return fmt.Errorf("failed to delete log batch: %w", res.Error)
		}
		total += res.RowsAffected
		if res.RowsAffected < int64(payload.BatchSize) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	common.Logger.WithField("deleted", total).
		WithField("older_than_days", payload.OlderThanDays).Info("log retention sweep done")
	return nil
}
