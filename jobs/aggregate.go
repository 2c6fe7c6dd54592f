package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
	"github.com/pulselabs/pulse/metrics"
	"github.com/pulselabs/pulse/queue"
)

// handleProcessRawMetrics partitions the batch into (endpoint, window)
// buckets and upserts one MetricWindow per bucket. Upserting by the
// natural key keeps the handler idempotent under at-least-once
// delivery: a redelivered batch recomputes and overwrites the same
// rows.
func (d *Deps) handleProcessRawMetrics(ctx context.Context, job *queue.Job) error {
	var payload ProcessRawMetricsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	width := d.WindowWidthMs
	if width <= 0 {
		width = metrics.DefaultWindowWidthMs
	}

	partitions := metrics.Partition(payload.Metrics, width)
	for key, samples := range partitions {
		window := metrics.Compute(key, width, samples)
		if err := d.upsertWindow(ctx, &window); err != nil {
			return fmt.Errorf("failed to store window %s@%d: %w", key.Endpoint, key.WindowStart, err)
		}
	}
	common.Logger.WithField("samples", len(payload.Metrics)).
		WithField("windows", len(partitions)).Debug("aggregated raw metrics")
	return nil
}

// upsertWindow writes the aggregate, overwriting an existing row for
// the same (endpoint, window_start).
func (d *Deps) upsertWindow(ctx context.Context, window *db.MetricWindow) error {
	existing, err := d.Windows.GetFirst(ctx, repository.FirstParams{
		Filters: map[string]any{
			"endpoint__eq":     window.Endpoint,
			"window_start__eq": window.WindowStart,
		},
	})
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = d.Windows.Create(ctx, window)
		return err
	}
	_, err = d.Windows.Update(ctx, existing.ID, map[string]any{
		"window_end":         window.WindowEnd,
		"p50":                window.P50,
		"p95":                window.P95,
		"p99":                window.P99,
		"error_rate":         window.ErrorRate,
		"traffic_count":      window.TrafficCount,
		"mean_request_size":  window.MeanRequestSize,
		"mean_response_size": window.MeanResponseSize,
	})
	return err
}

// handleProcessMetrics scans the given range for endpoints with missing
// windows and logs what it finds. Raw samples are transient, so gaps
// can only be reported, not backfilled.
func (d *Deps) handleProcessMetrics(ctx context.Context, job *queue.Job) error {
	var payload ProcessMetricsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	width := d.WindowWidthMs
	if width <= 0 {
		width = metrics.DefaultWindowWidthMs
	}
	// Default range: the last 15 minutes as of execution, aligned to
	// window boundaries.
	if payload.WindowEnd == 0 {
		payload.WindowEnd = (time.Now().UnixMilli() / width) * width
	}
	if payload.WindowStart == 0 {
		payload.WindowStart = payload.WindowEnd - 15*time.Minute.Milliseconds()
	}

	res, err := d.Windows.List(ctx, repository.ListParams{
		Limit:   repository.MaxLimit,
		OrderBy: "window_start",
		Filters: map[string]any{
			"window_start__gte": payload.WindowStart,
			"window_start__lt":  payload.WindowEnd,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to scan windows: %w", err)
	}

	covered := make(map[string]map[int64]bool)
	for _, w := range res.Data {
		if covered[w.Endpoint] == nil {
			covered[w.Endpoint] = make(map[int64]bool)
		}
		covered[w.Endpoint][w.WindowStart] = true
	}
	gaps := 0
	for endpoint, windows := range covered {
		for ts := payload.WindowStart; ts < payload.WindowEnd; ts += width {
			if !windows[ts] {
				gaps++
				common.Logger.WithField("endpoint", endpoint).WithField("window_start", ts).
					Debug("metric window gap")
			}
		}
	}
	common.Logger.WithField("windows", len(res.Data)).WithField("gaps", gaps).
		Debug("checked metric windows")
	return nil
}
