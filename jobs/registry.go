// Package jobs binds the closed set of background job types to their
// handlers. The registry is built once at worker startup and handed to
// the pool; the scheduler resolves per-type enqueue options through
// Options so scheduled work inherits the same retry budgets.
package jobs

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
	"github.com/pulselabs/pulse/queue"
	"github.com/pulselabs/pulse/scheduler"
)

// ProcessRawMetricsPayload carries one flushed batch of raw samples.
type ProcessRawMetricsPayload struct {
	Metrics []db.RawMetric `json:"metrics"`
}

// ProcessMetricsPayload bounds the re-check range in epoch ms. Zero
// values mean "the last 15 minutes as of execution".
type ProcessMetricsPayload struct {
	WindowStart int64 `json:"windowStart,omitempty"`
	WindowEnd   int64 `json:"windowEnd,omitempty"`
}

// CleanupLogsPayload drives the log retention sweep.
type CleanupLogsPayload struct {
	OlderThanDays int `json:"olderThanDays"`
	BatchSize     int `json:"batchSize"`
}

// HealthCheckPayload selects which probe to run. An empty checkType
// means the database probe.
type HealthCheckPayload struct {
	CheckType string `json:"checkType"`
}

// Deps carries everything the handlers touch.
type Deps struct {
	DB        *gorm.DB
	Windows   *repository.Repository[db.MetricWindow, *db.MetricWindow]
	Logs      *repository.Repository[db.Log, *db.Log]
	Stats     *repository.Repository[db.WorkerStats, *db.WorkerStats]
	Queue     queue.Queue
	Scheduler scheduler.Scheduler
	Registry  func() queue.Registry
	Mode      string
	// WindowWidthMs overrides the aggregation window width; zero keeps
	// the default.
	WindowWidthMs int64
}

// NewRegistry builds the static job registry.
func NewRegistry(deps *Deps) queue.Registry {
	return queue.Registry{
		queue.TypeProcessRawMetrics: {
			Handler:     deps.handleProcessRawMetrics,
			MaxAttempts: 3,
			Validate:    validateProcessRawMetrics,
			Name:        "Process raw metrics",
			Description: "Aggregates a batch of raw request samples into per-endpoint windows",
			Category:    "metrics",
		},
		queue.TypeProcessMetrics: {
			Handler:     deps.handleProcessMetrics,
			MaxAttempts: 3,
			Validate:    validateProcessMetrics,
			Name:        "Process metrics",
			Description: "Re-checks recent metric windows for gaps",
			Category:    "metrics",
		},
		queue.TypeCleanupLogs: {
			Handler:     deps.handleCleanupLogs,
			MaxAttempts: 3,
			Validate:    validateCleanupLogs,
			Name:        "Cleanup logs",
			Description: "Hard-deletes log rows past the retention horizon in batches",
			Category:    "maintenance",
		},
		queue.TypeHealthCheck: {
			Handler:     deps.handleHealthCheck,
			MaxAttempts: 1,
			Validate:    validateHealthCheck,
			Name:        "Health check",
			Description: "Pings the database and records a worker heartbeat",
			Category:    "maintenance",
		},
	}
}

// Options resolves the enqueue options for a job type from the
// registry's defaults. Unknown types fall back to the queue default.
func Options(registry queue.Registry) scheduler.OptionsFunc {
	return func(jobType string) *queue.EnqueueOptions {
		def, ok := registry[jobType]
		if !ok || def.MaxAttempts <= 0 {
			return nil
		}
		return &queue.EnqueueOptions{MaxAttempts: def.MaxAttempts}
	}
}

func validateProcessRawMetrics(raw json.RawMessage) error {
	var p ProcessRawMetricsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if len(p.Metrics) == 0 {
		return fmt.Errorf("metrics must not be empty")
	}
	for i, m := range p.Metrics {
		if m.Endpoint == "" {
			return fmt.Errorf("metrics[%d]: endpoint is required", i)
		}
		if m.Timestamp <= 0 {
			return fmt.Errorf("metrics[%d]: timestamp is required", i)
		}
		if m.LatencyMs < 0 {
			return fmt.Errorf("metrics[%d]: latency must not be negative", i)
		}
	}
	return nil
}

func validateProcessMetrics(raw json.RawMessage) error {
	var p ProcessMetricsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if p.WindowStart != 0 && p.WindowEnd != 0 && p.WindowEnd <= p.WindowStart {
		return fmt.Errorf("windowEnd must be after windowStart")
	}
	return nil
}

func validateCleanupLogs(raw json.RawMessage) error {
	var p CleanupLogsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if p.OlderThanDays <= 0 {
		return fmt.Errorf("olderThanDays must be positive")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive")
	}
	return nil
}

func validateHealthCheck(raw json.RawMessage) error {
	var p HealthCheckPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	switch p.CheckType {
	case "", "database":
		return nil
	default:
		return fmt.Errorf("unknown checkType %q", p.CheckType)
	}
}
