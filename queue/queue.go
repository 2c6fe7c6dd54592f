// Package queue provides the job fabric: a queue contract with two
// implementations sharing at-least-once delivery, bounded retries with
// exponential backoff, and dead-lettering. The local variant is an
// in-process FIFO for single-node deployments; the remote variant
// rides a Redis broker with a visibility-timeout lease model so several
// workers can share one queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job type names. The set is closed: every type carries its own payload
// schema and dispatches through the static handler registry.
const (
	TypeProcessRawMetrics = "PROCESS_RAW_METRICS"
	TypeProcessMetrics    = "PROCESS_METRICS"
	TypeCleanupLogs       = "CLEANUP_LOGS"
	TypeHealthCheck       = "HEALTH_CHECK"
)

// DefaultMaxAttempts applies when neither the enqueue options nor the
// registry say otherwise.
const DefaultMaxAttempts = 3

// Job is one unit of background work.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`

	// raw is the exact serialized form the broker leased, kept so the
	// remote variant can release the right member.
	raw []byte
}

// EnqueueOptions tune one enqueue call. Zero values defer to defaults.
type EnqueueOptions struct {
	MaxAttempts  int
	Delay        time.Duration
	ScheduledFor *time.Time
}

// Stats is the queue's self-report. Depth is exact for the local
// variant and broker-reported for the remote one.
type Stats struct {
	Depth    int64  `json:"depth"`
	InFlight int64  `json:"inFlight"`
	Mode     string `json:"mode"`
}

// HandlerFunc processes one job under the deadline the consumer set.
type HandlerFunc func(ctx context.Context, job *Job) error

// Definition binds a job type to its handler, defaults, and payload
// schema check.
type Definition struct {
	Handler     HandlerFunc
	MaxAttempts int
	Validate    func(payload json.RawMessage) error
	Name        string
	Description string
	Category    string
}

// Registry maps job types to their definitions. It is built once at
// startup and never mutated afterwards.
type Registry map[string]Definition

// DeadLetter is a job that exhausted its retry budget, with the reason
// it kept failing.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Queue is the contract both variants implement. Consumers pull with
// Dequeue and settle with Complete or Fail; the retry and dead-letter
// policy lives behind Fail.
type Queue interface {
	// Enqueue serializes the payload and queues a job, honoring delay
	// or absolute scheduling. Returns the job id.
	Enqueue(ctx context.Context, jobType string, payload any, opts *EnqueueOptions) (string, error)

	// Dequeue blocks until a job is available, the poll interval
	// elapses (returning nil, nil), or the context is done.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete acknowledges a successfully handled job.
	Complete(ctx context.Context, job *Job) error

	// Fail records a failed attempt. Retryable failures re-enqueue with
	// backoff until MaxAttempts; everything else dead-letters.
	Fail(ctx context.Context, job *Job, reason error, retryable bool) error

	Stats(ctx context.Context) (Stats, error)
	Pending(ctx context.Context) ([]Job, error)
	DeadLetters(ctx context.Context) ([]DeadLetter, error)

	// Shutdown stops accepting work and releases resources.
	Shutdown(ctx context.Context) error
}

// Backoff returns the retry delay after the given (already incremented)
// attempt count: min(30s * 2^(attempts-1), 5m).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := 30 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// newJob builds a Job from an enqueue call.
func newJob(jobType string, payload any, opts *EnqueueOptions) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			job.MaxAttempts = opts.MaxAttempts
		}
		if opts.ScheduledFor != nil {
			t := opts.ScheduledFor.UTC()
			job.ScheduledFor = &t
		} else if opts.Delay > 0 {
			t := time.Now().UTC().Add(opts.Delay)
			job.ScheduledFor = &t
		}
	}
	return job, nil
}
