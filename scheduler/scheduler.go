// Package scheduler turns 5-field cron rules into queue enqueues. The
// local variant evaluates rules on an in-process ticker; the remote
// variant keeps the rule set in the broker so every worker sees the
// same rules, and uses a per-minute claim key so exactly one worker
// fires each rule.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/pulselabs/pulse/queue"
)

// Rule is one installed cron rule.
type Rule struct {
	ID      string          `json:"id"`
	Cron    string          `json:"cron"`
	JobType string          `json:"jobType"`
	Payload json.RawMessage `json:"payload"`
	Enabled bool            `json:"enabled"`
}

// Scheduler is the contract both variants implement.
type Scheduler interface {
	// Schedule validates the cron expression and installs a rule.
	Schedule(ctx context.Context, cron, jobType string, payload any) (string, error)
	Unschedule(ctx context.Context, id string) error
	List(ctx context.Context) ([]Rule, error)

	Start()
	Stop(ctx context.Context) error
}

// OptionsFunc resolves the enqueue options for a job type, letting the
// handler registry's defaults (max attempts per type) apply to
// scheduled work.
type OptionsFunc func(jobType string) *queue.EnqueueOptions

// parseCron validates a 5-field expression. cronexpr also accepts 6/7
// field forms; the platform only speaks the classic 5-field dialect.
func parseCron(expr string) (*cronexpr.Expression, error) {
	fields := 0
	inField := false
	for _, r := range expr {
		if r == ' ' || r == '\t' {
			inField = false
			continue
		}
		if !inField {
			fields++
			inField = true
		}
	}
	if fields != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: want 5 fields, got %d", expr, fields)
	}
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return parsed, nil
}

// matchesMinute reports whether the expression fires at the given
// minute boundary.
func matchesMinute(expr *cronexpr.Expression, minute time.Time) bool {
	return expr.Next(minute.Add(-time.Second)).Equal(minute)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule payload: %w", err)
	}
	return raw, nil
}
