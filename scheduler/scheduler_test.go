package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulselabs/pulse/queue"
)

// recordingQueue captures enqueues without a real fabric behind it.
type recordingQueue struct {
	mu    sync.Mutex
	calls []recordedEnqueue
}

type recordedEnqueue struct {
	Type    string
	Payload json.RawMessage
	Opts    *queue.EnqueueOptions
}

func (r *recordingQueue) Enqueue(ctx context.Context, jobType string, payload any, opts *queue.EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedEnqueue{Type: jobType, Payload: raw, Opts: opts})
	return "job-1", nil
}

func (r *recordingQueue) Dequeue(ctx context.Context) (*queue.Job, error)       { return nil, nil }
func (r *recordingQueue) Complete(ctx context.Context, job *queue.Job) error    { return nil }
func (r *recordingQueue) Fail(ctx context.Context, job *queue.Job, reason error, retryable bool) error {
	return nil
}
func (r *recordingQueue) Stats(ctx context.Context) (queue.Stats, error)        { return queue.Stats{}, nil }
func (r *recordingQueue) Pending(ctx context.Context) ([]queue.Job, error)      { return nil, nil }
func (r *recordingQueue) DeadLetters(ctx context.Context) ([]queue.DeadLetter, error) {
	return nil, nil
}
func (r *recordingQueue) Shutdown(ctx context.Context) error { return nil }

func (r *recordingQueue) recorded() []recordedEnqueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEnqueue, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 0 * * *", false},
		{"*/15 * * * *", false},
		{"30 4 1 * 5", false},
		{"* * * *", true},        // 4 fields
		{"* * * * * *", true},    // 6 fields
		{"not a cron", true},
		{"61 * * * *", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := parseCron(tt.expr)
		if tt.wantErr {
			assert.Error(t, err, "expr=%q", tt.expr)
		} else {
			assert.NoError(t, err, "expr=%q", tt.expr)
		}
	}
}

func TestMatchesMinute(t *testing.T) {
	every5, err := parseCron("*/5 * * * *")
	require.NoError(t, err)
	midnight, err := parseCron("0 0 * * *")
	require.NoError(t, err)

	at := func(hour, minute int) time.Time {
		return time.Date(2026, 8, 24, hour, minute, 0, 0, time.UTC)
	}

	assert.True(t, matchesMinute(every5, at(10, 0)))
	assert.True(t, matchesMinute(every5, at(10, 5)))
	assert.False(t, matchesMinute(every5, at(10, 3)))

	assert.True(t, matchesMinute(midnight, at(0, 0)))
	assert.False(t, matchesMinute(midnight, at(0, 1)))
	assert.False(t, matchesMinute(midnight, at(12, 0)))
}

func TestLocalScheduleValidatesCron(t *testing.T) {
	s := NewLocal(&recordingQueue{}, nil, nil)
	_, err := s.Schedule(context.Background(), "bogus", queue.TypeHealthCheck, nil)
	assert.Error(t, err)

	id, err := s.Schedule(context.Background(), "*/5 * * * *", queue.TypeHealthCheck, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rules, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "*/5 * * * *", rules[0].Cron)
	assert.True(t, rules[0].Enabled)
}

func TestLocalTickFiresDueRules(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	q := &recordingQueue{}
	s := NewLocal(q, nil, func() time.Time { return now })

	_, err := s.Schedule(context.Background(), "*/5 * * * *", queue.TypeHealthCheck, map[string]any{"checkType": "database"})
	require.NoError(t, err)
	_, err = s.Schedule(context.Background(), "0 0 * * *", queue.TypeCleanupLogs, nil)
	require.NoError(t, err)

	s.Tick()

	calls := q.recorded()
	require.Len(t, calls, 1, "only the */5 rule matches 10:05")
	assert.Equal(t, queue.TypeHealthCheck, calls[0].Type)
	assert.JSONEq(t, `{"checkType":"database"}`, string(calls[0].Payload))

	// Same minute: deduplicated.
	s.Tick()
	assert.Len(t, q.recorded(), 1)

	// Next matching minute fires again.
	now = now.Add(5 * time.Minute)
	s.Tick()
	assert.Len(t, q.recorded(), 2)
}

func TestLocalUnschedule(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	q := &recordingQueue{}
	s := NewLocal(q, nil, func() time.Time { return now })

	id, err := s.Schedule(context.Background(), "*/5 * * * *", queue.TypeHealthCheck, nil)
	require.NoError(t, err)
	require.NoError(t, s.Unschedule(context.Background(), id))

	s.Tick()
	assert.Empty(t, q.recorded())
}

func TestLocalTickUsesOptionsFunc(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	q := &recordingQueue{}
	optsFor := func(jobType string) *queue.EnqueueOptions {
		if jobType == queue.TypeHealthCheck {
			return &queue.EnqueueOptions{MaxAttempts: 1}
		}
		return nil
	}
	s := NewLocal(q, optsFor, func() time.Time { return now })

	_, err := s.Schedule(context.Background(), "*/5 * * * *", queue.TypeHealthCheck, nil)
	require.NoError(t, err)
	s.Tick()

	calls := q.recorded()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Opts)
	assert.Equal(t, 1, calls[0].Opts.MaxAttempts)
}

func TestEnsureDefaults(t *testing.T) {
	s := NewLocal(&recordingQueue{}, nil, nil)
	require.NoError(t, EnsureDefaults(context.Background(), s))

	rules, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 3)

	byType := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byType[r.JobType] = r
	}
	assert.Equal(t, "*/5 * * * *", byType[queue.TypeHealthCheck].Cron)
	assert.Equal(t, "0 0 * * *", byType[queue.TypeCleanupLogs].Cron)
	assert.Equal(t, "*/15 * * * *", byType[queue.TypeProcessMetrics].Cron)
	assert.JSONEq(t, `{"olderThanDays":30,"batchSize":1000}`, string(byType[queue.TypeCleanupLogs].Payload))

	// Idempotent.
	require.NoError(t, EnsureDefaults(context.Background(), s))
	rules, err = s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 3)
}
