package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, visibility time.Duration) (*Remote, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRemote(context.Background(), RemoteConfig{
		URL:               "redis://" + mr.Addr(),
		VisibilityTimeout: visibility,
		PollInterval:      100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q, mr
}

func TestRemoteEnqueueDequeueComplete(t *testing.T) {
	q, _ := newTestRemote(t, 30*time.Second)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeHealthCheck, map[string]any{"checkType": "database"}, nil)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, TypeHealthCheck, job.Type)

	// Leased while processing.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
	assert.Equal(t, "remote", stats.Mode)

	require.NoError(t, q.Complete(ctx, job))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
	assert.Zero(t, stats.Depth)
}

func TestRemoteScheduledJobPromoted(t *testing.T) {
	q, _ := newTestRemote(t, 30*time.Second)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeCleanupLogs, nil, &EnqueueOptions{Delay: 200 * time.Millisecond})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Depth, "scheduled jobs count toward depth")

	// Nothing ready before the due time.
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	// The reaper promotes it once due.
	require.Eventually(t, func() bool {
		job, err = q.Dequeue(ctx)
		return err == nil && job != nil
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, TypeCleanupLogs, job.Type)
}

func TestRemoteFailRetriesWithBackoff(t *testing.T) {
	q, _ := newTestRemote(t, 30*time.Second)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeHealthCheck, nil, nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job, errors.New("transient"), true))

	// Back in the scheduled set, lease released.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Depth)
	assert.Zero(t, stats.InFlight)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	require.NotNil(t, pending[0].ScheduledFor)
	assert.True(t, pending[0].ScheduledFor.After(time.Now().Add(20*time.Second)))
}

func TestRemoteExhaustedAttemptsDeadLetter(t *testing.T) {
	q, _ := newTestRemote(t, 30*time.Second)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeHealthCheck, nil, &EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job, errors.New("fatal"), true))

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].Job.ID)
	assert.Contains(t, dead[0].Reason, "fatal")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Depth)
	assert.Zero(t, stats.InFlight)
}

func TestRemoteNonRetryableDeadLetters(t *testing.T) {
	q, _ := newTestRemote(t, 30*time.Second)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeProcessRawMetrics, map[string]any{"metrics": []any{}}, nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job, errors.New("invalid payload"), false))

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "invalid payload")
}

func TestRemoteExpiredLeaseReclaimed(t *testing.T) {
	q, _ := newTestRemote(t, 100*time.Millisecond)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeHealthCheck, nil, nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Never settle the job; the reaper returns the expired lease with an
	// incremented receive count.
	var reclaimed *Job
	require.Eventually(t, func() bool {
		reclaimed, err = q.Dequeue(ctx)
		return err == nil && reclaimed != nil
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.Attempts)
}

func TestRemoteUnreadableJobDeadLetters(t *testing.T) {
	q, mr := newTestRemote(t, 30*time.Second)
	ctx := context.Background()

	_, err := mr.Push(q.key(keyReady), "not json")
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "unreadable job")
}
