package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	q := NewLocal()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func TestLocalFIFO(t *testing.T) {
	q := newTestLocal(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, TypeHealthCheck, map[string]any{"checkType": "database"}, nil)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, TypeCleanupLogs, map[string]any{"olderThanDays": 30, "batchSize": 1000}, nil)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	require.NoError(t, q.Complete(ctx, job))

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID)
	require.NoError(t, q.Complete(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Depth)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, "local", stats.Mode)
}

func TestLocalStatsTracksInFlight(t *testing.T) {
	q := newTestLocal(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeHealthCheck, nil, nil)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
}

func TestLocalScheduledDelivery(t *testing.T) {
	q := newTestLocal(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeHealthCheck, nil, &EnqueueOptions{Delay: 100 * time.Millisecond})
	require.NoError(t, err)

	// Not ready yet.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	job, err := q.Dequeue(shortCtx)
	cancel()
	assert.Nil(t, job)
	assert.Error(t, err)

	// Ready after the delay elapses.
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err = q.Dequeue(ctx)
		require.NoError(t, err)
		if job != nil || time.Now().After(deadline) {
			break
		}
	}
	require.NotNil(t, job)
	assert.Equal(t, TypeHealthCheck, job.Type)
}

func TestLocalRetryThenDeadLetter(t *testing.T) {
	q := newTestLocal(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeHealthCheck, nil, &EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// First failure: re-enqueued with backoff.
	require.NoError(t, q.Fail(ctx, job, errors.New("transient"), true))
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.ScheduledFor)
	assert.True(t, job.ScheduledFor.After(time.Now().Add(25*time.Second)), "first retry backs off ~30s")

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	// Second failure exhausts the budget.
	require.NoError(t, q.Fail(ctx, job, errors.New("still broken"), true))

	dead, err = q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].Job.ID)
	assert.Contains(t, dead[0].Reason, "still broken")
}

func TestLocalNonRetryableDeadLettersImmediately(t *testing.T) {
	q := newTestLocal(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeProcessRawMetrics, nil, nil)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job, errors.New("invalid payload"), false))

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Job.Attempts)
	assert.Contains(t, dead[0].Reason, "invalid payload")
}

func TestLocalDeadLetterRingBounded(t *testing.T) {
	q := newTestLocal(t)
	ctx := context.Background()

	for i := 0; i < localDeadLetterCap+10; i++ {
		_, err := q.Enqueue(ctx, TypeHealthCheck, nil, nil)
		require.NoError(t, err)
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Fail(ctx, job, errors.New("boom"), false))
	}

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, dead, localDeadLetterCap)
}

func TestLocalDequeueHonorsContext(t *testing.T) {
	q := newTestLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job, err := q.Dequeue(ctx)
	assert.Nil(t, job)
	assert.ErrorIs(t, err, context.Canceled)
}
