package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/jobs"
	"github.com/pulselabs/pulse/queue"
)

// flakyQueue records enqueued batches and can be told to fail.
type flakyQueue struct {
	mu       sync.Mutex
	fail     bool
	enqueued [][]db.RawMetric
}

func (f *flakyQueue) Enqueue(ctx context.Context, jobType string, payload any, opts *queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("broker unavailable")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var p jobs.ProcessRawMetricsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	f.enqueued = append(f.enqueued, p.Metrics)
	return "job-1", nil
}

func (f *flakyQueue) Dequeue(ctx context.Context) (*queue.Job, error)    { return nil, nil }
func (f *flakyQueue) Complete(ctx context.Context, job *queue.Job) error { return nil }
func (f *flakyQueue) Fail(ctx context.Context, job *queue.Job, reason error, retryable bool) error {
	return nil
}
func (f *flakyQueue) Stats(ctx context.Context) (queue.Stats, error)   { return queue.Stats{}, nil }
func (f *flakyQueue) Pending(ctx context.Context) ([]queue.Job, error) { return nil, nil }
func (f *flakyQueue) DeadLetters(ctx context.Context) ([]queue.DeadLetter, error) {
	return nil, nil
}
func (f *flakyQueue) Shutdown(ctx context.Context) error { return nil }

func (f *flakyQueue) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyQueue) batches() [][]db.RawMetric {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]db.RawMetric, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

func sample(endpoint string, latency int64) db.RawMetric {
	return db.RawMetric{Endpoint: endpoint, LatencyMs: latency, Status: 200, Timestamp: 1_700_000_000_000}
}

func TestBufferTakeKeepsOrder(t *testing.T) {
	b := NewBuffer(0)
	for i := int64(0); i < 5; i++ {
		b.Add(sample("/a", i))
	}

	got := b.take(3)
	require.Len(t, got, 3)
	assert.Equal(t, int64(0), got[0].LatencyMs)
	assert.Equal(t, int64(2), got[2].LatencyMs)
	assert.Equal(t, 2, b.Len())

	// Taking more than remains drains the buffer.
	got = b.take(10)
	assert.Len(t, got, 2)
	assert.Zero(t, b.Len())
	assert.Nil(t, b.take(1))
}

func TestBufferPrependRestoresHead(t *testing.T) {
	b := NewBuffer(0)
	b.Add(sample("/a", 1))
	b.Add(sample("/a", 2))

	batch := b.take(1)
	b.Add(sample("/a", 3))
	b.prepend(batch)

	got := b.take(3)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].LatencyMs)
	assert.Equal(t, int64(2), got[1].LatencyMs)
	assert.Equal(t, int64(3), got[2].LatencyMs)
}

func TestFlushDrainsOneBatch(t *testing.T) {
	b := NewBuffer(0)
	q := &flakyQueue{}
	f := NewFlusher(b, q, 0)

	for i := 0; i < DefaultBatchSize+10; i++ {
		b.Add(sample("/a", int64(i)))
	}

	f.Flush()
	batches := q.batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], DefaultBatchSize)
	assert.Equal(t, 10, b.Len(), "overflow stays for the next flush")
}

func TestFlushHonorsConfiguredBatchSize(t *testing.T) {
	b := NewBuffer(5)
	q := &flakyQueue{}
	f := NewFlusher(b, q, 0)

	for i := 0; i < 12; i++ {
		b.Add(sample("/a", int64(i)))
	}

	f.Flush()
	batches := q.batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 5)
	assert.Equal(t, 7, b.Len())

	assert.Equal(t, DefaultBatchSize, NewBuffer(0).BatchSize(), "zero keeps the default")
	assert.Equal(t, DefaultBatchSize, NewBuffer(-1).BatchSize())
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	q := &flakyQueue{}
	f := NewFlusher(NewBuffer(0), q, 0)
	f.Flush()
	assert.Empty(t, q.batches())
}

func TestFlushRequeuesOnEnqueueFailure(t *testing.T) {
	b := NewBuffer(0)
	q := &flakyQueue{}
	f := NewFlusher(b, q, 0)

	b.Add(sample("/a", 1))
	b.Add(sample("/a", 2))

	q.setFail(true)
	f.Flush()
	assert.Empty(t, q.batches())
	assert.Equal(t, 2, b.Len(), "failed batch goes back to the buffer")

	q.setFail(false)
	f.Flush()
	batches := q.batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, int64(1), batches[0][0].LatencyMs, "order survives the retry")
}

func TestFlusherStopRunsFinalFlush(t *testing.T) {
	b := NewBuffer(0)
	q := &flakyQueue{}
	f := NewFlusher(b, q, 0)
	f.Start()

	b.Add(sample("/a", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))

	batches := q.batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
}
