// Package pipeline is the request-side data plane: the middleware
// chain that guards, tags, and observes every inbound request, plus
// the buffers that decouple capture from persistence so the response
// path never blocks on I/O.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/jobs"
	"github.com/pulselabs/pulse/queue"
)

// DefaultBatchSize is how many raw metrics one flush drains when the
// config does not say otherwise; the capture middleware triggers an
// early flush at twice the batch depth.
const DefaultBatchSize = 50

// Buffer is the process-wide raw-metric buffer. Producers only hold
// the lock long enough to append.
type Buffer struct {
	mu        sync.Mutex
	batchSize int
	samples   []db.RawMetric
}

// NewBuffer builds an empty buffer. batchSize <= 0 keeps the default.
func NewBuffer(batchSize int) *Buffer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Buffer{
		batchSize: batchSize,
		samples:   make([]db.RawMetric, 0, 2*batchSize),
	}
}

// BatchSize reports how many samples one flush drains.
func (b *Buffer) BatchSize() int { return b.batchSize }

// Add appends one sample and reports the new depth.
func (b *Buffer) Add(m db.RawMetric) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, m)
	return len(b.samples)
}

// Len reports the current depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// take removes up to n samples from the head.
func (b *Buffer) take(n int) []db.RawMetric {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return nil
	}
	if n > len(b.samples) {
		n = len(b.samples)
	}
	out := make([]db.RawMetric, n)
	copy(out, b.samples[:n])
	b.samples = append(b.samples[:0], b.samples[n:]...)
	return out
}

// prepend puts a failed batch back at the head so ordering survives a
// transient enqueue failure.
func (b *Buffer) prepend(batch []db.RawMetric) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(batch, b.samples...)
}

// Flusher owns the periodic drain of the buffer into the job fabric.
// A single goroutine owns the ticker; Kick requests an immediate
// out-of-band flush when the capture path sees the buffer run deep.
type Flusher struct {
	buffer   *Buffer
	queue    queue.Queue
	interval time.Duration

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewFlusher builds a flusher. interval defaults to 5s.
func NewFlusher(buffer *Buffer, q queue.Queue, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{
		buffer:   buffer,
		queue:    q,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the flush coordinator.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
}

// Kick requests an immediate flush without blocking the caller.
func (f *Flusher) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Stop runs one final flush and halts the coordinator.
func (f *Flusher) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stop) })
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Flusher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			f.Flush()
			return
		case <-f.kick:
			f.Flush()
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Flush drains up to one batch of samples into one PROCESS_RAW_METRICS
// job. On enqueue failure the batch goes back to the head of the
// buffer; under a persistently broken fabric the buffer can grow
// without bound, which is the documented trade for never dropping
// samples silently.
func (f *Flusher) Flush() {
	batch := f.buffer.take(f.buffer.batchSize)
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := jobs.ProcessRawMetricsPayload{Metrics: batch}
	if _, err := f.queue.Enqueue(ctx, queue.TypeProcessRawMetrics, payload, nil); err != nil {
		f.buffer.prepend(batch)
		common.Logger.WithField("batch", len(batch)).WithError(err).
			Warn("failed to flush raw metrics, batch requeued")
		return
	}
	common.Logger.WithField("batch", len(batch)).Debug("flushed raw metrics")
}
