package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pulselabs/pulse/common"
)

// DLQ ring capacity for the local variant.
const localDeadLetterCap = 100

// Local is the in-process queue: a channel-backed FIFO, a time-ordered
// pending set for delayed jobs, and a bounded dead-letter ring. Stats
// are exact. Everything is reconstructed from empty on restart.
type Local struct {
	ready chan *Job

	mu      sync.Mutex
	pending pendingHeap
	dead    []DeadLetter

	inFlight  int64
	stop      chan struct{}
	stopOnce  sync.Once
	timerKick chan struct{}
	wg        sync.WaitGroup
}

// NewLocal creates the local queue and starts its scheduling timer.
func NewLocal() *Local {
	q := &Local{
		ready:     make(chan *Job, 1024),
		stop:      make(chan struct{}),
		timerKick: make(chan struct{}, 1),
	}
	q.wg.Add(1)
	go q.runTimer()
	return q
}

// Enqueue queues a job, parking it in the pending set when it carries a
// future schedule.
func (q *Local) Enqueue(ctx context.Context, jobType string, payload any, opts *EnqueueOptions) (string, error) {
	job, err := newJob(jobType, payload, opts)
	if err != nil {
		return "", err
	}
	q.push(job)
	return job.ID, nil
}

func (q *Local) push(job *Job) {
	if job.ScheduledFor != nil && job.ScheduledFor.After(time.Now()) {
		q.mu.Lock()
		heap.Push(&q.pending, job)
		q.mu.Unlock()
		q.kickTimer()
		return
	}
	select {
	case q.ready <- job:
	default:
		// Ready channel full; park it and let the timer retry shortly.
		q.mu.Lock()
		t := time.Now().Add(100 * time.Millisecond)
		job.ScheduledFor = &t
		heap.Push(&q.pending, job)
		q.mu.Unlock()
		q.kickTimer()
	}
}

func (q *Local) kickTimer() {
	select {
	case q.timerKick <- struct{}{}:
	default:
	}
}

// runTimer is the single routine that moves due jobs from the pending
// set into the ready queue.
func (q *Local) runTimer() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		wait := time.Hour
		for q.pending.Len() > 0 {
			next := q.pending[0]
			due := next.CreatedAt
			if next.ScheduledFor != nil {
				due = *next.ScheduledFor
			}
			if until := time.Until(due); until > 0 {
				wait = until
				break
			}
			heap.Pop(&q.pending)
			select {
			case q.ready <- next:
				continue
			default:
			}
			// Ready channel full; retry shortly.
			heap.Push(&q.pending, next)
			wait = 100 * time.Millisecond
			break
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.stop:
			return
		case <-q.timerKick:
		case <-timer.C:
		}
	}
}

// Dequeue blocks until a job is ready or the context is done.
func (q *Local) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stop:
		return nil, context.Canceled
	case job := <-q.ready:
		q.mu.Lock()
		q.inFlight++
		q.mu.Unlock()
		return job, nil
	case <-time.After(time.Second):
		return nil, nil
	}
}

// Complete acknowledges a job. The local variant only adjusts its
// in-flight accounting.
func (q *Local) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
	return nil
}

// Fail increments the attempt count and either re-enqueues with
// exponential backoff or moves the job to the dead-letter ring.
func (q *Local) Fail(ctx context.Context, job *Job, reason error, retryable bool) error {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()

	job.Attempts++
	if retryable && job.Attempts < job.MaxAttempts {
		delay := Backoff(job.Attempts)
		t := time.Now().Add(delay)
		job.ScheduledFor = &t
		common.Logger.WithField("job_id", job.ID).WithField("attempts", job.Attempts).
			WithField("delay", delay.String()).Warn("job failed, retrying")
		q.push(job)
		return nil
	}

	q.mu.Lock()
	q.dead = append(q.dead, DeadLetter{Job: *job, Reason: reason.Error(), FailedAt: time.Now().UTC()})
	if len(q.dead) > localDeadLetterCap {
		q.dead = q.dead[len(q.dead)-localDeadLetterCap:]
	}
	q.mu.Unlock()
	common.Logger.WithField("job_id", job.ID).WithField("job_type", job.Type).
		WithError(reason).Error("job dead-lettered")
	return nil
}

// Stats reports exact depth and in-flight counts.
func (q *Local) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	pending := int64(q.pending.Len())
	inFlight := q.inFlight
	q.mu.Unlock()
	return Stats{
		Depth:    int64(len(q.ready)) + pending,
		InFlight: inFlight,
		Mode:     "local",
	}, nil
}

// Pending lists queued and parked jobs, for the operator surface.
func (q *Local) Pending(ctx context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.pending))
	for _, j := range q.pending {
		out = append(out, *j)
	}
	return out, nil
}

// DeadLetters returns the retained failure ring, newest last.
func (q *Local) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Shutdown stops the timer routine. Queued jobs are lost by design; the
// local queue owns no durable state.
func (q *Local) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pendingHeap orders parked jobs by their due time.
type pendingHeap []*Job

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	ti, tj := h[i].CreatedAt, h[j].CreatedAt
	if h[i].ScheduledFor != nil {
		ti = *h[i].ScheduledFor
	}
	if h[j].ScheduledFor != nil {
		tj = *h[j].ScheduledFor
	}
	return ti.Before(tj)
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
