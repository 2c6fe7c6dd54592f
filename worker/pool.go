// Package worker runs the background side of the platform: a pool of
// consumer routines draining the job fabric, and the operator HTTP
// surface the API process uses to reach the queue in local mode.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/queue"
)

// Pool is a bounded set of consumer routines pulling one job at a time
// and dispatching through the handler registry.
type Pool struct {
	queue    queue.Queue
	registry queue.Registry
	workers  int
	timeout  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds a pool. workers defaults to 4, timeout to 30s; the
// timeout is the per-job handler deadline.
func NewPool(q queue.Queue, registry queue.Registry, workers int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		queue:    q,
		registry: registry,
		workers:  workers,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

// Start launches the worker routines.
func (p *Pool) Start() {
	common.Logger.WithField("workers", p.workers).Info("starting worker pool")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop prevents new dequeues and waits for in-flight handlers up to the
// context deadline (the shutdown grace period).
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		common.Logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool did not drain in time: %w", ctx.Err())
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
			if err := p.processNext(); err != nil {
				common.Logger.WithField("worker", id).WithError(err).Warn("worker iteration failed")
				time.Sleep(time.Second)
			}
		}
	}
}

func (p *Pool) processNext() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout+5*time.Second)
	defer cancel()

	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("failed to dequeue: %w", err)
	}
	if job == nil {
		return nil
	}

	def, ok := p.registry[job.Type]
	if !ok {
		return p.queue.Fail(ctx, job, fmt.Errorf("no handler registered for %q", job.Type), false)
	}

	// Schema check before dispatch; invalid payloads dead-letter
	// immediately, retrying cannot fix them.
	if def.Validate != nil {
		if verr := def.Validate(job.Payload); verr != nil {
			return p.queue.Fail(ctx, job, fmt.Errorf("invalid payload: %w", verr), false)
		}
	}

	handlerCtx, handlerCancel := context.WithTimeout(context.Background(), p.timeout)
	herr := p.invoke(handlerCtx, def, job)
	handlerCancel()

	if herr != nil {
		return p.queue.Fail(ctx, job, herr, true)
	}
	common.Logger.WithField("job_id", job.ID).WithField("job_type", job.Type).Debug("job completed")
	return p.queue.Complete(ctx, job)
}

// invoke runs the handler with panic isolation so one bad job cannot
// take a worker routine down.
func (p *Pool) invoke(ctx context.Context, def queue.Definition, job *queue.Job) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- def.Handler(ctx, job)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Exceeding the deadline counts as a failed attempt.
		return fmt.Errorf("handler exceeded %s deadline", p.timeout)
	}
}
