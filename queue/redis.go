package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulselabs/pulse/common"
)

// Remote broker key layout, relative to the configured prefix:
//
//	<prefix>ready      list  - jobs available for consumption
//	<prefix>scheduled  zset  - delayed jobs scored by due time (ms)
//	<prefix>processing zset  - leased jobs scored by lease deadline (ms)
//	<prefix>dlq        list  - dead letters, newest first, trimmed
const (
	keyReady      = "ready"
	keyScheduled  = "scheduled"
	keyProcessing = "processing"
	keyDLQ        = "dlq"

	remoteDeadLetterCap = 1000
)

// RemoteConfig configures the Redis-backed queue.
type RemoteConfig struct {
	// URL is the broker URL, e.g. redis://localhost:6379/0.
	URL string
	// KeyPrefix namespaces all broker keys. Defaults to "pulse:jobs:".
	KeyPrefix string
	// VisibilityTimeout is the lease granted on dequeue; a handler that
	// neither completes nor fails within it gets its job redelivered.
	VisibilityTimeout time.Duration
	// PollInterval bounds how long one Dequeue call blocks.
	PollInterval time.Duration
}

// Remote is the broker-backed queue. Delivery is at-least-once: a
// leased job whose lease expires is returned to the ready list with an
// incremented receive count, so handlers must be idempotent.
type Remote struct {
	client *redis.Client
	prefix string
	cfg    RemoteConfig

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRemote connects to the broker and starts the lease reaper and the
// scheduled-job mover.
func NewRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to queue broker: %w", err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pulse:jobs:"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	q := &Remote{client: client, prefix: cfg.KeyPrefix, cfg: cfg, stop: make(chan struct{})}
	q.wg.Add(1)
	go q.runReaper()
	return q, nil
}

func (q *Remote) key(name string) string { return q.prefix + name }

// Enqueue pushes a job to the ready list, or to the scheduled set when
// it carries a future schedule.
func (q *Remote) Enqueue(ctx context.Context, jobType string, payload any, opts *EnqueueOptions) (string, error) {
	job, err := newJob(jobType, payload, opts)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if job.ScheduledFor != nil && job.ScheduledFor.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.key(keyScheduled), redis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: string(raw),
		}).Err()
	} else {
		err = q.client.RPush(ctx, q.key(keyReady), string(raw)).Err()
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Dequeue pulls one job and leases it for the visibility timeout.
func (q *Remote) Dequeue(ctx context.Context) (*Job, error) {
	res, err := q.client.BLPop(ctx, q.cfg.PollInterval, q.key(keyReady)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	raw := []byte(res[1])
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		// Unparseable payloads go straight to the DLQ.
		q.deadLetter(ctx, &Job{ID: "unknown", Payload: raw}, fmt.Errorf("unreadable job: %w", err))
		return nil, nil
	}
	job.raw = raw

	deadline := time.Now().Add(q.cfg.VisibilityTimeout)
	if err := q.client.ZAdd(ctx, q.key(keyProcessing), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: res[1],
	}).Err(); err != nil {
		// Lease bookkeeping failed; put the job back rather than risk
		// losing it.
		_ = q.client.LPush(ctx, q.key(keyReady), res[1]).Err()
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	return &job, nil
}

// Complete deletes the leased message.
func (q *Remote) Complete(ctx context.Context, job *Job) error {
	return q.client.ZRem(ctx, q.key(keyProcessing), string(job.raw)).Err()
}

// Fail releases the lease and either re-enqueues with backoff or routes
// to the broker DLQ once attempts are exhausted.
func (q *Remote) Fail(ctx context.Context, job *Job, reason error, retryable bool) error {
	if err := q.client.ZRem(ctx, q.key(keyProcessing), string(job.raw)).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	job.Attempts++
	if retryable && job.Attempts < job.MaxAttempts {
		t := time.Now().Add(Backoff(job.Attempts))
		job.ScheduledFor = &t
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal retry: %w", err)
		}
		common.Logger.WithField("job_id", job.ID).WithField("attempts", job.Attempts).
			Warn("job failed, retrying")
		return q.client.ZAdd(ctx, q.key(keyScheduled), redis.Z{
			Score:  float64(t.UnixMilli()),
			Member: string(raw),
		}).Err()
	}

	q.deadLetter(ctx, job, reason)
	return nil
}

func (q *Remote) deadLetter(ctx context.Context, job *Job, reason error) {
	dl := DeadLetter{Job: *job, Reason: reason.Error(), FailedAt: time.Now().UTC()}
	dl.Job.raw = nil
	raw, err := json.Marshal(dl)
	if err != nil {
		common.Logger.WithError(err).Error("failed to marshal dead letter")
		return
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key(keyDLQ), string(raw))
	pipe.LTrim(ctx, q.key(keyDLQ), 0, remoteDeadLetterCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		common.Logger.WithError(err).Error("failed to dead-letter job")
		return
	}
	common.Logger.WithField("job_id", job.ID).WithField("job_type", job.Type).
		WithError(reason).Error("job dead-lettered")
}

// runReaper periodically moves due scheduled jobs into the ready list
// and returns expired leases, incrementing their receive count.
func (q *Remote) runReaper() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			q.promoteScheduled(ctx)
			q.reclaimExpired(ctx)
			cancel()
		}
	}
}

func (q *Remote) promoteScheduled(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.key(keyScheduled), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		common.Logger.WithError(err).Warn("failed to scan scheduled jobs")
		return
	}
	for _, m := range members {
		// ZRem first: only the remover owns the member.
		removed, err := q.client.ZRem(ctx, q.key(keyScheduled), m).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.key(keyReady), m).Err(); err != nil {
			common.Logger.WithError(err).Error("failed to promote scheduled job")
		}
	}
}

func (q *Remote) reclaimExpired(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.key(keyProcessing), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		common.Logger.WithError(err).Warn("failed to scan expired leases")
		return
	}
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key(keyProcessing), m).Result()
		if err != nil || removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			continue
		}
		job.raw = []byte(m)
		// Redelivery after lease expiry counts as a failed attempt.
		if err := q.failExpired(ctx, &job); err != nil {
			common.Logger.WithError(err).Error("failed to reclaim expired lease")
		}
	}
}

func (q *Remote) failExpired(ctx context.Context, job *Job) error {
	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		q.deadLetter(ctx, job, fmt.Errorf("visibility timeout exceeded"))
		return nil
	}
	job.ScheduledFor = nil
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key(keyReady), string(raw)).Err()
}

// Stats reports broker depth (ready + scheduled) and leased count.
func (q *Remote) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.client.LLen(ctx, q.key(keyReady)).Result()
	if err != nil {
		return Stats{Mode: "remote"}, nil
	}
	scheduled, _ := q.client.ZCard(ctx, q.key(keyScheduled)).Result()
	leased, _ := q.client.ZCard(ctx, q.key(keyProcessing)).Result()
	return Stats{Depth: ready + scheduled, InFlight: leased, Mode: "remote"}, nil
}

// Pending lists queued and scheduled jobs for the operator surface.
func (q *Remote) Pending(ctx context.Context) ([]Job, error) {
	var out []Job
	ready, err := q.client.LRange(ctx, q.key(keyReady), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ready jobs: %w", err)
	}
	scheduled, err := q.client.ZRange(ctx, q.key(keyScheduled), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	for _, m := range append(ready, scheduled...) {
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// DeadLetters returns the broker DLQ, newest first.
func (q *Remote) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	raws, err := q.client.LRange(ctx, q.key(keyDLQ), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, r := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Shutdown stops the reaper and closes the client. Broker state is
// durable and survives the process.
func (q *Remote) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.client.Close()
}
