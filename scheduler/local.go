package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/cronexpr"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/queue"
)

// Local evaluates rules on a 1s ticker. Rules live only in process
// memory and are reinstalled from the defaults on restart.
type Local struct {
	queue   queue.Queue
	optsFor OptionsFunc

	mu    sync.Mutex
	rules map[string]*localRule

	lastMinute time.Time
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	now        func() time.Time
}

type localRule struct {
	Rule
	expr *cronexpr.Expression
}

// NewLocal builds the in-process scheduler. nowFn is injectable for
// tests; pass nil for the wall clock.
func NewLocal(q queue.Queue, optsFor OptionsFunc, nowFn func() time.Time) *Local {
	if nowFn == nil {
		nowFn = time.Now
	}
	if optsFor == nil {
		optsFor = func(string) *queue.EnqueueOptions { return nil }
	}
	return &Local{
		queue:   q,
		optsFor: optsFor,
		rules:   make(map[string]*localRule),
		stop:    make(chan struct{}),
		now:     nowFn,
	}
}

// Schedule validates the expression and installs the rule.
func (s *Local) Schedule(ctx context.Context, cron, jobType string, payload any) (string, error) {
	expr, err := parseCron(cron)
	if err != nil {
		return "", err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	rule := &localRule{
		Rule: Rule{ID: uuid.NewString(), Cron: cron, JobType: jobType, Payload: raw, Enabled: true},
		expr: expr,
	}
	s.mu.Lock()
	s.rules[rule.ID] = rule
	s.mu.Unlock()
	return rule.ID, nil
}

// Unschedule removes a rule; unknown ids are a no-op.
func (s *Local) Unschedule(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.rules, id)
	s.mu.Unlock()
	return nil
}

// List returns the installed rules.
func (s *Local) List(ctx context.Context) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Rule)
	}
	return out, nil
}

// Start launches the ticker routine.
func (s *Local) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the ticker.
func (s *Local) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Local) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick evaluates all rules against the current minute. Exported so
// tests can drive the scheduler with a fake clock instead of waiting on
// the ticker.
func (s *Local) Tick() {
	minute := s.now().Truncate(time.Minute)

	s.mu.Lock()
	if minute.Equal(s.lastMinute) {
		s.mu.Unlock()
		return
	}
	s.lastMinute = minute
	due := make([]*localRule, 0)
	for _, r := range s.rules {
		if r.Enabled && matchesMinute(r.expr, minute) {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	for _, r := range due {
		s.fire(r)
	}
}

func (s *Local) fire(r *localRule) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.queue.Enqueue(ctx, r.JobType, r.Payload, s.optsFor(r.JobType)); err != nil {
		common.Logger.WithField("rule", r.ID).WithField("job_type", r.JobType).
			WithError(err).Error("failed to fire scheduled job")
		return
	}
	common.Logger.WithField("job_type", r.JobType).WithField("cron", r.Cron).Debug("fired scheduled job")
}
