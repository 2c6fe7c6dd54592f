package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/queue"
)

// Remote keeps the rule set in the broker, which stays authoritative
// across worker restarts and replicas. Every worker evaluates the rules
// each minute; a short-lived claim key makes sure only one of them
// fires a given rule for a given minute.
type Remote struct {
	client  *redis.Client
	prefix  string
	queue   queue.Queue
	optsFor OptionsFunc

	lastMinute time.Time
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	now        func() time.Time
}

// NewRemote builds the broker-backed scheduler sharing the queue's
// client configuration. nowFn is injectable for tests.
func NewRemote(ctx context.Context, url, keyPrefix string, q queue.Queue, optsFor OptionsFunc, nowFn func() time.Time) (*Remote, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheduler URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to scheduler store: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "pulse:sched:"
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if optsFor == nil {
		optsFor = func(string) *queue.EnqueueOptions { return nil }
	}
	return &Remote{
		client:  client,
		prefix:  keyPrefix,
		queue:   q,
		optsFor: optsFor,
		stop:    make(chan struct{}),
		now:     nowFn,
	}, nil
}

func (s *Remote) rulesKey() string { return s.prefix + "rules" }

func (s *Remote) claimKey(ruleID string, minute time.Time) string {
	return fmt.Sprintf("%sfired:%s:%d", s.prefix, ruleID, minute.Unix())
}

// Schedule validates the expression and persists the rule.
func (s *Remote) Schedule(ctx context.Context, cron, jobType string, payload any) (string, error) {
	if _, err := parseCron(cron); err != nil {
		return "", err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	rule := Rule{ID: uuid.NewString(), Cron: cron, JobType: jobType, Payload: raw, Enabled: true}
	encoded, err := json.Marshal(rule)
	if err != nil {
		return "", fmt.Errorf("failed to marshal rule: %w", err)
	}
	if err := s.client.HSet(ctx, s.rulesKey(), rule.ID, string(encoded)).Err(); err != nil {
		return "", fmt.Errorf("failed to persist rule: %w", err)
	}
	return rule.ID, nil
}

// Unschedule removes the rule and any outstanding claim keys age out on
// their own TTL.
func (s *Remote) Unschedule(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.rulesKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove rule: %w", err)
	}
	return nil
}

// List reads the authoritative rule set from the store.
func (s *Remote) List(ctx context.Context) ([]Rule, error) {
	entries, err := s.client.HGetAll(ctx, s.rulesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]Rule, 0, len(entries))
	for _, raw := range entries {
		var rule Rule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// Start launches the evaluation ticker.
func (s *Remote) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts evaluation and closes the store client.
func (s *Remote) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.client.Close()
}

func (s *Remote) run() {
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

// Tick evaluates the stored rules against the current minute. Exported
// for clock-driven tests.
func (s *Remote) Tick() {
	minute := s.now().Truncate(time.Minute)
	if minute.Equal(s.lastMinute) {
		return
	}
	s.lastMinute = minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rules, err := s.List(ctx)
	if err != nil {
		common.Logger.WithError(err).Warn("failed to load scheduler rules")
		return
	}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		expr, err := cronexpr.Parse(rule.Cron)
		if err != nil {
			continue
		}
		if !matchesMinute(expr, minute) {
			continue
		}
		// First claimant fires; everyone else sees the key.
		claimed, err := s.client.SetNX(ctx, s.claimKey(rule.ID, minute), "1", 2*time.Minute).Result()
		if err != nil || !claimed {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, rule.JobType, rule.Payload, s.optsFor(rule.JobType)); err != nil {
			common.Logger.WithField("rule", rule.ID).WithError(err).Error("failed to fire scheduled job")
		}
	}
}
