package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
)

const sinkCapacity = 1024

// LogSink persists structured log rows off the request path. Emit
// never blocks: when the channel is full the oldest entry is dropped
// and counted, which keeps the hot path latency-bound even when the
// database falls behind.
type LogSink struct {
	logs    *repository.Repository[db.Log, *db.Log]
	ch      chan db.Log
	dropped atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLogSink builds the sink and starts its drain goroutine.
func NewLogSink(logs *repository.Repository[db.Log, *db.Log]) *LogSink {
	s := &LogSink{
		logs: logs,
		ch:   make(chan db.Log, sinkCapacity),
		stop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Emit queues one row, dropping the oldest queued row on overflow.
func (s *LogSink) Emit(row db.Log) {
	for {
		select {
		case s.ch <- row:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped reports how many rows overflow has discarded.
func (s *LogSink) Dropped() int64 { return s.dropped.Load() }

// Stop drains what is queued and halts the sink.
func (s *LogSink) Stop(ctx context.Context) error {
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

func (s *LogSink) drain() {
	defer s.wg.Done()
	for {
		select {
		case row := <-s.ch:
			s.persist(row)
		case <-s.stop:
			for {
				select {
				case row := <-s.ch:
					s.persist(row)
				default:
					return
				}
			}
		}
	}
}

func (s *LogSink) persist(row db.Log) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.logs.Create(ctx, &row); err != nil {
		common.Logger.WithError(err).Warn("failed to persist log row")
	}
}
