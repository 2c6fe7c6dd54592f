package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/pulselabs/pulse/api"
	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/config"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
	"github.com/pulselabs/pulse/jobs"
	"github.com/pulselabs/pulse/pipeline"
	"github.com/pulselabs/pulse/queue"
	"github.com/pulselabs/pulse/scheduler"
	"github.com/pulselabs/pulse/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the API process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func runServe(cfg *config.Config) error {
	gdb, err := db.Open(cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	ctx := context.Background()

	// Producer-side queue. Remote mode talks to the broker directly; in
	// local mode the fabric lives in the worker process, reachable only
	// through its HTTP surface — unless no worker is configured, in
	// which case the whole fabric runs inside this process.
	var (
		q        queue.Queue
		embedded *embeddedFabric
	)
	switch {
	case cfg.QueueMode == config.QueueModeRemote:
		q, err = queue.NewRemote(ctx, queue.RemoteConfig{
			URL:               cfg.QueueURL,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect queue: %w", err)
		}
	case cfg.WorkerURL != "":
		q = queue.NewWorkerClient(cfg.WorkerURL)
	default:
		embedded, err = startEmbeddedFabric(ctx, cfg, gdb)
		if err != nil {
			return err
		}
		q = embedded.queue
	}

	buffer := pipeline.NewBuffer(cfg.MetricBatchSize)
	flusher := pipeline.NewFlusher(buffer, q, cfg.FlushInterval)
	flusher.Start()
	sink := pipeline.NewLogSink(repository.New[db.Log](gdb, repository.Logs))

	server := api.NewServer(api.Deps{
		Config:  cfg,
		DB:      gdb,
		Queue:   q,
		Buffer:  buffer,
		Flusher: flusher,
		Sink:    sink,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	common.Logger.WithField("port", cfg.Port).WithField("env", cfg.Environment).Info("api listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case s := <-sig:
		common.Logger.WithField("signal", s.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("server shutdown incomplete")
	}
	// Final flush before the queue goes away.
	if err := flusher.Stop(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("flusher shutdown incomplete")
	}
	if err := sink.Stop(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("log sink shutdown incomplete")
	}
	if embedded != nil {
		embedded.stop(shutdownCtx)
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("queue shutdown incomplete")
	}
	common.Logger.Info("api stopped")
	return nil
}

// embeddedFabric is the single-process development setup: local queue,
// worker pool, and scheduler living next to the API when no separate
// worker process is configured.
type embeddedFabric struct {
	queue     queue.Queue
	pool      *worker.Pool
	scheduler scheduler.Scheduler
}

func startEmbeddedFabric(ctx context.Context, cfg *config.Config, gdb *gorm.DB) (*embeddedFabric, error) {
	q := queue.NewLocal()
	deps := &jobs.Deps{
		DB:            gdb,
		Windows:       repository.New[db.MetricWindow](gdb, repository.MetricWindows),
		Logs:          repository.New[db.Log](gdb, repository.Logs),
		Stats:         repository.New[db.WorkerStats](gdb, repository.WorkerStats),
		Queue:         q,
		Mode:          db.ModeLocal,
		WindowWidthMs: cfg.WindowWidthMs,
	}
	registry := jobs.NewRegistry(deps)
	deps.Registry = func() queue.Registry { return registry }

	sched := scheduler.NewLocal(q, jobs.Options(registry), nil)
	deps.Scheduler = sched
	if err := scheduler.EnsureDefaults(ctx, sched); err != nil {
		return nil, fmt.Errorf("failed to install default schedules: %w", err)
	}
	sched.Start()

	pool := worker.NewPool(q, registry, cfg.WorkerCount, cfg.JobTimeout)
	pool.Start()

	common.Logger.Info("embedded job fabric started")
	return &embeddedFabric{queue: q, pool: pool, scheduler: sched}, nil
}

func (f *embeddedFabric) stop(ctx context.Context) {
	if err := f.scheduler.Stop(ctx); err != nil {
		common.Logger.WithError(err).Warn("scheduler shutdown incomplete")
	}
	if err := f.pool.Stop(ctx); err != nil {
		common.Logger.WithError(err).Warn("worker pool shutdown incomplete")
	}
}
