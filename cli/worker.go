package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/config"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
	"github.com/pulselabs/pulse/jobs"
	"github.com/pulselabs/pulse/queue"
	"github.com/pulselabs/pulse/scheduler"
	"github.com/pulselabs/pulse/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the background worker process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(cfg)
	},
}

func runWorker(cfg *config.Config) error {
	gdb, err := db.Open(cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	ctx := context.Background()

	var (
		q    queue.Queue
		mode string
	)
	if cfg.QueueMode == config.QueueModeRemote {
		mode = db.ModeRemote
		q, err = queue.NewRemote(ctx, queue.RemoteConfig{
			URL:               cfg.QueueURL,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect queue: %w", err)
		}
	} else {
		mode = db.ModeLocal
		q = queue.NewLocal()
	}

	deps := &jobs.Deps{
		DB:            gdb,
		Windows:       repository.New[db.MetricWindow](gdb, repository.MetricWindows),
		Logs:          repository.New[db.Log](gdb, repository.Logs),
		Stats:         repository.New[db.WorkerStats](gdb, repository.WorkerStats),
		Queue:         q,
		Mode:          mode,
		WindowWidthMs: cfg.WindowWidthMs,
	}
	registry := jobs.NewRegistry(deps)
	deps.Registry = func() queue.Registry { return registry }

	var sched scheduler.Scheduler
	if cfg.QueueMode == config.QueueModeRemote {
		sched, err = scheduler.NewRemote(ctx, cfg.QueueURL, "", q, jobs.Options(registry), nil)
		if err != nil {
			return fmt.Errorf("failed to connect scheduler store: %w", err)
		}
	} else {
		sched = scheduler.NewLocal(q, jobs.Options(registry), nil)
	}
	deps.Scheduler = sched
	if err := scheduler.EnsureDefaults(ctx, sched); err != nil {
		return fmt.Errorf("failed to install default schedules: %w", err)
	}
	sched.Start()

	pool := worker.NewPool(q, registry, cfg.WorkerCount, cfg.JobTimeout)
	pool.Start()

	server := worker.NewServer(q, sched, registry, mode, cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	common.Logger.WithField("port", cfg.Port).WithField("mode", mode).Info("worker listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("worker surface failed: %w", err)
	case s := <-sig:
		common.Logger.WithField("signal", s.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("worker surface shutdown incomplete")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("scheduler shutdown incomplete")
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("worker pool shutdown incomplete")
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Warn("queue shutdown incomplete")
	}
	common.Logger.Info("worker stopped")
	return nil
}
