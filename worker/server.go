package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/pipeline"
	"github.com/pulselabs/pulse/queue"
	"github.com/pulselabs/pulse/scheduler"
)

// Server is the operator surface of the worker process. In local queue
// mode it is also the only door through which the API process can
// enqueue jobs.
type Server struct {
	echo      *echo.Echo
	queue     queue.Queue
	scheduler scheduler.Scheduler
	registry  queue.Registry
	mode      string
	port      int
}

// NewServer builds the worker HTTP surface.
func NewServer(q queue.Queue, sched scheduler.Scheduler, registry queue.Registry, mode string, port int) *Server {
	s := &Server{
		echo:      echo.New(),
		queue:     q,
		scheduler: sched,
		registry:  registry,
		mode:      mode,
		port:      port,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = pipeline.ErrorHandler(false)
	// Operator surface, not a public API; a modest rate cap keeps a
	// runaway dashboard from hammering the broker.
	s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(20))))

	s.echo.GET("/worker/jobs", s.listJobTypes)
	s.echo.GET("/worker/queue/stats", s.queueStats)
	s.echo.GET("/worker/scheduler/jobs", s.schedulerJobs)
	s.echo.GET("/worker/stats", s.workerStats)
	s.echo.POST("/jobs/enqueue", s.enqueue)
	s.echo.GET("/health", s.health)
	return s
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until shut down.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.port))
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type jobTypeView struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	MaxAttempts int    `json:"maxAttempts"`
}

func (s *Server) listJobTypes(c echo.Context) error {
	out := make([]jobTypeView, 0, len(s.registry))
	for jobType, def := range s.registry {
		out = append(out, jobTypeView{
			Type:        jobType,
			Name:        def.Name,
			Description: def.Description,
			Category:    def.Category,
			MaxAttempts: def.MaxAttempts,
		})
	}
	return c.JSON(http.StatusOK, common.OK(out))
}

func (s *Server) queueStats(c echo.Context) error {
	stats, err := s.queue.Stats(c.Request().Context())
	if err != nil {
		return common.NewRetryable("failed to read queue stats", err)
	}
	return c.JSON(http.StatusOK, common.OK(stats))
}

func (s *Server) schedulerJobs(c echo.Context) error {
	rules, err := s.scheduler.List(c.Request().Context())
	if err != nil {
		return common.NewRetryable("failed to list schedules", err)
	}
	return c.JSON(http.StatusOK, common.OK(rules))
}

type workerStatsView struct {
	Mode        string             `json:"mode"`
	Queue       queue.Stats        `json:"queue"`
	Scheduled   []scheduler.Rule   `json:"scheduled"`
	Pending     []queue.Job        `json:"pending"`
	DeadLetters []queue.DeadLetter `json:"deadLetters"`
}

func (s *Server) workerStats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return common.NewRetryable("failed to read queue stats", err)
	}
	rules, err := s.scheduler.List(ctx)
	if err != nil {
		return common.NewRetryable("failed to list schedules", err)
	}
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return common.NewRetryable("failed to list pending jobs", err)
	}
	dead, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return common.NewRetryable("failed to list dead letters", err)
	}
	return c.JSON(http.StatusOK, common.OK(workerStatsView{
		Mode:        s.mode,
		Queue:       stats,
		Scheduled:   rules,
		Pending:     pending,
		DeadLetters: dead,
	}))
}

type enqueueRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Options *struct {
		MaxAttempts  int        `json:"maxAttempts"`
		DelaySeconds int        `json:"delaySeconds"`
		ScheduledFor *time.Time `json:"scheduledFor"`
	} `json:"options"`
}

func (s *Server) enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return common.NewBadRequest("malformed request body")
	}
	if _, ok := s.registry[req.Type]; !ok {
		return common.NewBadRequest(fmt.Sprintf("unknown job type %q", req.Type))
	}

	var opts *queue.EnqueueOptions
	if req.Options != nil {
		opts = &queue.EnqueueOptions{
			MaxAttempts:  req.Options.MaxAttempts,
			Delay:        time.Duration(req.Options.DelaySeconds) * time.Second,
			ScheduledFor: req.Options.ScheduledFor,
		}
	}
	id, err := s.queue.Enqueue(c.Request().Context(), req.Type, req.Payload, opts)
	if err != nil {
		return common.NewRetryable("failed to enqueue job", err)
	}
	return c.JSON(http.StatusCreated, common.OK(map[string]any{"jobId": id}))
}

func (s *Server) health(c echo.Context) error {
	if _, err := s.queue.Stats(c.Request().Context()); err != nil {
		return common.NewRetryable("queue unavailable", err)
	}
	return c.JSON(http.StatusOK, common.OK(map[string]any{"status": "healthy", "mode": s.mode}))
}
