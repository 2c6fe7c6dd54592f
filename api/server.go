// Package api is the public HTTP surface: users CRUD, auth flows,
// health rollup, and the observability read endpoints over logs,
// metric windows, and request snapshots, all behind the request
// pipeline.
package api

import (
	"context"
	"fmt"
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pulselabs/pulse/auth"
	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/config"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
	"github.com/pulselabs/pulse/pipeline"
	"github.com/pulselabs/pulse/queue"
	"github.com/pulselabs/pulse/replay"
	"github.com/pulselabs/pulse/version"
)

// Server is the API process: an echo instance wired to the pipeline,
// the persistence gateways, and the job fabric.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo
	gdb  *gorm.DB

	users     *repository.Repository[db.User, *db.User]
	sessions  *repository.Repository[db.RefreshToken, *db.RefreshToken]
	logs      *repository.Repository[db.Log, *db.Log]
	windows   *repository.Repository[db.MetricWindow, *db.MetricWindow]
	snapshots *repository.Repository[db.RequestSnapshot, *db.RequestSnapshot]
	stats     *repository.Repository[db.WorkerStats, *db.WorkerStats]

	tokens   *auth.TokenService
	authSvc  *auth.Service
	queue    queue.Queue
	executor *replay.Executor
	sink     *pipeline.LogSink
}

// Deps carries the shared process state the server plugs into.
type Deps struct {
	Config  *config.Config
	DB      *gorm.DB
	Queue   queue.Queue
	Buffer  *pipeline.Buffer
	Flusher *pipeline.Flusher
	Sink    *pipeline.LogSink
}

// NewServer builds the API server and registers every route.
func NewServer(d Deps) *Server {
	cfg := d.Config
	s := &Server{
		cfg:       cfg,
		echo:      echo.New(),
		gdb:       d.DB,
		users:     repository.New[db.User](d.DB, repository.Users),
		sessions:  repository.New[db.RefreshToken](d.DB, repository.RefreshTokens),
		logs:      repository.New[db.Log](d.DB, repository.Logs),
		windows:   repository.New[db.MetricWindow](d.DB, repository.MetricWindows),
		snapshots: repository.New[db.RequestSnapshot](d.DB, repository.RequestSnapshots),
		stats:     repository.New[db.WorkerStats](d.DB, repository.WorkerStats),
		queue:     d.Queue,
		sink:      d.Sink,
	}

	s.tokens = auth.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL())
	s.authSvc = auth.NewService(
		s.tokens,
		&userStore{users: s.users},
		&sessionStore{tokens: s.sessions},
		cfg.RefreshTokenTTL(),
		nil,
	)
	s.executor = replay.NewExecutor(fmt.Sprintf("http://127.0.0.1:%d", cfg.Port), nil)

	s.echo.HideBanner = true
	s.echo.HidePort = true
	pipeline.Install(s.echo, pipeline.Deps{
		Environment: cfg.Environment,
		Version:     version.Version,
		FrontendURL: cfg.FrontendURL,
		Production:  cfg.IsProduction(),
		Buffer:      d.Buffer,
		Flusher:     d.Flusher,
		Sink:        d.Sink,
		Snapshots:   s.snapshots,
	})
	s.routes()
	return s
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the listener fails or is shut down.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.cfg.Port))
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) routes() {
	v1 := s.echo.Group("/api/v1")

	// Users CRUD is the public surface; signup must work unauthenticated.
	v1.GET("/users", s.listUsers)
	v1.POST("/users", s.createUser)
	v1.GET("/users/:id", s.getUser)
	v1.PUT("/users/:id", s.updateUser)
	v1.PATCH("/users/:id", s.updateUser)
	v1.DELETE("/users/:id", s.deleteUser)

	// Token acquisition cannot demand a token.
	v1.POST("/auth/login", s.login)
	v1.POST("/auth/refresh", s.refresh)

	guarded := v1.Group("", s.jwtGuard())
	guarded.POST("/auth/logout", s.logout)
	guarded.GET("/auth/me", s.me)
	guarded.GET("/health", s.health)
	guarded.GET("/logs", s.listLogs)
	guarded.GET("/logs/stream", s.streamLogs)
	guarded.GET("/metrics", s.listMetrics)
	guarded.GET("/metrics/aggregate", s.aggregateMetrics)
	guarded.GET("/replay", s.listSnapshots)
	guarded.GET("/replay/:id", s.getSnapshot)
	guarded.POST("/replay/:id/replay", s.executeReplay)
	guarded.GET("/error", s.chaos)
}

func (s *Server) jwtGuard() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: s.tokens.Secret(),
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(auth.Claims)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return common.NewUnauthorized("Invalid or missing access token")
		},
	})
}

// currentClaims returns the verified claims on a guarded route.
func currentClaims(c echo.Context) (*auth.Claims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return nil, common.NewUnauthorized("Invalid or missing access token")
	}
	claims, ok := token.Claims.(*auth.Claims)
	if !ok {
		return nil, common.NewUnauthorized("Invalid or missing access token")
	}
	return claims, nil
}

// checkListParams preflights filters and ordering against the schema so
// caller mistakes surface as 4xx instead of leaking database errors.
func checkListParams(schema repository.Schema, p repository.ListParams) error {
	if _, err := repository.CompileFilters(schema, p.Filters); err != nil {
		return common.NewBadRequest(err.Error())
	}
	if p.OrderBy != "" && !schema.HasColumn(p.OrderBy) {
		return common.NewBadRequest(fmt.Sprintf("unknown order_by column %q", p.OrderBy))
	}
	return nil
}

func (s *Server) ok(c echo.Context, status int, data any) error {
	return c.JSON(status, common.OK(data))
}

func (s *Server) okList(c echo.Context, data any, p repository.ListParams, total int64) error {
	return c.JSON(http.StatusOK, common.OKList(data, p.Limit, p.Offset, total))
}
