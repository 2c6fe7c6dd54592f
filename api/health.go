package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/db/repository"
)

// A worker whose last heartbeat is older than this is unhealthy.
const heartbeatStaleAfter = 300 * time.Second

type healthReport struct {
	Status   string          `json:"status"`
	Database componentHealth `json:"database"`
	Worker   componentHealth `json:"worker"`
}

type componentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// health runs the database ping and the worker-stats lookup
// concurrently and rolls them up: unhealthy (503) when the database is
// down, degraded when only the worker is stale.
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbCh := make(chan componentHealth, 1)
	workerCh := make(chan componentHealth, 1)

	go func() {
		if err := s.gdb.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
			dbCh <- componentHealth{Healthy: false, Detail: "database unreachable"}
			return
		}
		dbCh <- componentHealth{Healthy: true}
	}()
	go func() {
		workerCh <- s.workerHealth(ctx)
	}()

	report := healthReport{Database: <-dbCh, Worker: <-workerCh}
	status := http.StatusOK
	switch {
	case !report.Database.Healthy:
		report.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case !report.Worker.Healthy:
		report.Status = "degraded"
	default:
		report.Status = "healthy"
	}
	return s.ok(c, status, report)
}

func (s *Server) workerHealth(ctx context.Context) componentHealth {
	latest, err := s.stats.GetFirst(ctx, repository.FirstParams{
		OrderBy: "last_heartbeat",
		Order:   "desc",
	})
	if err != nil {
		return componentHealth{Healthy: false, Detail: "failed to read worker stats"}
	}
	if latest == nil {
		return componentHealth{Healthy: false, Detail: "no worker heartbeat recorded"}
	}
	if age := time.Since(latest.LastHeartbeat); age >= heartbeatStaleAfter {
		return componentHealth{Healthy: false, Detail: "worker heartbeat stale"}
	}
	return componentHealth{Healthy: true, Detail: latest.Mode}
}
