package api

import (
	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
)

func (s *Server) listMetrics(c echo.Context) error {
	p, err := parseListParams(c)
	if err != nil {
		return err
	}
	if err := checkListParams(repository.MetricWindows, p); err != nil {
		return err
	}
	res, err := s.windows.List(c.Request().Context(), p)
	if err != nil {
		return common.NewRetryable("failed to list metric windows", err)
	}
	return s.okList(c, res.Data, p, res.Total)
}

// metricWindowView is the read form of a window: the stored integer
// percent becomes a decimal fraction at the boundary.
type metricWindowView struct {
	db.MetricWindow
	ErrorRate float64 `json:"errorRate"`
}

func (s *Server) aggregateMetrics(c echo.Context) error {
	p, err := parseListParams(c)
	if err != nil {
		return err
	}
	if err := checkListParams(repository.MetricWindows, p); err != nil {
		return err
	}
	if p.OrderBy == "id" {
		p.OrderBy = "window_start"
	}

	res, err := s.windows.List(c.Request().Context(), p)
	if err != nil {
		return common.NewRetryable("failed to aggregate metrics", err)
	}

	views := make([]metricWindowView, len(res.Data))
	for i, w := range res.Data {
		views[i] = metricWindowView{MetricWindow: w, ErrorRate: float64(w.ErrorRate) / 100}
	}
	return s.okList(c, views, p, res.Total)
}
