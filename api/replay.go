package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db/repository"
)

func (s *Server) listSnapshots(c echo.Context) error {
	p, err := parseListParams(c)
	if err != nil {
		return err
	}
	if err := checkListParams(repository.RequestSnapshots, p); err != nil {
		return err
	}
	res, err := s.snapshots.List(c.Request().Context(), p)
	if err != nil {
		return common.NewRetryable("failed to list snapshots", err)
	}
	return s.okList(c, res.Data, p, res.Total)
}

func (s *Server) getSnapshot(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	snap, err := s.snapshots.Get(c.Request().Context(), id)
	if err != nil {
		return common.NewRetryable("failed to load snapshot", err)
	}
	if snap == nil {
		return common.NewNotFound("snapshot not found")
	}
	return s.ok(c, http.StatusOK, snap)
}

func (s *Server) executeReplay(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	snap, err := s.snapshots.Get(ctx, id)
	if err != nil {
		return common.NewRetryable("failed to load snapshot", err)
	}
	if snap == nil {
		return common.NewNotFound("snapshot not found")
	}

	result, err := s.executor.Execute(ctx, snap)
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, result)
}
