package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
)

func (s *Server) listLogs(c echo.Context) error {
	p, err := parseListParams(c)
	if err != nil {
		return err
	}
	if err := checkListParams(repository.Logs, p); err != nil {
		return err
	}
	res, err := s.logs.List(c.Request().Context(), p)
	if err != nil {
		return common.NewRetryable("failed to list logs", err)
	}
	return s.okList(c, res.Data, p, res.Total)
}

// streamLogs is the SSE tail: the last 50 rows newest-first, then a
// poll loop emitting rows newer than the last one sent. Reconnection
// is the client's problem.
func (s *Server) streamLogs(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	backlog, err := s.logs.List(ctx, repository.ListParams{
		Limit:   50,
		OrderBy: "id",
		Order:   "desc",
	})
	if err != nil {
		return common.NewRetryable("failed to read log backlog", err)
	}

	var lastID int64
	for _, row := range backlog.Data {
		if row.ID > lastID {
			lastID = row.ID
		}
	}
	if err := writeSSE(c, backlog.Data); err != nil {
		return nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fresh, err := s.logs.List(ctx, repository.ListParams{
				Limit:   repository.MaxLimit,
				OrderBy: "id",
				Order:   "asc",
				Filters: map[string]any{"id__gt": lastID},
			})
			if err != nil {
				continue
			}
			if len(fresh.Data) == 0 {
				continue
			}
			lastID = fresh.Data[len(fresh.Data)-1].ID
			if err := writeSSE(c, fresh.Data); err != nil {
				return nil
			}
		}
	}
}

func writeSSE(c echo.Context, rows []db.Log) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", payload); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
