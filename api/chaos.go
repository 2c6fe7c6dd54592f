package api

import (
	"math/rand"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/common"
)

var chaosStatuses = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// chaos fails with a random 5xx with the given probability, for
// exercising the error pipeline and alerting end to end.
func (s *Server) chaos(c echo.Context) error {
	rate := 1.0
	if raw := c.QueryParam("errorRate"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return common.NewBadRequest("errorRate must be a number in [0, 1]")
		}
		rate = parsed
	}

	if rand.Float64() < rate {
		status := chaosStatuses[rand.Intn(len(chaosStatuses))]
		return &common.AppError{
			Kind:    common.KindRetryable,
			Status:  status,
			Message: http.StatusText(status),
		}
	}
	return s.ok(c, http.StatusOK, map[string]any{"ok": true})
}
