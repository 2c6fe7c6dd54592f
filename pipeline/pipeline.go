package pipeline

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
)

// Deps wires the chain to its collaborators.
type Deps struct {
	Environment string
	Version     string
	FrontendURL string
	Production  bool

	Buffer      *Buffer
	Flusher     *Flusher
	Sink        *LogSink
	Snapshots   *repository.Repository[db.RequestSnapshot, *db.RequestSnapshot]
	GeoResolver IPResolver
}

// Install applies the middleware chain in its fixed order and sets the
// terminal error handler. Everything before the body-size guard runs
// ahead of the handler; the capture middlewares observe its result.
func Install(e *echo.Echo, d Deps) {
	e.HTTPErrorHandler = ErrorHandler(d.Production)

	e.Use(
		RequestID(),
		Favicon(),
		CORS(d.FrontendURL),
		OriginCheck(d.FrontendURL),
		Language(),
		ServerTiming(),
		GeoMiddleware(d.GeoResolver),
		BodySizeGuard(),
		SecurityHeaders(d.Production),
		MetricsCapture(d.Buffer, d.Flusher),
		SnapshotCapture(d.Snapshots, d.Environment, d.Version),
		AccessLog(d.Sink, d.Environment, d.Version),
	)
}

// ErrorHandler is the terminal surface: every error that escapes a
// handler or middleware is logged with its request context and
// serialized as an envelope. Echo's own errors (unknown route, bad
// method, guard rejections) are mapped onto the taxonomy first.
func ErrorHandler(production bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		app := classify(err)
		if app.Status >= 500 {
			common.Logger.WithError(err).
				WithField("method", c.Request().Method).
				WithField("path", c.Request().URL.Path).
				Error("request failed")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(app.Status)
			return
		}
		_ = c.JSON(app.Status, common.Fail(app.Body(!production)))
	}
}

func classify(err error) *common.AppError {
	var app *common.AppError
	if errors.As(err, &app) {
		return app
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message := http.StatusText(httpErr.Code)
		if s, ok := httpErr.Message.(string); ok && s != "" {
			message = s
		}
		switch httpErr.Code {
		case http.StatusNotFound:
			return common.NewNotFound(message)
		case http.StatusUnauthorized:
			return common.NewUnauthorized(message)
		case http.StatusForbidden:
			return common.NewForbidden(message)
		case http.StatusBadRequest:
			return common.NewBadRequest(message)
		case http.StatusRequestEntityTooLarge:
			return common.NewPayloadTooLarge("Payload Too Large")
		default:
			return &common.AppError{Kind: common.KindFatal, Status: httpErr.Code, Message: message}
		}
	}
	return common.NewFatal(err)
}
