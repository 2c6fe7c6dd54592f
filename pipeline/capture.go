package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/pulselabs/pulse/auth"
	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
)

// Captured bodies are clipped at this many bytes, request and response
// alike.
const bodyCaptureCap = 10_000

const apiPrefix = "/api/v1"

// MetricsCapture appends one RawMetric per /api/v1 request and kicks
// the flusher when the buffer runs past twice the batch size.
func MetricsCapture(buffer *Buffer, flusher *Flusher) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, apiPrefix) {
				return next(c)
			}

			start := time.Now()
			reqSize := requestSize(c.Request())

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = common.AsAppError(err).Status
			}
			sample := db.RawMetric{
				Endpoint:    c.Request().URL.Path,
				LatencyMs:   time.Since(start).Milliseconds(),
				Status:      status,
				Timestamp:   start.UnixMilli(),
				RequestSize: reqSize,
			}
			if size := c.Response().Size; size > 0 {
				sample.ResponseSize = &size
			}
			if buffer.Add(sample) >= 2*buffer.batchSize {
				flusher.Kick()
			}
			return err
		}
	}
}

// requestSize prefers the declared Content-Length and falls back to
// measuring the body, restoring it for downstream readers.
func requestSize(req *http.Request) *int64 {
	if req.ContentLength > 0 {
		n := req.ContentLength
		return &n
	}
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil
	}
	req.Body = io.NopCloser(bytes.NewReader(raw))
	n := int64(len(raw))
	return &n
}

// teeWriter mirrors response bytes into a bounded buffer.
type teeWriter struct {
	http.ResponseWriter
	buf      bytes.Buffer
	overflow bool
}

func (w *teeWriter) Write(b []byte) (int, error) {
	if !w.overflow {
		room := bodyCaptureCap - w.buf.Len()
		if room >= len(b) {
			w.buf.Write(b)
		} else {
			w.buf.Write(b[:room])
			w.overflow = true
		}
	}
	return w.ResponseWriter.Write(b)
}

var redactedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
}

func cloneHeaders(h http.Header) db.JSONMap {
	out := make(db.JSONMap, len(h))
	for name, values := range h {
		if redactedHeaders[strings.ToLower(name)] {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// SnapshotCapture persists a replayable copy of each /api/v1 exchange
// on a deferred best-effort path. Persist failures log and are
// swallowed; observation must never fail the observed request.
func SnapshotCapture(snapshots *repository.Repository[db.RequestSnapshot, *db.RequestSnapshot], environment, version string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			start := time.Now()
			snap := db.RequestSnapshot{
				Method:      req.Method,
				Path:        req.URL.Path,
				Query:       queryMap(c),
				Headers:     cloneHeaders(req.Header),
				Body:        captureRequestBody(req),
				UserID:      userIDFromContext(c),
				Version:     version,
				Environment: environment,
			}

			tee := &teeWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = tee

			err := next(c)

			snap.ResponseStatus = c.Response().Status
			if err != nil {
				snap.ResponseStatus = common.AsAppError(err).Status
			}
			snap.ResponseHeaders = cloneHeaders(c.Response().Header())
			snap.DurationMs = time.Since(start).Milliseconds()
			if isJSON(c.Response().Header().Get(echo.HeaderContentType)) && !tee.overflow {
				snap.ResponseBody = tee.buf.String()
			}

			geo := GeoFromContext(c)
			snap.GeoCountry, snap.GeoRegion, snap.GeoCity = geo.Country, geo.Region, geo.City
			snap.GeoLat, snap.GeoLon, snap.GeoSource = geo.Lat, geo.Lon, geo.Source

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, perr := snapshots.Create(ctx, &snap); perr != nil {
					common.Logger.WithError(perr).Warn("failed to persist request snapshot")
				}
			}()
			return err
		}
	}
}

func queryMap(c echo.Context) db.JSONMap {
	params := c.QueryParams()
	if len(params) == 0 {
		return nil
	}
	out := make(db.JSONMap, len(params))
	for name, values := range params {
		out[name] = strings.Join(values, ",")
	}
	return out
}

func captureRequestBody(req *http.Request) string {
	if !isJSON(req.Header.Get(echo.HeaderContentType)) || req.Body == nil || req.Body == http.NoBody {
		return ""
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return ""
	}
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if len(raw) > bodyCaptureCap {
		raw = raw[:bodyCaptureCap]
	}
	return string(raw)
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

// userIDFromContext pulls the authenticated user id when the route is
// behind the JWT guard.
func userIDFromContext(c echo.Context) *int64 {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return nil
	}
	claims, ok := token.Claims.(*auth.Claims)
	if !ok {
		return nil
	}
	id := claims.UserID
	return &id
}

// AccessLog emits one structured line per request and mirrors it into
// the persistent log sink.
func AccessLog(sink *LogSink, environment, version string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if err != nil {
				status = common.AsAppError(err).Status
			}
			duration := time.Since(start).Milliseconds()
			geo := GeoFromContext(c)

			fields := logrus.Fields{
				"method":     req.Method,
				"url":        req.URL.String(),
				"path":       req.URL.Path,
				"status":     status,
				"durationMs": duration,
				"stage":      environment,
				"version":    version,
				"requestId":  c.Response().Header().Get(echo.HeaderXRequestID),
				"geoSource":  geo.Source,
			}
			entry := common.Logger.WithFields(fields)
			if status >= 500 {
				entry.Error("request")
			} else {
				entry.Info("request")
			}

			if sink != nil {
				level := db.LevelInfo
				if status >= 500 {
					level = db.LevelError
				} else if status >= 400 {
					level = db.LevelWarn
				}
				sink.Emit(db.Log{
					Source:  "api.access",
					Level:   level,
					Message: req.Method + " " + req.URL.Path,
					Attributes: db.JSONMap{
						"method":     req.Method,
						"url":        req.URL.String(),
						"path":       req.URL.Path,
						"query":      map[string]any(queryMap(c)),
						"status":     status,
						"durationMs": duration,
						"geo":        geo,
						"stage":      environment,
						"version":    version,
					},
				})
			}
			return err
		}
	}
}
