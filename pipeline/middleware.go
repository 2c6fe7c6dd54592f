package pipeline

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pulselabs/pulse/common"
)

// Body caps by declared content type.
const (
	jsonBodyCap   = 1 << 20  // 1 MiB
	formBodyCap   = 10 << 20 // 10 MiB
	binaryBodyCap = 50 << 20 // 50 MiB
)

// RequestID assigns an opaque id to each request and echoes it back.
func RequestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// faviconPayload is a minimal valid ICO so browser probes never reach
// the API handlers.
var faviconPayload = []byte{0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

// Favicon short-circuits /favicon.ico.
func Favicon() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/favicon.ico" {
				return c.Blob(http.StatusOK, "image/x-icon", faviconPayload)
			}
			return next(c)
		}
	}
}

// CORS builds the credentialed allow-list policy: localhost, the
// configured console origin, and the cloud distribution suffix.
func CORS(frontendURL string) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return originAllowed(origin, frontendURL), nil
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "X-Internal-Replay"},
		AllowCredentials: true,
	})
}

func originAllowed(origin, frontendURL string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	if frontendURL != "" {
		if f, err := url.Parse(frontendURL); err == nil && f.Host == u.Host {
			return true
		}
	}
	return strings.HasSuffix(host, ".cloudfront.net")
}

// OriginCheck is the CSRF guard: write requests from a foreign origin
// are refused unless the origin is on the allow-list or the request
// carries the internal replay marker.
func OriginCheck(frontendURL string) echo.MiddlewareFunc {
	writeMethods := map[string]bool{
		http.MethodPost: true, http.MethodPut: true,
		http.MethodPatch: true, http.MethodDelete: true,
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !writeMethods[req.Method] {
				return next(c)
			}
			origin := req.Header.Get(echo.HeaderOrigin)
			if origin == "" {
				// Non-browser client; nothing to check.
				return next(c)
			}
			if req.Header.Get("X-Internal-Replay") == "true" {
				return next(c)
			}
			if u, err := url.Parse(origin); err == nil && u.Host == req.Host {
				return next(c)
			}
			if originAllowed(origin, frontendURL) {
				return next(c)
			}
			return common.NewForbidden("cross-origin request refused")
		}
	}
}

const localeContextKey = "pipeline.locale"

// Language sets the request locale from the first Accept-Language tag.
func Language() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			locale := "en"
			if al := c.Request().Header.Get("Accept-Language"); al != "" {
				tag := al
				if idx := strings.IndexAny(al, ",;"); idx >= 0 {
					tag = al[:idx]
				}
				if tag = strings.TrimSpace(tag); tag != "" && tag != "*" {
					locale = tag
				}
			}
			c.Set(localeContextKey, locale)
			return next(c)
		}
	}
}

// LocaleFromContext returns the detected request locale.
func LocaleFromContext(c echo.Context) string {
	if l, ok := c.Get(localeContextKey).(string); ok {
		return l
	}
	return "en"
}

// ServerTiming attaches the total application phase duration.
func ServerTiming() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			c.Response().Before(func() {
				dur := float64(time.Since(start).Microseconds()) / 1000
				c.Response().Header().Set("Server-Timing", fmt.Sprintf("app;dur=%.1f", dur))
			})
			return next(c)
		}
	}
}

// SecurityHeaders sets the conservative browser policy set and, in
// production, HSTS. X-Powered-By never leaves the process.
func SecurityHeaders(production bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")
			h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; object-src 'none'")
			if production {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			h.Del("X-Powered-By")
			return next(c)
		}
	}
}

// BodySizeGuard enforces the per-content-type cap on write methods by
// declared Content-Length. A missing length passes through; the caps
// bound the read, not the truth of the declaration.
func BodySizeGuard() echo.MiddlewareFunc {
	guarded := map[string]bool{
		http.MethodPost: true, http.MethodPut: true,
		http.MethodPatch: true, http.MethodDelete: true,
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !guarded[req.Method] || req.ContentLength <= 0 {
				return next(c)
			}
			limit := bodyCap(req.Header.Get(echo.HeaderContentType))
			if req.ContentLength > limit {
				app := common.NewPayloadTooLarge("Payload Too Large")
				app.Issues = []common.Issue{{
					Code: "payload_too_large",
					Path: "body",
					Message: fmt.Sprintf("received %s, allowed %s",
						humanize.IBytes(uint64(req.ContentLength)), humanize.IBytes(uint64(limit))),
				}}
				return app
			}
			return next(c)
		}
	}
}

func bodyCap(contentType string) int64 {
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	switch {
	case strings.Contains(ct, "json"):
		return jsonBodyCap
	case ct == "application/x-www-form-urlencoded" || strings.HasPrefix(ct, "multipart/"):
		return formBodyCap
	case ct == "application/octet-stream" ||
		strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/"):
		return binaryBodyCap
	default:
		return jsonBodyCap
	}
}
