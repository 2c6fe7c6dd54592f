package pipeline

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/db"
)

// Geo is the coarse location attached to each request.
type Geo struct {
	Country string  `json:"country,omitempty"`
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	Source  string  `json:"source"`
}

// IPResolver turns a client IP into a location. Nil means no resolver
// is configured and the ip step of the chain is skipped.
type IPResolver func(ip string) *Geo

const geoContextKey = "pipeline.geo"

// GeoFromContext returns the location the middleware attached.
func GeoFromContext(c echo.Context) Geo {
	if g, ok := c.Get(geoContextKey).(Geo); ok {
		return g
	}
	return Geo{Source: db.GeoSourceNone}
}

// GeoMiddleware resolves the request location: distribution-provided
// viewer headers first, then explicit x-geo-* headers, then the
// forwarded client IP through the resolver, else none.
func GeoMiddleware(resolve IPResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(geoContextKey, resolveGeo(c, resolve))
			return next(c)
		}
	}
}

func resolveGeo(c echo.Context, resolve IPResolver) Geo {
	h := c.Request().Header

	if country := h.Get("Cloudfront-Viewer-Country"); country != "" {
		return Geo{
			Country: country,
			Region:  h.Get("Cloudfront-Viewer-Country-Region"),
			City:    h.Get("Cloudfront-Viewer-City"),
			Lat:     parseCoord(h.Get("Cloudfront-Viewer-Latitude")),
			Lon:     parseCoord(h.Get("Cloudfront-Viewer-Longitude")),
			Source:  db.GeoSourcePlatform,
		}
	}

	if country := h.Get("X-Geo-Country"); country != "" {
		return Geo{
			Country: country,
			Region:  h.Get("X-Geo-Region"),
			City:    h.Get("X-Geo-City"),
			Lat:     parseCoord(h.Get("X-Geo-Latitude")),
			Lon:     parseCoord(h.Get("X-Geo-Longitude")),
			Source:  db.GeoSourceHeader,
		}
	}

	if resolve != nil {
		if ip := clientIP(c); ip != "" {
			if g := resolve(ip); g != nil {
				g.Source = db.GeoSourceIP
				return *g
			}
		}
	}

	return Geo{Source: db.GeoSourceNone}
}

func clientIP(c echo.Context) string {
	if xff := c.Request().Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the client.
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	return c.RealIP()
}

func parseCoord(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
