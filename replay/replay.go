// Package replay re-issues captured requests against the live system.
// The executor is deliberately conservative: observability endpoints
// are blocked so a replay can never observe itself, and credentials
// captured with the snapshot never leave the process.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
)

// blockedPaths are never replayed. A snapshot whose path contains one
// of these segments is refused outright.
var blockedPaths = []string{"/replay", "/metrics", "/logs"}

// strippedHeaders are dropped from the outbound request.
var strippedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
	"host":          true,
}

var supportedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

var writeMethods = map[string]bool{
	http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// Result is the observed outcome of one replay.
type Result struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	DurationMs int64             `json:"duration"`
}

// Executor issues replays against a base URL.
type Executor struct {
	baseURL string
	client  *http.Client
}

// NewExecutor builds an executor targeting the given base URL. A nil
// client gets a 30s-timeout default.
func NewExecutor(baseURL string, client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Blocked reports whether the snapshot path is off-limits for replay.
func Blocked(path string) bool {
	for _, b := range blockedPaths {
		if strings.Contains(path, b) {
			return true
		}
	}
	return false
}

// Execute rebuilds the snapshot as an outbound request and returns the
// observed response. Blocked paths yield 403, unsupported methods 400.
func (e *Executor) Execute(ctx context.Context, snap *db.RequestSnapshot) (*Result, error) {
	if Blocked(snap.Path) {
		return nil, common.NewForbidden(fmt.Sprintf("replay of %s is not allowed", snap.Path))
	}
	method := strings.ToUpper(snap.Method)
	if !supportedMethods[method] {
		return nil, common.NewBadRequest(fmt.Sprintf("method %s is not supported for replay", snap.Method))
	}

	target := e.baseURL + snap.Path
	if q := encodeQuery(snap.Query); q != "" {
		target += "?" + q
	}

	var body io.Reader
	if writeMethods[method] && snap.Body != "" {
		body = bytes.NewReader([]byte(snap.Body))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, common.NewBadRequest(fmt.Sprintf("failed to build replay request: %v", err))
	}
	for name, value := range snap.Headers {
		if strippedHeaders[strings.ToLower(name)] {
			continue
		}
		if s, ok := value.(string); ok {
			req.Header.Set(name, s)
		}
	}
	req.Header.Set("X-Internal-Replay", "true")
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, common.NewRetryable("replay target unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, common.NewRetryable("failed to read replay response", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return &Result{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(raw),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func encodeQuery(query db.JSONMap) string {
	if len(query) == 0 {
		return ""
	}
	values := url.Values{}
	for name, value := range query {
		if s, ok := value.(string); ok {
			values.Set(name, s)
		} else {
			values.Set(name, fmt.Sprintf("%v", value))
		}
	}
	return values.Encode()
}
