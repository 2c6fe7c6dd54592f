package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulselabs/pulse/common"
)

func invoke(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, bool, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	called := false
	err := mw(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})(c)
	return rec, called, err
}

func TestBodySizeGuardRejectsOversizedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader("x"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.ContentLength = jsonBodyCap + 1
	req.Header.Set(echo.HeaderContentLength, strconv.FormatInt(jsonBodyCap+1, 10))

	_, called, err := invoke(t, BodySizeGuard(), req)

	assert.False(t, called, "oversized requests never reach the handler")
	require.Error(t, err)
	app := common.AsAppError(err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, app.Status)
	assert.Equal(t, "Payload Too Large", app.Message)
	require.Len(t, app.Issues, 1)
	assert.Equal(t, "payload_too_large", app.Issues[0].Code)
}

func TestBodySizeGuardPassesUnderCap(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader(`{"email":"a@b.c"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	_, called, err := invoke(t, BodySizeGuard(), req)
	assert.True(t, called)
	assert.NoError(t, err)
}

func TestBodySizeGuardIgnoresReads(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	req.ContentLength = jsonBodyCap + 1

	_, called, err := invoke(t, BodySizeGuard(), req)
	assert.True(t, called)
	assert.NoError(t, err)
}

func TestBodyCap(t *testing.T) {
	tests := []struct {
		contentType string
		want        int64
	}{
		{"application/json", jsonBodyCap},
		{"application/json; charset=utf-8", jsonBodyCap},
		{"application/vnd.api+json", jsonBodyCap},
		{"application/x-www-form-urlencoded", formBodyCap},
		{"multipart/form-data; boundary=x", formBodyCap},
		{"application/octet-stream", binaryBodyCap},
		{"image/png", binaryBodyCap},
		{"video/mp4", binaryBodyCap},
		{"text/plain", jsonBodyCap},
		{"", jsonBodyCap},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bodyCap(tt.contentType), "content type %q", tt.contentType)
	}
}

func TestOriginAllowed(t *testing.T) {
	frontend := "https://console.pulse.example.com"
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"https://console.pulse.example.com", true},
		{"https://d1234abcd.cloudfront.net", true},
		{"https://evil.example.com", false},
		{"https://console.pulse.example.com.evil.io", false},
		{"not a url", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.origin, frontend), "origin %q", tt.origin)
	}
}

func TestOriginCheckRefusesForeignWrites(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example.com")

	_, called, err := invoke(t, OriginCheck(""), req)
	assert.False(t, called)
	require.Error(t, err)
	app := common.AsAppError(err)
	assert.Equal(t, http.StatusForbidden, app.Status)
}

func TestOriginCheckAllowsReplayMarker(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example.com")
	req.Header.Set("X-Internal-Replay", "true")

	_, called, err := invoke(t, OriginCheck(""), req)
	assert.True(t, called)
	assert.NoError(t, err)
}

func TestOriginCheckAllowsSameHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://api.pulse.example.com/api/v1/users", nil)
	req.Header.Set(echo.HeaderOrigin, "http://api.pulse.example.com")

	_, called, err := invoke(t, OriginCheck(""), req)
	assert.True(t, called)
	assert.NoError(t, err)
}

func TestOriginCheckIgnoresReadsAndNonBrowsers(t *testing.T) {
	// GET with a hostile origin still passes; CSRF only matters on writes.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example.com")
	_, called, err := invoke(t, OriginCheck(""), req)
	assert.True(t, called)
	assert.NoError(t, err)

	// No Origin header means a non-browser client.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/users", nil)
	_, called, err = invoke(t, OriginCheck(""), req)
	assert.True(t, called)
	assert.NoError(t, err)
}

func TestSecurityHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec, called, err := invoke(t, SecurityHeaders(false), req)
	require.True(t, called)
	require.NoError(t, err)

	h := rec.Header()
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, h.Get("Content-Security-Policy"))
	assert.Empty(t, h.Get("Strict-Transport-Security"), "no HSTS outside production")
	assert.Empty(t, h.Get("X-Powered-By"))

	rec, _, _ = invoke(t, SecurityHeaders(true), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestFavicon(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/favicon.ico", nil)
	rec, called, err := invoke(t, Favicon(), req)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/x-icon", rec.Header().Get(echo.HeaderContentType))

	_, called, err = invoke(t, Favicon(), httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	assert.True(t, called)
}

func TestLanguage(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", "en"},
		{"de", "de"},
		{"fr-CH, fr;q=0.9, en;q=0.8", "fr-CH"},
		{"en-US;q=0.9", "en-US"},
		{"*", "en"},
	}
	for _, tt := range tests {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Accept-Language", tt.header)
		}
		c := e.NewContext(req, httptest.NewRecorder())
		err := Language()(func(c echo.Context) error { return nil })(c)
		require.NoError(t, err)
		assert.Equal(t, tt.want, LocaleFromContext(c), "header %q", tt.header)
	}
}

func TestErrorHandlerEnvelope(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/999", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	ErrorHandler(false)(common.NewNotFound("user 999 not found"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var envelope common.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Nil(t, envelope.Data)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, common.KindNotFound, envelope.Error.Name)
	assert.Equal(t, "user 999 not found", envelope.Error.Message)
}

func TestErrorHandlerMapsEchoErrors(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/nope", nil), rec)

	ErrorHandler(false)(echo.NewHTTPError(http.StatusNotFound, "Not Found"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var envelope common.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, common.KindNotFound, envelope.Error.Name)
}

func TestErrorHandlerHidesStackInProduction(t *testing.T) {
	cause := errors.New("pq: connection refused")

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	ErrorHandler(true)(common.NewRetryable("database unavailable", cause), c)

	var envelope common.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Empty(t, envelope.Error.Stack)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	ErrorHandler(false)(common.NewRetryable("database unavailable", cause), c)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Contains(t, envelope.Error.Stack, "connection refused")
}

func TestErrorHandlerHeadHasNoBody(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodHead, "/", nil), rec)

	ErrorHandler(false)(common.NewNotFound("gone"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}
