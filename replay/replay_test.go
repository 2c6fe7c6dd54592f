package replay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
)

func TestBlocked(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/api/v1/replay", true},
		{"/api/v1/replay/42", true},
		{"/api/v1/metrics", true},
		{"/api/v1/metrics/aggregate", true},
		{"/api/v1/logs/stream", true},
		{"/api/v1/users", false},
		{"/api/v1/users/7", false},
		{"/api/v1/health", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Blocked(tt.path), "path %q", tt.path)
	}
}

func TestExecuteRefusesBlockedPathWithoutCalling(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL, nil)
	_, err := e.Execute(context.Background(), &db.RequestSnapshot{Method: "GET", Path: "/api/v1/replay/9"})

	require.Error(t, err)
	app := common.AsAppError(err)
	assert.Equal(t, http.StatusForbidden, app.Status)
	assert.Contains(t, app.Message, "not allowed")
	assert.Zero(t, hits.Load(), "blocked replays never leave the process")
}

func TestExecuteRefusesUnsupportedMethod(t *testing.T) {
	e := NewExecutor("http://127.0.0.1:0", nil)
	_, err := e.Execute(context.Background(), &db.RequestSnapshot{Method: "TRACE", Path: "/api/v1/users"})

	require.Error(t, err)
	app := common.AsAppError(err)
	assert.Equal(t, http.StatusBadRequest, app.Status)
	assert.Contains(t, app.Message, "not supported")
}

func TestExecuteStripsCredentialsAndMarksReplay(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL, nil)
	snap := &db.RequestSnapshot{
		Method: "get",
		Path:   "/api/v1/users",
		Headers: db.JSONMap{
			"Authorization": "Bearer secret",
			"Cookie":        "session=abc",
			"X-Api-Key":     "k",
			"Host":          "original.example.com",
			"User-Agent":    "console/1.2",
		},
	}

	res, err := e.Execute(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	assert.Empty(t, seen.Get("Authorization"))
	assert.Empty(t, seen.Get("Cookie"))
	assert.Empty(t, seen.Get("X-Api-Key"))
	assert.Equal(t, "true", seen.Get("X-Internal-Replay"))
	assert.Equal(t, "console/1.2", seen.Get("User-Agent"))
}

func TestExecuteSendsBodyAndQueryForWrites(t *testing.T) {
	var (
		gotBody        string
		gotQuery       string
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL, nil)
	snap := &db.RequestSnapshot{
		Method: "POST",
		Path:   "/api/v1/users",
		Query:  db.JSONMap{"dryRun": "true"},
		Body:   `{"email":"a@b.c"}`,
	}

	res, err := e.Execute(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, `{"id":1}`, res.Body)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
	assert.Equal(t, `{"email":"a@b.c"}`, gotBody)
	assert.Equal(t, "dryRun=true", gotQuery)
	assert.Contains(t, gotContentType, "application/json")
}

func TestExecuteGetIgnoresCapturedBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
	}))
	defer srv.Close()

	e := NewExecutor(srv.URL, nil)
	_, err := e.Execute(context.Background(), &db.RequestSnapshot{
		Method: "GET",
		Path:   "/api/v1/users",
		Body:   `{"stale":"capture"}`,
	})
	require.NoError(t, err)
	assert.Empty(t, gotBody)
}

func TestExecuteUnreachableTargetIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	e := NewExecutor(srv.URL, nil)
	_, err := e.Execute(context.Background(), &db.RequestSnapshot{Method: "GET", Path: "/api/v1/users"})

	require.Error(t, err)
	app := common.AsAppError(err)
	assert.Equal(t, common.KindRetryable, app.Kind)
}
