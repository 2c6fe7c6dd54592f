package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db/repository"
)

func listContext(t *testing.T, rawQuery string) echo.Context {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs?"+rawQuery, nil)
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestParseListParamsDefaults(t *testing.T) {
	p, err := parseListParams(listContext(t, ""))
	require.NoError(t, err)
	assert.Equal(t, repository.DefaultLimit, p.Limit)
	assert.Zero(t, p.Offset)
	assert.Equal(t, "id", p.OrderBy)
	assert.Equal(t, "asc", p.Order)
	assert.Nil(t, p.Filters)
}

func TestParseListParamsPagination(t *testing.T) {
	p, err := parseListParams(listContext(t, "limit=5&offset=20&order_by=created_at&order=desc"))
	require.NoError(t, err)
	assert.Equal(t, 5, p.Limit)
	assert.Equal(t, 20, p.Offset)
	assert.Equal(t, "created_at", p.OrderBy)
	assert.Equal(t, "desc", p.Order)
}

func TestParseListParamsRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		query string
		path  string
	}{
		{"limit not a number", "limit=many", "limit"},
		{"limit zero", "limit=0", "limit"},
		{"limit above cap", "limit=5000", "limit"},
		{"negative offset", "offset=-1", "offset"},
		{"offset not a number", "offset=x", "offset"},
		{"bad order", "order=sideways", "order"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseListParams(listContext(t, tt.query))
			require.Error(t, err)
			app := common.AsAppError(err)
			assert.Equal(t, common.KindValidation, app.Kind)
			require.NotEmpty(t, app.Issues)
			assert.Equal(t, tt.path, app.Issues[0].Path)
		})
	}
}

func TestParseListParamsShortcuts(t *testing.T) {
	p, err := parseListParams(listContext(t,
		"method=GET&path=/api/v1/users&statusCode=500&startDate=2026-08-01&endDate=2026-08-24&endpoint=/api/v1/users"))
	require.NoError(t, err)

	assert.Equal(t, "GET", p.Filters["method__eq"])
	assert.Equal(t, "/api/v1/users", p.Filters["path__eq"])
	assert.Equal(t, "500", p.Filters["response_status__eq"])
	assert.Equal(t, "2026-08-01", p.Filters["created_at__gte"])
	assert.Equal(t, "2026-08-24", p.Filters["created_at__lte"])
	assert.Equal(t, "/api/v1/users", p.Filters["endpoint__eq"])

	// The shortcut names themselves never reach the filter map.
	assert.NotContains(t, p.Filters, "method")
	assert.NotContains(t, p.Filters, "statusCode")
}

func TestParseListParamsCanonicalFilters(t *testing.T) {
	p, err := parseListParams(listContext(t, "level__eq=error&id__gt=100&source__in=api.access&source__in=worker"))
	require.NoError(t, err)
	assert.Equal(t, "error", p.Filters["level__eq"])
	assert.Equal(t, "100", p.Filters["id__gt"])
	assert.Equal(t, []string{"api.access", "worker"}, p.Filters["source__in"])
}

func TestParseListParamsReservedNamesAreNotFilters(t *testing.T) {
	p, err := parseListParams(listContext(t, "limit=10&order=desc&search=timeout"))
	require.NoError(t, err)
	assert.Equal(t, "timeout", p.Search)
	assert.Nil(t, p.Filters)
}

func TestPathID(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("42")
	id, err := pathID(c)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"abc", "0", "-3", ""} {
		c.SetParamValues(bad)
		_, err := pathID(c)
		assert.Error(t, err, "id %q", bad)
	}
}

func TestChaosAlwaysFailsByDefault(t *testing.T) {
	s := &Server{}
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/replay/error", nil), httptest.NewRecorder())

	err := s.chaos(c)
	require.Error(t, err)
	app := common.AsAppError(err)
	assert.Equal(t, common.KindRetryable, app.Kind)
	assert.Contains(t, chaosStatuses, app.Status)
}

func TestChaosZeroRateSucceeds(t *testing.T) {
	s := &Server{}
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/replay/error?errorRate=0", nil), rec)

	require.NoError(t, s.chaos(c))
	var envelope common.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotNil(t, envelope.Data)
}

func TestChaosRejectsBadRate(t *testing.T) {
	s := &Server{}
	e := echo.New()
	for _, raw := range []string{"2", "-0.5", "nope"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/replay/error?errorRate="+raw, nil), httptest.NewRecorder())
		err := s.chaos(c)
		require.Error(t, err, "errorRate %q", raw)
		assert.Equal(t, http.StatusBadRequest, common.AsAppError(err).Status)
	}
}
