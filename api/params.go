package api

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db/repository"
)

// Reserved query parameters that are not filter keys.
var reservedParams = map[string]bool{
	"limit": true, "offset": true, "order_by": true, "order": true, "search": true,
}

// Shortcut parameter names translated to canonical filter keys.
var shortcutParams = map[string]string{
	"method":     "method__eq",
	"path":       "path__eq",
	"statusCode": "response_status__eq",
	"startDate":  "created_at__gte",
	"endDate":    "created_at__lte",
	"endpoint":   "endpoint__eq",
}

// parseListParams reads the uniform list parameters plus field__op
// filters and endpoint shortcuts from the query string.
func parseListParams(c echo.Context) (repository.ListParams, error) {
	query := c.QueryParams()
	p := repository.ListParams{
		Limit:   repository.DefaultLimit,
		OrderBy: "id",
		Order:   "asc",
	}

	var issues []common.Issue
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > repository.MaxLimit {
			issues = append(issues, common.Issue{Code: "invalid", Path: "limit", Message: "limit must be an integer in [1, 1000]"})
		} else {
			p.Limit = n
		}
	}
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			issues = append(issues, common.Issue{Code: "invalid", Path: "offset", Message: "offset must be a non-negative integer"})
		} else {
			p.Offset = n
		}
	}
	if raw := query.Get("order_by"); raw != "" {
		p.OrderBy = raw
	}
	if raw := query.Get("order"); raw != "" {
		if raw != "asc" && raw != "desc" {
			issues = append(issues, common.Issue{Code: "invalid", Path: "order", Message: "order must be asc or desc"})
		} else {
			p.Order = raw
		}
	}
	p.Search = query.Get("search")
	p.Filters = filterMap(query)

	if len(issues) > 0 {
		return p, common.NewValidation(issues...)
	}
	return p, nil
}

func filterMap(query url.Values) map[string]any {
	filters := make(map[string]any)
	for key, values := range query {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		if canonical, ok := shortcutParams[key]; ok {
			filters[canonical] = values[0]
			continue
		}
		if len(values) > 1 {
			filters[key] = values
			continue
		}
		filters[key] = values[0]
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

// pathID parses the numeric :id path parameter.
func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, common.NewBadRequest("invalid id")
	}
	return id, nil
}
