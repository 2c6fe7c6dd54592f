package repository

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// The closed operator set. Filter keys have the shape "field__op".
var operators = map[string]struct{}{
	"eq": {}, "ne": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {},
	"in": {}, "nin": {}, "like": {}, "ilike": {},
	"isnull": {}, "notnull": {}, "between": {},
}

// Condition is one compiled WHERE fragment with its bind arguments.
type Condition struct {
	Expr string
	Args []any
}

// CompileFilter turns one "field__op" key and its raw value into a SQL
// condition, validating the field against the schema and coercing the
// value by column kind. Unknown fields and operators are errors.
func CompileFilter(schema Schema, key string, value any) (Condition, error) {
	idx := strings.LastIndex(key, "__")
	if idx <= 0 {
		return Condition{}, fmt.Errorf("invalid filter key %q: expected field__op", key)
	}
	field, op := key[:idx], key[idx+2:]

	if !schema.HasColumn(field) {
		return Condition{}, fmt.Errorf("unknown filter field %q", field)
	}
	if _, ok := operators[op]; !ok {
		return Condition{}, fmt.Errorf("unknown filter operator %q", op)
	}
	kind := schema.Columns[field]

	switch op {
	case "eq":
		v, err := coerce(kind, value)
		if err != nil {
			return Condition{}, filterErr(field, err)
		}
		return Condition{Expr: field + " = ?", Args: []any{v}}, nil
	case "ne":
		v, err := coerce(kind, value)
		if err != nil {
			return Condition{}, filterErr(field, err)
		}
		return Condition{Expr: field + " <> ?", Args: []any{v}}, nil
	case "gt", "gte", "lt", "lte":
		v, err := coerce(kind, value)
		if err != nil {
			return Condition{}, filterErr(field, err)
		}
		cmp := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
		return Condition{Expr: field + " " + cmp + " ?", Args: []any{v}}, nil
	case "in", "nin":
		vs, err := coerceList(kind, value)
		if err != nil {
			return Condition{}, filterErr(field, err)
		}
		expr := field + " IN ?"
		if op == "nin" {
			expr = field + " NOT IN ?"
		}
		return Condition{Expr: expr, Args: []any{vs}}, nil
	case "like", "ilike":
		v, err := coerce(KindString, value)
		if err != nil {
			return Condition{}, filterErr(field, err)
		}
		kw := "LIKE"
		if op == "ilike" {
			kw = "ILIKE"
		}
		return Condition{Expr: field + " " + kw + " ?", Args: []any{v}}, nil
	case "isnull":
		return Condition{Expr: field + " IS NULL"}, nil
	case "notnull":
		return Condition{Expr: field + " IS NOT NULL"}, nil
	case "between":
		vs, err := coerceList(kind, value)
		if err != nil {
			return Condition{}, filterErr(field, err)
		}
		if len(vs) != 2 {
			return Condition{}, fmt.Errorf("filter %s__between needs exactly two values", field)
		}
		return Condition{Expr: field + " BETWEEN ? AND ?", Args: []any{vs[0], vs[1]}}, nil
	}
	return Condition{}, fmt.Errorf("unknown filter operator %q", op)
}

// CompileFilters compiles a whole filter map, failing on the first
// invalid entry so callers never get a partially applied predicate.
func CompileFilters(schema Schema, filters map[string]any) ([]Condition, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	// Deterministic order keeps generated SQL stable for tests and
	// query-plan caching.
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Condition, 0, len(keys))
	for _, k := range keys {
		cond, err := CompileFilter(schema, k, filters[k])
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

// SearchCondition builds the OR-combined ILIKE predicate across the
// schema's searchable columns. Returns a zero Condition when the schema
// declares no text columns.
func SearchCondition(schema Schema, search string) Condition {
	if search == "" || len(schema.Searchable) == 0 {
		return Condition{}
	}
	parts := make([]string, len(schema.Searchable))
	args := make([]any, len(schema.Searchable))
	needle := "%" + search + "%"
	for i, col := range schema.Searchable {
		parts[i] = col + " ILIKE ?"
		args[i] = needle
	}
	return Condition{Expr: "(" + strings.Join(parts, " OR ") + ")", Args: args}
}

func filterErr(field string, err error) error {
	return fmt.Errorf("filter on %q: %w", field, err)
}

func coerce(kind Kind, value any) (any, error) {
	switch kind {
	case KindInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return n, nil
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		}
	case KindString:
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		}
	case KindTime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case int64:
			return time.UnixMilli(v).UTC(), nil
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		case string:
			s := strings.TrimSpace(v)
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC(), nil
			}
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC(), nil
			}
			if t, err := time.Parse("2006-01-02", s); err == nil {
				return t.UTC(), nil
			}
			return nil, fmt.Errorf("expected timestamp, got %q", v)
		}
	}
	return nil, fmt.Errorf("cannot coerce %T", value)
}

func coerceList(kind Kind, value any) ([]any, error) {
	var raw []any
	switch v := value.(type) {
	case []any:
		raw = v
	case []string:
		raw = make([]any, len(v))
		for i, s := range v {
			raw[i] = s
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			raw = append(raw, strings.TrimSpace(part))
		}
	default:
		raw = []any{v}
	}
	out := make([]any, len(raw))
	for i, item := range raw {
		c, err := coerce(kind, item)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}
