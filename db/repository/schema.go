// Package repository is the persistence gateway: a schema-aware query
// builder giving every entity the same list/get/create/update/delete
// surface with soft-delete semantics, a closed filter-operator set,
// search, ordering, and pagination. Handlers compose filter maps
// instead of SQL; this package is the single place that rejects unsafe
// predicates.
package repository

// Kind declares how filter values for a column are coerced.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBool
	KindTime
)

// Schema describes the queryable surface of one entity: its table, the
// declared columns with their value kinds, and the text columns the
// search parameter fans out over.
type Schema struct {
	Table      string
	Columns    map[string]Kind
	Searchable []string
}

// HasColumn reports whether a column is declared and therefore legal in
// filters and ordering.
func (s Schema) HasColumn(name string) bool {
	_, ok := s.Columns[name]
	return ok
}

var baseColumns = map[string]Kind{
	"id":         KindInt,
	"created_at": KindTime,
	"updated_at": KindTime,
	"deleted_at": KindTime,
}

func withBase(cols map[string]Kind) map[string]Kind {
	out := make(map[string]Kind, len(cols)+len(baseColumns))
	for k, v := range baseColumns {
		out[k] = v
	}
	for k, v := range cols {
		out[k] = v
	}
	return out
}

// Schemas for every persistent entity.
var (
	Users = Schema{
		Table: "users",
		Columns: withBase(map[string]Kind{
			"email": KindString,
			"role":  KindString,
		}),
		Searchable: []string{"email"},
	}

	RefreshTokens = Schema{
		Table: "refresh_tokens",
		Columns: withBase(map[string]Kind{
			"user_id":            KindInt,
			"expires_at":         KindTime,
			"device_fingerprint": KindString,
			"ip_address":         KindString,
			"revoked_at":         KindTime,
		}),
		Searchable: []string{"device_fingerprint", "ip_address"},
	}

	Logs = Schema{
		Table: "logs",
		Columns: withBase(map[string]Kind{
			"source":  KindString,
			"level":   KindString,
			"message": KindString,
		}),
		Searchable: []string{"source", "message"},
	}

	MetricWindows = Schema{
		Table: "metric_windows",
		Columns: withBase(map[string]Kind{
			"endpoint":      KindString,
			"window_start":  KindInt,
			"window_end":    KindInt,
			"p50":           KindInt,
			"p95":           KindInt,
			"p99":           KindInt,
			"error_rate":    KindInt,
			"traffic_count": KindInt,
		}),
		Searchable: []string{"endpoint"},
	}

	RequestSnapshots = Schema{
		Table: "request_snapshots",
		Columns: withBase(map[string]Kind{
			"method":          KindString,
			"path":            KindString,
			"user_id":         KindInt,
			"version":         KindString,
			"environment":     KindString,
			"response_status": KindInt,
			"duration_ms":     KindInt,
			"geo_country":     KindString,
			"geo_source":      KindString,
		}),
		Searchable: []string{"method", "path"},
	}

	WorkerStats = Schema{
		Table: "worker_stats",
		Columns: withBase(map[string]Kind{
			"mode":           KindString,
			"queue_depth":    KindInt,
			"in_flight":      KindInt,
			"last_heartbeat": KindTime,
		}),
		Searchable: []string{"mode"},
	}
)
