package db

import "time"

// Base is embedded by every persistent entity. DeletedAt is managed by
// the repository layer rather than gorm's soft-delete hook so that
// opting into deleted rows stays an explicit query decision.
type Base struct {
	ID        int64      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `gorm:"index" json:"deletedAt,omitempty"`
	Embedding Vector     `json:"-"`
}

// Meta exposes the embedded base to the generic repository.
func (b *Base) Meta() *Base { return b }

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is an account on the platform. Email uniqueness holds among
// non-deleted rows and is enforced by the signup path; soft-deleted
// rows keep their email so history stays intact.
type User struct {
	Base
	Email        string `gorm:"index" json:"email"`
	PasswordHash string `json:"-"`
	Role         string `gorm:"default:user" json:"role"`
}

func (User) TableName() string { return "users" }

// SearchText feeds the deterministic embedding encoder.
func (u *User) SearchText() string { return u.Email + " " + u.Role }

// RefreshToken stores the bcrypt hash of an opaque refresh token. The
// plaintext never touches the database; validation is a linear scan
// over the owner's active tokens because each hash carries a random
// salt.
type RefreshToken struct {
	Base
	UserID            int64      `gorm:"index" json:"userId"`
	TokenHash         string     `json:"-"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
	IPAddress         string     `json:"ipAddress"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

func (t *RefreshToken) SearchText() string { return t.DeviceFingerprint + " " + t.IPAddress }

// Valid reports whether the token is still usable at the given instant.
// The hash check happens separately in the auth service.
func (t *RefreshToken) Valid(now time.Time) bool {
	return t.DeletedAt == nil && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Log levels, ordered from most to least severe.
const (
	LevelFatal = "fatal"
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
	LevelDebug = "debug"
	LevelTrace = "trace"
)

// Log is one structured log row. Logs are append-only: never updated,
// bulk-deleted by retention.
type Log struct {
	Base
	Source     string  `gorm:"index" json:"source"`
	Level      string  `gorm:"index" json:"level"`
	Message    string  `json:"message"`
	Attributes JSONMap `json:"attributes"`
}

func (Log) TableName() string { return "logs" }

func (l *Log) SearchText() string { return l.Source + " " + l.Level + " " + l.Message }

// RawMetric is the transient per-request measurement. It only exists in
// the in-process buffer and in job payloads, never as a table.
type RawMetric struct {
	Endpoint     string `json:"endpoint"`
	LatencyMs    int64  `json:"latencyMs"`
	Status       int    `json:"status"`
	Timestamp    int64  `json:"timestamp"` // wall clock, ms
	RequestSize  *int64 `json:"requestSize,omitempty"`
	ResponseSize *int64 `json:"responseSize,omitempty"`
}

// MetricWindow is one aggregated row per (endpoint, window). Times are
// epoch milliseconds; WindowEnd - WindowStart always equals the window
// width. ErrorRate is an integer percent 0..100; the read API scales it
// back to a fraction.
type MetricWindow struct {
	Base
	Endpoint         string `gorm:"index:idx_endpoint_window,unique,where:deleted_at IS NULL" json:"endpoint"`
	WindowStart      int64  `gorm:"index:idx_endpoint_window,unique,where:deleted_at IS NULL" json:"windowStart"`
	WindowEnd        int64  `json:"windowEnd"`
	P50              int64  `json:"p50"`
	P95              int64  `json:"p95"`
	P99              int64  `json:"p99"`
	ErrorRate        int    `json:"errorRate"`
	TrafficCount     int64  `json:"trafficCount"`
	MeanRequestSize  *int64 `json:"meanRequestSize,omitempty"`
	MeanResponseSize *int64 `json:"meanResponseSize,omitempty"`
}

func (MetricWindow) TableName() string { return "metric_windows" }

func (w *MetricWindow) SearchText() string { return w.Endpoint }

// Geo sources, in resolution order.
const (
	GeoSourcePlatform = "platform"
	GeoSourceHeader   = "header"
	GeoSourceIP       = "ip"
	GeoSourceNone     = "none"
)

// RequestSnapshot is a captured copy of one request/response pair,
// sufficient to replay the request. Sensitive headers are redacted
// before the row is written; bodies are JSON text, truncated at
// capture time.
type RequestSnapshot struct {
	Base
	Method          string  `gorm:"index" json:"method"`
	Path            string  `gorm:"index" json:"path"`
	Query           JSONMap `json:"query"`
	Headers         JSONMap `json:"headers"`
	Body            string  `json:"body,omitempty"`
	UserID          *int64  `json:"userId,omitempty"`
	Version         string  `json:"version"`
	Environment     string  `json:"environment"`
	ResponseStatus  int     `gorm:"index" json:"responseStatus"`
	ResponseHeaders JSONMap `json:"responseHeaders"`
	ResponseBody    string  `json:"responseBody,omitempty"`
	DurationMs      int64   `json:"durationMs"`
	GeoCountry      string  `json:"geoCountry"`
	GeoRegion       string  `json:"geoRegion"`
	GeoCity         string  `json:"geoCity"`
	GeoLat          float64 `json:"geoLat"`
	GeoLon          float64 `json:"geoLon"`
	GeoSource       string  `json:"geoSource"`
}

func (RequestSnapshot) TableName() string { return "request_snapshots" }

func (s *RequestSnapshot) SearchText() string {
	return s.Method + " " + s.Path + " " + s.Environment
}

// Worker modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// WorkerStats is the most recent worker snapshot per mode. Older rows
// are kept for history; the health rollup only reads the newest one.
type WorkerStats struct {
	Base
	Mode          string    `gorm:"index" json:"mode"`
	QueueDepth    int64     `json:"queueDepth"`
	InFlight      int64     `json:"inFlight"`
	ScheduledJobs int       `json:"scheduledJobs"`
	AvailableJobs int       `json:"availableJobs"`
	ScheduledList JSONList  `json:"scheduledList"`
	AvailableList JSONList  `json:"availableList"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

func (WorkerStats) TableName() string { return "worker_stats" }

func (w *WorkerStats) SearchText() string { return w.Mode }
