package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulselabs/pulse/db"
)

func i64(v int64) *int64 { return &v }

func TestPartition(t *testing.T) {
	base := int64(1_700_000_040_000) // second 0 of a minute
	tests := []struct {
		name    string
		samples []db.RawMetric
		want    map[WindowKey]int
	}{
		{
			name: "same endpoint same window",
			samples: []db.RawMetric{
				{Endpoint: "/a", Timestamp: base},
				{Endpoint: "/a", Timestamp: base + 1000},
				{Endpoint: "/a", Timestamp: base + 59_999},
			},
			want: map[WindowKey]int{{Endpoint: "/a", WindowStart: base}: 3},
		},
		{
			name: "same endpoint split across windows",
			samples: []db.RawMetric{
				{Endpoint: "/a", Timestamp: base},
				{Endpoint: "/a", Timestamp: base + 61_000},
			},
			want: map[WindowKey]int{
				{Endpoint: "/a", WindowStart: base}:          1,
				{Endpoint: "/a", WindowStart: base + 60_000}: 1,
			},
		},
		{
			name: "different endpoints same window",
			samples: []db.RawMetric{
				{Endpoint: "/a", Timestamp: base},
				{Endpoint: "/b", Timestamp: base + 5},
			},
			want: map[WindowKey]int{
				{Endpoint: "/a", WindowStart: base}: 1,
				{Endpoint: "/b", WindowStart: base}: 1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.samples, DefaultWindowWidthMs)
			require.Len(t, got, len(tt.want))
			for key, count := range tt.want {
				assert.Len(t, got[key], count, "partition %v", key)
			}
		})
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		sorted []int64
		p      float64
		want   int64
	}{
		{"empty", nil, 50, 0},
		{"single", []int64{42}, 99, 42},
		{"p50 of three", []int64{100, 150, 200}, 50, 150},
		{"p95 of three", []int64{100, 150, 200}, 95, 200},
		{"p99 of three", []int64{100, 150, 200}, 99, 200},
		{"p50 of four", []int64{10, 20, 30, 40}, 50, 20},
		{"p100", []int64{10, 20, 30}, 100, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile(tt.sorted, tt.p))
		})
	}
}

func TestComputeSingleWindow(t *testing.T) {
	base := int64(1_700_000_040_000)
	samples := []db.RawMetric{
		{Endpoint: "/a", LatencyMs: 100, Status: 200, Timestamp: base},
		{Endpoint: "/a", LatencyMs: 150, Status: 200, Timestamp: base + 1000},
		{Endpoint: "/a", LatencyMs: 200, Status: 500, Timestamp: base + 2000},
	}
	key := WindowKey{Endpoint: "/a", WindowStart: base}

	w := Compute(key, DefaultWindowWidthMs, samples)

	assert.Equal(t, "/a", w.Endpoint)
	assert.Equal(t, base, w.WindowStart)
	assert.Equal(t, base+60_000, w.WindowEnd)
	assert.Equal(t, int64(150), w.P50)
	assert.Equal(t, int64(200), w.P95)
	assert.Equal(t, int64(200), w.P99)
	assert.Equal(t, 33, w.ErrorRate)
	assert.Equal(t, int64(3), w.TrafficCount)
	assert.Nil(t, w.MeanRequestSize)
	assert.Nil(t, w.MeanResponseSize)
}

func TestComputeInvariants(t *testing.T) {
	base := int64(1_700_000_040_000)
	samples := []db.RawMetric{
		{Endpoint: "/x", LatencyMs: 5, Status: 404, Timestamp: base},
		{Endpoint: "/x", LatencyMs: 90, Status: 200, Timestamp: base + 10},
		{Endpoint: "/x", LatencyMs: 30, Status: 503, Timestamp: base + 20},
		{Endpoint: "/x", LatencyMs: 60, Status: 200, Timestamp: base + 30},
	}
	w := Compute(WindowKey{Endpoint: "/x", WindowStart: base}, DefaultWindowWidthMs, samples)

	assert.Equal(t, w.WindowStart+DefaultWindowWidthMs, w.WindowEnd)
	assert.GreaterOrEqual(t, w.ErrorRate, 0)
	assert.LessOrEqual(t, w.ErrorRate, 100)
	assert.LessOrEqual(t, w.P50, w.P95)
	assert.LessOrEqual(t, w.P95, w.P99)
	assert.Equal(t, 50, w.ErrorRate)
}

func TestComputeMeanSizes(t *testing.T) {
	base := int64(1_700_000_040_000)
	samples := []db.RawMetric{
		{Endpoint: "/a", LatencyMs: 10, Status: 200, Timestamp: base, RequestSize: i64(100), ResponseSize: i64(300)},
		{Endpoint: "/a", LatencyMs: 20, Status: 200, Timestamp: base, RequestSize: i64(200)},
		{Endpoint: "/a", LatencyMs: 30, Status: 200, Timestamp: base},
	}
	w := Compute(WindowKey{Endpoint: "/a", WindowStart: base}, DefaultWindowWidthMs, samples)

	require.NotNil(t, w.MeanRequestSize)
	assert.Equal(t, int64(150), *w.MeanRequestSize)
	require.NotNil(t, w.MeanResponseSize)
	assert.Equal(t, int64(300), *w.MeanResponseSize)
}

func TestComputeErrorRateRounds(t *testing.T) {
	base := int64(0)
	samples := []db.RawMetric{
		{Endpoint: "/a", LatencyMs: 1, Status: 500, Timestamp: base},
		{Endpoint: "/a", LatencyMs: 1, Status: 200, Timestamp: base},
		{Endpoint: "/a", LatencyMs: 1, Status: 200, Timestamp: base},
		{Endpoint: "/a", LatencyMs: 1, Status: 200, Timestamp: base},
		{Endpoint: "/a", LatencyMs: 1, Status: 200, Timestamp: base},
		{Endpoint: "/a", LatencyMs: 1, Status: 200, Timestamp: base},
	}
	w := Compute(WindowKey{Endpoint: "/a", WindowStart: base}, DefaultWindowWidthMs, samples)
	// 1/6 = 16.67 percent, rounds to 17.
	assert.Equal(t, 17, w.ErrorRate)
}
