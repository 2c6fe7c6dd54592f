// Package metrics holds the pure window math behind the aggregator:
// partitioning raw samples into fixed windows and reducing each window
// to its percentile summary. Everything here is deterministic and free
// of I/O so the math can be pinned by table tests.
package metrics

import (
	"math"
	"sort"

	"github.com/pulselabs/pulse/db"
)

// DefaultWindowWidthMs is the aggregation window width.
const DefaultWindowWidthMs = 60_000

// WindowKey identifies one (endpoint, window) partition.
type WindowKey struct {
	Endpoint    string
	WindowStart int64
}

// Partition groups samples by endpoint and window start, where the
// window start is the sample timestamp floored to the window width.
func Partition(samples []db.RawMetric, widthMs int64) map[WindowKey][]db.RawMetric {
	if widthMs <= 0 {
		widthMs = DefaultWindowWidthMs
	}
	out := make(map[WindowKey][]db.RawMetric)
	for _, s := range samples {
		key := WindowKey{
			Endpoint:    s.Endpoint,
			WindowStart: (s.Timestamp / widthMs) * widthMs,
		}
		out[key] = append(out[key], s)
	}
	return out
}

// Percentile returns sorted[ceil(p/100*n)-1] over the sorted latencies.
// The index floors at 0 so a tiny sample set still resolves.
func Percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Compute reduces one partition to its MetricWindow row. Status >= 400
// counts as an error; the rate is an integer percent, rounded. Mean
// sizes cover only the samples that carried a size and stay nil when
// none did.
func Compute(key WindowKey, widthMs int64, samples []db.RawMetric) db.MetricWindow {
	if widthMs <= 0 {
		widthMs = DefaultWindowWidthMs
	}

	latencies := make([]int64, 0, len(samples))
	var errors int
	var reqSum, reqN, respSum, respN int64
	for _, s := range samples {
		latencies = append(latencies, s.LatencyMs)
		if s.Status >= 400 {
			errors++
		}
		if s.RequestSize != nil {
			reqSum += *s.RequestSize
			reqN++
		}
		if s.ResponseSize != nil {
			respSum += *s.ResponseSize
			respN++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	w := db.MetricWindow{
		Endpoint:     key.Endpoint,
		WindowStart:  key.WindowStart,
		WindowEnd:    key.WindowStart + widthMs,
		P50:          Percentile(latencies, 50),
		P95:          Percentile(latencies, 95),
		P99:          Percentile(latencies, 99),
		TrafficCount: int64(len(samples)),
	}
	if len(samples) > 0 {
		w.ErrorRate = int(math.Round(float64(errors) / float64(len(samples)) * 100))
	}
	if reqN > 0 {
		mean := reqSum / reqN
		w.MeanRequestSize = &mean
	}
	if respN > 0 {
		mean := respSum / respN
		w.MeanResponseSize = &mean
	}
	return w
}
