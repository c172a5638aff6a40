// Package metrics accumulates request-level counters for the HTTP edge:
// success/error totals and a fixed-bucket latency histogram split by job
// kind, all safe for concurrent use without an external lock.
package metrics

import (
	"sync/atomic"
	"time"
)

// Registry holds process-lifetime counters. All fields are safe for
// concurrent use without an external lock.
type Registry struct {
	UptimeStart time.Time

	SuccessCount atomic.Int64
	ErrorCount   atomic.Int64

	// simple histograms (fixed buckets)
	ConvertLatencyBuckets  [10]atomic.Int64
	DownloadLatencyBuckets [10]atomic.Int64
}

// NewRegistry constructs a Registry with its uptime clock started now.
func NewRegistry() *Registry {
	return &Registry{UptimeStart: time.Now()}
}

var latencyBuckets = [10]float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34, 55}

// ObserveDuration records duration seconds into fixed buckets
// (0.5,1,2,3,5,8,13,21,34,55+), split by whether the job was a convert or a
// download.
func (r *Registry) ObserveDuration(seconds float64, isConvert bool) {
	idx := len(latencyBuckets) - 1
	for i, b := range latencyBuckets {
		if seconds <= b {
			idx = i
			break
		}
	}
	if isConvert {
		r.ConvertLatencyBuckets[idx].Add(1)
	} else {
		r.DownloadLatencyBuckets[idx].Add(1)
	}
}

// RecordSuccess increments the success counter.
func (r *Registry) RecordSuccess() { r.SuccessCount.Add(1) }

// RecordError increments the error counter.
func (r *Registry) RecordError() { r.ErrorCount.Add(1) }

// SuccessRate returns the fraction of successes among observed outcomes, or
// 1.0 when nothing has been observed yet.
func (r *Registry) SuccessRate() float64 {
	s := r.SuccessCount.Load()
	e := r.ErrorCount.Load()
	t := s + e
	if t == 0 {
		return 1.0
	}
	return float64(s) / float64(t)
}

// UptimeSeconds returns elapsed seconds since the Registry was constructed.
func (r *Registry) UptimeSeconds() int64 {
	return int64(time.Since(r.UptimeStart).Seconds())
}

// DownloadLatencySnapshot copies the download histogram into a plain array
// for JSON encoding.
func (r *Registry) DownloadLatencySnapshot() [10]int64 {
	var out [10]int64
	for i := range r.DownloadLatencyBuckets {
		out[i] = r.DownloadLatencyBuckets[i].Load()
	}
	return out
}

// ConvertLatencySnapshot copies the convert histogram into a plain array for
// JSON encoding.
func (r *Registry) ConvertLatencySnapshot() [10]int64 {
	var out [10]int64
	for i := range r.ConvertLatencyBuckets {
		out[i] = r.ConvertLatencyBuckets[i].Load()
	}
	return out
}
