package pscompat

import (
	"sort"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// DeadlineEstimator is C1: it tracks a rolling distribution of caller
// processing latency (admit -> ack) and proposes the next lease
// duration as the clamped 99th percentile, the way the teacher tracks
// a consumer-batch-size histogram on its metric registry
// (getOrRegisterHistogram("consumer-batch-size", ...) in consumer.go).
type DeadlineEstimator struct {
	mu        sync.Mutex
	latencies metrics.Histogram
}

// NewDeadlineEstimator creates an estimator backed by a uniform sample
// histogram registered under name on registry, so the same metrics
// registry the rest of the subscriber reports through also exposes
// ack-latency percentiles.
func NewDeadlineEstimator(name string, registry metrics.Registry) *DeadlineEstimator {
	sample := metrics.NewUniformSample(1028)
	h := metrics.NewHistogram(sample)
	if registry != nil {
		_ = registry.Register(name, h)
	}
	return &DeadlineEstimator{latencies: h}
}

// Observe records one caller-processing latency sample (the time
// between a message's admit and the caller requesting its ack).
func (e *DeadlineEstimator) Observe(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latencies.Update(latency.Milliseconds())
}

// Propose returns the next lease duration: the 99th percentile of
// observed latencies, clamped to [MinLease, MaxLease]. Until at least
// estimatorMinSampleSize samples have been observed it returns
// MinLease, matching §4.1's "until enough samples exist, returns
// MIN_LEASE".
func (e *DeadlineEstimator) Propose() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.latencies.Count() < estimatorMinSampleSize {
		return MinLease
	}

	p99 := time.Duration(e.latencies.Percentile(0.99)) * time.Millisecond
	return clamp(p99, MinLease, MaxLease)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// percentileOf is a small pure helper kept for documentation/tests: a
// nearest-rank percentile over a plain slice (index p*(n-1), rounded
// down, no interpolation). It approximates, but does not exactly match,
// what metrics.Histogram.Percentile computes, which interpolates
// between neighbouring samples.
func percentileOf(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
