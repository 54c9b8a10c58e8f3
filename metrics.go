package lexgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    commitCounter   prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordCommit(docs uint64, duration time.Duration, err error) {
//	    p.commitCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordAdd is called after each document add.
	RecordAdd(duration time.Duration, err error)

	// RecordDelete is called after each delete-by-term request.
	RecordDelete(duration time.Duration, err error)

	// RecordCommit is called after each commit attempt. docs is the live
	// document count after a successful commit.
	RecordCommit(docs uint64, duration time.Duration, err error)

	// RecordSearch is called after each search. hits is the number of
	// results returned, err is nil if successful.
	RecordSearch(hits int, duration time.Duration, err error)

	// RecordFlush is called after each segment flush with the number of
	// documents written and the segment size in bytes.
	RecordFlush(docs uint64, bytes int64, err error)

	// RecordMerge is called after each merge attempt. inputs is the number
	// of segments merged.
	RecordMerge(inputs int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)            {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)         {}
func (NoopMetricsCollector) RecordCommit(uint64, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordFlush(uint64, int64, error)          {}
func (NoopMetricsCollector) RecordMerge(int, time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount         atomic.Int64
	AddErrors        atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CommitTotalNanos atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	SearchHits       atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushBytes       atomic.Int64
	MergeCount       atomic.Int64
	MergeErrors      atomic.Int64
	MergeTotalNanos  atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(_ time.Duration, err error) {
	b.AddCount.Add(1)
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(_ uint64, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(hits int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
		return
	}
	b.SearchHits.Add(int64(hits))
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(_ uint64, bytes int64, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushBytes.Add(bytes)
}

// RecordMerge implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMerge(_ int, duration time.Duration, err error) {
	b.MergeCount.Add(1)
	b.MergeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.MergeErrors.Add(1)
	}
}

// AverageSearchLatency returns the mean search duration, or zero when no
// searches have been recorded.
func (b *BasicMetricsCollector) AverageSearchLatency() time.Duration {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(b.SearchTotalNanos.Load() / count)
}
