package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	fetchesSucceeded atomic.Uint64
	fetchesFailed    atomic.Uint64
	probesRun        atomic.Uint64
	schedulerBatches atomic.Uint64
	recalcRuns       atomic.Uint64
	recalcErrors     atomic.Uint64

	// Fetch latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64
}

// RecordFetch records one adapter fetch outcome with latency.
func (m *Metrics) RecordFetch(ok bool, latency time.Duration) {
	if ok {
		m.fetchesSucceeded.Add(1)
	} else {
		m.fetchesFailed.Add(1)
	}
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordProbe records one health probe run.
func (m *Metrics) RecordProbe() {
	m.probesRun.Add(1)
}

// RecordSchedulerBatch records one completed scheduler refresh batch.
func (m *Metrics) RecordSchedulerBatch() {
	m.schedulerBatches.Add(1)
}

// RecordRecalc records one valuation engine invocation.
func (m *Metrics) RecordRecalc(ok bool) {
	m.recalcRuns.Add(1)
	if !ok {
		m.recalcErrors.Add(1)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FetchesSucceeded uint64
	FetchesFailed    uint64
	ProbesRun        uint64
	SchedulerBatches uint64
	RecalcRuns       uint64
	RecalcErrors     uint64
	AvgFetchNs       int64
	Timestamp        time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avg int64
	if count := m.latencyCount.Load(); count > 0 {
		avg = m.latencySumNs.Load() / int64(count)
	}
	return MetricsSnapshot{
		FetchesSucceeded: m.fetchesSucceeded.Load(),
		FetchesFailed:    m.fetchesFailed.Load(),
		ProbesRun:        m.probesRun.Load(),
		SchedulerBatches: m.schedulerBatches.Load(),
		RecalcRuns:       m.recalcRuns.Load(),
		RecalcErrors:     m.recalcErrors.Load(),
		AvgFetchNs:       avg,
		Timestamp:        time.Now(),
	}
}
