package tsp

import (
	"sync/atomic"
	"time"

	"github.com/dsroberts/go-tsp/internal/interfaces"
)

// LatencyBuckets defines the histogram buckets (nanoseconds) used for both
// queue-wait and run-time observations. Buckets cover from 1ms to ~1 day
// with logarithmic spacing, matched to HPC job durations rather than the
// microsecond-scale I/O latencies the teacher's buckets were tuned for.
var LatencyBuckets = []uint64{
	1_000_000,          // 1ms
	100_000_000,        // 100ms
	1_000_000_000,      // 1s
	10_000_000_000,     // 10s
	60_000_000_000,     // 1m
	600_000_000_000,    // 10m
	3_600_000_000_000,  // 1h
	86_400_000_000_000, // 24h
}

const numLatencyBuckets = 8

// Metrics tracks submission/admission/completion counters and wait/run
// time histograms for every job a spooler process observes, in the
// teacher's atomic-counter style.
type Metrics struct {
	SubmitCount atomic.Uint64
	AdmitCount  atomic.Uint64
	DeferCount  atomic.Uint64
	FinishCount atomic.Uint64
	FailCount   atomic.Uint64 // FinishCount with a non-zero exit status

	TotalWaitNs atomic.Uint64
	WaitCount   atomic.Uint64
	WaitBuckets [numLatencyBuckets]atomic.Uint64

	TotalRunNs atomic.Uint64
	RunCount   atomic.Uint64
	RunBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordSubmit() {
	m.SubmitCount.Add(1)
}

func (m *Metrics) RecordAdmit(waitTime time.Duration) {
	m.AdmitCount.Add(1)
	recordHistogram(&m.TotalWaitNs, &m.WaitCount, &m.WaitBuckets, uint64(waitTime.Nanoseconds()))
}

func (m *Metrics) RecordDefer() {
	m.DeferCount.Add(1)
}

func (m *Metrics) RecordFinish(runTime time.Duration, exitStatus int) {
	m.FinishCount.Add(1)
	if exitStatus != 0 {
		m.FailCount.Add(1)
	}
	recordHistogram(&m.TotalRunNs, &m.RunCount, &m.RunBuckets, uint64(runTime.Nanoseconds()))
}

func recordHistogram(total, count *atomic.Uint64, buckets *[numLatencyBuckets]atomic.Uint64, valueNs uint64) {
	total.Add(valueNs)
	count.Add(1)
	for i, bucket := range LatencyBuckets {
		if valueNs <= bucket {
			buckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics safe to
// print or serialize.
type MetricsSnapshot struct {
	SubmitCount uint64
	AdmitCount  uint64
	DeferCount  uint64
	FinishCount uint64
	FailCount   uint64

	AvgWaitNs uint64
	AvgRunNs  uint64
	UptimeNs  uint64

	WaitHistogram [numLatencyBuckets]uint64
	RunHistogram  [numLatencyBuckets]uint64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SubmitCount: m.SubmitCount.Load(),
		AdmitCount:  m.AdmitCount.Load(),
		DeferCount:  m.DeferCount.Load(),
		FinishCount: m.FinishCount.Load(),
		FailCount:   m.FailCount.Load(),
		UptimeNs:    uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}

	if waitCount := m.WaitCount.Load(); waitCount > 0 {
		snap.AvgWaitNs = m.TotalWaitNs.Load() / waitCount
	}
	if runCount := m.RunCount.Load(); runCount > 0 {
		snap.AvgRunNs = m.TotalRunNs.Load() / runCount
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.WaitHistogram[i] = m.WaitBuckets[i].Load()
		snap.RunHistogram[i] = m.RunBuckets[i].Load()
	}
	return snap
}

// Reset zeroes every counter; useful in tests that share one Metrics
// across cases.
func (m *Metrics) Reset() {
	m.SubmitCount.Store(0)
	m.AdmitCount.Store(0)
	m.DeferCount.Store(0)
	m.FinishCount.Store(0)
	m.FailCount.Store(0)
	m.TotalWaitNs.Store(0)
	m.WaitCount.Store(0)
	m.TotalRunNs.Store(0)
	m.RunCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.WaitBuckets[i].Store(0)
		m.RunBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
}

// MetricsObserver implements interfaces.Observer by recording to a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(category string)      { o.metrics.RecordSubmit() }
func (o *MetricsObserver) ObserveAdmit(waitTime time.Duration) { o.metrics.RecordAdmit(waitTime) }
func (o *MetricsObserver) ObserveDefer()                       { o.metrics.RecordDefer() }
func (o *MetricsObserver) ObserveFinish(runTime time.Duration, exitStatus int) {
	o.metrics.RecordFinish(runTime, exitStatus)
}

// NoOpObserver discards every lifecycle event; the default when a caller
// doesn't want metrics collection.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(string)            {}
func (NoOpObserver) ObserveAdmit(time.Duration)       {}
func (NoOpObserver) ObserveDefer()                    {}
func (NoOpObserver) ObserveFinish(time.Duration, int) {}

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = (*NoOpObserver)(nil)
