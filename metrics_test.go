package tsp

import (
	"testing"
	"time"
)

func TestMetricsInitialState(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	if snap.SubmitCount != 0 || snap.FinishCount != 0 {
		t.Errorf("Expected zero counts on a fresh Metrics, got %+v", snap)
	}
}

func TestMetricsRecordsLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit()
	m.RecordDefer()
	m.RecordDefer()
	m.RecordAdmit(50 * time.Millisecond)
	m.RecordFinish(2*time.Second, 0)

	snap := m.Snapshot()
	if snap.SubmitCount != 1 {
		t.Errorf("Expected 1 submit, got %d", snap.SubmitCount)
	}
	if snap.DeferCount != 2 {
		t.Errorf("Expected 2 defers, got %d", snap.DeferCount)
	}
	if snap.AdmitCount != 1 {
		t.Errorf("Expected 1 admit, got %d", snap.AdmitCount)
	}
	if snap.FinishCount != 1 {
		t.Errorf("Expected 1 finish, got %d", snap.FinishCount)
	}
	if snap.FailCount != 0 {
		t.Errorf("Expected 0 failures for exit status 0, got %d", snap.FailCount)
	}
}

func TestMetricsCountsNonZeroExitAsFailure(t *testing.T) {
	m := NewMetrics()
	m.RecordFinish(time.Second, 1)
	m.RecordFinish(time.Second, 0)

	snap := m.Snapshot()
	if snap.FinishCount != 2 {
		t.Errorf("Expected 2 finishes, got %d", snap.FinishCount)
	}
	if snap.FailCount != 1 {
		t.Errorf("Expected 1 failure, got %d", snap.FailCount)
	}
}

func TestMetricsAverageWaitAndRunTime(t *testing.T) {
	m := NewMetrics()
	m.RecordAdmit(1 * time.Second)
	m.RecordAdmit(3 * time.Second)
	m.RecordFinish(10*time.Second, 0)
	m.RecordFinish(20*time.Second, 0)

	snap := m.Snapshot()
	if snap.AvgWaitNs != uint64(2*time.Second) {
		t.Errorf("Expected avg wait 2s, got %d ns", snap.AvgWaitNs)
	}
	if snap.AvgRunNs != uint64(15*time.Second) {
		t.Errorf("Expected avg run 15s, got %d ns", snap.AvgRunNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)
	snap := m.Snapshot()
	if snap.UptimeNs < 10*uint64(time.Millisecond) {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit()
	m.RecordAdmit(time.Second)
	m.RecordFinish(time.Second, 1)

	m.Reset()
	snap := m.Snapshot()
	if snap.SubmitCount != 0 || snap.AdmitCount != 0 || snap.FinishCount != 0 || snap.FailCount != 0 {
		t.Errorf("Expected all counters zero after reset, got %+v", snap)
	}
}

func TestObserverImplementations(t *testing.T) {
	var noop = &NoOpObserver{}
	noop.ObserveSubmit("default")
	noop.ObserveAdmit(time.Second)
	noop.ObserveDefer()
	noop.ObserveFinish(time.Second, 0)

	m := NewMetrics()
	obs := NewMetricsObserver(m)
	obs.ObserveSubmit("default")
	obs.ObserveAdmit(2 * time.Second)
	obs.ObserveDefer()
	obs.ObserveFinish(5*time.Second, 0)

	snap := m.Snapshot()
	if snap.SubmitCount != 1 {
		t.Errorf("Expected 1 submit from observer, got %d", snap.SubmitCount)
	}
	if snap.AdmitCount != 1 {
		t.Errorf("Expected 1 admit from observer, got %d", snap.AdmitCount)
	}
	if snap.DeferCount != 1 {
		t.Errorf("Expected 1 defer from observer, got %d", snap.DeferCount)
	}
	if snap.FinishCount != 1 {
		t.Errorf("Expected 1 finish from observer, got %d", snap.FinishCount)
	}
}

func TestMetricsHistogramBucketsPopulate(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.RecordAdmit(500 * time.Millisecond)
	}
	m.RecordAdmit(2 * time.Hour)

	snap := m.Snapshot()
	total := uint64(0)
	for _, v := range snap.WaitHistogram {
		total += v
	}
	if total == 0 {
		t.Error("Expected wait histogram buckets to be populated")
	}
}
