package metrics

import (
	"testing"
	"time"
)

func TestPoolStats_Lifecycle(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	svc.RecordMessageSubmitted("p1")
	svc.RecordProcessingSuccess("p1", 120)
	svc.RecordProcessingSuccess("p1", 80)
	svc.RecordProcessingFailure("p1", 40, "ERROR_PROCESS")

	stats := svc.GetPoolStats("p1")
	if stats.TotalProcessed != 3 {
		t.Errorf("totalProcessed = %d, want 3", stats.TotalProcessed)
	}
	if stats.TotalSucceeded != 2 || stats.TotalFailed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 2/1", stats.TotalSucceeded, stats.TotalFailed)
	}
	if want := 2.0 / 3.0; stats.SuccessRate != want {
		t.Errorf("successRate = %f, want %f", stats.SuccessRate, want)
	}
	if want := 80.0; stats.AverageProcessingTimeMs != want {
		t.Errorf("avg processing ms = %f, want %f", stats.AverageProcessingTimeMs, want)
	}
}

func TestPoolStats_WindowsCountRecentOutcomes(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	for i := 0; i < 5; i++ {
		svc.RecordProcessingSuccess("p1", 10)
	}
	svc.RecordProcessingFailure("p1", 10, "ERROR_PROCESS")

	stats := svc.GetPoolStats("p1")
	if stats.TotalProcessed5min != 6 {
		t.Errorf("5min window = %d, want 6", stats.TotalProcessed5min)
	}
	if stats.Succeeded5min != 5 || stats.Failed5min != 1 {
		t.Errorf("5min ok/fail = %d/%d, want 5/1", stats.Succeeded5min, stats.Failed5min)
	}
	if stats.TotalProcessed30min != 6 {
		t.Errorf("30min window = %d, want 6", stats.TotalProcessed30min)
	}
	if want := 5.0 / 6.0; stats.SuccessRate5min != want {
		t.Errorf("5min successRate = %f, want %f", stats.SuccessRate5min, want)
	}
}

func TestOutcomeWindow_ExpiresOldBuckets(t *testing.T) {
	var w outcomeWindow

	base := time.Now()
	w.record(base.Add(-10*time.Minute), true)
	w.record(base.Add(-10*time.Minute), false)
	w.record(base, true)

	// The 5-minute window only sees the fresh outcome
	ok, fail := w.totals(base, 5*time.Minute)
	if ok != 1 || fail != 0 {
		t.Errorf("5min totals = %d/%d, want 1/0", ok, fail)
	}

	// The 30-minute window still includes the old bucket
	ok, fail = w.totals(base, 30*time.Minute)
	if ok != 2 || fail != 1 {
		t.Errorf("30min totals = %d/%d, want 2/1", ok, fail)
	}

	// Past the widest span everything ages out
	ok, fail = w.totals(base.Add(31*time.Minute), 30*time.Minute)
	if ok != 0 || fail != 0 {
		t.Errorf("expired totals = %d/%d, want 0/0", ok, fail)
	}
}

func TestOutcomeWindow_ReusesBucketsInPlace(t *testing.T) {
	var w outcomeWindow

	base := time.Now()
	// Two writes that land exactly one full ring apart share a slot; the
	// newer write must zero the stale counts first.
	w.record(base.Add(-windowSpan), true)
	w.record(base, true)

	ok, fail := w.totals(base, 30*time.Minute)
	if ok != 1 || fail != 0 {
		t.Errorf("totals after slot reuse = %d/%d, want 1/0", ok, fail)
	}
}

func TestPoolStats_GaugesAndCapacity(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	svc.InitializePoolCapacity("p1", 10, 100)
	svc.UpdatePoolGauges("p1", 3, 7, 12, 4)

	stats := svc.GetPoolStats("p1")
	if stats.MaxConcurrency != 10 || stats.MaxQueueCapacity != 100 {
		t.Errorf("capacity = %d/%d, want 10/100", stats.MaxConcurrency, stats.MaxQueueCapacity)
	}
	if stats.ActiveWorkers != 3 || stats.AvailablePermits != 7 || stats.QueueSize != 12 {
		t.Errorf("gauges = %d/%d/%d, want 3/7/12", stats.ActiveWorkers, stats.AvailablePermits, stats.QueueSize)
	}
}

func TestPoolStats_RateLimited(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	svc.RecordRateLimitExceeded("p1")
	svc.RecordRateLimitExceeded("p1")

	if got := svc.GetPoolStats("p1").TotalRateLimited; got != 2 {
		t.Errorf("rateLimited = %d, want 2", got)
	}
}

func TestPoolStats_UnknownPoolIsEmpty(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	stats := svc.GetPoolStats("nope")
	if stats.PoolCode != "nope" || stats.TotalProcessed != 0 {
		t.Errorf("unexpected stats for unknown pool: %+v", stats)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("empty successRate = %f, want 1.0", stats.SuccessRate)
	}
}

func TestPoolStats_AllPools(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	svc.RecordProcessingSuccess("a", 1)
	svc.RecordProcessingFailure("b", 1, "ERROR_CONNECTION")

	all := svc.GetAllPoolStats()
	if len(all) != 2 {
		t.Fatalf("pool count = %d, want 2", len(all))
	}
	if all["a"].TotalSucceeded != 1 || all["b"].TotalFailed != 1 {
		t.Errorf("per-pool stats wrong: %+v", all)
	}
}

func TestPoolStats_LastActivity(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	if svc.GetLastActivityTimestamp("p1") != nil {
		t.Error("expected nil activity before any outcome")
	}

	before := time.Now()
	svc.RecordProcessingSuccess("p1", 5)
	ts := svc.GetLastActivityTimestamp("p1")
	if ts == nil || ts.Before(before) {
		t.Errorf("expected activity timestamp at or after %v, got %v", before, ts)
	}

	// Transient outcomes must not bump activity
	svc2 := NewInMemoryPoolMetricsService()
	svc2.RecordProcessingTransient("p2", 5)
	if svc2.GetLastActivityTimestamp("p2") != nil {
		t.Error("transient outcome must not set activity timestamp")
	}
}

func TestPoolStats_Remove(t *testing.T) {
	svc := NewInMemoryPoolMetricsService()

	svc.RecordProcessingSuccess("p1", 5)
	svc.RemovePoolMetrics("p1")

	if got := svc.GetPoolStats("p1").TotalProcessed; got != 0 {
		t.Errorf("expected fresh stats after removal, got %d processed", got)
	}
}
