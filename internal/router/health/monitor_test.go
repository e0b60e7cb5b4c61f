package health

import (
	"sync"
	"testing"
)

type fakeQueueStatsGetter struct {
	mu    sync.Mutex
	stats map[string]*QueueStats
}

func (f *fakeQueueStatsGetter) GetAllQueueStats() map[string]*QueueStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*QueueStats, len(f.stats))
	for k, v := range f.stats {
		copied := *v
		out[k] = &copied
	}
	return out
}

func (f *fakeQueueStatsGetter) GetTotalQueueDepth() int64 { return 0 }
func (f *fakeQueueStatsGetter) GetThroughput() float64    { return 0 }

func (f *fakeQueueStatsGetter) setDepth(queueID string, depth int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		f.stats = make(map[string]*QueueStats)
	}
	f.stats[queueID] = &QueueStats{Name: queueID, PendingMessages: depth}
}

type recordingSink struct {
	mu       sync.Mutex
	warnings []recordedWarning
}

type recordedWarning struct {
	category string
	severity string
}

func (s *recordingSink) AddWarning(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, recordedWarning{category, severity})
}

func (s *recordingSink) count(category string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.warnings {
		if w.category == category {
			n++
		}
	}
	return n
}

func (s *recordingSink) lastSeverity(category string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.warnings) - 1; i >= 0; i-- {
		if s.warnings[i].category == category {
			return s.warnings[i].severity
		}
	}
	return ""
}

func newTestQueueMonitor(stats *fakeQueueStatsGetter, sink *recordingSink) *QueueHealthMonitor {
	cfg := &QueueHealthMonitorConfig{
		BacklogThreshold: 1000,
		GrowthThreshold:  100,
		GrowthPeriods:    3,
	}
	return NewQueueHealthMonitor(cfg, stats, sink)
}

func TestQueueHealthMonitor_BacklogWarning(t *testing.T) {
	stats := &fakeQueueStatsGetter{}
	sink := &recordingSink{}
	monitor := newTestQueueMonitor(stats, sink)

	stats.setDepth("orders", 500)
	monitor.CheckOnce()
	if sink.count("QUEUE_BACKLOG") != 0 {
		t.Error("expected no backlog warning below threshold")
	}

	stats.setDepth("orders", 1001)
	monitor.CheckOnce()
	if sink.count("QUEUE_BACKLOG") != 1 {
		t.Errorf("expected 1 backlog warning, got %d", sink.count("QUEUE_BACKLOG"))
	}
}

func TestQueueHealthMonitor_GrowthWarning(t *testing.T) {
	stats := &fakeQueueStatsGetter{}
	sink := &recordingSink{}
	monitor := newTestQueueMonitor(stats, sink)

	// Depth climbs by 200 per period: the first sample establishes the
	// baseline, growth counts from the second sample onward
	depths := []int64{100, 300, 500, 700}
	for _, d := range depths {
		stats.setDepth("orders", d)
		monitor.CheckOnce()
	}

	// 3 growing periods observed, threshold is 3: exactly one firing so far
	if sink.count("QUEUE_GROWING") != 1 {
		t.Errorf("expected 1 growing warning after 3 growth periods, got %d", sink.count("QUEUE_GROWING"))
	}

	// Growth stops: counter resets, no further warnings
	monitor.CheckOnce()
	if sink.count("QUEUE_GROWING") != 1 {
		t.Errorf("expected no new warning once growth stopped, got %d", sink.count("QUEUE_GROWING"))
	}
	if monitor.ConsecutiveGrowthCount("orders") != 0 {
		t.Errorf("expected growth counter reset, got %d", monitor.ConsecutiveGrowthCount("orders"))
	}
}

func TestQueueHealthMonitor_GrowthCounterCapped(t *testing.T) {
	stats := &fakeQueueStatsGetter{}
	sink := &recordingSink{}
	monitor := newTestQueueMonitor(stats, sink)

	depth := int64(0)
	for i := 0; i < 30; i++ {
		depth += 200
		stats.setDepth("orders", depth)
		monitor.CheckOnce()
	}

	if got := monitor.ConsecutiveGrowthCount("orders"); got != maxConsecutiveGrowthCount {
		t.Errorf("expected growth counter capped at %d, got %d", maxConsecutiveGrowthCount, got)
	}
}

func TestBrokerHealthMonitor_FailureThresholdAndEscalation(t *testing.T) {
	// No checker configured: CheckBrokerConnectivity reports an issue for
	// broker types that require one
	broker := NewBrokerHealthService(true, QueueTypeSQS, nil)
	sink := &recordingSink{}
	cfg := &BrokerHealthMonitorConfig{FailureThreshold: 3}
	monitor := NewBrokerHealthMonitor(cfg, broker, sink)

	// Two failures: below threshold, silent
	monitor.CheckOnce()
	monitor.CheckOnce()
	if sink.count("BROKER_HEALTH") != 0 {
		t.Errorf("expected no warning below threshold, got %d", sink.count("BROKER_HEALTH"))
	}

	// Third failure reaches the threshold
	monitor.CheckOnce()
	if sink.count("BROKER_HEALTH") != 1 {
		t.Errorf("expected warning at threshold, got %d", sink.count("BROKER_HEALTH"))
	}
	if sev := sink.lastSeverity("BROKER_HEALTH"); sev != "ERROR" {
		t.Errorf("expected ERROR severity at threshold, got %s", sev)
	}

	// Keep failing: escalates to CRITICAL at twice the threshold
	monitor.CheckOnce()
	monitor.CheckOnce()
	monitor.CheckOnce()
	if sev := sink.lastSeverity("BROKER_HEALTH"); sev != "CRITICAL" {
		t.Errorf("expected CRITICAL severity after sustained failures, got %s", sev)
	}

	if monitor.ConsecutiveFailures() != 6 {
		t.Errorf("expected 6 consecutive failures, got %d", monitor.ConsecutiveFailures())
	}
}
