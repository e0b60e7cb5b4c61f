package metrics

import (
	"sync"
	"testing"
)

func TestQueueStats_ReceiveAndProcess(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	for i := 0; i < 4; i++ {
		svc.RecordMessageReceived("q1")
	}
	svc.RecordMessageProcessed("q1", true)
	svc.RecordMessageProcessed("q1", true)
	svc.RecordMessageProcessed("q1", true)
	svc.RecordMessageProcessed("q1", false)

	stats := svc.GetQueueStats("q1")
	if stats.TotalMessages != 4 {
		t.Errorf("totalMessages = %d, want 4", stats.TotalMessages)
	}
	if stats.TotalConsumed != 3 || stats.TotalFailed != 1 {
		t.Errorf("consumed/failed = %d/%d, want 3/1", stats.TotalConsumed, stats.TotalFailed)
	}
	if want := 3.0 / 4.0; stats.SuccessRate != want {
		t.Errorf("successRate = %f, want %f", stats.SuccessRate, want)
	}
	if stats.Throughput <= 0 {
		t.Errorf("throughput = %f, want > 0", stats.Throughput)
	}
}

func TestQueueStats_WindowCounts(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordMessageProcessed("q1", true)
	svc.RecordMessageProcessed("q1", false)

	stats := svc.GetQueueStats("q1")
	if stats.TotalMessages5min != 2 || stats.Consumed5min != 1 || stats.Failed5min != 1 {
		t.Errorf("5min window = %d/%d/%d, want 2/1/1",
			stats.TotalMessages5min, stats.Consumed5min, stats.Failed5min)
	}
	if stats.TotalMessages30min != 2 {
		t.Errorf("30min window = %d, want 2", stats.TotalMessages30min)
	}
	if want := 0.5; stats.SuccessRate5min != want {
		t.Errorf("5min successRate = %f, want %f", stats.SuccessRate5min, want)
	}
}

func TestQueueStats_DepthGauges(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordQueueDepth("q1", 42)
	svc.RecordQueueMetrics("q1", 100, 7)

	stats := svc.GetQueueStats("q1")
	if stats.CurrentSize != 42 {
		t.Errorf("currentSize = %d, want 42", stats.CurrentSize)
	}
	if stats.PendingMessages != 100 || stats.MessagesNotVisible != 7 {
		t.Errorf("pending/notVisible = %d/%d, want 100/7",
			stats.PendingMessages, stats.MessagesNotVisible)
	}
}

func TestQueueStats_UnknownQueueIsEmpty(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	stats := svc.GetQueueStats("missing")
	if stats.Name != "missing" || stats.TotalMessages != 0 {
		t.Errorf("unexpected stats for unknown queue: %+v", stats)
	}
	if stats.SuccessRate != 1.0 || stats.SuccessRate30min != 1.0 {
		t.Errorf("empty rates = %f/%f, want 1.0/1.0", stats.SuccessRate, stats.SuccessRate30min)
	}
}

func TestQueueStats_AllQueues(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordMessageReceived("a")
	svc.RecordMessageReceived("b")
	svc.RecordMessageProcessed("b", true)

	all := svc.GetAllQueueStats()
	if len(all) != 2 {
		t.Fatalf("queue count = %d, want 2", len(all))
	}
	if all["a"].TotalMessages != 1 || all["b"].TotalConsumed != 1 {
		t.Errorf("per-queue stats wrong: %+v", all)
	}
}

func TestQueueStats_ConcurrentRecorders(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				svc.RecordMessageReceived("shared")
				svc.RecordMessageProcessed("shared", j%2 == 0)
			}
		}()
	}
	wg.Wait()

	stats := svc.GetQueueStats("shared")
	if stats.TotalMessages != 400 {
		t.Errorf("totalMessages = %d, want 400", stats.TotalMessages)
	}
	if stats.TotalConsumed+stats.TotalFailed != 400 {
		t.Errorf("outcomes = %d, want 400", stats.TotalConsumed+stats.TotalFailed)
	}
}
