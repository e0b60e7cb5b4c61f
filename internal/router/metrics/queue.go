package metrics

import (
	"sync"
	"time"
)

// QueueStats represents statistics for a queue
type QueueStats struct {
	Name               string  `json:"name"`
	TotalMessages      int64   `json:"totalMessages"`
	TotalConsumed      int64   `json:"totalConsumed"`
	TotalFailed        int64   `json:"totalFailed"`
	SuccessRate        float64 `json:"successRate"`
	CurrentSize        int64   `json:"currentSize"`
	Throughput         float64 `json:"throughput"`
	PendingMessages    int64   `json:"pendingMessages"`
	MessagesNotVisible int64   `json:"messagesNotVisible"`
	// 5-minute rolling window
	TotalMessages5min int64   `json:"totalMessages5min"`
	Consumed5min      int64   `json:"consumed5min"`
	Failed5min        int64   `json:"failed5min"`
	SuccessRate5min   float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalMessages30min int64   `json:"totalMessages30min"`
	Consumed30min      int64   `json:"consumed30min"`
	Failed30min        int64   `json:"failed30min"`
	SuccessRate30min   float64 `json:"successRate30min"`
}

// EmptyQueueStats returns empty statistics for a queue
func EmptyQueueStats(queueID string) *QueueStats {
	return &QueueStats{
		Name:             queueID,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// QueueMetricsService tracks queue-level metrics including message throughput,
// success/failure rates, and queue depth.
type QueueMetricsService interface {
	RecordMessageReceived(queueID string)
	RecordMessageProcessed(queueID string, success bool)
	RecordQueueDepth(queueID string, depth int64)
	RecordQueueMetrics(queueID string, pendingMessages, messagesNotVisible int64)
	GetQueueStats(queueID string) *QueueStats
	GetAllQueueStats() map[string]*QueueStats
}

// queueCounters accumulates lifetime totals, broker-reported depth gauges
// and the bucketed outcome window for one queue.
type queueCounters struct {
	mu sync.Mutex

	received int64
	consumed int64
	failed   int64

	depth      int64
	pending    int64
	notVisible int64

	since  time.Time
	window outcomeWindow
}

// InMemoryQueueMetricsService is an in-memory implementation of QueueMetricsService
type InMemoryQueueMetricsService struct {
	mu     sync.RWMutex
	queues map[string]*queueCounters
}

// NewInMemoryQueueMetricsService creates a new queue metrics service
func NewInMemoryQueueMetricsService() *InMemoryQueueMetricsService {
	return &InMemoryQueueMetricsService{queues: make(map[string]*queueCounters)}
}

func (s *InMemoryQueueMetricsService) counters(queueID string) *queueCounters {
	s.mu.RLock()
	c := s.queues[queueID]
	s.mu.RUnlock()
	if c != nil {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.queues[queueID]; c != nil {
		return c
	}
	c = &queueCounters{since: time.Now()}
	s.queues[queueID] = c
	return c
}

// RecordMessageReceived records that a message was received from a queue
func (s *InMemoryQueueMetricsService) RecordMessageReceived(queueID string) {
	c := s.counters(queueID)
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

// RecordMessageProcessed records a terminal processing outcome for a message
func (s *InMemoryQueueMetricsService) RecordMessageProcessed(queueID string, success bool) {
	now := time.Now()
	c := s.counters(queueID)

	c.mu.Lock()
	if success {
		c.consumed++
	} else {
		c.failed++
	}
	c.mu.Unlock()

	c.window.record(now, success)
}

// RecordQueueDepth records the current queue depth
func (s *InMemoryQueueMetricsService) RecordQueueDepth(queueID string, depth int64) {
	c := s.counters(queueID)
	c.mu.Lock()
	c.depth = depth
	c.mu.Unlock()
}

// RecordQueueMetrics records pending messages and messages not visible
func (s *InMemoryQueueMetricsService) RecordQueueMetrics(queueID string, pendingMessages, messagesNotVisible int64) {
	c := s.counters(queueID)
	c.mu.Lock()
	c.pending = pendingMessages
	c.notVisible = messagesNotVisible
	c.mu.Unlock()
}

// GetQueueStats returns statistics for a specific queue
func (s *InMemoryQueueMetricsService) GetQueueStats(queueID string) *QueueStats {
	s.mu.RLock()
	c := s.queues[queueID]
	s.mu.RUnlock()

	if c == nil {
		return EmptyQueueStats(queueID)
	}
	return c.snapshot(queueID)
}

// GetAllQueueStats returns statistics for all queues
func (s *InMemoryQueueMetricsService) GetAllQueueStats() map[string]*QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*QueueStats, len(s.queues))
	for id, c := range s.queues {
		out[id] = c.snapshot(id)
	}
	return out
}

func (c *queueCounters) snapshot(queueID string) *QueueStats {
	now := time.Now()
	ok5, fail5 := c.window.totals(now, 5*time.Minute)
	ok30, fail30 := c.window.totals(now, 30*time.Minute)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Success rate is measured against received messages; throughput is
	// consumed messages per second since this queue was first seen.
	successRate := 1.0
	if c.received > 0 {
		successRate = float64(c.consumed) / float64(c.received)
	}

	throughput := 0.0
	if elapsed := now.Sub(c.since).Seconds(); elapsed > 0 {
		throughput = float64(c.consumed) / elapsed
	}

	return &QueueStats{
		Name:               queueID,
		TotalMessages:      c.received,
		TotalConsumed:      c.consumed,
		TotalFailed:        c.failed,
		SuccessRate:        successRate,
		CurrentSize:        c.depth,
		Throughput:         throughput,
		PendingMessages:    c.pending,
		MessagesNotVisible: c.notVisible,
		TotalMessages5min:  ok5 + fail5,
		Consumed5min:       ok5,
		Failed5min:         fail5,
		SuccessRate5min:    ratio(ok5, fail5),
		TotalMessages30min: ok30 + fail30,
		Consumed30min:      ok30,
		Failed30min:        fail30,
		SuccessRate30min:   ratio(ok30, fail30),
	}
}
