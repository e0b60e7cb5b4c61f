package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// PoolStats represents statistics for a processing pool
type PoolStats struct {
	PoolCode                string  `json:"poolCode"`
	TotalProcessed          int64   `json:"totalProcessed"`
	TotalSucceeded          int64   `json:"totalSucceeded"`
	TotalFailed             int64   `json:"totalFailed"`
	TotalRateLimited        int64   `json:"totalRateLimited"`
	SuccessRate             float64 `json:"successRate"`
	ActiveWorkers           int     `json:"activeWorkers"`
	AvailablePermits        int     `json:"availablePermits"`
	MaxConcurrency          int     `json:"maxConcurrency"`
	QueueSize               int     `json:"queueSize"`
	MaxQueueCapacity        int     `json:"maxQueueCapacity"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	// 5-minute rolling window
	TotalProcessed5min int64   `json:"totalProcessed5min"`
	Succeeded5min      int64   `json:"succeeded5min"`
	Failed5min         int64   `json:"failed5min"`
	SuccessRate5min    float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalProcessed30min int64   `json:"totalProcessed30min"`
	Succeeded30min      int64   `json:"succeeded30min"`
	Failed30min         int64   `json:"failed30min"`
	SuccessRate30min    float64 `json:"successRate30min"`
}

// EmptyPoolStats returns empty statistics for a pool
func EmptyPoolStats(poolCode string) *PoolStats {
	return &PoolStats{
		PoolCode:         poolCode,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// PoolMetricsService tracks processing pool metrics
type PoolMetricsService interface {
	RecordMessageSubmitted(poolCode string)
	RecordProcessingStarted(poolCode string)
	RecordProcessingFinished(poolCode string)
	RecordProcessingSuccess(poolCode string, durationMs int64)
	RecordProcessingFailure(poolCode string, durationMs int64, errorType string)
	RecordRateLimitExceeded(poolCode string)
	RecordProcessingTransient(poolCode string, durationMs int64)
	InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
	GetPoolStats(poolCode string) *PoolStats
	GetAllPoolStats() map[string]*PoolStats
	GetLastActivityTimestamp(poolCode string) *time.Time
	RemovePoolMetrics(poolCode string)
}

// poolCounters accumulates lifetime totals, current gauge values and the
// bucketed outcome window for one pool.
type poolCounters struct {
	mu sync.Mutex

	submitted   int64
	succeeded   int64
	failed      int64
	rateLimited int64
	transient   int64
	durationMs  int64

	activeWorkers    int
	availablePermits int
	queueSize        int
	groupCount       int
	maxConcurrency   int
	maxQueueCapacity int

	lastActivity time.Time
	window       outcomeWindow
}

// InMemoryPoolMetricsService is an in-memory implementation of PoolMetricsService
type InMemoryPoolMetricsService struct {
	mu    sync.RWMutex
	pools map[string]*poolCounters
}

// NewInMemoryPoolMetricsService creates a new pool metrics service
func NewInMemoryPoolMetricsService() *InMemoryPoolMetricsService {
	return &InMemoryPoolMetricsService{pools: make(map[string]*poolCounters)}
}

func (s *InMemoryPoolMetricsService) counters(poolCode string) *poolCounters {
	s.mu.RLock()
	c := s.pools[poolCode]
	s.mu.RUnlock()
	if c != nil {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.pools[poolCode]; c != nil {
		return c
	}
	c = &poolCounters{}
	s.pools[poolCode] = c
	slog.Info("Creating metrics for pool", "poolCode", poolCode)
	return c
}

// RecordMessageSubmitted records that a message was submitted to a pool
func (s *InMemoryPoolMetricsService) RecordMessageSubmitted(poolCode string) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
}

// RecordProcessingStarted is a no-op; activeWorkers comes from UpdatePoolGauges.
func (s *InMemoryPoolMetricsService) RecordProcessingStarted(poolCode string) {}

// RecordProcessingFinished is a no-op; activeWorkers comes from UpdatePoolGauges.
func (s *InMemoryPoolMetricsService) RecordProcessingFinished(poolCode string) {}

// RecordProcessingSuccess records successful message processing
func (s *InMemoryPoolMetricsService) RecordProcessingSuccess(poolCode string, durationMs int64) {
	s.recordOutcome(poolCode, durationMs, true)
}

// RecordProcessingFailure records failed message processing
func (s *InMemoryPoolMetricsService) RecordProcessingFailure(poolCode string, durationMs int64, errorType string) {
	s.recordOutcome(poolCode, durationMs, false)
}

func (s *InMemoryPoolMetricsService) recordOutcome(poolCode string, durationMs int64, success bool) {
	now := time.Now()
	c := s.counters(poolCode)

	c.mu.Lock()
	if success {
		c.succeeded++
	} else {
		c.failed++
	}
	c.durationMs += durationMs
	c.lastActivity = now
	c.mu.Unlock()

	c.window.record(now, success)
}

// RecordRateLimitExceeded records a rate limit rejection
func (s *InMemoryPoolMetricsService) RecordRateLimitExceeded(poolCode string) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// RecordProcessingTransient records an outcome that will be retried. It
// counts toward processing time but not toward activity or the
// success/failure window.
func (s *InMemoryPoolMetricsService) RecordProcessingTransient(poolCode string, durationMs int64) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.transient++
	c.durationMs += durationMs
	c.mu.Unlock()
}

// InitializePoolCapacity sets pool capacity settings
func (s *InMemoryPoolMetricsService) InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.maxConcurrency = maxConcurrency
	c.maxQueueCapacity = maxQueueCapacity
	c.mu.Unlock()
}

// UpdatePoolGauges updates gauge metrics for pool state
func (s *InMemoryPoolMetricsService) UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.activeWorkers = activeWorkers
	c.availablePermits = availablePermits
	c.queueSize = queueSize
	c.groupCount = messageGroupCount
	c.mu.Unlock()
}

// GetPoolStats returns statistics for a specific pool
func (s *InMemoryPoolMetricsService) GetPoolStats(poolCode string) *PoolStats {
	s.mu.RLock()
	c := s.pools[poolCode]
	s.mu.RUnlock()

	if c == nil {
		return EmptyPoolStats(poolCode)
	}
	return c.snapshot(poolCode)
}

// GetAllPoolStats returns statistics for all pools
func (s *InMemoryPoolMetricsService) GetAllPoolStats() map[string]*PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*PoolStats, len(s.pools))
	for code, c := range s.pools {
		out[code] = c.snapshot(code)
	}
	return out
}

// GetLastActivityTimestamp returns the last activity timestamp for a pool
func (s *InMemoryPoolMetricsService) GetLastActivityTimestamp(poolCode string) *time.Time {
	s.mu.RLock()
	c := s.pools[poolCode]
	s.mu.RUnlock()

	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastActivity.IsZero() {
		return nil
	}
	ts := c.lastActivity
	return &ts
}

// RemovePoolMetrics removes all metrics for a pool
func (s *InMemoryPoolMetricsService) RemovePoolMetrics(poolCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[poolCode]; ok {
		delete(s.pools, poolCode)
		slog.Info("Removed metrics for pool", "poolCode", poolCode)
	}
}

func (c *poolCounters) snapshot(poolCode string) *PoolStats {
	now := time.Now()
	ok5, fail5 := c.window.totals(now, 5*time.Minute)
	ok30, fail30 := c.window.totals(now, 30*time.Minute)

	c.mu.Lock()
	defer c.mu.Unlock()

	processed := c.succeeded + c.failed
	avgMs := 0.0
	if processed > 0 {
		avgMs = float64(c.durationMs) / float64(processed)
	}

	return &PoolStats{
		PoolCode:                poolCode,
		TotalProcessed:          processed,
		TotalSucceeded:          c.succeeded,
		TotalFailed:             c.failed,
		TotalRateLimited:        c.rateLimited,
		SuccessRate:             ratio(c.succeeded, c.failed),
		ActiveWorkers:           c.activeWorkers,
		AvailablePermits:        c.availablePermits,
		MaxConcurrency:          c.maxConcurrency,
		QueueSize:               c.queueSize,
		MaxQueueCapacity:        c.maxQueueCapacity,
		AverageProcessingTimeMs: avgMs,
		TotalProcessed5min:      ok5 + fail5,
		Succeeded5min:           ok5,
		Failed5min:              fail5,
		SuccessRate5min:         ratio(ok5, fail5),
		TotalProcessed30min:     ok30 + fail30,
		Succeeded30min:          ok30,
		Failed30min:             fail30,
		SuccessRate30min:        ratio(ok30, fail30),
	}
}
