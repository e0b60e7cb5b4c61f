package health

import (
	"sync"
	"time"
)

// CircuitBreakerGetter provides circuit breaker statistics
type CircuitBreakerGetter interface {
	GetAllCircuitBreakerStats() map[string]*CircuitBreakerStats
	GetOpenCircuitBreakerCount() int
}

// WarningGetter provides warning statistics
type WarningGetter interface {
	GetUnacknowledgedWarnings() []*Warning
	GetAllWarnings() []*Warning
}

// QueueStatsGetter provides queue statistics
type QueueStatsGetter interface {
	GetAllQueueStats() map[string]*QueueStats
	GetTotalQueueDepth() int64
	GetThroughput() float64
}

// HealthStatusService folds the individual providers into one dashboard
// view. Providers are optional for the counters: whatever is wired
// contributes, everything else is absent from the aggregate. The overall
// verdict is UNHEALTHY when no infrastructure or broker provider is wired.
type HealthStatusService struct {
	mu sync.RWMutex

	startTime   time.Time
	infra       *InfrastructureHealthService
	broker      *BrokerHealthService
	poolMetrics PoolMetricsProvider
	breakers    CircuitBreakerGetter
	warnings    WarningGetter
	queueStats  QueueStatsGetter
}

// NewHealthStatusService creates a new health status service
func NewHealthStatusService(
	infraHealth *InfrastructureHealthService,
	brokerHealth *BrokerHealthService,
	poolMetrics PoolMetricsProvider,
) *HealthStatusService {
	return &HealthStatusService{
		startTime:   time.Now(),
		infra:       infraHealth,
		broker:      brokerHealth,
		poolMetrics: poolMetrics,
	}
}

// SetCircuitBreakerGetter sets the circuit breaker stats provider
func (s *HealthStatusService) SetCircuitBreakerGetter(getter CircuitBreakerGetter) {
	s.mu.Lock()
	s.breakers = getter
	s.mu.Unlock()
}

// SetWarningGetter sets the warning provider
func (s *HealthStatusService) SetWarningGetter(getter WarningGetter) {
	s.mu.Lock()
	s.warnings = getter
	s.mu.Unlock()
}

// SetQueueStatsGetter sets the queue stats provider
func (s *HealthStatusService) SetQueueStatsGetter(getter QueueStatsGetter) {
	s.mu.Lock()
	s.queueStats = getter
	s.mu.Unlock()
}

// GetHealthStatus returns the aggregated health status
func (s *HealthStatusService) GetHealthStatus() *HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &HealthStatus{
		Status:                  "UNKNOWN",
		UpSince:                 s.startTime,
		LastInfrastructureCheck: time.Now(),
	}

	if s.infra != nil {
		if s.infra.CheckHealth().Healthy {
			status.InfrastructureHealth = "HEALTHY"
		} else {
			status.InfrastructureHealth = "UNHEALTHY"
		}
		status.LastInfrastructureCheck = s.infra.GetLastHealthCheck()
	}

	if s.broker != nil {
		status.BrokerType = string(s.broker.GetBrokerType())
		status.BrokerConnected = s.broker.IsAvailable()
	}

	if s.poolMetrics != nil {
		s.foldPoolStats(status)
	}

	if s.breakers != nil {
		status.CircuitBreakersOpen = s.breakers.GetOpenCircuitBreakerCount()
	}
	if s.warnings != nil {
		status.UnacknowledgedWarnings = len(s.warnings.GetUnacknowledgedWarnings())
	}
	if s.queueStats != nil {
		status.CurrentQueueDepth = s.queueStats.GetTotalQueueDepth()
		status.Throughput = s.queueStats.GetThroughput()
	}

	status.Status = overallVerdict(status)
	return status
}

// foldPoolStats rolls every pool's counters into the aggregate and builds
// the per-pool health slice, flagging pools idle past ActivityTimeoutMs as
// stalled.
func (s *HealthStatusService) foldPoolStats(status *HealthStatus) {
	poolStats := s.poolMetrics.GetAllPoolStats()
	status.ActivePoolCount = len(poolStats)

	for poolCode, stats := range poolStats {
		status.TotalMessagesProcessed += stats.TotalProcessed
		status.TotalMessagesSucceeded += stats.TotalSucceeded
		status.TotalMessagesFailed += stats.TotalFailed
		status.TotalActiveWorkers += stats.ActiveWorkers

		ph := PoolHealth{
			PoolCode:      poolCode,
			Status:        "HEALTHY",
			ActiveWorkers: stats.ActiveWorkers,
			QueueSize:     stats.QueueSize,
		}
		if last := s.poolMetrics.GetLastActivityTimestamp(poolCode); last != nil {
			ph.LastActivityAt = *last
			if time.Since(*last).Milliseconds() > ActivityTimeoutMs {
				ph.Status = "STALLED"
			}
		}
		status.PoolHealth = append(status.PoolHealth, ph)
	}

	if status.TotalMessagesProcessed > 0 {
		status.OverallSuccessRate =
			float64(status.TotalMessagesSucceeded) / float64(status.TotalMessagesProcessed)
	}
}

// overallVerdict: unhealthy infrastructure or a disconnected broker makes
// the whole system UNHEALTHY; open breakers alone only degrade it.
func overallVerdict(status *HealthStatus) string {
	if status.InfrastructureHealth != "HEALTHY" || !status.BrokerConnected {
		return "UNHEALTHY"
	}
	if status.CircuitBreakersOpen > 0 {
		return "DEGRADED"
	}
	return "HEALTHY"
}

// GetUptime returns the uptime duration
func (s *HealthStatusService) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
