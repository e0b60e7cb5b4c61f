package health

import (
	"log/slog"
	"sync"
	"time"
)

// ActivityTimeoutMs bounds how long a pool may sit without completing a
// mediation before it counts as stalled.
const ActivityTimeoutMs = 120_000

// PoolMetricsProvider provides pool metrics for health checking
type PoolMetricsProvider interface {
	// GetAllPoolStats returns statistics for all processing pools
	GetAllPoolStats() map[string]*PoolStats
	// GetLastActivityTimestamp returns the last activity time for a pool
	GetLastActivityTimestamp(poolCode string) *time.Time
}

// InfrastructureHealthService judges whether the router's own machinery is
// intact. Downstream webhook failures do not count against it - only a
// missing queue manager, an empty pool set, or a router where every active
// pool has gone quiet.
type InfrastructureHealthService struct {
	mu sync.RWMutex

	enabled        bool
	poolMetrics    PoolMetricsProvider
	queueManagerOK bool
	lastCheck      time.Time
	lastResult     *InfrastructureHealth
}

// NewInfrastructureHealthService creates a new infrastructure health service
func NewInfrastructureHealthService(enabled bool, poolMetrics PoolMetricsProvider) *InfrastructureHealthService {
	return &InfrastructureHealthService{
		enabled:     enabled,
		poolMetrics: poolMetrics,
	}
}

// SetQueueManagerStatus updates the queue manager initialization status
func (s *InfrastructureHealthService) SetQueueManagerStatus(ok bool) {
	s.mu.Lock()
	s.queueManagerOK = ok
	s.mu.Unlock()
}

// CheckHealth evaluates the router infrastructure and caches the verdict.
func (s *InfrastructureHealthService) CheckHealth() *InfrastructureHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCheck = time.Now()

	// Disabled means not running, and not running cannot be broken
	if !s.enabled {
		s.lastResult = &InfrastructureHealth{
			Healthy: true,
			Message: "Message router is disabled",
		}
		return s.lastResult
	}

	issues := s.findIssues()

	result := &InfrastructureHealth{
		Healthy: len(issues) == 0,
		Message: "Infrastructure is operational",
	}
	if len(issues) > 0 {
		result.Message = "Infrastructure issues detected"
		result.Issues = issues
	}

	s.lastResult = result
	return result
}

// findIssues collects everything wrong with the router machinery itself.
func (s *InfrastructureHealthService) findIssues() []string {
	var issues []string

	if s.poolMetrics == nil {
		return append(issues, "QueueManager not initialized")
	}

	allStats := s.poolMetrics.GetAllPoolStats()
	if len(allStats) == 0 {
		issues = append(issues, "No active process pools")
	}

	// A pool that has never processed anything is fine (startup, or no
	// traffic yet). Stalling only matters for pools that were active and
	// then stopped - and only when every such pool stopped at once.
	activeCount, stalledCount := 0, 0
	cutoff := time.Now().Add(-ActivityTimeoutMs * time.Millisecond)
	for poolCode := range allStats {
		last := s.poolMetrics.GetLastActivityTimestamp(poolCode)
		if last == nil {
			continue
		}
		activeCount++
		if last.Before(cutoff) {
			stalledCount++
			slog.Warn("Pool has not processed messages recently",
				"poolCode", poolCode,
				"secondsSinceActivity", int64(time.Since(*last).Seconds()))
		}
	}
	if activeCount > 0 && stalledCount == activeCount {
		issues = append(issues, "All process pools appear stalled (no activity in 120s)")
	}

	return issues
}

// GetLastHealthCheck returns the time of the last health check
func (s *InfrastructureHealthService) GetLastHealthCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck
}

// GetCachedHealth returns the last health check result
func (s *InfrastructureHealthService) GetCachedHealth() *InfrastructureHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult
}
