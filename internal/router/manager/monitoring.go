package manager

import (
	"time"

	"go.flowcatalyst.tech/internal/router/health"
)

// GetAllPoolStats implements health.PoolMetricsProvider by adapting the
// rolling-window metrics.PoolStats collected per pool into the JSON-facing
// health.PoolStats shape served at GET /monitoring/pool-stats.
func (m *QueueManager) GetAllPoolStats() map[string]*health.PoolStats {
	out := make(map[string]*health.PoolStats)
	if m.poolStats == nil {
		return out
	}
	for code, s := range m.poolStats.GetAllPoolStats() {
		out[code] = &health.PoolStats{
			PoolCode:                s.PoolCode,
			TotalProcessed:          s.TotalProcessed,
			TotalSucceeded:          s.TotalSucceeded,
			TotalFailed:             s.TotalFailed,
			TotalRateLimited:        s.TotalRateLimited,
			SuccessRate:             s.SuccessRate,
			ActiveWorkers:           s.ActiveWorkers,
			AvailablePermits:        s.AvailablePermits,
			MaxConcurrency:          s.MaxConcurrency,
			QueueSize:               s.QueueSize,
			MaxQueueCapacity:        s.MaxQueueCapacity,
			AverageProcessingTimeMs: s.AverageProcessingTimeMs,
		}
	}
	return out
}

// GetLastActivityTimestamp implements health.PoolMetricsProvider.
func (m *QueueManager) GetLastActivityTimestamp(poolCode string) *time.Time {
	if m.poolStats == nil {
		return nil
	}
	return m.poolStats.GetLastActivityTimestamp(poolCode)
}

// GetAllQueueStats implements health.QueueStatsGetter. Per-broker-queue
// identifiers aren't threaded through DispatchMessage in this router (only
// the destination pool code is), so this reports whatever the queue
// consumers have recorded against their own queue id, which may be empty
// until a consumer wires metrics.QueueMetricsService directly.
func (m *QueueManager) GetAllQueueStats() map[string]*health.QueueStats {
	out := make(map[string]*health.QueueStats)
	if m.queueStats == nil {
		return out
	}
	for name, s := range m.queueStats.GetAllQueueStats() {
		out[name] = &health.QueueStats{
			Name:               s.Name,
			TotalMessages:      s.TotalMessages,
			TotalConsumed:      s.TotalConsumed,
			TotalFailed:        s.TotalFailed,
			SuccessRate:        s.SuccessRate,
			CurrentSize:        s.CurrentSize,
			Throughput:         s.Throughput,
			PendingMessages:    s.PendingMessages,
			MessagesNotVisible: s.MessagesNotVisible,
		}
	}
	return out
}

// GetTotalQueueDepth implements health.QueueStatsGetter.
func (m *QueueManager) GetTotalQueueDepth() int64 {
	var total int64
	for _, s := range m.GetAllQueueStats() {
		total += s.PendingMessages
	}
	return total
}

// GetThroughput implements health.QueueStatsGetter, summing per-queue throughput.
func (m *QueueManager) GetThroughput() float64 {
	var total float64
	for _, s := range m.GetAllQueueStats() {
		total += s.Throughput
	}
	return total
}

// GetAllCircuitBreakerStats implements health.CircuitBreakerGetter, delegating
// to the per-callback-URL breakers owned by the HTTP mediator.
func (m *QueueManager) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	out := make(map[string]*health.CircuitBreakerStats)
	for name, s := range m.mediator.GetAllCircuitBreakerStats() {
		out[name] = &health.CircuitBreakerStats{
			Name:            s.Name,
			State:           s.State,
			SuccessfulCalls: s.SuccessfulCalls,
			FailedCalls:     s.FailedCalls,
			RejectedCalls:   s.RejectedCalls,
			FailureRate:     s.FailureRate,
			BufferedCalls:   s.BufferedCalls,
			BufferSize:      s.BufferSize,
		}
	}
	return out
}

// GetOpenCircuitBreakerCount implements health.CircuitBreakerGetter.
func (m *QueueManager) GetOpenCircuitBreakerCount() int {
	return m.mediator.GetOpenCircuitBreakerCount()
}

// GetCircuitBreakerState implements api.CircuitBreakerMutator.
func (m *QueueManager) GetCircuitBreakerState(name string) string {
	return m.mediator.GetCircuitBreakerState(name)
}

// ResetCircuitBreaker implements api.CircuitBreakerMutator.
func (m *QueueManager) ResetCircuitBreaker(name string) bool {
	return m.mediator.ResetCircuitBreaker(name)
}

// ResetAllCircuitBreakers implements api.CircuitBreakerMutator.
func (m *QueueManager) ResetAllCircuitBreakers() {
	m.mediator.ResetAllCircuitBreakers()
}

// GetInFlightMessages implements api.InFlightMessagesGetter by walking the
// dual-ID pipeline tracking maps: messages that were dequeued but not yet
// acked or nacked.
func (m *QueueManager) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	var out []*health.InFlightMessage

	m.inPipelineMap.Range(func(key, value any) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		msg, ok := value.(*DispatchMessage)
		if !ok {
			return true
		}
		if messageID != "" && msg.JobID != messageID {
			return true
		}

		startedAt := time.Now()
		pipelineKey := key.(string)
		if ts, ok := m.inPipelineTimestamps.Load(pipelineKey); ok {
			startedAt = time.UnixMilli(ts.(int64))
		}

		out = append(out, &health.InFlightMessage{
			MessageID:    msg.JobID,
			PoolCode:     msg.DispatchPoolID,
			MessageGroup: msg.MessageGroup,
			TargetURL:    msg.TargetURL,
			StartedAt:    startedAt,
			DurationMs:   time.Since(startedAt).Milliseconds(),
			RetryCount:   msg.AttemptNumber,
		})
		return true
	})

	return out
}

// GetAllCircuitBreakerStats delegates to the underlying QueueManager.
func (r *Router) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	return r.Manager().GetAllCircuitBreakerStats()
}

// GetOpenCircuitBreakerCount delegates to the underlying QueueManager.
func (r *Router) GetOpenCircuitBreakerCount() int {
	return r.Manager().GetOpenCircuitBreakerCount()
}

// GetCircuitBreakerState delegates to the underlying QueueManager.
func (r *Router) GetCircuitBreakerState(name string) string {
	return r.Manager().GetCircuitBreakerState(name)
}

// ResetCircuitBreaker delegates to the underlying QueueManager.
func (r *Router) ResetCircuitBreaker(name string) bool {
	return r.Manager().ResetCircuitBreaker(name)
}

// ResetAllCircuitBreakers delegates to the underlying QueueManager.
func (r *Router) ResetAllCircuitBreakers() {
	r.Manager().ResetAllCircuitBreakers()
}

// GetInFlightMessages delegates to the underlying QueueManager.
func (r *Router) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	return r.Manager().GetInFlightMessages(limit, messageID)
}

// GetAllPoolStats delegates to the underlying QueueManager.
func (r *Router) GetAllPoolStats() map[string]*health.PoolStats {
	return r.Manager().GetAllPoolStats()
}

// GetLastActivityTimestamp delegates to the underlying QueueManager.
func (r *Router) GetLastActivityTimestamp(poolCode string) *time.Time {
	return r.Manager().GetLastActivityTimestamp(poolCode)
}

// GetAllQueueStats delegates to the underlying QueueManager.
func (r *Router) GetAllQueueStats() map[string]*health.QueueStats {
	return r.Manager().GetAllQueueStats()
}

// GetTotalQueueDepth delegates to the underlying QueueManager.
func (r *Router) GetTotalQueueDepth() int64 {
	return r.Manager().GetTotalQueueDepth()
}

// GetThroughput delegates to the underlying QueueManager.
func (r *Router) GetThroughput() float64 {
	return r.Manager().GetThroughput()
}

// GetConsumerHealth implements api.ConsumerHealthGetter for GET /monitoring/consumer-health.
func (r *Router) GetConsumerHealth() map[string]any {
	c := r.Consumer()
	if c == nil {
		return map[string]any{"status": "not_started"}
	}
	return map[string]any{
		"lastActivity": c.GetLastActivity(),
		"stalled":      c.IsStalled(),
	}
}
