package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WarningSink receives warnings raised by the health monitors.
type WarningSink interface {
	AddWarning(category, severity, message, source string)
}

// maxConsecutiveGrowthCount caps the growth counter so a queue that keeps
// growing for hours doesn't run the counter unbounded.
const maxConsecutiveGrowthCount = 10

// QueueHealthMonitorConfig configures backlog and growth detection.
type QueueHealthMonitorConfig struct {
	// CheckInterval is how often queue depths are sampled
	CheckInterval time.Duration

	// BacklogThreshold is the depth above which QUEUE_BACKLOG fires
	BacklogThreshold int64

	// GrowthThreshold is the per-period depth increase that counts as growth
	GrowthThreshold int64

	// GrowthPeriods is how many consecutive growing periods trigger QUEUE_GROWING
	GrowthPeriods int
}

// DefaultQueueHealthMonitorConfig returns sensible defaults.
func DefaultQueueHealthMonitorConfig() *QueueHealthMonitorConfig {
	return &QueueHealthMonitorConfig{
		CheckInterval:    60 * time.Second,
		BacklogThreshold: 1000,
		GrowthThreshold:  100,
		GrowthPeriods:    3,
	}
}

// queueDepthHistory tracks one queue's depth between samples.
type queueDepthHistory struct {
	lastDepth         int64
	hasLast           bool
	consecutiveGrowth int
}

// QueueHealthMonitor samples per-queue pending-message depth and raises
// QUEUE_BACKLOG / QUEUE_GROWING warnings.
type QueueHealthMonitor struct {
	config   *QueueHealthMonitorConfig
	stats    QueueStatsGetter
	warnings WarningSink

	mu      sync.Mutex
	history map[string]*queueDepthHistory

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueueHealthMonitor creates a queue health monitor.
func NewQueueHealthMonitor(config *QueueHealthMonitorConfig, stats QueueStatsGetter, warnings WarningSink) *QueueHealthMonitor {
	if config == nil {
		config = DefaultQueueHealthMonitorConfig()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 60 * time.Second
	}
	return &QueueHealthMonitor{
		config:   config,
		stats:    stats,
		warnings: warnings,
		history:  make(map[string]*queueDepthHistory),
	}
}

// Start begins periodic sampling.
func (m *QueueHealthMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckOnce()
			}
		}
	}()

	slog.Info("Queue health monitor started",
		"interval", m.config.CheckInterval,
		"backlogThreshold", m.config.BacklogThreshold,
		"growthThreshold", m.config.GrowthThreshold,
		"growthPeriods", m.config.GrowthPeriods)
}

// Stop stops the monitor and waits for the sampling goroutine to exit.
func (m *QueueHealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CheckOnce samples all queues and raises warnings for the current period.
func (m *QueueHealthMonitor) CheckOnce() {
	if m.stats == nil {
		return
	}

	allStats := m.stats.GetAllQueueStats()

	m.mu.Lock()
	defer m.mu.Unlock()

	for queueID, stats := range allStats {
		depth := stats.PendingMessages
		h := m.history[queueID]
		if h == nil {
			h = &queueDepthHistory{}
			m.history[queueID] = h
		}

		if depth > m.config.BacklogThreshold {
			m.warn("QUEUE_BACKLOG", "WARNING",
				"queue "+queueID+" backlog exceeds threshold", queueID, depth)
		}

		if h.hasLast {
			growth := depth - h.lastDepth
			if growth >= m.config.GrowthThreshold {
				if h.consecutiveGrowth < maxConsecutiveGrowthCount {
					h.consecutiveGrowth++
				}
			} else {
				h.consecutiveGrowth = 0
			}

			if h.consecutiveGrowth >= m.config.GrowthPeriods {
				m.warn("QUEUE_GROWING", "WARNING",
					"queue "+queueID+" depth has grown for consecutive periods", queueID, depth)
			}
		}

		h.lastDepth = depth
		h.hasLast = true
	}
}

// ConsecutiveGrowthCount returns the current growth streak for a queue.
func (m *QueueHealthMonitor) ConsecutiveGrowthCount(queueID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.history[queueID]; h != nil {
		return h.consecutiveGrowth
	}
	return 0
}

func (m *QueueHealthMonitor) warn(category, severity, message, queueID string, depth int64) {
	slog.Warn(message, "queue", queueID, "depth", depth, "category", category)
	if m.warnings != nil {
		m.warnings.AddWarning(category, severity, message, "QueueHealthMonitor")
	}
}

// BrokerHealthMonitorConfig configures the periodic broker liveness probe.
type BrokerHealthMonitorConfig struct {
	// CheckInterval is the probe period
	CheckInterval time.Duration

	// FailureThreshold is the consecutive failures before a BROKER_HEALTH warning
	FailureThreshold int
}

// DefaultBrokerHealthMonitorConfig returns sensible defaults.
func DefaultBrokerHealthMonitorConfig() *BrokerHealthMonitorConfig {
	return &BrokerHealthMonitorConfig{
		CheckInterval:    60 * time.Second,
		FailureThreshold: 3,
	}
}

// BrokerHealthMonitor probes broker connectivity on a schedule and raises
// BROKER_HEALTH warnings after consecutive failures, escalating severity as
// failures accumulate.
type BrokerHealthMonitor struct {
	config   *BrokerHealthMonitorConfig
	broker   *BrokerHealthService
	warnings WarningSink

	mu                  sync.Mutex
	consecutiveFailures int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBrokerHealthMonitor creates a broker health monitor.
func NewBrokerHealthMonitor(config *BrokerHealthMonitorConfig, broker *BrokerHealthService, warnings WarningSink) *BrokerHealthMonitor {
	if config == nil {
		config = DefaultBrokerHealthMonitorConfig()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 60 * time.Second
	}
	return &BrokerHealthMonitor{
		config:   config,
		broker:   broker,
		warnings: warnings,
	}
}

// Start begins periodic probing.
func (m *BrokerHealthMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckOnce()
			}
		}
	}()

	slog.Info("Broker health monitor started",
		"interval", m.config.CheckInterval,
		"failureThreshold", m.config.FailureThreshold)
}

// Stop stops the monitor.
func (m *BrokerHealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CheckOnce runs one probe and updates the failure streak.
func (m *BrokerHealthMonitor) CheckOnce() {
	if m.broker == nil {
		return
	}

	issues := m.broker.CheckBrokerConnectivity()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(issues) == 0 {
		if m.consecutiveFailures > 0 {
			slog.Info("Broker connectivity recovered",
				"afterFailures", m.consecutiveFailures)
		}
		m.consecutiveFailures = 0
		return
	}

	m.consecutiveFailures++
	slog.Warn("Broker connectivity check failed",
		"consecutiveFailures", m.consecutiveFailures,
		"issues", issues)

	if m.consecutiveFailures < m.config.FailureThreshold {
		return
	}

	// ERROR once the threshold is reached; CRITICAL once failures reach
	// twice the threshold
	severity := "ERROR"
	if m.consecutiveFailures >= 2*m.config.FailureThreshold {
		severity = "CRITICAL"
	}

	if m.warnings != nil {
		m.warnings.AddWarning("BROKER_HEALTH", severity,
			"broker connectivity failing: "+issues[0], "BrokerHealthMonitor")
	}
}

// ConsecutiveFailures returns the current failure streak.
func (m *BrokerHealthMonitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}
