// Package health aggregates the router's operational state - pools,
// brokers, breakers, warnings - into the JSON shapes served by the
// monitoring and probe endpoints.
package health

import (
	"time"
)

// InfrastructureHealth is the verdict of an infrastructure check.
type InfrastructureHealth struct {
	Healthy bool     `json:"healthy"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// ReadinessStatus is the body of a liveness/readiness/startup probe response.
type ReadinessStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Issues    []string  `json:"issues,omitempty"`
}

// NewHealthyStatus builds a passing probe response.
func NewHealthyStatus(status string) *ReadinessStatus {
	return &ReadinessStatus{
		Status:    status,
		Timestamp: time.Now(),
		Issues:    []string{},
	}
}

// NewUnhealthyStatus builds a failing probe response carrying the issues found.
func NewUnhealthyStatus(status string, issues []string) *ReadinessStatus {
	return &ReadinessStatus{
		Status:    status,
		Timestamp: time.Now(),
		Issues:    issues,
	}
}

// HealthStatus is the aggregated system view for the monitoring dashboard.
type HealthStatus struct {
	Status                  string       `json:"status"`
	UpSince                 time.Time    `json:"upSince"`
	TotalMessagesProcessed  int64        `json:"totalMessagesProcessed"`
	TotalMessagesSucceeded  int64        `json:"totalMessagesSucceeded"`
	TotalMessagesFailed     int64        `json:"totalMessagesFailed"`
	OverallSuccessRate      float64      `json:"overallSuccessRate"`
	ActivePoolCount         int          `json:"activePoolCount"`
	TotalActiveWorkers      int          `json:"totalActiveWorkers"`
	CurrentQueueDepth       int64        `json:"currentQueueDepth"`
	Throughput              float64      `json:"throughput"`
	CircuitBreakersOpen     int          `json:"circuitBreakersOpen"`
	UnacknowledgedWarnings  int          `json:"unacknowledgedWarnings"`
	InfrastructureHealth    string       `json:"infrastructureHealth"`
	LastInfrastructureCheck time.Time    `json:"lastInfrastructureCheck"`
	BrokerType              string       `json:"brokerType"`
	BrokerConnected         bool         `json:"brokerConnected"`
	PoolHealth              []PoolHealth `json:"poolHealth,omitempty"`
}

// PoolHealth is the per-pool slice of the dashboard view.
type PoolHealth struct {
	PoolCode           string    `json:"poolCode"`
	Status             string    `json:"status"`
	ActiveWorkers      int       `json:"activeWorkers"`
	QueueSize          int       `json:"queueSize"`
	LastActivityAt     time.Time `json:"lastActivityAt,omitempty"`
	CircuitBreakerOpen bool      `json:"circuitBreakerOpen"`
}

// QueueStats is the queue view served by /monitoring/queue-stats.
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
}

// PoolStats is the pool view served by /monitoring/pool-stats.
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
}

// CircuitBreakerStats is one breaker's view served by /monitoring/circuit-breakers.
type CircuitBreakerStats struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	SuccessfulCalls int64   `json:"successfulCalls"`
	FailedCalls     int64   `json:"failedCalls"`
	RejectedCalls   int64   `json:"rejectedCalls"`
	FailureRate     float64 `json:"failureRate"`
	BufferedCalls   int     `json:"bufferedCalls"`
	BufferSize      int     `json:"bufferSize"`
}

// Warning is the monitoring view of one warning-catalog entry.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// InFlightMessage is one dequeued-but-unresolved message, served by
// /monitoring/in-flight-messages.
type InFlightMessage struct {
	MessageID      string    `json:"messageId"`
	PoolCode       string    `json:"poolCode"`
	MessageGroup   string    `json:"messageGroup,omitempty"`
	TargetURL      string    `json:"targetUrl"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMs     int64     `json:"durationMs"`
	RetryCount     int       `json:"retryCount"`
	CircuitBreaker string    `json:"circuitBreaker,omitempty"`
}

// StandbyStatus is the election view served by /monitoring/standby-status.
type StandbyStatus struct {
	StandbyEnabled        bool   `json:"standbyEnabled"`
	InstanceID            string `json:"instanceId,omitempty"`
	Role                  string `json:"role,omitempty"` // PRIMARY or STANDBY
	RedisAvailable        bool   `json:"redisAvailable,omitempty"`
	CurrentLockHolder     string `json:"currentLockHolder,omitempty"`
	LastSuccessfulRefresh string `json:"lastSuccessfulRefresh,omitempty"`
	HasWarning            bool   `json:"hasWarning,omitempty"`
}

// TrafficStatus is the load-balancer view served by /monitoring/traffic-status.
type TrafficStatus struct {
	Enabled       bool   `json:"enabled"`
	StrategyType  string `json:"strategyType,omitempty"`
	Registered    bool   `json:"registered,omitempty"`
	TargetInfo    string `json:"targetInfo,omitempty"`
	LastOperation string `json:"lastOperation,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	Message       string `json:"message,omitempty"`
}
