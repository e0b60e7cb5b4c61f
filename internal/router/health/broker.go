package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// QueueType represents the type of message queue
type QueueType string

const (
	QueueTypeSQS      QueueType = "SQS"
	QueueTypeNATS     QueueType = "NATS"
	QueueTypeActiveMQ QueueType = "ACTIVEMQ"
	QueueTypeEmbedded QueueType = "EMBEDDED"
)

// probeTimeout bounds a single connectivity probe.
const probeTimeout = 5 * time.Second

// BrokerConnectivityChecker provides broker-specific connectivity checks
type BrokerConnectivityChecker interface {
	// CheckConnectivity checks if the broker is accessible
	CheckConnectivity(ctx context.Context) error
	// CheckQueueAccessible checks if a specific queue is accessible
	CheckQueueAccessible(ctx context.Context, queueName string) error
}

// BrokerHealthService probes the configured broker's liveness and keeps
// running success/failure counts for the metrics surface. The embedded
// queue has no external broker and always probes healthy; the cloud and
// JetStream variants delegate to their checker.
type BrokerHealthService struct {
	mu sync.RWMutex

	enabled    bool
	queueType  QueueType
	checker    BrokerConnectivityChecker
	lastCheck  time.Time
	lastResult bool
	lastIssues []string

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	available atomic.Bool
}

// NewBrokerHealthService creates a new broker health service
func NewBrokerHealthService(enabled bool, queueType QueueType, checker BrokerConnectivityChecker) *BrokerHealthService {
	return &BrokerHealthService{
		enabled:   enabled,
		queueType: queueType,
		checker:   checker,
	}
}

// CheckBrokerConnectivity runs one liveness probe. Returns the issues
// found, empty when healthy.
func (s *BrokerHealthService) CheckBrokerConnectivity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		slog.Debug("Message router disabled, skipping broker connectivity check")
		return []string{}
	}

	s.attempts.Add(1)
	s.lastCheck = time.Now()

	issues := s.probe()
	connected := len(issues) == 0

	if connected {
		s.successes.Add(1)
		s.available.Store(true)
		slog.Debug("Broker connectivity check passed", "queueType", string(s.queueType))
	} else {
		s.failures.Add(1)
		s.available.Store(false)
	}

	s.lastResult = connected
	s.lastIssues = issues
	return issues
}

// probe runs the broker-type-specific liveness check.
func (s *BrokerHealthService) probe() []string {
	if s.queueType == QueueTypeEmbedded {
		// In-process storage: nothing external to lose
		return nil
	}

	if s.checker == nil {
		slog.Warn("No broker connectivity checker configured", "queueType", string(s.queueType))
		return []string{fmt.Sprintf("%s broker checker not configured", s.queueType)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := s.checker.CheckConnectivity(ctx); err != nil {
		slog.Error("Broker connectivity check failed", "error", err, "queueType", string(s.queueType))
		return []string{fmt.Sprintf("%s broker connectivity check failed: %v", s.queueType, err)}
	}
	return nil
}

// CheckQueueAccessible checks if a specific queue is accessible
func (s *BrokerHealthService) CheckQueueAccessible(queueName string) []string {
	if !s.enabled || s.checker == nil {
		return []string{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := s.checker.CheckQueueAccessible(ctx, queueName); err != nil {
		return []string{fmt.Sprintf("Cannot access queue [%s]: %v", queueName, err)}
	}
	return []string{}
}

// GetBrokerType returns the current broker type
func (s *BrokerHealthService) GetBrokerType() QueueType {
	return s.queueType
}

// IsAvailable reports the result of the most recent probe.
func (s *BrokerHealthService) IsAvailable() bool {
	return s.available.Load()
}

// GetMetrics returns broker health metrics
func (s *BrokerHealthService) GetMetrics() (attempts, successes, failures int64) {
	return s.attempts.Load(), s.successes.Load(), s.failures.Load()
}

// GetLastCheck returns the last check time and result
func (s *BrokerHealthService) GetLastCheck() (time.Time, bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck, s.lastResult, s.lastIssues
}

// SetChecker updates the broker connectivity checker
func (s *BrokerHealthService) SetChecker(checker BrokerConnectivityChecker) {
	s.mu.Lock()
	s.checker = checker
	s.mu.Unlock()
}
