package traffic

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Config holds traffic management configuration
type Config struct {
	// Enabled controls whether traffic management is active
	Enabled bool

	// Strategy names the strategy to use (noop, aws-alb, ...)
	Strategy string
}

// DefaultConfig returns default traffic management configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:  false,
		Strategy: "noop",
	}
}

// Service selects a Strategy from configuration and fronts it with
// never-failing register/deregister calls: a strategy error is logged and
// visible in status, but role transitions always complete.
type Service struct {
	mu       sync.RWMutex
	config   *Config
	strategy Strategy
}

// NewService creates a new traffic management service
func NewService(config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	svc := &Service{config: config}
	svc.strategy = svc.selectStrategy()
	return svc
}

func (s *Service) selectStrategy() Strategy {
	if !s.config.Enabled {
		slog.Info("Traffic management disabled - using no-op strategy")
		return NewNoOpStrategy()
	}

	name := strings.ToLower(s.config.Strategy)
	switch name {
	case "noop", "":
		slog.Info("Traffic management enabled", "strategy", "noop")
	default:
		slog.Warn("Unknown traffic management strategy - using no-op", "strategy", name)
	}
	return NewNoOpStrategy()
}

func (s *Service) current() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

// RegisterAsActive puts the instance into rotation on the PRIMARY
// transition. A strategy failure is logged, never propagated, so standby
// handover is not blocked by the load balancer.
func (s *Service) RegisterAsActive() {
	strategy := s.current()
	if strategy == nil {
		slog.Warn("Traffic management strategy not initialized - skipping registration")
		return
	}

	slog.Info("Registering instance as active with load balancer")
	if err := strategy.RegisterAsActive(); err != nil {
		slog.Error("Failed to register with load balancer", "error", err)
	}
}

// DeregisterFromActive takes the instance out of rotation on the STANDBY
// transition and at shutdown. Failures are logged, never propagated.
func (s *Service) DeregisterFromActive() {
	strategy := s.current()
	if strategy == nil {
		slog.Warn("Traffic management strategy not initialized - skipping deregistration")
		return
	}

	slog.Info("Deregistering instance from load balancer")
	if err := strategy.DeregisterFromActive(); err != nil {
		slog.Error("Failed to deregister from load balancer", "error", err)
	}
}

// IsRegistered reports whether this instance currently receives traffic.
func (s *Service) IsRegistered() bool {
	strategy := s.current()
	return strategy != nil && strategy.IsRegistered()
}

// IsEnabled returns whether traffic management is enabled
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus returns the current traffic management status for monitoring.
func (s *Service) GetStatus() *TrafficStatus {
	strategy := s.current()
	if strategy == nil {
		return &TrafficStatus{
			StrategyType: "uninitialized",
			TargetInfo:   "Strategy not initialized",
			LastError:    "Strategy not initialized",
		}
	}
	return strategy.GetStatus()
}

// SetStrategy swaps in a custom strategy at runtime.
func (s *Service) SetStrategy(strategy Strategy) {
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
	slog.Info("Traffic strategy updated", "strategy", fmt.Sprintf("%T", strategy))
}
