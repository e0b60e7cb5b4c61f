package traffic

import "log/slog"

// NoOpStrategy leaves load-balancer registration untouched: every
// instance, PRIMARY or STANDBY, stays in rotation. It is the default when
// traffic management is disabled or no environment-specific strategy is
// configured.
type NoOpStrategy struct{}

// NewNoOpStrategy creates a new no-op strategy
func NewNoOpStrategy() *NoOpStrategy {
	return &NoOpStrategy{}
}

func (s *NoOpStrategy) RegisterAsActive() error {
	slog.Debug("noop traffic strategy: register ignored")
	return nil
}

func (s *NoOpStrategy) DeregisterFromActive() error {
	slog.Debug("noop traffic strategy: deregister ignored")
	return nil
}

// IsRegistered is always true: nothing ever takes the instance out of rotation.
func (s *NoOpStrategy) IsRegistered() bool {
	return true
}

func (s *NoOpStrategy) GetStatus() *TrafficStatus {
	return &TrafficStatus{
		StrategyType:  "noop",
		Registered:    true,
		TargetInfo:    "No traffic management - all instances receive traffic",
		LastOperation: "none",
	}
}
