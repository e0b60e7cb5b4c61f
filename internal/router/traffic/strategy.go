package traffic

import "errors"

// ErrTrafficManagement represents a traffic management operation failure
var ErrTrafficManagement = errors.New("traffic management error")

// TrafficStatus is the monitoring view of the active strategy.
type TrafficStatus struct {
	StrategyType  string `json:"strategyType"`
	Registered    bool   `json:"registered"`
	TargetInfo    string `json:"targetInfo"`
	LastOperation string `json:"lastOperation"`
	LastError     string `json:"lastError,omitempty"`
}

// Strategy controls whether the load balancer routes traffic to this
// instance as it moves between PRIMARY and STANDBY. Implementations must
// be idempotent and degrade gracefully: a failed registration is logged
// and surfaced in status, never fatal.
type Strategy interface {
	// RegisterAsActive puts this instance back into rotation. Called on
	// the transition to PRIMARY.
	RegisterAsActive() error

	// DeregisterFromActive takes this instance out of rotation. Called on
	// the transition to STANDBY and at shutdown.
	DeregisterFromActive() error

	// IsRegistered reports whether the instance currently receives traffic.
	IsRegistered() bool

	// GetStatus returns the monitoring view of this strategy.
	GetStatus() *TrafficStatus
}
