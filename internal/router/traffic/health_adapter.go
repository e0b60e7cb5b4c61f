package traffic

import "go.flowcatalyst.tech/internal/router/health"

// HealthAdapter wraps a Service to satisfy api.TrafficStatusGetter, converting
// the load-balancer registration status into the JSON-facing health.TrafficStatus.
type HealthAdapter struct {
	Service *Service
}

func NewHealthAdapter(service *Service) *HealthAdapter {
	return &HealthAdapter{Service: service}
}

func (a *HealthAdapter) IsEnabled() bool {
	return a.Service.IsEnabled()
}

func (a *HealthAdapter) GetStatus() *health.TrafficStatus {
	s := a.Service.GetStatus()
	if s == nil {
		return &health.TrafficStatus{Enabled: a.Service.IsEnabled()}
	}
	return &health.TrafficStatus{
		Enabled:       a.Service.IsEnabled(),
		StrategyType:  s.StrategyType,
		Registered:    s.Registered,
		TargetInfo:    s.TargetInfo,
		LastOperation: s.LastOperation,
		LastError:     s.LastError,
	}
}
