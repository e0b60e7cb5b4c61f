package warning

import (
	"go.flowcatalyst.tech/internal/router/health"
)

// HealthAdapter wraps a Service to satisfy health.WarningGetter and
// api.WarningSeverityGetter, converting value warnings into the
// pointer-based DTOs the monitoring JSON API serves.
type HealthAdapter struct {
	Service Service
}

func NewHealthAdapter(service Service) *HealthAdapter {
	return &HealthAdapter{Service: service}
}

func toHealthWarnings(in []Warning) []*health.Warning {
	out := make([]*health.Warning, len(in))
	for i, w := range in {
		out[i] = &health.Warning{
			ID:           w.ID,
			Category:     w.Category,
			Severity:     w.Severity,
			Message:      w.Message,
			Timestamp:    w.Timestamp,
			Source:       w.Source,
			Acknowledged: w.Acknowledged,
		}
	}
	return out
}

func (a *HealthAdapter) GetAllWarnings() []*health.Warning {
	return toHealthWarnings(a.Service.GetAllWarnings())
}

func (a *HealthAdapter) GetUnacknowledgedWarnings() []*health.Warning {
	return toHealthWarnings(a.Service.GetUnacknowledgedWarnings())
}

func (a *HealthAdapter) GetWarningsBySeverity(severity string) []*health.Warning {
	return toHealthWarnings(a.Service.GetWarningsBySeverity(severity))
}

func (a *HealthAdapter) AcknowledgeWarning(id string) bool {
	return a.Service.AcknowledgeWarning(id)
}

func (a *HealthAdapter) ClearAllWarnings() {
	a.Service.ClearAllWarnings()
}

func (a *HealthAdapter) ClearOldWarnings(hours int) {
	a.Service.ClearOldWarnings(hours)
}
