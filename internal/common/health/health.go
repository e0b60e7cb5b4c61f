// Package health implements the component health checks behind the
// /q/health probe endpoints: named checks aggregate into UP/DOWN, and a
// single DOWN component turns the whole response 503.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check represents a single health check
type Check struct {
	Name   string                 `json:"name"`
	Status Status                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// HealthResponse represents the health endpoint response
type HealthResponse struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc is a function that performs a health check
type CheckFunc func() Check

// Checker holds the registered liveness and readiness checks.
type Checker struct {
	mu        sync.RWMutex
	livenessChecks  []CheckFunc
	readinessChecks []CheckFunc
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{}
}

// AddLivenessCheck adds a liveness check
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	c.livenessChecks = append(c.livenessChecks, check)
	c.mu.Unlock()
}

// AddReadinessCheck adds a readiness check
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	c.readinessChecks = append(c.readinessChecks, check)
	c.mu.Unlock()
}

// evaluate runs the given checks; any DOWN component makes the aggregate DOWN.
func evaluate(checks []CheckFunc) HealthResponse {
	response := HealthResponse{
		Status: StatusUp,
		Checks: make([]Check, 0, len(checks)),
	}
	for _, run := range checks {
		check := run()
		response.Checks = append(response.Checks, check)
		if check.Status == StatusDown {
			response.Status = StatusDown
		}
	}
	return response
}

// GetLiveness returns the liveness status
func (c *Checker) GetLiveness() HealthResponse {
	c.mu.RLock()
	checks := append([]CheckFunc(nil), c.livenessChecks...)
	c.mu.RUnlock()
	return evaluate(checks)
}

// GetReadiness returns the readiness status
func (c *Checker) GetReadiness() HealthResponse {
	c.mu.RLock()
	checks := append([]CheckFunc(nil), c.readinessChecks...)
	c.mu.RUnlock()
	return evaluate(checks)
}

// GetHealth returns the combined liveness and readiness status.
func (c *Checker) GetHealth() HealthResponse {
	c.mu.RLock()
	checks := make([]CheckFunc, 0, len(c.livenessChecks)+len(c.readinessChecks))
	checks = append(checks, c.livenessChecks...)
	checks = append(checks, c.readinessChecks...)
	c.mu.RUnlock()
	return evaluate(checks)
}

// HandleHealth handles the /q/health endpoint
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetHealth())
}

// HandleLive handles the /q/health/live endpoint. With no liveness checks
// registered, a responding process is alive by definition.
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetLiveness())
}

// HandleReady handles the /q/health/ready endpoint
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetReadiness())
}

func writeResponse(w http.ResponseWriter, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// MongoDBCheck builds a check from a ping function.
func MongoDBCheck(pingFunc func() error) CheckFunc {
	return func() Check {
		if err := pingFunc(); err != nil {
			return Check{
				Name:   "MongoDB",
				Status: StatusDown,
				Data:   map[string]interface{}{"error": err.Error()},
			}
		}
		return Check{Name: "MongoDB", Status: StatusUp}
	}
}

// NATSCheck builds a check from a connection predicate.
func NATSCheck(isConnected func() bool) CheckFunc {
	return func() Check {
		if !isConnected() {
			return Check{Name: "NATS", Status: StatusDown}
		}
		return Check{Name: "NATS", Status: StatusUp}
	}
}

// SQSCheck builds a check from a queue-accessibility probe.
func SQSCheck(checkFunc func() error) CheckFunc {
	return func() Check {
		if err := checkFunc(); err != nil {
			return Check{
				Name:   "SQS",
				Status: StatusDown,
				Data:   map[string]interface{}{"error": err.Error()},
			}
		}
		return Check{Name: "SQS", Status: StatusUp}
	}
}

// StreamProcessorCheck builds a coarse check over per-watcher run states.
func StreamProcessorCheck(isRunning func() bool, getWatcherStatuses func() map[string]bool) CheckFunc {
	return func() Check {
		if !isRunning() {
			return Check{
				Name:   "StreamProcessor",
				Status: StatusDown,
				Data:   map[string]interface{}{"running": false},
			}
		}

		watchers := getWatcherStatuses()
		status := StatusUp
		for _, running := range watchers {
			if !running {
				status = StatusDown
				break
			}
		}

		return Check{
			Name:   "StreamProcessor",
			Status: status,
			Data: map[string]interface{}{
				"running":  true,
				"watchers": watchers,
			},
		}
	}
}

// StreamMetricsData is the per-watcher snapshot the detailed stream check
// consumes; it mirrors the stream package's metrics without importing it.
type StreamMetricsData struct {
	WatcherName      string
	Running          bool
	HasFatalError    bool
	FatalError       string
	BatchesProcessed int64
	CheckpointedSeq  int64
	InFlightCount    int32
	AvailableSlots   int32
}

// StreamProcessorCheckDetailed builds a check that fails on any watcher's
// fatal error and otherwise reports aggregate throughput counters.
func StreamProcessorCheckDetailed(isRunning func() bool, getMetrics func() []StreamMetricsData) CheckFunc {
	return func() Check {
		if !isRunning() {
			return Check{
				Name:   "StreamProcessor",
				Status: StatusDown,
				Data:   map[string]interface{}{"running": false},
			}
		}

		metrics := getMetrics()

		var totalBatches, totalCheckpointed int64
		var totalInFlight, totalSlots int32
		runningCount := 0

		for _, m := range metrics {
			if m.HasFatalError {
				return Check{
					Name:   "StreamProcessor",
					Status: StatusDown,
					Data: map[string]interface{}{
						"running":      true,
						"failedStream": m.WatcherName,
						"error":        m.FatalError,
					},
				}
			}
			if m.Running {
				runningCount++
			}
			totalBatches += m.BatchesProcessed
			totalCheckpointed += m.CheckpointedSeq
			totalInFlight += m.InFlightCount
			totalSlots += m.AvailableSlots
		}

		if runningCount == 0 && len(metrics) > 0 {
			return Check{
				Name:   "StreamProcessor",
				Status: StatusDown,
				Data: map[string]interface{}{
					"running": false,
					"reason":  "No streams running",
				},
			}
		}

		return Check{
			Name:   "StreamProcessor",
			Status: StatusUp,
			Data: map[string]interface{}{
				"running":                        true,
				"totalStreams":                   len(metrics),
				"runningStreams":                 runningCount,
				"totalBatchesProcessed":          totalBatches,
				"totalCheckpointedBatches":       totalCheckpointed,
				"totalInFlightBatches":           totalInFlight,
				"totalAvailableConcurrencySlots": totalSlots,
			},
		}
	}
}
