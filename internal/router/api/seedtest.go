package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
)

// SeedHandler publishes synthetic dispatch messages onto a queue for
// integration tests. It is a thin producer, not a router component.
type SeedHandler struct {
	publisher queue.Publisher
}

func NewSeedHandler(publisher queue.Publisher) *SeedHandler {
	return &SeedHandler{publisher: publisher}
}

type seedRequest struct {
	Count            int    `json:"count"`
	Queue            string `json:"queue"`
	Endpoint         string `json:"endpoint"`
	MessageGroupMode string `json:"messageGroupMode"`
}

type seedResponse struct {
	Status          string `json:"status"`
	MessagesSent    int    `json:"messagesSent"`
	TotalRequested  int    `json:"totalRequested"`
}

// SeedMessages handles POST /api/seed/messages.
//
// messageGroupMode controls how the message group is chosen per seeded
// message:
//   - "single"   - every message shares one group (strict FIFO across all of them)
//   - "per-message" (default) - every message gets its own group (full parallelism)
//   - "round-robin:N" - messages are spread across N groups round-robin
//     (plain "round-robin" uses 4 groups)
func (h *SeedHandler) SeedMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSeedError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Count <= 0 {
		writeSeedError(w, http.StatusBadRequest, "count must be positive")
		return
	}
	if req.Endpoint == "" {
		writeSeedError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if h.publisher == nil {
		writeSeedError(w, http.StatusServiceUnavailable, "seed publisher not configured")
		return
	}

	groupCount := 1
	mode := req.MessageGroupMode
	if mode == "" {
		mode = "per-message"
	}
	var n int
	if _, err := fmt.Sscanf(mode, "round-robin:%d", &n); err == nil && n > 0 {
		mode, groupCount = "round-robin", n
	} else if mode == "round-robin" {
		groupCount = 4
	}

	sent := 0
	for i := 0; i < req.Count; i++ {
		group := seedGroup(mode, i, groupCount)
		pointer := model.MessagePointer{
			ID:              uuid.NewString(),
			PoolCode:        "seed-pool",
			MediationType:   model.MediationTypeHTTP,
			MediationTarget: req.Endpoint,
			MessageGroupID:  group,
		}

		data, err := json.Marshal(pointer)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err = h.publisher.PublishWithGroup(ctx, req.Queue, data, group)
		cancel()
		if err != nil {
			continue
		}
		sent++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(seedResponse{
		Status:         "success",
		MessagesSent:   sent,
		TotalRequested: req.Count,
	})
}

func seedGroup(mode string, index, groupCount int) string {
	switch mode {
	case "single":
		return "seed-group-single"
	case "round-robin":
		return fmt.Sprintf("seed-group-%d", index%groupCount)
	default: // "per-message"
		return fmt.Sprintf("seed-group-%s", uuid.NewString())
	}
}

func writeSeedError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": message})
}

// RegisterRoutes registers the seed endpoint on a mux.
func (h *SeedHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/seed/messages", h.SeedMessages)
}

// TestEndpointsHandler implements the deterministic callback targets that
// the seeded integration messages above point at. Every counter is a plain
// atomic so repeated runs are reproducible without any randomness: the
// "faulty" endpoint's 60/20/20 split is a fixed rotation over a 10-call
// cycle rather than a coin flip, so a test asserting exact counts across N
// calls always gets the same answer.
type TestEndpointsHandler struct {
	fastCount        int64
	slowCount        int64
	faultyCount      int64
	failCount        int64
	successCount     int64
	pendingCount     int64
	clientErrorCount int64
	serverErrorCount int64
}

func NewTestEndpointsHandler() *TestEndpointsHandler {
	return &TestEndpointsHandler{}
}

// Fast always returns 200 immediately.
func (h *TestEndpointsHandler) Fast(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.fastCount, 1)
	writeAck(w, true, 0)
}

// Slow sleeps briefly, simulating a slow downstream before returning 200.
func (h *TestEndpointsHandler) Slow(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.slowCount, 1)
	select {
	case <-time.After(2 * time.Second):
	case <-r.Context().Done():
		return
	}
	writeAck(w, true, 0)
}

// Faulty cycles deterministically through 6 successes, 2 client errors and
// 2 server errors per 10 calls (60/20/20), in that fixed order.
func (h *TestEndpointsHandler) Faulty(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt64(&h.faultyCount, 1)
	switch pos := (n - 1) % 10; {
	case pos < 6:
		writeAck(w, true, 0)
	case pos < 8:
		http.Error(w, "faulty: client error", http.StatusBadRequest)
	default:
		http.Error(w, "faulty: server error", http.StatusInternalServerError)
	}
}

// Fail always returns 500, mapping to ERROR_PROCESS.
func (h *TestEndpointsHandler) Fail(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.failCount, 1)
	http.Error(w, "forced failure", http.StatusInternalServerError)
}

// Success always returns 200 with ack=true.
func (h *TestEndpointsHandler) Success(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.successCount, 1)
	writeAck(w, true, 0)
}

// Pending returns ack=false with a delay, mapping to a DEFERRED outcome.
func (h *TestEndpointsHandler) Pending(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.pendingCount, 1)
	writeAck(w, false, 30)
}

// ClientError always returns 400, mapping to ERROR_CONFIG.
func (h *TestEndpointsHandler) ClientError(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.clientErrorCount, 1)
	http.Error(w, "client error", http.StatusBadRequest)
}

// ServerError always returns 500, mapping to ERROR_PROCESS.
func (h *TestEndpointsHandler) ServerError(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.serverErrorCount, 1)
	http.Error(w, "server error", http.StatusInternalServerError)
}

// Stats reports call counts for every deterministic endpoint above.
func (h *TestEndpointsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"fast":        atomic.LoadInt64(&h.fastCount),
		"slow":        atomic.LoadInt64(&h.slowCount),
		"faulty":      atomic.LoadInt64(&h.faultyCount),
		"fail":        atomic.LoadInt64(&h.failCount),
		"success":     atomic.LoadInt64(&h.successCount),
		"pending":     atomic.LoadInt64(&h.pendingCount),
		"clientError": atomic.LoadInt64(&h.clientErrorCount),
		"serverError": atomic.LoadInt64(&h.serverErrorCount),
	})
}

// StatsReset zeroes every counter.
func (h *TestEndpointsHandler) StatsReset(w http.ResponseWriter, r *http.Request) {
	atomic.StoreInt64(&h.fastCount, 0)
	atomic.StoreInt64(&h.slowCount, 0)
	atomic.StoreInt64(&h.faultyCount, 0)
	atomic.StoreInt64(&h.failCount, 0)
	atomic.StoreInt64(&h.successCount, 0)
	atomic.StoreInt64(&h.pendingCount, 0)
	atomic.StoreInt64(&h.clientErrorCount, 0)
	atomic.StoreInt64(&h.serverErrorCount, 0)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

func writeAck(w http.ResponseWriter, ack bool, delaySeconds int) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"ack": ack}
	if !ack && delaySeconds > 0 {
		body["delaySeconds"] = delaySeconds
	}
	json.NewEncoder(w).Encode(body)
}

// RegisterRoutes registers every /api/test/* endpoint on a mux.
func (h *TestEndpointsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/test/fast", h.Fast)
	mux.HandleFunc("/api/test/slow", h.Slow)
	mux.HandleFunc("/api/test/faulty", h.Faulty)
	mux.HandleFunc("/api/test/fail", h.Fail)
	mux.HandleFunc("/api/test/success", h.Success)
	mux.HandleFunc("/api/test/pending", h.Pending)
	mux.HandleFunc("/api/test/client-error", h.ClientError)
	mux.HandleFunc("/api/test/server-error", h.ServerError)
	mux.HandleFunc("/api/test/stats/reset", h.StatsReset)
	mux.HandleFunc("/api/test/stats", h.Stats)
}
