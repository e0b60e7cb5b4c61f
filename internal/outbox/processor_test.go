package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockRepository implements Repository over an in-memory item map.
type MockRepository struct {
	mu         sync.Mutex
	items      map[string]*OutboxItem
	fetchCalls int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{items: make(map[string]*OutboxItem)}
}

func (r *MockRepository) AddItem(item *OutboxItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item
}

func (r *MockRepository) GetItem(id string) *OutboxItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		copied := *item
		return &copied
	}
	return nil
}

func (r *MockRepository) GetFetchCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchCalls
}

func (r *MockRepository) FetchPending(ctx context.Context, itemType OutboxItemType, limit int) ([]*OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCalls++

	var items []*OutboxItem
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusPending {
			copied := *item
			items = append(items, &copied)
			if len(items) >= limit {
				break
			}
		}
	}
	return items, nil
}

func (r *MockRepository) MarkAsInProgress(ctx context.Context, itemType OutboxItemType, ids []string) error {
	return r.setStatus(ids, StatusInProgress)
}

func (r *MockRepository) MarkWithStatus(ctx context.Context, itemType OutboxItemType, ids []string, status OutboxStatus) error {
	return r.setStatus(ids, status)
}

func (r *MockRepository) MarkWithStatusAndError(ctx context.Context, itemType OutboxItemType, ids []string, status OutboxStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = status
			item.ErrorMessage = errorMessage
		}
	}
	return nil
}

func (r *MockRepository) FetchStuckItems(ctx context.Context, itemType OutboxItemType) ([]*OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*OutboxItem
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusInProgress {
			copied := *item
			items = append(items, &copied)
		}
	}
	return items, nil
}

func (r *MockRepository) ResetStuckItems(ctx context.Context, itemType OutboxItemType, ids []string) error {
	return r.setStatus(ids, StatusPending)
}

func (r *MockRepository) IncrementRetryCount(ctx context.Context, itemType OutboxItemType, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.RetryCount++
			item.Status = StatusPending
		}
	}
	return nil
}

func (r *MockRepository) FetchRecoverableItems(ctx context.Context, itemType OutboxItemType, timeoutSeconds int, limit int) ([]*OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(timeoutSeconds) * time.Second)
	var items []*OutboxItem
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusInProgress && item.UpdatedAt.Before(cutoff) {
			copied := *item
			items = append(items, &copied)
			if len(items) >= limit {
				break
			}
		}
	}
	return items, nil
}

func (r *MockRepository) ResetRecoverableItems(ctx context.Context, itemType OutboxItemType, ids []string) error {
	return r.setStatus(ids, StatusPending)
}

func (r *MockRepository) CountPending(ctx context.Context, itemType OutboxItemType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (r *MockRepository) GetTableName(itemType OutboxItemType) string {
	switch itemType {
	case OutboxItemTypeDispatchJob:
		return "outbox_dispatch_jobs"
	case OutboxItemTypeAuditLog:
		return "outbox_audit_logs"
	default:
		return "outbox_events"
	}
}

func (r *MockRepository) CreateSchema(ctx context.Context) error { return nil }

func (r *MockRepository) setStatus(ids []string, status OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = status
		}
	}
	return nil
}

func newTestItem(id string, itemType OutboxItemType, maxRetries int) *OutboxItem {
	return &OutboxItem{
		ID:           id,
		Type:         itemType,
		MessageGroup: "group-1",
		Payload:      `{"id":"` + id + `"}`,
		Status:       StatusPending,
		MaxRetries:   maxRetries,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func newTestProcessor(repo Repository, apiBaseURL string) *Processor {
	cfg := DefaultProcessorConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollBatchSize = 10
	cfg.APIBatchSize = 10
	cfg.MaxInFlight = 50
	cfg.RecoveryInterval = time.Hour

	apiClient := NewAPIClient(&APIClientConfig{
		BaseURL:           apiBaseURL,
		ConnectionTimeout: time.Second,
		RequestTimeout:    2 * time.Second,
	})
	return NewProcessor(repo, apiClient, cfg)
}

func TestProcessorStartStop(t *testing.T) {
	repo := NewMockRepository()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newTestProcessor(repo, server.URL)
	p.Start()

	stats := p.GetStats()
	if !stats.Healthy {
		t.Error("expected processor to be healthy after start")
	}

	p.Stop()
}

func TestProcessorDisabled(t *testing.T) {
	repo := NewMockRepository()
	repo.AddItem(newTestItem("item-1", OutboxItemTypeEvent, 3))

	p := newTestProcessor(repo, "http://localhost:0")
	p.config.Enabled = false
	p.Start()
	defer p.Stop()

	time.Sleep(100 * time.Millisecond)
	if repo.GetFetchCalls() != 0 {
		t.Errorf("disabled processor should not poll, got %d fetch calls", repo.GetFetchCalls())
	}
}

func TestPollItemType_MarksInProgressBeforeBuffering(t *testing.T) {
	repo := NewMockRepository()
	repo.AddItem(newTestItem("item-1", OutboxItemTypeEvent, 3))
	repo.AddItem(newTestItem("item-2", OutboxItemTypeEvent, 3))

	p := newTestProcessor(repo, "http://localhost:0")
	p.pollType(context.Background(), OutboxItemTypeEvent)

	for _, id := range []string{"item-1", "item-2"} {
		if got := repo.GetItem(id).Status; got != StatusInProgress {
			t.Errorf("%s: expected IN_PROGRESS after poll, got %v", id, got)
		}
	}
	if got := atomic.LoadInt32(&p.inFlight); got != 2 {
		t.Errorf("expected 2 in-flight permits acquired, got %d", got)
	}
	if got := int(atomic.LoadInt32(&p.buffered)); got != 2 {
		t.Errorf("expected 2 buffered items, got %d", got)
	}
}

func TestDoPoll_Backpressure(t *testing.T) {
	repo := NewMockRepository()
	repo.AddItem(newTestItem("item-1", OutboxItemTypeEvent, 3))

	p := newTestProcessor(repo, "http://localhost:0")

	// Saturate in-flight so a full batch no longer fits
	atomic.StoreInt32(&p.inFlight, int32(p.config.MaxInFlight-p.config.PollBatchSize+1))

	p.pollAllTypes()
	if repo.GetFetchCalls() != 0 {
		t.Errorf("expected poll to be skipped under backpressure, got %d fetch calls", repo.GetFetchCalls())
	}

	// With capacity restored the poll proceeds
	atomic.StoreInt32(&p.inFlight, 0)
	p.pollAllTypes()
	if repo.GetFetchCalls() == 0 {
		t.Error("expected poll to run once capacity is available")
	}
}

func TestEndToEnd_Success(t *testing.T) {
	repo := NewMockRepository()
	repo.AddItem(newTestItem("item-1", OutboxItemTypeEvent, 3))

	var batches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad batch body: %v", err)
		}
		batches.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newTestProcessor(repo, server.URL)
	p.Start()
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if item := repo.GetItem("item-1"); item.Status == StatusSuccess {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := repo.GetItem("item-1").Status; got != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %v", got)
	}
	if batches.Load() == 0 {
		t.Error("expected at least one batch API call")
	}
	if got := atomic.LoadInt32(&p.inFlight); got != 0 {
		t.Errorf("expected all in-flight permits released, got %d", got)
	}
}

// sendOnce pushes a batch through a group processor against the current
// server behavior, simulating one delivery attempt.
func sendOnce(p *Processor, items ...*OutboxItem) {
	w := &groupWorker{
		key:       "EVENT:group-1",
		itemType:  OutboxItemTypeEvent,
		processor: p,
	}
	atomic.AddInt32(&p.inFlight, int32(len(items)))
	w.deliverBatch(items)
}

func TestRetryCycle_GatewayErrorsThenExhaustion(t *testing.T) {
	repo := NewMockRepository()
	item := newTestItem("item-42", OutboxItemTypeEvent, 3)
	repo.AddItem(item)

	// Responses for the four delivery attempts
	codes := []int{500, 503, 502, 502}
	var call atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(call.Add(1)) - 1
		if idx >= len(codes) {
			idx = len(codes) - 1
		}
		w.WriteHeader(codes[idx])
	}))
	defer server.Close()

	p := newTestProcessor(repo, server.URL)

	// Three failed attempts: each one increments retryCount and resets to PENDING
	for attempt := 1; attempt <= 3; attempt++ {
		sendOnce(p, repo.GetItem("item-42"))
		got := repo.GetItem("item-42")
		if got.Status != StatusPending {
			t.Fatalf("attempt %d: expected PENDING for retry, got %v", attempt, got.Status)
		}
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retryCount %d, got %d", attempt, attempt, got.RetryCount)
		}
	}

	// Fourth attempt exceeds the budget: terminal, with the gateway error
	// collapsed into INTERNAL_ERROR
	sendOnce(p, repo.GetItem("item-42"))
	got := repo.GetItem("item-42")
	if got.Status != StatusInternalError {
		t.Errorf("expected terminal INTERNAL_ERROR after retries exhausted, got %v", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("expected error message stored with terminal status")
	}
}

func TestUnauthorized_RetriedExactlyOnce(t *testing.T) {
	repo := NewMockRepository()
	repo.AddItem(newTestItem("item-1", OutboxItemTypeEvent, 3))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := newTestProcessor(repo, server.URL)

	// First 401: one retry is allowed
	sendOnce(p, repo.GetItem("item-1"))
	got := repo.GetItem("item-1")
	if got.Status != StatusPending || got.RetryCount != 1 {
		t.Fatalf("expected one retry after first 401, got status=%v retryCount=%d", got.Status, got.RetryCount)
	}

	// Second 401: terminal, regardless of the item's own maxRetries
	sendOnce(p, repo.GetItem("item-1"))
	got = repo.GetItem("item-1")
	if got.Status != StatusUnauthorized {
		t.Errorf("expected terminal UNAUTHORIZED after second 401, got %v", got.Status)
	}
}

func TestInFlightPermits_ReleasedOnFailure(t *testing.T) {
	repo := NewMockRepository()
	repo.AddItem(newTestItem("item-1", OutboxItemTypeEvent, 0))
	repo.AddItem(newTestItem("item-2", OutboxItemTypeEvent, 0))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := newTestProcessor(repo, server.URL)
	sendOnce(p, repo.GetItem("item-1"), repo.GetItem("item-2"))

	if got := atomic.LoadInt32(&p.inFlight); got != 0 {
		t.Errorf("expected permits released after failed batch, got %d", got)
	}
}

func TestCrashRecovery_ResetsStuckItems(t *testing.T) {
	repo := NewMockRepository()
	stuck := newTestItem("item-7", OutboxItemTypeEvent, 3)
	stuck.Status = StatusInProgress
	stuck.RetryCount = 2
	stuck.UpdatedAt = time.Now().Add(-2 * time.Hour)
	repo.AddItem(stuck)

	p := newTestProcessor(repo, "http://localhost:0")
	p.recoverInProgress()

	got := repo.GetItem("item-7")
	if got.Status != StatusPending {
		t.Errorf("expected stuck item reset to PENDING, got %v", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("crash recovery must not change retryCount, got %d", got.RetryCount)
	}
}

func TestPeriodicRecovery_RespectsTimeout(t *testing.T) {
	repo := NewMockRepository()

	old := newTestItem("item-old", OutboxItemTypeEvent, 3)
	old.Status = StatusInProgress
	old.UpdatedAt = time.Now().Add(-time.Hour)
	repo.AddItem(old)

	fresh := newTestItem("item-fresh", OutboxItemTypeEvent, 3)
	fresh.Status = StatusInProgress
	fresh.UpdatedAt = time.Now()
	repo.AddItem(fresh)

	p := newTestProcessor(repo, "http://localhost:0")
	p.config.ProcessingTimeoutSeconds = 600
	p.sweepRecoverable()

	if got := repo.GetItem("item-old").Status; got != StatusPending {
		t.Errorf("expected timed-out item reset to PENDING, got %v", got)
	}
	if got := repo.GetItem("item-fresh").Status; got != StatusInProgress {
		t.Errorf("expected recent item left IN_PROGRESS, got %v", got)
	}
}

func TestStatusFromHTTPCode(t *testing.T) {
	cases := []struct {
		code     int
		expected OutboxStatus
	}{
		{200, StatusSuccess},
		{201, StatusSuccess},
		{400, StatusBadRequest},
		{401, StatusUnauthorized},
		{403, StatusForbidden},
		{404, StatusBadRequest},
		{409, StatusBadRequest},
		{500, StatusInternalError},
		{501, StatusInternalError},
		{502, StatusGatewayError},
		{503, StatusGatewayError},
		{504, StatusGatewayError},
	}

	for _, tc := range cases {
		if got := StatusFromHTTPCode(tc.code); got != tc.expected {
			t.Errorf("code %d: expected %v, got %v", tc.code, tc.expected, got)
		}
	}
}

func TestRetryCapFor(t *testing.T) {
	item := &OutboxItem{MaxRetries: 5}

	if got := item.RetryCapFor(StatusInternalError, 3); got != 5 {
		t.Errorf("expected item budget 5 for INTERNAL_ERROR, got %d", got)
	}
	if got := item.RetryCapFor(StatusGatewayError, 3); got != 5 {
		t.Errorf("expected item budget 5 for GATEWAY_ERROR, got %d", got)
	}
	if got := item.RetryCapFor(StatusUnauthorized, 3); got != 1 {
		t.Errorf("expected cap 1 for UNAUTHORIZED, got %d", got)
	}

	// No per-item budget: the processor default applies
	bare := &OutboxItem{}
	if got := bare.RetryCapFor(StatusInternalError, 3); got != 3 {
		t.Errorf("expected processor default 3, got %d", got)
	}
}

func TestCollapseTerminalStatus(t *testing.T) {
	if got := CollapseTerminalStatus(StatusGatewayError); got != StatusInternalError {
		t.Errorf("expected GATEWAY_ERROR collapsed to INTERNAL_ERROR, got %v", got)
	}
	for _, s := range []OutboxStatus{StatusBadRequest, StatusUnauthorized, StatusForbidden, StatusInternalError} {
		if got := CollapseTerminalStatus(s); got != s {
			t.Errorf("expected %v unchanged, got %v", s, got)
		}
	}
}

func TestMessageGroupFIFO_SingleBatchInOrder(t *testing.T) {
	repo := NewMockRepository()
	for _, id := range []string{"a", "b", "c"} {
		repo.AddItem(newTestItem(id, OutboxItemTypeEvent, 3))
	}

	var mu sync.Mutex
	var received []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad batch body: %v", err)
		}
		mu.Lock()
		for _, it := range body.Items {
			received = append(received, it.ID)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := newTestProcessor(repo, server.URL)
	sendOnce(p, repo.GetItem("a"), repo.GetItem("b"), repo.GetItem("c"))

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 || received[0] != "a" || received[1] != "b" || received[2] != "c" {
		t.Errorf("expected items delivered in enqueue order [a b c], got %v", received)
	}
}
