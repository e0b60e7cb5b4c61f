package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// groupQueueCapacity bounds one group's backlog. It is below the default
// MaxInFlight, so a single busy group can fill its queue.
const groupQueueCapacity = 1000

// distributeLoop moves items from the shared buffer into their group's
// worker, creating workers on first sight of a group.
func (p *Processor) distributeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainBufferForShutdown()
			return
		case item := <-p.buffer:
			atomic.AddInt32(&p.buffered, -1)
			metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&p.buffered)))
			p.routeToGroup(item)
		}
	}
}

// routeToGroup hands an item to the worker owning its (type, group) key.
func (p *Processor) routeToGroup(item *OutboxItem) {
	key := fmt.Sprintf("%s:%s", item.Type, item.GetEffectiveMessageGroup())

	w, _ := p.groups.LoadOrStore(key, &groupWorker{
		key:       key,
		itemType:  item.Type,
		queue:     make(chan *OutboxItem, groupQueueCapacity),
		processor: p,
	})
	worker := w.(*groupWorker)

	select {
	case worker.queue <- item:
		worker.wake()
	default:
		// The group's backlog is full: the item is logged and not queued;
		// the row stays IN_PROGRESS and periodic recovery reclaims it
		slog.Warn("Group queue full", "group", key, "itemId", item.ID)
	}
}

// drainBufferForShutdown empties the buffer on shutdown; drained rows are
// already IN_PROGRESS and crash recovery brings them back next start.
func (p *Processor) drainBufferForShutdown() {
	for {
		select {
		case item := <-p.buffer:
			slog.Debug("Draining item during shutdown - will be recovered on restart",
				"itemId", item.ID)
		default:
			return
		}
	}
}

// groupWorker serializes delivery for one (type, messageGroup) key: at
// most one batch of the group is in flight at any moment, and items leave
// in the order they arrived.
type groupWorker struct {
	key       string
	itemType  OutboxItemType
	queue     chan *OutboxItem
	processor *Processor

	mu     sync.Mutex
	active bool
}

// wake starts the drain goroutine unless one is already running.
func (w *groupWorker) wake() {
	w.mu.Lock()
	if w.active {
		w.mu.Unlock()
		return
	}
	w.active = true
	w.mu.Unlock()

	go w.drain()
}

// drain ships batches until the group queue runs dry. The group semaphore
// caps how many groups deliver concurrently across the whole processor.
func (w *groupWorker) drain() {
	defer func() {
		w.mu.Lock()
		w.active = false
		w.mu.Unlock()
	}()

	for {
		batch := w.takeBatch()
		if len(batch) == 0 {
			return
		}

		select {
		case w.processor.groupSem <- struct{}{}:
		case <-w.processor.ctx.Done():
			return
		}

		w.deliverBatch(batch)
		<-w.processor.groupSem
	}
}

// takeBatch pulls up to APIBatchSize items without blocking, preserving
// queue order.
func (w *groupWorker) takeBatch() []*OutboxItem {
	limit := w.processor.config.APIBatchSize
	batch := make([]*OutboxItem, 0, limit)

	for len(batch) < limit {
		select {
		case item := <-w.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

// deliverBatch posts one batch to the matching platform endpoint and
// applies the outcome to every row. Permits are released here no matter
// how delivery went.
func (w *groupWorker) deliverBatch(batch []*OutboxItem) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(w.processor.ctx, 30*time.Second)
	defer cancel()

	metrics.OutboxActiveProcessors.Inc()
	defer metrics.OutboxActiveProcessors.Dec()

	apiStart := time.Now()
	result, err := w.send(ctx, batch)
	metrics.OutboxAPIDuration.WithLabelValues(string(w.itemType)).Observe(time.Since(apiStart).Seconds())

	w.processor.releasePermits(len(batch))

	if err != nil {
		slog.Error("Failed to send batch",
			"error", err, "group", w.key, "batchSize", len(batch))
		w.resolveBatchError(ctx, batch, err)
		return
	}

	if len(result.SuccessIDs) > 0 {
		if err := w.processor.repo.MarkWithStatus(ctx, w.itemType, result.SuccessIDs, StatusSuccess); err != nil {
			slog.Error("Failed to mark items as completed", "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(w.itemType), "completed").
			Add(float64(len(result.SuccessIDs)))
	}

	if len(result.FailedItems) > 0 {
		w.resolveItemFailures(ctx, batch, result.FailedItems)
	}

	slog.Debug("Batch processed",
		"group", w.key,
		"success", len(result.SuccessIDs),
		"failed", len(result.FailedItems))
}

// send routes the batch to the endpoint for this worker's item type.
func (w *groupWorker) send(ctx context.Context, batch []*OutboxItem) (*BatchResult, error) {
	switch w.itemType {
	case OutboxItemTypeDispatchJob:
		return w.processor.api.SendDispatchJobBatch(ctx, batch)
	case OutboxItemTypeAuditLog:
		return w.processor.api.SendAuditLogBatch(ctx, batch)
	default:
		return w.processor.api.SendEventBatch(ctx, batch)
	}
}

// resolveBatchError applies a whole-batch failure: the status is inferred
// from the error text, then each item either retries (within its budget)
// or lands on its terminal status.
func (w *groupWorker) resolveBatchError(ctx context.Context, batch []*OutboxItem, apiErr error) {
	status := statusFromErrorText(apiErr)

	retry := make([]string, 0, len(batch))
	exhausted := make([]string, 0)
	for _, item := range batch {
		if status.IsRetryable() && item.RetryCount < item.RetryCapFor(status, w.processor.config.MaxRetries) {
			retry = append(retry, item.ID)
		} else {
			exhausted = append(exhausted, item.ID)
		}
	}

	if len(retry) > 0 {
		if err := w.processor.repo.IncrementRetryCount(ctx, w.itemType, retry); err != nil {
			slog.Error("Failed to schedule retry", "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(w.itemType), "retried").
			Add(float64(len(retry)))
	}

	if len(exhausted) > 0 {
		// A retry-exhausted GATEWAY_ERROR is stored as INTERNAL_ERROR:
		// there is no gateway left to distinguish once retries stop
		terminal := CollapseTerminalStatus(status)
		if err := w.processor.repo.MarkWithStatusAndError(ctx, w.itemType, exhausted, terminal, apiErr.Error()); err != nil {
			slog.Error("Failed to mark items as failed", "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(w.itemType), "failed").
			Add(float64(len(exhausted)))
		slog.Warn("Items marked as failed",
			"group", w.key, "count", len(exhausted), "status", terminal.String())
	}
}

// resolveItemFailures applies per-item failure statuses from a partial
// batch result.
func (w *groupWorker) resolveItemFailures(ctx context.Context, batch []*OutboxItem, failed map[string]OutboxStatus) {
	byID := make(map[string]*OutboxItem, len(batch))
	for _, item := range batch {
		byID[item.ID] = item
	}

	retry := make([]string, 0, len(failed))
	terminalByStatus := make(map[OutboxStatus][]string)

	for id, status := range failed {
		item := byID[id]
		if item == nil {
			continue
		}
		if status.IsRetryable() && item.RetryCount < item.RetryCapFor(status, w.processor.config.MaxRetries) {
			retry = append(retry, id)
		} else {
			terminalByStatus[status] = append(terminalByStatus[status], id)
		}
	}

	if len(retry) > 0 {
		if err := w.processor.repo.IncrementRetryCount(ctx, w.itemType, retry); err != nil {
			slog.Error("Failed to schedule retry for failed items", "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(w.itemType), "retried").
			Add(float64(len(retry)))
	}

	for status, ids := range terminalByStatus {
		terminal := CollapseTerminalStatus(status)
		if err := w.processor.repo.MarkWithStatus(ctx, w.itemType, ids, terminal); err != nil {
			slog.Error("Failed to mark items with status",
				"error", err, "status", terminal.String())
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(w.itemType), "failed").
			Add(float64(len(ids)))
	}
}

// statusFromErrorText infers an OutboxStatus from an API error message by
// the HTTP code embedded in it; unknown shapes count as INTERNAL_ERROR.
func statusFromErrorText(apiErr error) OutboxStatus {
	if apiErr == nil {
		return StatusInternalError
	}
	text := apiErr.Error()
	switch {
	case strings.Contains(text, "400"):
		return StatusBadRequest
	case strings.Contains(text, "401"):
		return StatusUnauthorized
	case strings.Contains(text, "403"):
		return StatusForbidden
	case strings.Contains(text, "502"), strings.Contains(text, "503"), strings.Contains(text, "504"):
		return StatusGatewayError
	default:
		return StatusInternalError
	}
}
