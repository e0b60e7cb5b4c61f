package outbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// pollLoop ticks the poller while this instance is primary.
func (p *Processor) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.primary.Load() {
				p.pollAllTypes()
			}
		}
	}
}

// pollAllTypes runs one poll round across every item type. Backpressure
// happens here: unless a full batch of permits is free, the round is
// skipped and the rows stay PENDING for a later tick.
func (p *Processor) pollAllTypes() {
	if !p.pollMu.TryLock() {
		return
	}
	defer p.pollMu.Unlock()

	p.lastPollUnixMilli.Store(time.Now().UnixMilli())

	free := p.config.MaxInFlight - int(atomic.LoadInt32(&p.inFlight))
	if free < p.config.PollBatchSize {
		slog.Debug("Skipping poll - insufficient in-flight capacity",
			"availableSlots", free,
			"pollBatchSize", p.config.PollBatchSize)
		return
	}

	started := time.Now()
	defer func() {
		metrics.OutboxPollDuration.Observe(time.Since(started).Seconds())
	}()

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	for _, itemType := range outboxTypes {
		p.pollType(ctx, itemType)
	}
}

// pollType fetches one type's PENDING rows, stamps them IN_PROGRESS before
// anything else can happen to them, acquires permits for the fetched
// count, and buffers them for distribution.
func (p *Processor) pollType(ctx context.Context, itemType OutboxItemType) {
	items, err := p.repo.FetchPending(ctx, itemType, p.config.PollBatchSize)
	if err != nil {
		slog.Error("Failed to fetch pending outbox items",
			"error", err, "type", string(itemType))
		return
	}
	if len(items) == 0 {
		return
	}

	// IN_PROGRESS goes to the database BEFORE buffering: a crash after
	// this point leaves recoverable rows, never double-sent ones
	if err := p.repo.MarkAsInProgress(ctx, itemType, itemIDs(items)); err != nil {
		slog.Error("Failed to mark items as in-progress",
			"error", err, "type", string(itemType), "count", len(items))
		return
	}

	atomic.AddInt32(&p.inFlight, int32(len(items)))
	metrics.OutboxInFlightItems.Set(float64(atomic.LoadInt32(&p.inFlight)))

	slog.Debug("Fetched and marked outbox items as in-progress",
		"type", string(itemType), "count", len(items))

	for _, item := range items {
		select {
		case p.buffer <- item:
			atomic.AddInt32(&p.buffered, 1)
			metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&p.buffered)))
		case <-ctx.Done():
			// Shutdown mid-buffer: the remaining rows are already
			// IN_PROGRESS and come back via crash recovery
			return
		}
	}
}
