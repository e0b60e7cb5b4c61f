package pool

import (
	"log/slog"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// spawnGroupHandler launches the goroutine that serializes one group.
func (p *ProcessPool) spawnGroupHandler(groupID string, queue chan *MessagePointer) {
	p.liveGroups.Store(groupID, true)
	p.wg.Add(1)
	go p.runGroupHandler(groupID, queue)
}

// runGroupHandler drains one group's queue, one message at a time, so no
// two mediations of the same group ever overlap. A handler idle for
// IdleTimeoutMinutes with an empty queue removes itself from the map.
func (p *ProcessPool) runGroupHandler(groupID string, queue chan *MessagePointer) {
	defer p.wg.Done()
	defer p.liveGroups.Delete(groupID)

	slog.Debug("Starting message group processor",
		"pool", p.poolCode,
		"group", groupID)

	idleTimeout := time.Duration(IdleTimeoutMinutes) * time.Minute
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			slog.Debug("Message group processor shutting down",
				"pool", p.poolCode,
				"group", groupID)
			return

		case msg := <-queue:
			if msg == nil {
				continue
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)

			p.queuedTotal.Add(-1)
			p.handleOne(msg)

		case <-timer.C:
			if len(queue) == 0 {
				slog.Debug("Message group idle, cleaning up",
					"pool", p.poolCode,
					"group", groupID,
					"idleMinutes", IdleTimeoutMinutes)
				p.groupQueues.Delete(groupID)
				return
			}
			timer.Reset(idleTimeout)
		}
	}
}

// handleOne takes one message through the gates - failure barrier, rate
// limiter, permit - and then mediates it.
func (p *ProcessPool) handleOne(msg *MessagePointer) {
	holdingPermit := false
	defer func() {
		if holdingPermit {
			p.permits <- struct{}{}
		}
		if r := recover(); r != nil {
			slog.Error("Panic during message processing",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
			p.safeNack(msg)
		}
	}()

	batchGroupKey := ""
	if msg.BatchID != "" {
		batchGroupKey = msg.BatchID + "|" + msg.group()
	}

	// Failure barrier: once any message of this (batch, group) failed,
	// the rest fast-nack so redelivery replays them in order
	if batchGroupKey != "" {
		if _, poisoned := p.poisonedBatchGroups.Load(batchGroupKey); poisoned {
			slog.Warn("Message from failed batch+group, nacking to preserve FIFO ordering",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"batchGroup", batchGroupKey)
			p.callback.SetFastFailVisibility(msg)
			p.safeNack(msg)
			p.finishBatchGroupMessage(batchGroupKey)
			return
		}
	}

	// Rate limit before taking a permit, so throttled messages never
	// consume concurrency
	if p.takeToken() {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		if p.stats != nil {
			p.stats.RecordRateLimitExceeded(p.poolCode)
		}
		slog.Warn("Rate limit exceeded, nacking message",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.callback.SetFastFailVisibility(msg)
		p.safeNack(msg)
		p.finishBatchGroupMessage(batchGroupKey)
		return
	}

	select {
	case <-p.permits:
		holdingPermit = true
	case <-p.ctx.Done():
		p.safeNack(msg)
		return
	}

	slog.Info("Processing message via mediator",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"target", msg.MediationTarget)

	if p.stats != nil {
		p.stats.RecordProcessingStarted(p.poolCode)
	}

	started := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(started)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())
	if p.stats != nil {
		p.stats.RecordProcessingFinished(p.poolCode)
	}

	slog.Info("Message processing completed",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", string(outcome.Result),
		"duration", duration)

	p.applyOutcome(msg, outcome, batchGroupKey, duration)
}

// takeToken reports true when the rate limiter refuses this message.
func (p *ProcessPool) takeToken() bool {
	p.limiterMu.RLock()
	limiter := p.limiter
	p.limiterMu.RUnlock()

	return limiter != nil && !limiter.Allow()
}

// applyOutcome settles the message with the broker according to the
// mediation result and updates both stats surfaces.
func (p *ProcessPool) applyOutcome(msg *MessagePointer, outcome *MediationOutcome, batchGroupKey string, duration time.Duration) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorProcess}
	}
	durationMs := duration.Milliseconds()

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingSuccess(p.poolCode, durationMs)
		}
		slog.Info("Message processed successfully - ACKing",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.callback.Ack(msg)
		p.finishBatchGroupMessage(batchGroupKey)

	case MediationResultErrorConfig:
		// 4xx: retrying cannot help, ack so the broker stops redelivering
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingFailure(p.poolCode, durationMs, "config")
		}
		slog.Warn("Configuration error - ACKing to prevent retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"statusCode", outcome.StatusCode)
		p.callback.Ack(msg)
		p.finishBatchGroupMessage(batchGroupKey)

	case MediationResultDeferred:
		// ack=false: the callback asked for a delayed retry. One
		// nack(delay), no failure accounting, no batch poisoning.
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "deferred").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingTransient(p.poolCode, durationMs)
		}
		slog.Info("Mediation deferred - NACKing with requested delay",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"delaySeconds", outcome.GetEffectiveDelaySeconds())
		p.nackWithDelay(msg, outcome)
		p.finishBatchGroupMessage(batchGroupKey)

	case MediationResultErrorProcess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingFailure(p.poolCode, durationMs, "process")
		}
		slog.Warn("Transient error - NACKing for retry",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.nackWithDelay(msg, outcome)
		p.poisonBatchGroup(batchGroupKey)

	case MediationResultErrorConnection:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingFailure(p.poolCode, durationMs, "connection")
		}
		slog.Warn("Connection error - NACKing for retry",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.callback.ResetVisibilityToDefault(msg)
		p.callback.Nack(msg)
		p.poisonBatchGroup(batchGroupKey)

	default:
		slog.Warn("Unknown result - NACKing for retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"result", string(outcome.Result))
		p.callback.ResetVisibilityToDefault(msg)
		p.callback.Nack(msg)
		p.poisonBatchGroup(batchGroupKey)
	}
}

// nackWithDelay nacks honoring a caller-requested delay, falling back to
// the default redelivery visibility.
func (p *ProcessPool) nackWithDelay(msg *MessagePointer, outcome *MediationOutcome) {
	if outcome.HasCustomDelay() {
		p.callback.SetVisibilityDelay(msg, outcome.GetEffectiveDelaySeconds())
	} else {
		p.callback.ResetVisibilityToDefault(msg)
	}
	p.callback.Nack(msg)
}

// poisonBatchGroup marks a (batch, group) failed so siblings fast-nack,
// then retires this message's slot in it.
func (p *ProcessPool) poisonBatchGroup(batchGroupKey string) {
	if batchGroupKey == "" {
		return
	}
	p.poisonedBatchGroups.Store(batchGroupKey, true)
	slog.Warn("Batch+group marked as failed",
		"pool", p.poolCode,
		"batchGroup", batchGroupKey)
	p.finishBatchGroupMessage(batchGroupKey)
}

// finishBatchGroupMessage retires one message of a (batch, group); when
// the last one retires the tracking entries are dropped.
func (p *ProcessPool) finishBatchGroupMessage(batchGroupKey string) {
	if batchGroupKey == "" {
		return
	}
	counterIface, ok := p.batchGroupRemaining.Load(batchGroupKey)
	if !ok {
		return
	}
	if counterIface.(*atomic.Int32).Add(-1) <= 0 {
		p.batchGroupRemaining.Delete(batchGroupKey)
		p.poisonedBatchGroups.Delete(batchGroupKey)
		slog.Debug("Batch+group fully processed, cleaned up",
			"pool", p.poolCode,
			"batchGroup", batchGroupKey)
	}
}

// safeNack nacks without letting a broken callback take the handler down.
func (p *ProcessPool) safeNack(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.callback.Nack(msg)
}
