package manager

import (
	"context"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/pool"
)

// DispatchMessage is the router's internal view of one queued message:
// the decoded pointer fields plus the broker callbacks that settle it and
// the dual-ID bookkeeping used for deduplication.
type DispatchMessage struct {
	JobID          string            `json:"jobId"`
	SQSMessageID   string            `json:"-"` // broker message id, never serialized
	DispatchPoolID string            `json:"dispatchPoolId"`
	MessageGroup   string            `json:"messageGroup"`
	BatchID        string            `json:"batchId"`
	Sequence       int               `json:"sequence"`
	TargetURL      string            `json:"targetUrl"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        string            `json:"payload"`
	ContentType    string            `json:"contentType"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	MaxRetries     int               `json:"maxRetries"`
	AttemptNumber  int               `json:"attemptNumber"`

	AuthToken     string `json:"-"` // HMAC auth token for Bearer auth
	MediationType string `json:"-"` // Mediation type (HTTP)

	// Broker settlement callbacks
	AckFunc        func() error              `json:"-"`
	NakFunc        func() error              `json:"-"`
	NakDelayFunc   func(time.Duration) error `json:"-"`
	InProgressFunc func() error              `json:"-"`

	// Receipt-handle rotation: a visibility-timeout redelivery brings a
	// fresh handle that must replace the stored one before the original
	// processing acks
	UpdateReceiptHandleFunc func(string)  `json:"-"`
	GetReceiptHandleFunc    func() string `json:"-"`
}

// pipelineKey returns the dedup key for the pipeline maps: the broker id
// when present, else the application id.
func (msg *DispatchMessage) pipelineKey() string {
	if msg.SQSMessageID != "" {
		return msg.SQSMessageID
	}
	return msg.JobID
}

// toPointer converts the dispatch message into the pool's mediation unit.
func (msg *DispatchMessage) toPointer() *pool.MessagePointer {
	return &pool.MessagePointer{
		ID:              msg.JobID,
		SQSMessageID:    msg.SQSMessageID,
		BatchID:         msg.BatchID,
		MessageGroupID:  msg.MessageGroup,
		MediationTarget: msg.TargetURL,
		MediationType:   msg.MediationType,
		AuthToken:       msg.AuthToken,
		Payload:         []byte(msg.Payload),
		Headers:         msg.Headers,
		TimeoutSeconds:  msg.TimeoutSeconds,
		AckFunc:         msg.AckFunc,
		NakFunc:         msg.NakFunc,
		NakDelayFunc:    msg.NakDelayFunc,
		InProgressFunc:  msg.InProgressFunc,
	}
}

// duplicateKind classifies how an incoming message relates to the pipeline.
type duplicateKind int

const (
	notDuplicate duplicateKind = iota
	// redelivery: the same broker message came back because its
	// visibility timeout lapsed mid-processing
	redelivery
	// requeued: the same application message arrived under a NEW broker
	// id (an external re-publish); the extra copy should be acked away
	requeued
)

// classifyDuplicate checks the dual-ID maps, rotating the receipt handle
// on a redelivery.
func (m *QueueManager) classifyDuplicate(msg *DispatchMessage) duplicateKind {
	if msg.SQSMessageID != "" {
		if _, inFlight := m.inPipelineMap.Load(msg.SQSMessageID); inFlight {
			slog.Debug("Duplicate: visibility timeout redelivery - updating receipt handle",
				"sqsMessageId", msg.SQSMessageID,
				"appMessageId", msg.JobID)
			m.rotateReceiptHandle(msg.SQSMessageID, msg.JobID, msg)
			return redelivery
		}
	}

	if existing, tracked := m.appIdToPipelineKey.Load(msg.JobID); tracked {
		existingBrokerID := existing.(string)
		if msg.SQSMessageID != "" && msg.SQSMessageID != existingBrokerID {
			slog.Info("Requeued duplicate detected",
				"appMessageId", msg.JobID,
				"existingSQSId", existingBrokerID,
				"newSQSId", msg.SQSMessageID)
			return requeued
		}
		slog.Debug("Duplicate message detected, skipping", "messageId", msg.JobID)
		return redelivery
	}

	return notDuplicate
}

// trackInPipeline registers a message in the dual-ID maps before submission.
func (m *QueueManager) trackInPipeline(msg *DispatchMessage, key string) {
	m.inPipelineMap.Store(key, msg)
	m.inPipelineTimestamps.Store(key, time.Now().UnixMilli())
	m.appIdToPipelineKey.Store(msg.JobID, key)
}

// defaultPoolConfig sizes a pool created on demand for an unseen pool code.
func (m *QueueManager) defaultPoolConfig(code string) *PoolConfig {
	concurrency := m.defaultConcurrency()
	return &PoolConfig{
		Code:          code,
		Concurrency:   concurrency,
		QueueCapacity: max(concurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
	}
}

// RouteMessage routes one message: dedup, pipeline tracking, then submit
// to its pool. Returns false when the pool rejected it (caller nacks).
func (m *QueueManager) RouteMessage(msg *DispatchMessage) bool {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		return false
	}

	// Duplicates report success so the consumer doesn't nack them into a
	// redelivery loop
	if m.classifyDuplicate(msg) != notDuplicate {
		return true
	}

	key := msg.pipelineKey()
	m.trackInPipeline(msg, key)

	p := m.GetOrCreatePool(m.defaultPoolConfig(msg.DispatchPoolID))
	if !p.Submit(msg.toPointer()) {
		m.cleanupPipelineEntry(msg.JobID, key)
		return false
	}
	return true
}

// BatchRouteResult contains the results of batch routing
type BatchRouteResult struct {
	Submitted    int // Successfully submitted to pools
	Deduplicated int // Skipped as duplicates
	Rejected     int // Rejected due to capacity/rate limiting
	FailBarrier  int // Nacked due to failure barrier
}

// RouteMessageBatch routes a batch through three phases: dual-ID
// deduplication, per-pool capacity checks, then in-order submission with a
// failure barrier - once one message of a group fails to submit, the rest
// of that group is nacked so FIFO order survives redelivery.
func (m *QueueManager) RouteMessageBatch(ctx context.Context, messages []*DispatchMessage) BatchRouteResult {
	var result BatchRouteResult
	if len(messages) == 0 {
		return result
	}

	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		for _, msg := range messages {
			if msg.NakFunc != nil {
				msg.NakFunc()
			}
		}
		result.Rejected = len(messages)
		return result
	}

	fresh := m.dedupBatch(messages, &result)
	if len(fresh) == 0 {
		return result
	}

	byPool := make(map[string][]*DispatchMessage)
	for _, msg := range fresh {
		code := msg.DispatchPoolID
		if code == "" {
			code = "default"
		}
		byPool[code] = append(byPool[code], msg)
	}

	for poolCode, poolMessages := range byPool {
		if !m.poolCanAbsorb(poolCode, poolMessages, &result) {
			continue
		}
		m.submitPoolBatch(poolCode, poolMessages, &result)
	}

	slog.Info("Batch routing complete",
		"submitted", result.Submitted,
		"deduplicated", result.Deduplicated,
		"rejected", result.Rejected,
		"failBarrier", result.FailBarrier)
	return result
}

// dedupBatch settles duplicates (nack redeliveries so the broker retries
// later, ack requeued copies away) and returns the messages to route.
func (m *QueueManager) dedupBatch(messages []*DispatchMessage, result *BatchRouteResult) []*DispatchMessage {
	fresh := make([]*DispatchMessage, 0, len(messages))

	for _, msg := range messages {
		switch m.classifyDuplicate(msg) {
		case redelivery:
			result.Deduplicated++
			if msg.NakFunc != nil {
				msg.NakFunc()
			}
		case requeued:
			result.Deduplicated++
			if msg.AckFunc != nil {
				msg.AckFunc()
			}
		default:
			fresh = append(fresh, msg)
		}
	}
	return fresh
}

// poolCanAbsorb rejects (and nacks) a pool's whole slice when the pool is
// rate limited or lacks capacity for it.
func (m *QueueManager) poolCanAbsorb(poolCode string, poolMessages []*DispatchMessage, result *BatchRouteResult) bool {
	p := m.GetPool(poolCode)
	if p == nil {
		return true // pool will be created on submit
	}

	reason := ""
	if p.IsRateLimited() {
		reason = "Pool rate limited, nacking batch for pool"
	} else if !p.HasCapacity(len(poolMessages)) {
		reason = "Pool at capacity, nacking batch for pool"
	}
	if reason == "" {
		return true
	}

	slog.Warn(reason, "pool", poolCode, "messageCount", len(poolMessages))
	for _, msg := range poolMessages {
		m.inPipelineMap.Delete(msg.JobID)
		if msg.NakFunc != nil {
			msg.NakFunc()
		}
	}
	result.Rejected += len(poolMessages)
	return false
}

// submitPoolBatch submits one pool's messages group by group, preserving
// arrival order within each group and dropping the barrier on first failure.
func (m *QueueManager) submitPoolBatch(poolCode string, poolMessages []*DispatchMessage, result *BatchRouteResult) {
	p := m.GetOrCreatePool(m.defaultPoolConfig(poolCode))

	// Partition by group, keeping both group order and in-group order
	var groupOrder []string
	byGroup := make(map[string][]*DispatchMessage)
	for _, msg := range poolMessages {
		groupID := msg.MessageGroup
		if groupID == "" {
			groupID = "__DEFAULT__"
		}
		if _, seen := byGroup[groupID]; !seen {
			groupOrder = append(groupOrder, groupID)
		}
		byGroup[groupID] = append(byGroup[groupID], msg)
	}

	for _, groupID := range groupOrder {
		barrierDown := false
		for _, msg := range byGroup[groupID] {
			key := msg.pipelineKey()

			if barrierDown {
				m.cleanupPipelineEntry(msg.JobID, key)
				if msg.NakFunc != nil {
					msg.NakFunc()
				}
				result.FailBarrier++
				continue
			}

			m.trackInPipeline(msg, key)
			if !p.Submit(msg.toPointer()) {
				slog.Warn("Failed to submit message, activating failure barrier",
					"pool", poolCode,
					"messageId", msg.JobID,
					"group", groupID)
				m.cleanupPipelineEntry(msg.JobID, key)
				if msg.NakFunc != nil {
					msg.NakFunc()
				}
				barrierDown = true
				result.Rejected++
				continue
			}
			result.Submitted++
		}
	}
}

// cleanupPipelineEntry removes a message from all pipeline tracking maps
func (m *QueueManager) cleanupPipelineEntry(appMessageId, pipelineKey string) {
	m.inPipelineMap.Delete(pipelineKey)
	m.inPipelineTimestamps.Delete(pipelineKey)
	m.appIdToPipelineKey.Delete(appMessageId)
}

// rotateReceiptHandle copies the redelivered message's receipt handle onto
// the stored in-pipeline message, so the eventual ack uses a handle the
// broker still honors.
func (m *QueueManager) rotateReceiptHandle(pipelineKey, appMessageId string, fresh *DispatchMessage) {
	storedValue, exists := m.inPipelineMap.Load(pipelineKey)
	if !exists {
		slog.Warn("Cannot update receipt handle - no stored message found",
			"pipelineKey", pipelineKey,
			"appMessageId", appMessageId)
		return
	}
	stored, ok := storedValue.(*DispatchMessage)
	if !ok {
		slog.Warn("Cannot update receipt handle - stored value is not DispatchMessage",
			"pipelineKey", pipelineKey)
		return
	}
	if stored.UpdateReceiptHandleFunc == nil {
		slog.Debug("Stored message does not support receipt handle updates",
			"appMessageId", appMessageId)
		return
	}
	if fresh.GetReceiptHandleFunc == nil {
		slog.Warn("New message cannot provide receipt handle for update",
			"appMessageId", appMessageId)
		return
	}

	newHandle := fresh.GetReceiptHandleFunc()
	if newHandle == "" {
		slog.Warn("New receipt handle is empty - cannot update",
			"appMessageId", appMessageId)
		return
	}

	oldHandle := ""
	if stored.GetReceiptHandleFunc != nil {
		oldHandle = stored.GetReceiptHandleFunc()
	}
	stored.UpdateReceiptHandleFunc(newHandle)

	slog.Info("Updated receipt handle for in-pipeline message due to redelivery",
		"appMessageId", appMessageId,
		"pipelineKey", pipelineKey,
		"oldHandle", truncateHandle(oldHandle),
		"newHandle", truncateHandle(newHandle))
}

// truncateHandle shortens a receipt handle for logging.
func truncateHandle(handle string) string {
	if len(handle) <= 20 {
		return handle
	}
	return handle[:20] + "..."
}

// Ack settles a message successfully and drops its pipeline entries.
func (m *QueueManager) Ack(msg *pool.MessagePointer) {
	m.untrackPointer(msg)
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
		}
	}
}

// Nack settles a message for redelivery and drops its pipeline entries.
func (m *QueueManager) Nack(msg *pool.MessagePointer) {
	m.untrackPointer(msg)
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
		}
	}
}

func (m *QueueManager) untrackPointer(msg *pool.MessagePointer) {
	key := msg.SQSMessageID
	if key == "" {
		key = msg.ID
	}
	m.cleanupPipelineEntry(msg.ID, key)
}

// MessageCallbackImpl implements pool.MessageCallback
type MessageCallbackImpl struct {
	manager *QueueManager
}

func (c *MessageCallbackImpl) Ack(msg *pool.MessagePointer) {
	c.manager.Ack(msg)
}

func (c *MessageCallbackImpl) Nack(msg *pool.MessagePointer) {
	c.manager.Nack(msg)
}

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *pool.MessagePointer, seconds int) {
	if msg.NakDelayFunc != nil {
		msg.NakDelayFunc(time.Duration(seconds) * time.Second)
	}
}

// SetFastFailVisibility requests a near-immediate retry.
func (c *MessageCallbackImpl) SetFastFailVisibility(msg *pool.MessagePointer) {
	c.SetVisibilityDelay(msg, 1)
}

// ResetVisibilityToDefault leaves the broker's configured visibility in place.
func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *pool.MessagePointer) {}

// WireReceiptHandleCallbacks connects a DispatchMessage to its queue
// message's receipt-handle accessors, when the broker supports rotation.
func WireReceiptHandleCallbacks(dispatchMsg *DispatchMessage, queueMsg queue.Message) {
	if updatable, ok := queueMsg.(queue.ReceiptHandleUpdatable); ok {
		dispatchMsg.UpdateReceiptHandleFunc = updatable.UpdateReceiptHandle
		dispatchMsg.GetReceiptHandleFunc = updatable.GetReceiptHandle
	}
}

// GenerateBatchID generates a new batch ID
func GenerateBatchID() string {
	return tsid.Generate()
}
