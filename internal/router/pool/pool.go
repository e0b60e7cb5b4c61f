// Package pool implements the processing pool: a per-pool concurrency
// semaphore and rate limiter in front of per-message-group handlers, so
// messages sharing a group run strictly one at a time while unrelated
// groups run in parallel up to the pool's limit.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	rmetrics "go.flowcatalyst.tech/internal/router/metrics"
)

const (
	// DefaultGroup for messages without a messageGroupId
	DefaultGroup = "__DEFAULT__"

	// IdleTimeoutMinutes before an inactive group handler reaps itself
	IdleTimeoutMinutes = 5
)

// MessagePointer carries everything one mediation needs: routing keys,
// payload, tracing ids and the broker callbacks that settle the message.
type MessagePointer struct {
	ID              string // Application message ID (JobID)
	SQSMessageID    string
	BatchID         string
	MessageGroupID  string
	MediationTarget string            // URL to POST to for mediation
	MediationType   string            // Type of mediation (HTTP, etc.)
	AuthToken       string            // HMAC auth token for Bearer authentication
	Payload         []byte            // Original payload (for non-pointer mode)
	Headers         map[string]string // Additional headers
	CorrelationID   string            // Propagated as X-Correlation-ID
	CausationID     string            // Propagated as X-Causation-ID, if present
	SigningSecret   string            // Per-pool HMAC signing secret for the webhook signature headers
	TimeoutSeconds  int
	AckFunc         func() error
	NakFunc         func() error
	NakDelayFunc    func(time.Duration) error
	InProgressFunc  func() error
}

// group returns the message's FIFO key, defaulted for ungrouped messages.
func (m *MessagePointer) group() string {
	if m.MessageGroupID == "" {
		return DefaultGroup
	}
	return m.MessageGroupID
}

// MediationResult represents the result of mediation
type MediationResult string

const (
	MediationResultSuccess         MediationResult = "SUCCESS"
	MediationResultErrorConfig     MediationResult = "ERROR_CONFIG"     // 4xx - don't retry
	MediationResultErrorProcess    MediationResult = "ERROR_PROCESS"    // 5xx - retry
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION" // Connection error - retry
	MediationResultDeferred        MediationResult = "DEFERRED"         // 2xx ack=false - single nack(delay), not a failure
)

// MediationOutcome represents the outcome of mediation including optional delay
type MediationOutcome struct {
	Result      MediationResult
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool
}

// HasCustomDelay returns true if a custom delay is set
func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// GetEffectiveDelaySeconds returns the delay in seconds
func (o *MediationOutcome) GetEffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator processes messages
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}

// MessageCallback handles ack/nack operations
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer)
	SetVisibilityDelay(msg *MessagePointer, seconds int)
	SetFastFailVisibility(msg *MessagePointer)
	ResetVisibilityToDefault(msg *MessagePointer)
}

// Pool represents a message processing pool
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// ProcessPool implements Pool. Each message group gets its own channel and
// goroutine (the per-group handler); the shared permit channel caps how
// many handlers mediate at once.
type ProcessPool struct {
	poolCode      string
	concurrency   int32
	queueCapacity int

	// permits holds one token per allowed concurrent mediation. Resizing
	// adds or drains tokens in place - the channel itself is never
	// replaced, so resize can't race in-flight acquisitions.
	permits chan struct{}

	running atomic.Bool

	limiterMu          sync.RWMutex
	limiter            *rate.Limiter
	rateLimitPerMinute *int

	mediator Mediator
	callback MessageCallback

	// groupQueues maps group id -> its channel; liveGroups tracks which
	// groups currently have a handler goroutine
	groupQueues sync.Map
	liveGroups  sync.Map
	queuedTotal atomic.Int32

	// Batch+group failure barrier: once one message of a (batch, group)
	// fails, the rest are fast-nacked to preserve FIFO order on redelivery
	poisonedBatchGroups sync.Map
	batchGroupRemaining sync.Map

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup

	// JSON-facing stats for /monitoring/pool-stats (5min/30min windows),
	// distinct from the Prometheus gauges that feed /metrics
	stats rmetrics.PoolMetricsService
}

// NewProcessPool creates a new process pool
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator Mediator,
	messageCallback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:           poolCode,
		concurrency:        int32(concurrency),
		queueCapacity:      queueCapacity,
		permits:            make(chan struct{}, concurrency),
		mediator:           mediator,
		callback:           messageCallback,
		rateLimitPerMinute: rateLimitPerMinute,
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
	}

	for i := 0; i < concurrency; i++ {
		p.permits <- struct{}{}
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		p.limiter = newMinuteLimiter(*rateLimitPerMinute)
		slog.Info("Created pool-level rate limiter",
			"pool", poolCode,
			"rateLimit", *rateLimitPerMinute)
	}

	return p
}

// newMinuteLimiter builds a token bucket that refills smoothly across the
// minute rather than bursting at minute boundaries.
func newMinuteLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// SetStatsService attaches the rolling-window stats collector consumed by
// GET /monitoring/pool-stats. Must be called before Start for capacity
// gauges to be correct from the first scrape.
func (p *ProcessPool) SetStatsService(stats rmetrics.PoolMetricsService) {
	p.stats = stats
	if stats != nil {
		stats.InitializePoolCapacity(p.poolCode, int(atomic.LoadInt32(&p.concurrency)), p.queueCapacity)
	}
}

// Start begins processing
func (p *ProcessPool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	p.gaugeWg.Add(1)
	go p.gaugeLoop()

	slog.Info("Starting process pool with per-group goroutines",
		"pool", p.poolCode,
		"concurrency", atomic.LoadInt32(&p.concurrency))
}

// Drain stops accepting new work but finishes processing
func (p *ProcessPool) Drain() {
	slog.Info("Draining process pool",
		"pool", p.poolCode,
		"queued", p.queuedTotal.Load())
	p.running.Store(false)
}

// Submit routes a message to its group handler's queue. Returns false when
// the pool is draining or at capacity; the caller nacks in that case.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	groupID := msg.group()

	batchGroupKey := ""
	if msg.BatchID != "" {
		batchGroupKey = msg.BatchID + "|" + groupID
		counter, _ := p.batchGroupRemaining.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	queueIface, isNew := p.groupQueues.LoadOrStore(groupID, make(chan *MessagePointer, p.queueCapacity))
	queue := queueIface.(chan *MessagePointer)

	if isNew {
		p.spawnGroupHandler(groupID, queue)
		slog.Debug("Created new message group with dedicated goroutine",
			"pool", p.poolCode,
			"group", groupID)
	} else if _, alive := p.liveGroups.Load(groupID); !alive {
		// Handler exited (idle reap racing a submit, or a crash): restart it
		slog.Warn("Goroutine for message group appears to have died - restarting",
			"pool", p.poolCode,
			"group", groupID)
		p.spawnGroupHandler(groupID, queue)
	}

	if int(p.queuedTotal.Load()) >= p.queueCapacity {
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"capacity", p.queueCapacity,
			"messageId", msg.ID)
		p.finishBatchGroupMessage(batchGroupKey)
		return false
	}

	select {
	case queue <- msg:
		p.queuedTotal.Add(1)
		if p.stats != nil {
			p.stats.RecordMessageSubmitted(p.poolCode)
		}
		return true
	default:
		p.finishBatchGroupMessage(batchGroupKey)
		return false
	}
}

// GetPoolCode returns the pool code
func (p *ProcessPool) GetPoolCode() string {
	return p.poolCode
}

// GetConcurrency returns the concurrency limit
func (p *ProcessPool) GetConcurrency() int {
	return int(atomic.LoadInt32(&p.concurrency))
}

// GetRateLimitPerMinute returns the rate limit
func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.limiterMu.RLock()
	defer p.limiterMu.RUnlock()
	return p.rateLimitPerMinute
}

// IsFullyDrained reports whether no work is queued and every permit is back.
func (p *ProcessPool) IsFullyDrained() bool {
	return p.queuedTotal.Load() == 0 &&
		len(p.permits) == int(atomic.LoadInt32(&p.concurrency))
}

// Shutdown stops the pool and waits (bounded) for handlers to exit.
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the total queued messages
func (p *ProcessPool) GetQueueSize() int {
	return int(p.queuedTotal.Load())
}

// GetActiveWorkers returns the number of in-flight mediations.
func (p *ProcessPool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.permits)
}

// GetQueueCapacity returns the queue capacity
func (p *ProcessPool) GetQueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity reports whether the pool can absorb `needed` more messages.
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited reports whether the bucket is currently out of tokens.
func (p *ProcessPool) IsRateLimited() bool {
	p.limiterMu.RLock()
	limiter := p.limiter
	p.limiterMu.RUnlock()

	return limiter != nil && limiter.Tokens() <= 0
}

// UpdateConcurrency resizes the permit pool in place. Raising the limit
// adds tokens immediately; lowering it drains tokens as running work
// returns them, failing if the drain doesn't finish within the timeout.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	switch {
	case newLimit == current:
		return true

	case newLimit > current:
		for i := 0; i < newLimit-current; i++ {
			p.permits <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased",
			"pool", p.poolCode, "from", current, "to", newLimit)
		return true

	default:
		deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
		drained := 0
		for drained < current-newLimit {
			select {
			case <-p.permits:
				drained++
			case <-time.After(time.Until(deadline)):
				// Put back what we took and leave the limit unchanged
				for i := 0; i < drained; i++ {
					p.permits <- struct{}{}
				}
				slog.Warn("Concurrency decrease timed out",
					"pool", p.poolCode, "from", current, "to", newLimit)
				return false
			}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency decreased",
			"pool", p.poolCode, "from", current, "to", newLimit)
		return true
	}
}

// UpdateRateLimit swaps the token bucket; nil or non-positive disables
// rate limiting entirely.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.limiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	p.limiter = newMinuteLimiter(*newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated",
		"pool", p.poolCode,
		"rateLimit", *newRateLimitPerMinute)
}

// gaugeLoop publishes gauges on a short fixed cadence.
func (p *ProcessPool) gaugeLoop() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.publishGauges()
	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.publishGauges()
		}
	}
}

func (p *ProcessPool) publishGauges() {
	active := p.GetActiveWorkers()
	queued := p.GetQueueSize()
	available := int(atomic.LoadInt32(&p.concurrency)) - active
	groups := p.groupCount()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(active))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queued))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(available))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(groups))

	if p.stats != nil {
		p.stats.UpdatePoolGauges(p.poolCode, active, available, queued, groups)
	}
}

func (p *ProcessPool) groupCount() int {
	count := 0
	p.groupQueues.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
