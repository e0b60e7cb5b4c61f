package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"go.flowcatalyst.tech/internal/common/leader"
	"go.flowcatalyst.tech/internal/common/metrics"
)

// outboxTypes is every item type the pipeline moves, in poll order.
var outboxTypes = []OutboxItemType{
	OutboxItemTypeEvent,
	OutboxItemTypeDispatchJob,
	OutboxItemTypeAuditLog,
}

// ProcessorConfig holds configuration for the outbox processor
type ProcessorConfig struct {
	// Enabled controls whether the processor is active
	Enabled bool

	// PollInterval is how often to poll for pending items
	PollInterval time.Duration

	// PollBatchSize is the maximum items to fetch per poll
	PollBatchSize int

	// APIBatchSize is the maximum items per API call
	APIBatchSize int

	// MaxConcurrentGroups limits parallel message group processing
	MaxConcurrentGroups int

	// MaxInFlight caps items in the pipeline (buffer + group queues);
	// the poller refuses to fetch unless a full batch fits
	MaxInFlight int

	// MaxRetries is the fallback retry budget for rows without their own
	MaxRetries int

	// RecoveryInterval is how often to run periodic recovery
	RecoveryInterval time.Duration

	// ProcessingTimeoutSeconds is how long items can sit in an error
	// status before the recovery sweep reclaims them
	ProcessingTimeoutSeconds int

	// LeaderElection enables distributed leader election
	LeaderElection LeaderElectionConfig
}

// LeaderElectionConfig holds leader election settings
type LeaderElectionConfig struct {
	Enabled         bool
	LockName        string
	LeaseDuration   time.Duration
	RefreshInterval time.Duration
	// RedisURL is the Redis connection URL; empty disables election even
	// when Enabled is set
	RedisURL string
}

// DefaultLeaderElectionConfig returns sensible defaults for leader election
func DefaultLeaderElectionConfig() LeaderElectionConfig {
	return LeaderElectionConfig{
		Enabled:         false,
		LockName:        "outbox-processor-leader",
		LeaseDuration:   30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Enabled:                  true,
		PollInterval:             time.Second,
		PollBatchSize:            500,
		APIBatchSize:             100,
		MaxConcurrentGroups:      10,
		MaxInFlight:              2500,
		MaxRetries:               3,
		RecoveryInterval:         60 * time.Second,
		ProcessingTimeoutSeconds: 300,
	}
}

// Processor drives the outbox pipeline: a single poller marks PENDING rows
// IN_PROGRESS and feeds them through a bounded buffer to per-group workers
// that batch them to the platform API. Status codes on the row are the
// only coordination - no row locks - which keeps the scheme identical
// across PostgreSQL, MySQL and MongoDB. Crash recovery resets whatever was
// left IN_PROGRESS by a dead process.
type Processor struct {
	config *ProcessorConfig
	repo   Repository
	api    *APIClient

	// Pipeline: poller -> buffer -> distributor -> group workers
	buffer   chan *OutboxItem
	buffered int32 // items sitting in the buffer
	inFlight int32 // permits: buffer + group queues combined

	groups   sync.Map // groupKey -> *groupWorker
	groupSem chan struct{}

	// Leader election (only the leader polls)
	elector *leader.RedisLeaderElector
	primary atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex // one poll at a time

	lastPollUnixMilli atomic.Int64
}

// NewProcessor creates a new outbox processor
func NewProcessor(repo Repository, apiClient *APIClient, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		config:   config,
		repo:     repo,
		api:      apiClient,
		buffer:   make(chan *OutboxItem, config.MaxInFlight),
		groupSem: make(chan struct{}, config.MaxConcurrentGroups),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Single-instance deployments are always primary
	p.primary.Store(true)
	return p
}

// WithRedisLeaderElection enables Redis-based leader election so only one
// of several processor instances polls at a time.
func (p *Processor) WithRedisLeaderElection(redisClient *redis.Client) *Processor {
	if redisClient == nil || !p.config.LeaderElection.Enabled {
		return p
	}

	cfg := leader.DefaultRedisElectorConfig(p.config.LeaderElection.LockName)
	if d := p.config.LeaderElection.LeaseDuration; d > 0 {
		cfg.TTL = d
	}
	if d := p.config.LeaderElection.RefreshInterval; d > 0 {
		cfg.RefreshInterval = d
	}

	p.elector = leader.NewRedisLeaderElector(redisClient, cfg)
	p.elector.OnBecomeLeader(func() {
		p.primary.Store(true)
		metrics.OutboxLeaderElectionState.Set(1)
		slog.Info("Outbox processor became primary via Redis leader election")
	})
	p.elector.OnLoseLeadership(func() {
		p.primary.Store(false)
		metrics.OutboxLeaderElectionState.Set(0)
		slog.Warn("Outbox processor lost primary status via Redis leader election")
	})

	// Not primary until the lock is won
	p.primary.Store(false)
	return p
}

// Start brings the pipeline up: crash recovery first, then the poller,
// distributor and recovery loops.
func (p *Processor) Start() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return
	}
	p.running = true

	if !p.config.Enabled {
		slog.Info("Outbox processor is disabled")
		return
	}

	p.recoverInProgress()

	if p.elector != nil {
		if err := p.elector.Start(p.ctx); err != nil {
			slog.Error("Failed to start Redis leader election", "error", err)
		} else {
			slog.Info("Redis leader election started for outbox processor",
				"lockName", p.config.LeaderElection.LockName)
		}
	}

	for _, loop := range []func(){p.distributeLoop, p.pollLoop, p.recoveryLoop} {
		p.wg.Add(1)
		go loop()
	}

	slog.Info("Outbox processor started",
		"pollInterval", p.config.PollInterval,
		"batchSize", p.config.PollBatchSize,
		"maxConcurrentGroups", p.config.MaxConcurrentGroups,
		"maxInFlight", p.config.MaxInFlight,
		"isPrimary", p.primary.Load())
}

// Stop stops the outbox processor
func (p *Processor) Stop() {
	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()

	p.cancel()
	p.wg.Wait()

	if p.elector != nil {
		p.elector.Stop()
	}

	slog.Info("Outbox processor stopped")
}

// IsPrimary returns whether this processor is the current leader
func (p *Processor) IsPrimary() bool {
	return p.primary.Load()
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	inFlight := atomic.LoadInt32(&p.inFlight)
	return ProcessorStats{
		Status:                "UP",
		Healthy:               p.running && p.primary.Load(),
		LastPollTime:          time.UnixMilli(p.lastPollUnixMilli.Load()),
		ActiveMessageGroups:   p.activeGroups(),
		InFlightPermits:       p.config.MaxInFlight - int(inFlight),
		TotalInFlightCapacity: p.config.MaxInFlight,
		BufferedItems:         int(atomic.LoadInt32(&p.buffered)),
	}
}

func (p *Processor) activeGroups() int {
	count := 0
	p.groups.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// releasePermits gives batch-sized permits back to the poller. Every path
// out of a delivered batch - success or failure - must pass through here
// exactly once.
func (p *Processor) releasePermits(n int) {
	atomic.AddInt32(&p.inFlight, -int32(n))
	metrics.OutboxInFlightItems.Set(float64(atomic.LoadInt32(&p.inFlight)))
}

// recoverInProgress resets rows a crashed run left in IN_PROGRESS back to
// PENDING, keeping their retry counts. Runs once at startup.
func (p *Processor) recoverInProgress() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, itemType := range outboxTypes {
		stuck, err := p.repo.FetchStuckItems(ctx, itemType)
		if err != nil {
			slog.Error("Failed to fetch stuck items during crash recovery",
				"error", err, "type", string(itemType))
			continue
		}
		if len(stuck) == 0 {
			continue
		}

		ids := itemIDs(stuck)
		if err := p.repo.ResetStuckItems(ctx, itemType, ids); err != nil {
			slog.Error("Failed to reset stuck items during crash recovery",
				"error", err, "type", string(itemType), "count", len(ids))
			continue
		}

		metrics.OutboxRecoveredItems.WithLabelValues(string(itemType)).Add(float64(len(ids)))
		slog.Info("Reset stuck outbox items during crash recovery",
			"type", string(itemType), "count", len(ids))
	}
}

// recoveryLoop periodically re-runs the IN_PROGRESS/error-status sweep so
// rows orphaned while the process keeps running (buffer overflow, lost
// worker) still come back.
func (p *Processor) recoveryLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.primary.Load() {
				p.sweepRecoverable()
			}
		}
	}
}

// sweepRecoverable resets rows stuck in IN_PROGRESS or an error status for
// longer than the processing timeout, without touching retry counts.
func (p *Processor) sweepRecoverable() {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	for _, itemType := range outboxTypes {
		recoverable, err := p.repo.FetchRecoverableItems(
			ctx, itemType, p.config.ProcessingTimeoutSeconds, p.config.PollBatchSize)
		if err != nil {
			slog.Error("Failed to fetch recoverable items during periodic recovery",
				"error", err, "type", string(itemType))
			continue
		}
		if len(recoverable) == 0 {
			continue
		}

		ids := itemIDs(recoverable)
		if err := p.repo.ResetRecoverableItems(ctx, itemType, ids); err != nil {
			slog.Error("Failed to reset recoverable items during periodic recovery",
				"error", err, "type", string(itemType), "count", len(ids))
			continue
		}

		metrics.OutboxRecoveredItems.WithLabelValues(string(itemType)).Add(float64(len(ids)))
		slog.Info("Periodic recovery: reset items back to PENDING",
			"type", string(itemType), "count", len(ids))
	}
}

func itemIDs(items []*OutboxItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
