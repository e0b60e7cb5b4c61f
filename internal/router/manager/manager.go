// Package manager implements the queue manager: it binds broker consumers
// to processing pools, deduplicates in-flight messages across redeliveries,
// keeps pool definitions in sync with the control-plane database, and runs
// the maintenance loops (pipeline reaping, visibility extension, leak
// detection) that keep long-lived routing state honest.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchpool"
	rmetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/pool"
)

// QueueManager owns the pool map and the pipeline-tracking state shared by
// every consumer feeding this router.
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // pools removed from config, still flushing

	// Dual-ID pipeline tracking: broker id (or app id) -> message, plus
	// the reverse app-id index used to spot requeued duplicates
	inPipelineMap        sync.Map
	inPipelineTimestamps sync.Map // pipelineKey -> arrival unix millis
	appIdToPipelineKey   sync.Map

	mediator        *mediator.HTTPMediator
	messageCallback *MessageCallbackImpl
	running         bool
	runningMu       sync.Mutex
	initialized     bool // initial config sync completed

	standbyChecker StandbyChecker

	// Config sync
	poolRepo   dispatchpool.Repository
	syncConfig *ConfigSyncConfig
	syncCtx    context.Context
	syncCancel context.CancelFunc
	syncWg     sync.WaitGroup

	// Pipeline cleanup
	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	// Visibility extension for long-running messages
	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	// Leak detection
	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup

	warningService WarningService
	poolLimits     *PoolLimitsConfig

	// Rolling-window stats feeding /monitoring/pool-stats and /monitoring/queue-stats
	poolStats  rmetrics.PoolMetricsService
	queueStats rmetrics.QueueMetricsService
}

// NewQueueManager creates a new queue manager
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		mediator:            mediator.NewHTTPMediator(mediatorCfg),
		syncConfig:          DefaultConfigSyncConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
		poolStats:           rmetrics.NewInMemoryPoolMetricsService(),
		queueStats:          rmetrics.NewInMemoryQueueMetricsService(),
	}
	qm.messageCallback = &MessageCallbackImpl{manager: qm}
	return qm
}

// WithVisibilityExtender configures visibility timeout extension for long-running messages
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithPipelineCleanup configures stale pipeline entry cleanup
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithConfigSync enables pool configuration sync from database
func (m *QueueManager) WithConfigSync(db *mongo.Database, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	m.poolRepo = dispatchpool.NewRepository(db)
	m.syncConfig = cfg
	return m
}

// WithStandbyChecker gates config sync on this instance being primary.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithLeakDetection configures memory leak detection
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithWarningService sets the warning service for reporting issues
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// WithPoolLimits bounds pool creation
func (m *QueueManager) WithPoolLimits(cfg *PoolLimitsConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPoolLimitsConfig()
	}
	m.poolLimits = cfg
	return m
}

// defaultConcurrency returns the concurrency for pools with no explicit config.
func (m *QueueManager) defaultConcurrency() int {
	if m.poolLimits != nil && m.poolLimits.DefaultConcurrency > 0 {
		return m.poolLimits.DefaultConcurrency
	}
	return DefaultPoolConcurrency
}

// Start flips the manager running and launches every enabled maintenance loop.
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true

	if m.syncConfig.Enabled && m.poolRepo != nil {
		m.syncCtx, m.syncCancel = context.WithCancel(context.Background())
		m.syncWg.Add(1)
		go m.runConfigSync()
		slog.Info("Pool config sync started", "interval", m.syncConfig.Interval)
	}

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("Pipeline cleanup started",
			"interval", m.cleanupConfig.Interval,
			"ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("Visibility extender started",
			"interval", m.visibilityConfig.Interval,
			"threshold", m.visibilityConfig.Threshold,
			"extensionSeconds", m.visibilityConfig.ExtensionSeconds)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("Memory leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("Queue manager started")
}

// Stop halts the maintenance loops and shuts every pool down.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	for _, cancel := range []context.CancelFunc{
		m.syncCancel, m.cleanupCancel, m.visibilityCancel, m.leakDetectionCancel,
	} {
		if cancel != nil {
			cancel()
		}
	}
	m.syncWg.Wait()
	m.cleanupWg.Wait()
	m.visibilityWg.Wait()
	m.leakDetectionWg.Wait()

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	for code, p := range m.pools {
		slog.Info("Shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// GetOrCreatePool returns the pool for a code, creating it on first use.
// At the hard pool limit new codes fall back to the default pool; past the
// warning threshold every creation raises a POOL_LIMIT warning.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	if m.poolLimits != nil && cfg.Code != DefaultPoolCode && len(m.pools) >= m.poolLimits.MaxPools {
		slog.Error("Pool limit reached, routing through default pool",
			"requested", cfg.Code,
			"maxPools", m.poolLimits.MaxPools)
		m.warn("POOL_LIMIT", "ERROR",
			fmt.Sprintf("pool limit %d reached, cannot create pool %s", m.poolLimits.MaxPools, cfg.Code))
		if p, exists := m.pools[DefaultPoolCode]; exists {
			return p
		}
		cfg = &PoolConfig{
			Code:          DefaultPoolCode,
			Concurrency:   cfg.Concurrency,
			QueueCapacity: cfg.QueueCapacity,
		}
	}

	if m.poolLimits != nil && len(m.pools)+1 > m.poolLimits.WarningThreshold {
		slog.Warn("Pool count exceeds warning threshold",
			"pools", len(m.pools)+1,
			"threshold", m.poolLimits.WarningThreshold)
		m.warn("POOL_LIMIT", "WARNING",
			fmt.Sprintf("pool count %d exceeds warning threshold %d", len(m.pools)+1, m.poolLimits.WarningThreshold))
	}

	p := pool.NewProcessPool(
		cfg.Code,
		cfg.Concurrency,
		cfg.QueueCapacity,
		cfg.RateLimitPerMinute,
		m.mediator,
		m.messageCallback,
	)
	p.SetStatsService(m.poolStats)

	m.pools[cfg.Code] = p
	p.Start()

	slog.Info("Created new processing pool",
		"pool", cfg.Code,
		"concurrency", cfg.Concurrency,
		"queueCapacity", cfg.QueueCapacity)
	return p
}

func (m *QueueManager) warn(category, severity, message string) {
	if m.warningService != nil {
		m.warningService.AddWarning(category, severity, message, "QueueManager")
	}
}

// GetPool gets a pool by code
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// UpdatePool applies new concurrency and rate-limit settings in place.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	p := m.GetPool(cfg.Code)
	if p == nil {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency, 60)
	}
	p.UpdateRateLimit(cfg.RateLimitPerMinute)
	return true
}

// RemovePool drains and shuts down a pool synchronously.
func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[code]; exists {
		p.Drain()
		p.Shutdown()
		delete(m.pools, code)
		slog.Info("Removed processing pool", "pool", code)
	}
}

// runConfigSync pulls pool definitions on an interval after a retried
// initial sync.
func (m *QueueManager) runConfigSync() {
	defer m.syncWg.Done()

	if !m.initialSyncWithRetry() {
		if m.syncConfig.FailOnInitialSyncError {
			slog.Error("Initial pool config sync failed after all retries - shutting down")
			panic("Initial pool config sync failed")
		}
		slog.Error("Initial pool config sync failed - continuing with empty config")
	}

	ticker := time.NewTicker(m.syncConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.syncCtx.Done():
			slog.Info("Pool config sync stopped")
			return
		case <-ticker.C:
			m.syncPoolConfig()
		}
	}
}

// initialSyncWithRetry keeps trying the first sync; standby instances wait
// for the primary lock instead of consuming attempts.
func (m *QueueManager) initialSyncWithRetry() bool {
	attempts := m.syncConfig.InitialRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
			slog.Info("In standby mode, waiting for primary lock before initial sync...",
				"attempt", attempt)
			time.Sleep(m.syncConfig.InitialRetryDelay)
			continue
		}

		if m.applyPoolConfigs() {
			m.initialized = true
			slog.Info("Initial pool config sync completed successfully", "attempt", attempt)
			return true
		}

		if attempt < attempts {
			slog.Warn("Initial pool config sync failed, retrying...",
				"attempt", attempt,
				"maxAttempts", attempts,
				"retryDelay", m.syncConfig.InitialRetryDelay)
			time.Sleep(m.syncConfig.InitialRetryDelay)
		}
	}

	slog.Error("Initial pool config sync failed after all retry attempts", "attempts", attempts)
	return false
}

// syncPoolConfig runs one periodic sync unless this instance is standby.
func (m *QueueManager) syncPoolConfig() {
	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		if !m.initialized {
			slog.Info("In standby mode, waiting for primary lock...")
			m.initialized = true // log once
		}
		return
	}
	m.applyPoolConfigs()
}

// applyPoolConfigs reconciles the pool map against the database: update
// existing pools in place, create new ones, and drain pools whose config
// disappeared. Unaffected pools are never restarted.
func (m *QueueManager) applyPoolConfigs() bool {
	ctx, cancel := context.WithTimeout(m.syncCtx, 30*time.Second)
	defer cancel()

	configs, err := m.poolRepo.FindAllEnabled(ctx)
	if err != nil {
		slog.Error("Failed to fetch pool configs from database", "error", err)
		return false
	}

	active := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		active[cfg.Code] = true

		if existing := m.GetPool(cfg.Code); existing != nil {
			if cfg.Concurrency > 0 && cfg.Concurrency != existing.GetConcurrency() {
				existing.UpdateConcurrency(cfg.Concurrency, 60)
				slog.Debug("Updated pool configuration",
					"pool", cfg.Code,
					"concurrency", cfg.Concurrency)
			}
			existing.UpdateRateLimit(cfg.RateLimitPerMin)
			continue
		}

		poolCfg := &PoolConfig{
			Code:               cfg.Code,
			Concurrency:        cfg.GetConcurrencyOrDefault(DefaultPoolConcurrency),
			QueueCapacity:      cfg.GetQueueCapacityOrDefault(DefaultPoolConcurrency * DefaultQueueCapacityMultiplier),
			RateLimitPerMinute: cfg.RateLimitPerMin,
		}
		m.GetOrCreatePool(poolCfg)
		slog.Info("Created pool from database config",
			"pool", cfg.Code,
			"concurrency", poolCfg.Concurrency,
			"queueCapacity", poolCfg.QueueCapacity)
	}

	// Drain pools whose configuration was disabled or deleted
	m.poolsMu.RLock()
	var stale []string
	for code := range m.pools {
		if !active[code] && code != "default" {
			stale = append(stale, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range stale {
		m.drainPool(code)
	}

	if len(configs) > 0 || len(stale) > 0 {
		slog.Debug("Pool config sync completed",
			"activeCount", len(configs),
			"removedCount", len(stale))
	}
	return true
}

// drainPool removes a pool from the map immediately and flushes it in the
// background, so sync never blocks on a slow drain.
func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)
	slog.Info("Draining pool (no longer in database)", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("Pool drained and removed", "pool", code)
	}()
}

// runPipelineCleanup reaps pipeline entries older than the TTL; these are
// messages that neither acked nor nacked and would otherwise leak forever.
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("Pipeline cleanup stopped")
			return
		case <-ticker.C:
			m.reapStalePipelineEntries()
		}
	}
}

func (m *QueueManager) reapStalePipelineEntries() {
	now := time.Now().UnixMilli()
	ttlMillis := m.cleanupConfig.TTL.Milliseconds()

	var staleKeys []string
	var staleAppIDs []string

	m.inPipelineTimestamps.Range(func(key, value any) bool {
		pipelineKey := key.(string)
		if now-value.(int64) <= ttlMillis {
			return true
		}
		staleKeys = append(staleKeys, pipelineKey)
		if msgValue, ok := m.inPipelineMap.Load(pipelineKey); ok {
			if msg, ok := msgValue.(*DispatchMessage); ok {
				staleAppIDs = append(staleAppIDs, msg.JobID)
			}
		}
		return true
	})

	for i, pipelineKey := range staleKeys {
		m.inPipelineMap.Delete(pipelineKey)
		m.inPipelineTimestamps.Delete(pipelineKey)
		if i < len(staleAppIDs) {
			m.appIdToPipelineKey.Delete(staleAppIDs[i])
		}
	}

	if len(staleKeys) > 0 {
		slog.Warn("Cleaned up stale pipeline entries - messages may have been stuck",
			"count", len(staleKeys),
			"ttl", m.cleanupConfig.TTL)
	}
}

// runVisibilityExtender keeps long-running in-pipeline messages invisible
// to the broker so they are not redelivered mid-mediation.
func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.visibilityCtx.Done():
			slog.Info("Visibility extender stopped")
			return
		case <-ticker.C:
			m.extendLongRunningVisibility()
		}
	}
}

func (m *QueueManager) extendLongRunningVisibility() {
	now := time.Now().UnixMilli()
	thresholdMillis := m.visibilityConfig.Threshold.Milliseconds()
	extended := 0

	m.inPipelineTimestamps.Range(func(key, value any) bool {
		if now-value.(int64) < thresholdMillis {
			return true
		}

		msgValue, ok := m.inPipelineMap.Load(key.(string))
		if !ok {
			return true
		}
		msg, ok := msgValue.(*DispatchMessage)
		if !ok || msg.InProgressFunc == nil {
			return true
		}

		if err := msg.InProgressFunc(); err != nil {
			slog.Warn("Failed to extend visibility for long-running message",
				"error", err,
				"messageId", msg.JobID)
		} else {
			extended++
			slog.Debug("Extended visibility for long-running message",
				"messageId", msg.JobID)
		}
		return true
	})

	if extended > 0 {
		slog.Info("Extended visibility for long-running messages",
			"count", extended,
			"threshold", m.visibilityConfig.Threshold)
	}
}

// runLeakDetection periodically compares pipeline-map size against total
// pool capacity; the map outgrowing capacity means settled messages are
// not being removed.
func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			slog.Info("Memory leak detection stopped")
			return
		case <-ticker.C:
			m.checkForMapLeaks()
		}
	}
}

func (m *QueueManager) checkForMapLeaks() {
	m.runningMu.Lock()
	active := m.running && m.initialized
	m.runningMu.Unlock()
	if !active {
		return
	}

	pipelineSize := m.GetPipelineSize()

	totalCapacity := m.GetTotalPoolCapacity()
	if totalCapacity == 0 {
		// Account for the default pool that may be created on demand
		totalCapacity = MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("inPipelineMap size (%d) exceeds total pool capacity (%d) - possible memory leak",
			pipelineSize, totalCapacity)
		slog.Warn("LEAK DETECTION: "+message,
			"pipelineSize", pipelineSize,
			"totalCapacity", totalCapacity)
		m.warn("PIPELINE_MAP_LEAK", "WARN", message)
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
}

// GetPipelineSize returns the current size of the pipeline map (for monitoring)
func (m *QueueManager) GetPipelineSize() int {
	size := 0
	m.inPipelineMap.Range(func(_, _ any) bool {
		size++
		return true
	})
	return size
}

// GetTotalPoolCapacity returns the total capacity across all pools (for monitoring)
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}
