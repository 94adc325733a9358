// Package manager provides the queue manager for the message router: a
// registry of processing pools, the routing path from consumers into
// them, and the maintenance loops that keep both honest.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/dispatch/dispatchpool"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

// Default pool configuration constants
const (
	DefaultPoolConcurrency         = 20
	DefaultQueueCapacityMultiplier = 2
	MinQueueCapacity               = 50

	// DefaultPoolCode is registered at startup so producers that do not
	// care about pool placement always have a routable code.
	DefaultPoolCode = "DEFAULT-POOL"
)

// StandbyChecker reports whether this instance currently holds the
// primary role. Config sync and other write-side loops only run on the
// primary.
type StandbyChecker interface {
	IsPrimary() bool
}

// PoolConfigSource provides the active dispatch pool definitions used
// by config sync. Satisfied by dispatchpool.Repository.
type PoolConfigSource interface {
	FindAllActive(ctx context.Context) ([]*dispatchpool.DispatchPool, error)
}

// WarningService records operator-visible warnings.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// PoolStatsService is the rolling stats surface the manager maintains as
// pools come and go. Satisfied by *metrics.InMemoryPoolMetricsService.
type PoolStatsService interface {
	pool.StatsSink
	GetLastActivityTimestamp(poolCode string) *time.Time
	RemovePoolMetrics(poolCode string)
}

// ConsumerReporter exposes one consumer's live status for aggregation.
type ConsumerReporter interface {
	Health() ConsumerHealth
}

// ConsumerHealth is a point-in-time view of one queue consumer.
type ConsumerHealth struct {
	Queue            string    `json:"queue"`
	Running          bool      `json:"running"`
	Stalled          bool      `json:"stalled"`
	LastActivity     time.Time `json:"lastActivity"`
	MessagesReceived int64     `json:"messagesReceived"`
	RestartCount     int       `json:"restartCount"`
}

// PoolConfig holds configuration for a processing pool
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute int
}

// normalized fills unset fields with the defaults.
func (c PoolConfig) normalized() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultPoolConcurrency
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = maxInt(c.Concurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity)
	}
	if c.RateLimitPerMinute < 0 {
		c.RateLimitPerMinute = 0
	}
	return c
}

// DefaultPoolConfig is the catch-all pool registered at startup.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{Code: DefaultPoolCode}
}

// ConfigSyncConfig holds configuration for pool config sync
type ConfigSyncConfig struct {
	// Enabled controls whether config sync is active
	Enabled bool
	// Interval is how often to sync pool configs from the database
	Interval time.Duration
	// InitialRetryAttempts is how many times to retry the initial sync
	InitialRetryAttempts int
	// InitialRetryDelay is the delay between initial retry attempts
	InitialRetryDelay time.Duration
	// FailOnInitialSyncError aborts startup when the initial sync fails
	// after all retries (primary replicas only)
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns sensible defaults
func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                false,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PipelineCleanupConfig holds configuration for stale in-flight entry cleanup
type PipelineCleanupConfig struct {
	// Enabled controls whether cleanup is active
	Enabled bool
	// Interval is how often to run the cleanup
	Interval time.Duration
	// TTL is how long a pointer may stay in flight before being
	// considered stuck
	TTL time.Duration
}

// DefaultPipelineCleanupConfig returns sensible defaults
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// LeakDetectionConfig holds configuration for in-flight map leak detection
type LeakDetectionConfig struct {
	// Enabled controls whether leak detection is active
	Enabled bool
	// Interval is how often to check for leaks
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns sensible defaults
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// QueueManager holds the process-wide poolCode → Pool registry and routes
// pointers from consumers into pools. The registry is read-mostly; writes
// (register, deregister, replace) are serialized.
type QueueManager struct {
	pools         map[string]pool.Pool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // code → pool.Pool, replaced instances finishing up

	// inFlight tracks every routed pointer by ID until its pool reports
	// completion. It backs duplicate suppression, the observability
	// snapshot, stale-entry cleanup and leak detection.
	inFlight      sync.Map // pointer ID → *inFlightEntry
	inFlightCount atomic.Int64

	httpMediator *mediator.HTTPMediator
	callback     *completionRouter

	running     atomic.Bool
	initialized atomic.Bool // initial config sync completed

	standbyChecker StandbyChecker
	warningService WarningService
	poolStats      PoolStatsService

	consumersMu sync.RWMutex
	consumers   []ConsumerReporter

	poolSource PoolConfigSource
	syncConfig *ConfigSyncConfig
	syncCtx    context.Context
	syncCancel context.CancelFunc
	syncWg     sync.WaitGroup

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
}

// NewQueueManager creates a new queue manager
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	qm := &QueueManager{
		pools:               make(map[string]pool.Pool),
		httpMediator:        mediator.NewHTTPMediator(mediatorCfg),
		syncConfig:          DefaultConfigSyncConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
	qm.callback = &completionRouter{manager: qm}
	return qm
}

// WithConfigSync enables pool configuration sync from the given source
func (m *QueueManager) WithConfigSync(source PoolConfigSource, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	m.poolSource = source
	m.syncConfig = cfg
	return m
}

// WithPipelineCleanup configures stale in-flight entry cleanup
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithLeakDetection configures in-flight map leak detection
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithStandbyChecker sets the standby checker for HA mode. When set,
// config sync only runs while this instance is the primary.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithWarningService sets the warning service for reporting issues
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// WithPoolStats sets the rolling stats service. Pools registered after
// this call feed it; deregistration drops the pool's record.
func (m *QueueManager) WithPoolStats(stats PoolStatsService) *QueueManager {
	m.poolStats = stats
	return m
}

// Mediator returns the HTTP mediator shared by all pools.
func (m *QueueManager) Mediator() *mediator.HTTPMediator {
	return m.httpMediator
}

// Start starts the queue manager and its maintenance loops. When config
// sync is enabled on a primary replica, the initial sync runs before
// Start returns; a persistent failure aborts startup.
func (m *QueueManager) Start() error {
	if m.running.Swap(true) {
		return nil
	}

	if m.syncConfig.Enabled && m.poolSource != nil {
		m.syncCtx, m.syncCancel = context.WithCancel(context.Background())

		if m.isPrimary() {
			if err := m.initialSync(); err != nil {
				if m.syncConfig.FailOnInitialSyncError {
					m.running.Store(false)
					m.syncCancel()
					return fmt.Errorf("initial pool config sync: %w", err)
				}
				slog.Error("Initial pool config sync failed, continuing with registered pools only",
					"error", err)
			}
		} else {
			slog.Info("Standby replica, deferring pool config sync until primary")
		}

		m.syncWg.Add(1)
		go m.runConfigSync()
		slog.Info("Pool config sync started", "interval", m.syncConfig.Interval)
	} else {
		// No sync source: manually registered pools are the whole
		// configuration.
		m.initialized.Store(true)
	}

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("In-flight cleanup started",
			"interval", m.cleanupConfig.Interval,
			"ttl", m.cleanupConfig.TTL)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("Leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("Queue manager started")
	return nil
}

// Stop stops the maintenance loops and shuts down every pool.
func (m *QueueManager) Stop() {
	m.running.Store(false)

	if m.syncCancel != nil {
		m.syncCancel()
		m.syncWg.Wait()
	}
	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}
	if m.leakDetectionCancel != nil {
		m.leakDetectionCancel()
		m.leakDetectionWg.Wait()
	}

	m.poolsMu.Lock()
	pools := make([]pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]pool.Pool)
	m.poolsMu.Unlock()

	for _, p := range pools {
		slog.Info("Shutting down pool", "pool", p.GetPoolCode())
		p.Shutdown()
	}

	// Replaced pools still draining get shut down too.
	m.drainingPools.Range(func(key, value interface{}) bool {
		value.(pool.Pool).Shutdown()
		m.drainingPools.Delete(key)
		return true
	})

	slog.Info("Queue manager stopped")
}

// RegisterPool creates, starts and registers a pool for cfg.Code.
// Registering an existing code replaces the pool: the prior instance is
// moved aside and drained gracefully before shutting down.
func (m *QueueManager) RegisterPool(cfg *PoolConfig) pool.Pool {
	normalized := cfg.normalized()

	m.poolsMu.Lock()
	prior := m.pools[normalized.Code]
	p := pool.NewProcessPool(
		normalized.Code,
		normalized.Concurrency,
		normalized.QueueCapacity,
		normalized.RateLimitPerMinute,
		m.httpMediator,
		m.callback,
	)
	if m.poolStats != nil {
		p.WithStats(m.poolStats)
	}
	m.pools[normalized.Code] = p
	m.poolsMu.Unlock()

	if prior != nil {
		m.retirePool(normalized.Code, prior)
	}

	p.Start()

	slog.Info("Registered processing pool",
		"pool", normalized.Code,
		"concurrency", normalized.Concurrency,
		"queueCapacity", normalized.QueueCapacity,
		"rateLimitPerMinute", normalized.RateLimitPerMinute,
		"replaced", prior != nil)

	return p
}

// DeregisterPool drains and removes a pool. Unknown codes are a no-op.
func (m *QueueManager) DeregisterPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if exists {
		delete(m.pools, code)
	}
	m.poolsMu.Unlock()

	if !exists {
		return
	}
	m.retirePool(code, p)

	// Replacement re-registers under the same code and keeps the record;
	// only a removed definition drops it.
	if m.poolStats != nil {
		m.poolStats.RemovePoolMetrics(code)
	}
}

// retirePool drains a removed or replaced pool in the background, then
// shuts it down. In-flight and queued work keeps completing through the
// shared callback meanwhile.
func (m *QueueManager) retirePool(code string, p pool.Pool) {
	m.drainingPools.Store(code, p)
	slog.Info("Draining retired pool", "pool", code)

	go func() {
		p.Drain()
		for !p.IsFullyDrained() {
			time.Sleep(100 * time.Millisecond)
		}
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("Retired pool drained and shut down", "pool", code)
	}()
}

// GetPool gets a pool by code
func (m *QueueManager) GetPool(code string) pool.Pool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	p, exists := m.pools[code]
	if !exists {
		return nil
	}
	return p
}

// ListPools returns every registered pool ordered by code.
func (m *QueueManager) ListPools() []pool.Pool {
	m.poolsMu.RLock()
	pools := make([]pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.poolsMu.RUnlock()

	sort.Slice(pools, func(i, j int) bool {
		return pools[i].GetPoolCode() < pools[j].GetPoolCode()
	})
	return pools
}

// UpdatePool applies concurrency and rate-limit changes to a live pool.
// Returns false when no pool is registered for cfg.Code.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	p := m.GetPool(cfg.Code)
	if p == nil {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency)
	}
	if cfg.RateLimitPerMinute >= 0 && cfg.RateLimitPerMinute != p.GetRateLimitPerMinute() {
		p.UpdateRateLimit(cfg.RateLimitPerMinute)
	}
	return true
}

// Route synchronously offers a pointer to its pool. The handler is
// invoked exactly once with the final outcome if and only if the result
// is RouteAccepted.
func (m *QueueManager) Route(msg *model.MessagePointer, onComplete CompletionHandler) RouteResult {
	if !m.running.Load() {
		return RouteNotRunning
	}

	// Duplicate delivery of a pointer already being worked wins over
	// every other outcome: the caller acks and the original in-flight
	// attempt determines the final disposition.
	if _, dup := m.inFlight.Load(msg.ID); dup {
		slog.Debug("Duplicate pointer already in flight", "messageId", msg.ID)
		return RouteDuplicate
	}

	p := m.GetPool(msg.PoolCode)
	if p == nil {
		slog.Warn("No pool registered for pointer",
			"messageId", msg.ID,
			"pool", msg.PoolCode)
		return RouteUnknownPool
	}

	entry := &inFlightEntry{msg: msg, handler: onComplete, enqueued: time.Now()}
	if _, loaded := m.inFlight.LoadOrStore(msg.ID, entry); loaded {
		return RouteDuplicate
	}
	m.inFlightCount.Add(1)

	if !p.Submit(msg) {
		m.removeInFlight(msg.ID)
		return RouteRejected
	}
	return RouteAccepted
}

// completeInFlight resolves the tracked entry for a finished pointer and
// hands the outcome to the handler registered at route time.
func (m *QueueManager) completeInFlight(msg *model.MessagePointer, completion model.Completion) {
	value, loaded := m.inFlight.LoadAndDelete(msg.ID)
	if !loaded {
		// Stale-entry cleanup got here first; the broker lease will
		// lapse and redeliver on its own.
		slog.Warn("Completion for untracked pointer",
			"messageId", msg.ID,
			"completion", completion.String())
		return
	}
	m.inFlightCount.Add(-1)

	entry := value.(*inFlightEntry)
	if entry.handler != nil {
		entry.handler(msg, completion)
	}
}

func (m *QueueManager) removeInFlight(id string) {
	if _, loaded := m.inFlight.LoadAndDelete(id); loaded {
		m.inFlightCount.Add(-1)
	}
}

// InFlightSnapshot returns up to limit in-flight pointers, oldest first,
// optionally filtered by pool code. Limit is capped at 1000.
func (m *QueueManager) InFlightSnapshot(poolCode string, limit int) []InFlightMessage {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	now := time.Now()
	snapshot := make([]InFlightMessage, 0, 64)
	m.inFlight.Range(func(_, value interface{}) bool {
		entry := value.(*inFlightEntry)
		if poolCode != "" && entry.msg.PoolCode != poolCode {
			return true
		}
		snapshot = append(snapshot, InFlightMessage{
			MessageID:       entry.msg.ID,
			PoolCode:        entry.msg.PoolCode,
			MessageGroupID:  entry.msg.MessageGroupID,
			MediationTarget: entry.msg.MediationTarget,
			EnqueuedAt:      entry.enqueued,
			AgeSeconds:      int64(now.Sub(entry.enqueued).Seconds()),
		})
		return true
	})

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].EnqueuedAt.Before(snapshot[j].EnqueuedAt)
	})

	if len(snapshot) > limit {
		snapshot = snapshot[:limit]
	}
	return snapshot
}

// GetInFlightCount returns the number of pointers currently in flight.
func (m *QueueManager) GetInFlightCount() int {
	return int(m.inFlightCount.Load())
}

// TotalPoolCapacity returns the summed intake capacity across all pools.
func (m *QueueManager) TotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}

// RegisterConsumerReporter adds a consumer to health aggregation.
func (m *QueueManager) RegisterConsumerReporter(r ConsumerReporter) {
	m.consumersMu.Lock()
	m.consumers = append(m.consumers, r)
	m.consumersMu.Unlock()
}

// ConsumerHealthSnapshot aggregates the live status of every registered
// consumer for the health endpoints.
func (m *QueueManager) ConsumerHealthSnapshot() []ConsumerHealth {
	m.consumersMu.RLock()
	defer m.consumersMu.RUnlock()

	health := make([]ConsumerHealth, 0, len(m.consumers))
	for _, r := range m.consumers {
		health = append(health, r.Health())
	}
	return health
}

func (m *QueueManager) isPrimary() bool {
	return m.standbyChecker == nil || m.standbyChecker.IsPrimary()
}

// runConfigSync periodically reconciles the pool registry against the
// dispatch pool definitions.
func (m *QueueManager) runConfigSync() {
	defer m.syncWg.Done()

	ticker := time.NewTicker(m.syncConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.syncCtx.Done():
			slog.Info("Pool config sync stopped")
			return
		case <-ticker.C:
			if !m.isPrimary() {
				continue
			}
			if err := m.syncPoolConfigs(); err != nil {
				slog.Error("Pool config sync failed", "error", err)
			}
		}
	}
}

// initialSync blocks until the first reconcile succeeds or the retry
// budget is spent.
func (m *QueueManager) initialSync() error {
	attempts := m.syncConfig.InitialRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = m.syncPoolConfigs(); err == nil {
			slog.Info("Initial pool config sync completed", "attempt", attempt)
			return nil
		}

		if attempt < attempts {
			slog.Warn("Initial pool config sync failed, retrying",
				"attempt", attempt,
				"maxAttempts", attempts,
				"retryDelay", m.syncConfig.InitialRetryDelay,
				"error", err)
			time.Sleep(m.syncConfig.InitialRetryDelay)
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// syncPoolConfigs reconciles the registry: creates pools for new
// definitions, applies live updates, replaces pools whose capacity
// changed and drains pools whose definition disappeared.
func (m *QueueManager) syncPoolConfigs() error {
	ctx := m.syncCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	definitions, err := m.poolSource.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("fetching pool definitions: %w", err)
	}

	activeCodes := make(map[string]bool, len(definitions))
	for _, def := range definitions {
		activeCodes[def.Code] = true

		cfg := &PoolConfig{
			Code:          def.Code,
			Concurrency:   def.GetConcurrencyOrDefault(DefaultPoolConcurrency),
			QueueCapacity: def.GetQueueCapacityOrDefault(maxInt(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity)),
		}
		if def.RateLimitPerMin != nil {
			cfg.RateLimitPerMinute = *def.RateLimitPerMin
		}

		existing := m.GetPool(def.Code)
		switch {
		case existing == nil:
			m.RegisterPool(cfg)
		case existing.GetQueueCapacity() != cfg.QueueCapacity:
			// Intake bounds are fixed at construction; swap the pool.
			slog.Info("Pool capacity changed, replacing",
				"pool", def.Code,
				"oldCapacity", existing.GetQueueCapacity(),
				"newCapacity", cfg.QueueCapacity)
			m.RegisterPool(cfg)
		default:
			m.UpdatePool(cfg)
		}
	}

	m.poolsMu.RLock()
	var toRemove []string
	for code := range m.pools {
		if !activeCodes[code] && code != DefaultPoolCode {
			toRemove = append(toRemove, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range toRemove {
		slog.Info("Pool definition removed, draining", "pool", code)
		m.DeregisterPool(code)
	}

	m.initialized.Store(true)
	return nil
}

// runPipelineCleanup periodically removes in-flight entries older than
// the TTL so a lost completion cannot pin memory forever.
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("In-flight cleanup stopped")
			return
		case <-ticker.C:
			m.cleanupStaleInFlight()
		}
	}
}

func (m *QueueManager) cleanupStaleInFlight() {
	cutoff := time.Now().Add(-m.cleanupConfig.TTL)
	cleaned := 0

	m.inFlight.Range(func(key, value interface{}) bool {
		entry := value.(*inFlightEntry)
		if entry.enqueued.After(cutoff) {
			return true
		}
		if _, loaded := m.inFlight.LoadAndDelete(key); loaded {
			m.inFlightCount.Add(-1)
			cleaned++
			slog.Warn("Removed stale in-flight entry",
				"messageId", entry.msg.ID,
				"pool", entry.msg.PoolCode,
				"age", time.Since(entry.enqueued))
		}
		return true
	})

	if cleaned > 0 {
		message := fmt.Sprintf("removed %d in-flight entries older than %s - completions were lost", cleaned, m.cleanupConfig.TTL)
		slog.Warn("Stale in-flight cleanup", "count", cleaned, "ttl", m.cleanupConfig.TTL)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_STALE_ENTRIES", "WARN", message, "QueueManager")
		}
	}
}

// runLeakDetection watches the in-flight map size against total pool
// capacity; growth beyond it means completions are not being reported.
func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			slog.Info("Leak detection stopped")
			return
		case <-ticker.C:
			m.checkForMapLeaks()
		}
	}
}

func (m *QueueManager) checkForMapLeaks() {
	// Skip until the pool registry reflects real configuration.
	if !m.running.Load() || !m.initialized.Load() {
		return
	}

	inFlightSize := m.GetInFlightCount()
	totalCapacity := m.TotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	metrics.PipelineMapSize.Set(float64(inFlightSize))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))

	if inFlightSize > totalCapacity {
		message := fmt.Sprintf("in-flight map size (%d) exceeds total pool capacity (%d) - possible completion leak",
			inFlightSize, totalCapacity)
		slog.Warn("LEAK DETECTION: "+message,
			"inFlightSize", inFlightSize,
			"totalCapacity", totalCapacity)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
