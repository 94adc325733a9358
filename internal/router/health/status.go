package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	commonhealth "go.flowcatalyst.tech/dispatch/internal/common/health"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/metrics"
	"go.flowcatalyst.tech/dispatch/internal/router/warning"
)

// QueueStatsProvider reports per-queue intake statistics. Satisfied by
// *metrics.InMemoryQueueMetricsService.
type QueueStatsProvider interface {
	GetAllQueueStats() map[string]*metrics.QueueStats
}

// BreakerProvider reports circuit breaker states. Satisfied by
// *mediator.HTTPMediator.
type BreakerProvider interface {
	CircuitBreakers() []mediator.BreakerStatus
}

// WarningProvider reports unacknowledged warnings. Satisfied by
// warning.Service.
type WarningProvider interface {
	GetUnacknowledgedWarnings() []warning.Warning
}

// ConsumerProvider reports queue consumer health. Satisfied by
// *manager.QueueManager.
type ConsumerProvider interface {
	ConsumerHealthSnapshot() []manager.ConsumerHealth
}

// DependencyChecker runs the registered backing-store checks. Satisfied
// by *commonhealth.Checker.
type DependencyChecker interface {
	Run() commonhealth.Response
}

// HealthStatusService aggregates infrastructure, broker, pool, queue,
// breaker and warning state into the dashboard health document and the
// readiness probe. Providers beyond the two core services are optional;
// a missing provider leaves its section zeroed.
type HealthStatusService struct {
	startTime time.Time
	infra     *InfrastructureHealthService
	broker    *BrokerHealthService

	mu        sync.RWMutex
	pools     PoolActivityProvider
	queues    QueueStatsProvider
	breakers  BreakerProvider
	warnings  WarningProvider
	consumers ConsumerProvider
	deps      DependencyChecker
}

// NewHealthStatusService creates the aggregator over the two core
// health services.
func NewHealthStatusService(infra *InfrastructureHealthService, broker *BrokerHealthService) *HealthStatusService {
	return &HealthStatusService{
		startTime: time.Now(),
		infra:     infra,
		broker:    broker,
	}
}

// WithPoolStats wires the pool statistics provider.
func (s *HealthStatusService) WithPoolStats(p PoolActivityProvider) *HealthStatusService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = p
	return s
}

// WithQueueStats wires the queue statistics provider.
func (s *HealthStatusService) WithQueueStats(p QueueStatsProvider) *HealthStatusService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = p
	return s
}

// WithBreakers wires the circuit breaker provider.
func (s *HealthStatusService) WithBreakers(p BreakerProvider) *HealthStatusService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers = p
	return s
}

// WithWarnings wires the warning provider.
func (s *HealthStatusService) WithWarnings(p WarningProvider) *HealthStatusService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = p
	return s
}

// WithConsumers wires the consumer health provider.
func (s *HealthStatusService) WithConsumers(p ConsumerProvider) *HealthStatusService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = p
	return s
}

// WithDependencies wires the backing-store check registry. Its checks
// gate readiness only; a lost store should stop new traffic, not mark a
// router that is still draining queues unhealthy.
func (s *HealthStatusService) WithDependencies(p DependencyChecker) *HealthStatusService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps = p
	return s
}

// GetHealthStatus runs the infrastructure and broker checks and builds
// the aggregated health document.
//
// Overall status: UNHEALTHY when the infrastructure check fails or the
// broker is unreachable; DEGRADED when the router is moving messages
// but something needs attention (open breakers, a stalled pool or
// consumer); HEALTHY otherwise.
func (s *HealthStatusService) GetHealthStatus() *HealthStatus {
	s.mu.RLock()
	pools, queues := s.pools, s.queues
	breakers, warnings, consumers := s.breakers, s.warnings, s.consumers
	s.mu.RUnlock()

	now := time.Now()
	status := &HealthStatus{
		Status:             StatusUnhealthy,
		UpSince:            s.startTime,
		UptimeSeconds:      int64(now.Sub(s.startTime).Seconds()),
		OverallSuccessRate: 1.0,
	}

	infraHealthy := false
	if s.infra != nil {
		status.Infrastructure = s.infra.CheckHealth()
		status.LastInfrastructureCheck = s.infra.LastCheck()
		infraHealthy = status.Infrastructure.Healthy
	}

	brokerConnected := false
	if s.broker != nil {
		s.broker.CheckConnectivity()
		status.BrokerType = s.broker.BrokerType()
		brokerConnected = s.broker.IsAvailable()
		status.BrokerConnected = brokerConnected
	}

	degraded := false

	if pools != nil {
		all := pools.GetAllPoolStats()
		status.ActivePoolCount = len(all)

		var processed, succeeded, failed int64
		poolHealth := make([]PoolHealth, 0, len(all))
		for code, st := range all {
			processed += st.TotalProcessed
			succeeded += st.TotalSucceeded
			failed += st.TotalFailed
			status.TotalActiveWorkers += st.ActiveWorkers

			ph := PoolHealth{
				PoolCode:      code,
				Status:        PoolStatusIdle,
				ActiveWorkers: st.ActiveWorkers,
				QueueSize:     st.QueueSize,
				SuccessRate:   st.SuccessRate,
			}
			if last := pools.GetLastActivityTimestamp(code); last != nil {
				ph.LastActivityAt = last
				if now.Sub(*last) > ActivityTimeout {
					ph.Status = PoolStatusStalled
					degraded = true
				} else {
					ph.Status = PoolStatusActive
				}
			}
			poolHealth = append(poolHealth, ph)
		}
		sort.Slice(poolHealth, func(i, j int) bool {
			return poolHealth[i].PoolCode < poolHealth[j].PoolCode
		})

		status.TotalMessagesProcessed = processed
		status.TotalMessagesSucceeded = succeeded
		status.TotalMessagesFailed = failed
		status.Pools = poolHealth
		if processed > 0 {
			status.OverallSuccessRate = float64(succeeded) / float64(processed)
		}
	}

	if queues != nil {
		for _, qs := range queues.GetAllQueueStats() {
			status.CurrentQueueDepth += qs.CurrentDepth
			status.Throughput += qs.Throughput
		}
	}

	if breakers != nil {
		for _, b := range breakers.CircuitBreakers() {
			if b.State == mediator.BreakerStateOpen {
				status.CircuitBreakersOpen++
			}
		}
		if status.CircuitBreakersOpen > 0 {
			degraded = true
		}
	}

	if warnings != nil {
		status.UnacknowledgedWarnings = len(warnings.GetUnacknowledgedWarnings())
	}

	if consumers != nil {
		status.Consumers = consumers.ConsumerHealthSnapshot()
		for _, c := range status.Consumers {
			if c.Stalled {
				degraded = true
			}
		}
	}

	switch {
	case !infraHealthy || !brokerConnected:
		status.Status = StatusUnhealthy
	case degraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// GetReadinessStatus runs the infrastructure, broker and dependency
// checks and reports whether the router should receive traffic.
func (s *HealthStatusService) GetReadinessStatus() *ReadinessStatus {
	s.mu.RLock()
	deps := s.deps
	s.mu.RUnlock()

	var issues []string

	if s.infra != nil {
		if infra := s.infra.CheckHealth(); !infra.Healthy {
			issues = append(issues, infra.Issues...)
		}
	}
	if s.broker != nil {
		issues = append(issues, s.broker.CheckConnectivity()...)
	}
	if deps != nil {
		for _, check := range deps.Run().Checks {
			if check.Status != commonhealth.StatusDown {
				continue
			}
			if errMsg, ok := check.Data["error"].(string); ok && errMsg != "" {
				issues = append(issues, fmt.Sprintf("Dependency [%s] is not available: %s", check.Name, errMsg))
			} else {
				issues = append(issues, fmt.Sprintf("Dependency [%s] is not available", check.Name))
			}
		}
	}

	if len(issues) > 0 {
		return NewNotReadyStatus(issues)
	}
	return NewReadyStatus()
}

// GetUptime returns how long the service has been up.
func (s *HealthStatusService) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
