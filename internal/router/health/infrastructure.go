// Package health aggregates infrastructure, broker, pool and queue
// signals into the probe and dashboard documents served by the API.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/router/metrics"
)

// ActivityTimeout is how long a pool may go without completing a message
// before it is considered stalled. Pools that have never completed
// anything are exempt; an empty deployment is idle, not broken.
const ActivityTimeout = 2 * time.Minute

// PoolActivityProvider reports per-pool statistics and the time of each
// pool's last completed message. Satisfied by
// *metrics.InMemoryPoolMetricsService.
type PoolActivityProvider interface {
	GetAllPoolStats() map[string]*metrics.PoolStats
	GetLastActivityTimestamp(poolCode string) *time.Time
}

// InfrastructureHealthService checks whether the router itself is in
// working order. It reports unhealthy only when the router's own moving
// parts are compromised, never because downstream targets are failing.
type InfrastructureHealthService struct {
	mu sync.RWMutex

	enabled        bool
	pools          PoolActivityProvider
	managerStarted bool
	lastCheck      time.Time
	cached         *InfrastructureHealth
}

// NewInfrastructureHealthService creates an infrastructure health
// service. When enabled is false every check reports healthy, since a
// router that is not running cannot be broken.
func NewInfrastructureHealthService(enabled bool, pools PoolActivityProvider) *InfrastructureHealthService {
	return &InfrastructureHealthService{
		enabled: enabled,
		pools:   pools,
	}
}

// SetManagerStarted records whether the queue manager finished startup.
// The runtime flips this after Start and clears it on Stop; until then
// the service reports not ready.
func (s *InfrastructureHealthService) SetManagerStarted(started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managerStarted = started
}

// CheckHealth runs the infrastructure checks and caches the result.
func (s *InfrastructureHealthService) CheckHealth() *InfrastructureHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCheck = time.Now()

	if !s.enabled {
		s.cached = &InfrastructureHealth{
			Healthy: true,
			Message: "Message router is disabled",
		}
		return s.cached
	}

	var issues []string

	if !s.managerStarted {
		issues = append(issues, "Queue manager has not started")
	}

	if s.pools == nil {
		issues = append(issues, "Pool metrics not initialized")
	} else {
		stats := s.pools.GetAllPoolStats()
		if len(stats) == 0 {
			issues = append(issues, "No active process pools")
		} else if stalled, active := s.countStalledPools(stats); active > 0 && stalled == active {
			// One slow pool is a pool problem; every pool silent at
			// once means the router stopped moving messages.
			issues = append(issues, fmt.Sprintf("All process pools appear stalled (no activity in %s)", ActivityTimeout))
		}
	}

	health := &InfrastructureHealth{
		Healthy: len(issues) == 0,
		Message: "Infrastructure is operational",
		Issues:  issues,
	}
	if !health.Healthy {
		health.Message = "Infrastructure issues detected"
	}

	s.cached = health
	return health
}

// countStalledPools counts pools whose last completion is older than
// ActivityTimeout. Pools with no completions yet are counted neither as
// stalled nor as active; that is normal during startup or quiet hours.
func (s *InfrastructureHealthService) countStalledPools(stats map[string]*metrics.PoolStats) (stalled, active int) {
	now := time.Now()
	for poolCode := range stats {
		last := s.pools.GetLastActivityTimestamp(poolCode)
		if last == nil {
			continue
		}
		active++
		if since := now.Sub(*last); since > ActivityTimeout {
			stalled++
			slog.Warn("Pool has not completed messages recently",
				"poolCode", poolCode,
				"secondsSinceActivity", int64(since.Seconds()))
		}
	}
	return stalled, active
}

// LastCheck returns when CheckHealth last ran.
func (s *InfrastructureHealthService) LastCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck
}

// CachedHealth returns the most recent check result without re-running
// the checks, or nil when no check has run yet.
func (s *InfrastructureHealthService) CachedHealth() *InfrastructureHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}
