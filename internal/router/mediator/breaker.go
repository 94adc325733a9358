package mediator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// BreakerConfig controls the circuit breakers guarding mediation targets.
type BreakerConfig struct {
	// MinRequests is the minimum number of calls in the window before the
	// failure ratio is evaluated.
	MinRequests uint32

	// Window is how long counts accumulate before resetting while closed.
	Window time.Duration

	// FailureRatio trips the breaker when failures/requests reaches it.
	FailureRatio float64

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// ProbeRequests is how many trial calls are allowed while half-open.
	ProbeRequests uint32
}

// DefaultBreakerConfig returns production breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:   10,
		Window:        60 * time.Second,
		FailureRatio:  0.5,
		OpenTimeout:   30 * time.Second,
		ProbeRequests: 3,
	}
}

// Breaker state strings as reported by CircuitBreakers.
const (
	BreakerStateClosed   = "CLOSED"
	BreakerStateOpen     = "OPEN"
	BreakerStateHalfOpen = "HALF_OPEN"
)

// BreakerStatus is a point-in-time view of one circuit breaker.
type BreakerStatus struct {
	Pool  string `json:"pool"`
	Host  string `json:"host"`
	State string `json:"state"`
}

type breakerEntry struct {
	pool string
	host string
	cb   *gobreaker.CircuitBreaker
}

// breakerRegistry lazily creates one circuit breaker per (pool, host)
// pair so a failing target only blocks traffic from its own pool.
type breakerRegistry struct {
	mu      sync.RWMutex
	cfg     BreakerConfig
	entries map[string]*breakerEntry
}

func newBreakerRegistry(cfg BreakerConfig) *breakerRegistry {
	return &breakerRegistry{
		cfg:     cfg,
		entries: make(map[string]*breakerEntry),
	}
}

// get returns the breaker for (poolCode, host), creating it on first use.
func (r *breakerRegistry) get(poolCode, host string) *gobreaker.CircuitBreaker {
	key := poolCode + "|" + host

	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return entry.cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry.cb
	}

	cfg := r.cfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: cfg.ProbeRequests,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"pool", poolCode,
				"host", host,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(poolCode, host).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.CircuitBreakerState.WithLabelValues(poolCode, host).Set(stateValue)
		},
	})

	r.entries[key] = &breakerEntry{pool: poolCode, host: host, cb: cb}
	metrics.CircuitBreakerState.WithLabelValues(poolCode, host).Set(float64(metrics.CircuitBreakerClosed))
	return cb
}

// Snapshot returns the current state of every breaker, ordered by pool
// then host.
func (r *breakerRegistry) Snapshot() []BreakerStatus {
	r.mu.RLock()
	statuses := make([]BreakerStatus, 0, len(r.entries))
	for _, entry := range r.entries {
		statuses = append(statuses, BreakerStatus{
			Pool:  entry.pool,
			Host:  entry.host,
			State: breakerStateString(entry.cb.State()),
		})
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Pool != statuses[j].Pool {
			return statuses[i].Pool < statuses[j].Pool
		}
		return statuses[i].Host < statuses[j].Host
	})
	return statuses
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateOpen:
		return BreakerStateOpen
	case gobreaker.StateHalfOpen:
		return BreakerStateHalfOpen
	default:
		return BreakerStateClosed
	}
}
