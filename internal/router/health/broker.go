package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// probeTimeout bounds each broker connectivity probe.
const probeTimeout = 5 * time.Second

// ConnectivityProbe reports whether a broker link is usable. Satisfied
// by queue.Publisher and queue.Consumer.
type ConnectivityProbe interface {
	Healthy(ctx context.Context) bool
}

// BrokerHealthService probes broker connectivity for every registered
// queue. Each queue registers its publisher (or consumer) as a probe;
// a check passes only when every probe answers within probeTimeout.
type BrokerHealthService struct {
	mu         sync.RWMutex
	probes     map[string]ConnectivityProbe
	lastCheck  time.Time
	lastIssues []string

	enabled   bool
	queueType string

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	available atomic.Bool
}

// NewBrokerHealthService creates a broker health service for the
// configured queue type ("embedded", "nats", "sqs", "activemq").
func NewBrokerHealthService(enabled bool, queueType string) *BrokerHealthService {
	return &BrokerHealthService{
		enabled:   enabled,
		queueType: queueType,
		probes:    make(map[string]ConnectivityProbe),
	}
}

// RegisterProbe adds or replaces the connectivity probe for a queue.
func (s *BrokerHealthService) RegisterProbe(queueName string, probe ConnectivityProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[queueName] = probe
}

// CheckConnectivity probes every registered queue and returns the issues
// found, empty when all probes pass. Probes run under probeTimeout so a
// hung broker cannot wedge the readiness endpoint.
func (s *BrokerHealthService) CheckConnectivity() []string {
	if !s.enabled {
		slog.Debug("Message router disabled, skipping broker connectivity check")
		// A broker that is not in use has no connectivity to lose.
		s.available.Store(true)
		return nil
	}

	s.attempts.Add(1)

	s.mu.RLock()
	probes := make(map[string]ConnectivityProbe, len(s.probes))
	for name, probe := range s.probes {
		probes[name] = probe
	}
	s.mu.RUnlock()

	var issues []string
	if len(probes) == 0 {
		issues = append(issues, fmt.Sprintf("No connectivity probes registered for %s broker", s.queueType))
	}

	for name, probe := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		ok := probe.Healthy(ctx)
		cancel()
		if !ok {
			issues = append(issues, fmt.Sprintf("Queue [%s] is not reachable on %s broker", name, s.queueType))
		}
	}
	sort.Strings(issues)

	connected := len(issues) == 0
	if connected {
		s.successes.Add(1)
		slog.Debug("Broker connectivity check passed", "queueType", s.queueType)
	} else {
		s.failures.Add(1)
		slog.Error("Broker connectivity check failed", "queueType", s.queueType, "issues", issues)
	}
	s.available.Store(connected)

	s.mu.Lock()
	s.lastCheck = time.Now()
	s.lastIssues = issues
	s.mu.Unlock()

	return issues
}

// BrokerType returns the configured queue type.
func (s *BrokerHealthService) BrokerType() string {
	return s.queueType
}

// IsAvailable reports the result of the most recent connectivity check.
func (s *BrokerHealthService) IsAvailable() bool {
	return s.available.Load()
}

// Metrics returns cumulative connectivity check counters.
func (s *BrokerHealthService) Metrics() (attempts, successes, failures int64) {
	return s.attempts.Load(), s.successes.Load(), s.failures.Load()
}

// LastCheck returns when the last check ran and what it found.
func (s *BrokerHealthService) LastCheck() (time.Time, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck, s.lastIssues
}
