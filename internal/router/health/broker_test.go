package health

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// fakeProbe implements ConnectivityProbe with a switchable answer.
type fakeProbe struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (p *fakeProbe) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.healthy
}

func (p *fakeProbe) set(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

func (p *fakeProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestBrokerHealthService_DisabledSkipsChecks(t *testing.T) {
	svc := NewBrokerHealthService(false, queue.TypeEmbedded)
	probe := &fakeProbe{healthy: true}
	svc.RegisterProbe("dispatch-queue", probe)

	issues := svc.CheckConnectivity()

	if len(issues) != 0 {
		t.Errorf("disabled service should report no issues, got %v", issues)
	}
	if probe.callCount() != 0 {
		t.Error("disabled service should not run probes")
	}
	if attempts, _, _ := svc.Metrics(); attempts != 0 {
		t.Errorf("disabled service should not count attempts, got %d", attempts)
	}
	if !svc.IsAvailable() {
		t.Error("disabled broker should count as available")
	}
}

func TestBrokerHealthService_NoProbesRegistered(t *testing.T) {
	svc := NewBrokerHealthService(true, queue.TypeNATS)

	issues := svc.CheckConnectivity()

	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %v", issues)
	}
	if !strings.Contains(issues[0], "No connectivity probes registered") {
		t.Errorf("unexpected issue: %s", issues[0])
	}
	if svc.IsAvailable() {
		t.Error("broker should not be available without probes")
	}
}

func TestBrokerHealthService_HealthyProbe(t *testing.T) {
	svc := NewBrokerHealthService(true, queue.TypeEmbedded)
	svc.RegisterProbe("dispatch-queue", &fakeProbe{healthy: true})

	issues := svc.CheckConnectivity()

	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
	if !svc.IsAvailable() {
		t.Error("broker should be available after a passing check")
	}

	attempts, successes, failures := svc.Metrics()
	if attempts != 1 || successes != 1 || failures != 0 {
		t.Errorf("expected counters 1/1/0, got %d/%d/%d", attempts, successes, failures)
	}
}

func TestBrokerHealthService_UnhealthyProbe(t *testing.T) {
	svc := NewBrokerHealthService(true, queue.TypeSQS)
	svc.RegisterProbe("dispatch-queue", &fakeProbe{healthy: false})

	issues := svc.CheckConnectivity()

	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %v", issues)
	}
	if !strings.Contains(issues[0], "dispatch-queue") {
		t.Errorf("issue should name the queue: %s", issues[0])
	}
	if svc.IsAvailable() {
		t.Error("broker should not be available after a failing check")
	}

	attempts, successes, failures := svc.Metrics()
	if attempts != 1 || successes != 0 || failures != 1 {
		t.Errorf("expected counters 1/0/1, got %d/%d/%d", attempts, successes, failures)
	}
}

func TestBrokerHealthService_OneFailingProbeFailsCheck(t *testing.T) {
	svc := NewBrokerHealthService(true, queue.TypeNATS)
	svc.RegisterProbe("queue-a", &fakeProbe{healthy: true})
	svc.RegisterProbe("queue-b", &fakeProbe{healthy: false})

	issues := svc.CheckConnectivity()

	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %v", issues)
	}
	if !strings.Contains(issues[0], "queue-b") {
		t.Errorf("issue should name the failing queue: %s", issues[0])
	}
}

func TestBrokerHealthService_Recovers(t *testing.T) {
	probe := &fakeProbe{healthy: false}
	svc := NewBrokerHealthService(true, queue.TypeActiveMQ)
	svc.RegisterProbe("dispatch-queue", probe)

	svc.CheckConnectivity()
	if svc.IsAvailable() {
		t.Fatal("broker should be unavailable while the probe fails")
	}

	probe.set(true)
	svc.CheckConnectivity()

	if !svc.IsAvailable() {
		t.Error("broker should recover once the probe passes")
	}
}

func TestBrokerHealthService_LastCheck(t *testing.T) {
	svc := NewBrokerHealthService(true, queue.TypeEmbedded)
	svc.RegisterProbe("dispatch-queue", &fakeProbe{healthy: false})

	checkedAt, issues := svc.LastCheck()
	if !checkedAt.IsZero() || issues != nil {
		t.Error("last check should be empty before any check runs")
	}

	svc.CheckConnectivity()

	checkedAt, issues = svc.LastCheck()
	if checkedAt.IsZero() {
		t.Error("last check time should be recorded")
	}
	if len(issues) != 1 {
		t.Errorf("last issues should be recorded, got %v", issues)
	}
}

func TestBrokerHealthService_BrokerType(t *testing.T) {
	svc := NewBrokerHealthService(true, queue.TypeNATS)
	if svc.BrokerType() != queue.TypeNATS {
		t.Errorf("expected %s, got %s", queue.TypeNATS, svc.BrokerType())
	}
}
