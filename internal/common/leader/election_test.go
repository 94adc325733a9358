package leader

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultElectorConfig(t *testing.T) {
	cfg := DefaultElectorConfig("scheduler-leader")

	if cfg.LockName != "scheduler-leader" {
		t.Errorf("unexpected lock name %q", cfg.LockName)
	}
	if cfg.InstanceID == "" {
		t.Error("instance ID should be generated")
	}
	if cfg.TTL != 30*time.Second {
		t.Errorf("expected 30s TTL, got %v", cfg.TTL)
	}
	if cfg.RefreshInterval != 10*time.Second {
		t.Errorf("expected 10s refresh, got %v", cfg.RefreshInterval)
	}
}

func TestDefaultInstanceID_Distinct(t *testing.T) {
	// Two replicas on one host must still produce different IDs.
	a := defaultInstanceID()
	b := defaultInstanceID()

	if a == b {
		t.Errorf("instance IDs should differ, both were %q", a)
	}
	if !strings.Contains(a, "-") {
		t.Errorf("instance ID should carry a host prefix, got %q", a)
	}
}

func TestLockDocument_Expiry(t *testing.T) {
	now := time.Now()
	lock := Lock{
		ID:         "scheduler-leader",
		InstanceID: "replica-1",
		AcquiredAt: now,
		ExpiresAt:  now.Add(30 * time.Second),
	}

	if !lock.ExpiresAt.After(lock.AcquiredAt) {
		t.Error("a fresh lease should expire after acquisition")
	}
	if now.Add(31 * time.Second).Before(lock.ExpiresAt) {
		t.Error("the lease should be expired one second past its TTL")
	}
}

func TestElector_NotPrimaryByDefault(t *testing.T) {
	elector := &Elector{config: DefaultElectorConfig("test-leader")}

	if elector.IsPrimary() {
		t.Error("a fresh elector should not be primary")
	}
}

func TestElector_InstanceID(t *testing.T) {
	elector := &Elector{config: &ElectorConfig{
		InstanceID: "replica-42",
		LockName:   "test-leader",
	}}

	if elector.InstanceID() != "replica-42" {
		t.Errorf("unexpected instance ID %q", elector.InstanceID())
	}
}

func TestElector_Callbacks(t *testing.T) {
	elector := &Elector{config: DefaultElectorConfig("test-leader")}

	var became, lost bool
	elector.OnBecomeLeader(func() { became = true })
	elector.OnLoseLeadership(func() { lost = true })

	if elector.onBecomeLeader == nil || elector.onLoseLeadership == nil {
		t.Fatal("callbacks should be registered")
	}

	elector.onBecomeLeader()
	elector.onLoseLeadership()

	if !became || !lost {
		t.Errorf("callbacks did not run: became=%v lost=%v", became, lost)
	}
}

func TestElector_PrimaryToggle(t *testing.T) {
	elector := &Elector{config: DefaultElectorConfig("test-leader")}

	elector.isPrimary.Store(true)
	if !elector.IsPrimary() {
		t.Error("expected primary after store")
	}

	elector.isPrimary.Store(false)
	if elector.IsPrimary() {
		t.Error("expected non-primary after clear")
	}
}
