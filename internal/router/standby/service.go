// Package standby coordinates the PRIMARY/STANDBY role between router
// replicas. Replicas contend for one advisory lock; the holder runs as
// PRIMARY and keeps the lease refreshed, everyone else idles as STANDBY
// until the lease expires or is released.
package standby

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/tsid"
)

// Role is the replica's position in the election.
type Role string

const (
	// RolePrimary marks the replica holding the leader lock.
	RolePrimary Role = "PRIMARY"

	// RoleStandby marks a replica waiting for the lock.
	RoleStandby Role = "STANDBY"

	// RoleUnknown is the state before the first election pass.
	RoleUnknown Role = "UNKNOWN"
)

// lockOpTimeout bounds every individual lock-store call.
const lockOpTimeout = 5 * time.Second

// Config holds the election cadence and lock location.
type Config struct {
	// Enabled turns contention on. Disabled replicas run as a
	// standalone PRIMARY.
	Enabled bool

	// InstanceID identifies this replica in the lock document.
	// Defaults to hostname plus a tsid.
	InstanceID string

	// LockKey is the advisory lock key shared by all replicas.
	LockKey string

	// LockTTL is how long a held lease survives without a refresh.
	LockTTL time.Duration

	// RefreshInterval is the election tick. It must be comfortably
	// shorter than LockTTL or a slow refresh drops the lease.
	RefreshInterval time.Duration

	// RedisURL points at the lock store when the Redis provider is used.
	RedisURL string
}

// DefaultConfig returns the standard single-key cadence.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

func defaultInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "router"
	}
	return fmt.Sprintf("%s-%s", host, tsid.Generate())
}

// Callbacks fire on role transitions. OnBecomePrimary resumes intake and
// registers traffic; OnBecomeStandby drains in-flight work and pauses
// intake. Both run on the election goroutine, so they must not block for
// longer than a refresh interval.
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is the advisory lock a Service contends for.
type LockProvider interface {
	// TryAcquire claims the free lock. False means another holder is live.
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends a lease this instance holds. False means the
	// lease was lost to expiry or takeover.
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Release drops the lease so a standby can take over immediately.
	Release(ctx context.Context, key, instanceID string) error

	// Holder reports which instance holds the lock, "" when free.
	Holder(ctx context.Context, key string) (string, error)

	// Available reports whether the lock store is reachable.
	Available(ctx context.Context) bool

	// Close releases the provider's connection.
	Close() error
}

// Status is the election snapshot served by the monitoring API.
type Status struct {
	Enabled       bool       `json:"enabled"`
	InstanceID    string     `json:"instanceId"`
	Role          string     `json:"role"`
	LockReachable bool       `json:"lockReachable"`
	LockHolder    string     `json:"lockHolder,omitempty"`
	LastRefresh   *time.Time `json:"lastRefresh,omitempty"`
	Warning       string     `json:"warning,omitempty"`
}

// Service contends for the router leader lock and reports the outcome.
type Service struct {
	config    *Config
	callbacks *Callbacks

	mu            sync.RWMutex
	provider      LockProvider
	role          Role
	lockReachable bool
	holder        string
	lastRefresh   time.Time
	warning       string

	instanceID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a service around the config, filling gaps from
// DefaultConfig.
func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LockKey == "" {
		config.LockKey = "flowcatalyst:router:leader"
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 10 * time.Second
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = defaultInstanceID()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:     config,
		callbacks:  callbacks,
		role:       RoleUnknown,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetLockProvider installs the lock backend. Must be called before Start
// when contention is enabled.
func (s *Service) SetLockProvider(provider LockProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
}

// Start runs the first election pass synchronously, then keeps contending
// on the refresh interval. A disabled service promotes itself immediately.
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("Standby mode disabled, running as standalone PRIMARY")
		s.setRole(RolePrimary)
		return nil
	}

	slog.Info("Standby mode enabled, contending for leader lock",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTtl", s.config.LockTTL,
		"refreshInterval", s.config.RefreshInterval)

	s.contend()

	s.wg.Add(1)
	go s.electionLoop()

	return nil
}

// Stop halts contention, releases a held lease, and closes the provider.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.role
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return
	}

	if role == RolePrimary {
		ctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
		defer cancel()

		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("Failed to release leader lock on shutdown", "error", err)
		} else {
			slog.Info("Released leader lock", "instanceId", s.instanceID)
		}
	}

	if err := provider.Close(); err != nil {
		slog.Warn("Failed to close lock provider", "error", err)
	}
}

func (s *Service) electionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.contend()
		}
	}
}

// contend runs one election pass: refresh a held lease, otherwise try to
// take the lock over.
func (s *Service) contend() {
	s.mu.RLock()
	provider := s.provider
	role := s.role
	s.mu.RUnlock()

	if provider == nil {
		// Enabled without a backend degrades to single-instance mode.
		s.noteWarning("no lock provider configured")
		s.setRole(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, lockOpTimeout)
	defer cancel()

	reachable := provider.Available(ctx)
	s.mu.Lock()
	s.lockReachable = reachable
	s.mu.Unlock()

	if !reachable {
		// A lock-store blip must not bounce a healthy PRIMARY; the
		// lease outlives several ticks, so keep the role and retry.
		s.noteWarning("lock store unreachable")
		slog.Warn("Lock store unreachable, keeping current role", "role", string(role))
		return
	}

	if role == RolePrimary {
		s.refreshHeld(ctx, provider)
		return
	}
	s.contest(ctx, provider, role)
}

// refreshHeld extends the lease we hold, stepping down when it was lost.
func (s *Service) refreshHeld(ctx context.Context, provider LockProvider) {
	ok, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		// The lease may still be live in the store; step down only
		// when a clean refresh reports it lost.
		s.noteWarning("lock refresh failed: " + err.Error())
		slog.Error("Leader lock refresh failed", "error", err)
		return
	}

	if !ok {
		slog.Warn("Leader lock lost, stepping down", "instanceId", s.instanceID)
		s.setRole(RoleStandby)
		s.recordHolder(ctx, provider)
		return
	}

	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.holder = s.instanceID
	s.warning = ""
	s.mu.Unlock()
}

// contest tries to claim a lock we do not hold.
func (s *Service) contest(ctx context.Context, provider LockProvider, role Role) {
	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		s.noteWarning("lock acquisition failed: " + err.Error())
		slog.Error("Leader lock acquisition failed", "error", err)
		s.recordHolder(ctx, provider)
		return
	}

	if acquired {
		s.mu.Lock()
		s.lastRefresh = time.Now()
		s.holder = s.instanceID
		s.warning = ""
		s.mu.Unlock()

		slog.Info("Acquired leader lock, promoting to PRIMARY", "instanceId", s.instanceID)
		s.setRole(RolePrimary)
		return
	}

	s.recordHolder(ctx, provider)
	if role == RoleUnknown {
		s.setRole(RoleStandby)
	}
}

// setRole records the role and fires the transition callback once per
// change.
func (s *Service) setRole(role Role) {
	s.mu.Lock()
	previous := s.role
	s.role = role
	s.mu.Unlock()

	if previous == role {
		return
	}

	slog.Info("Role changed",
		"instanceId", s.instanceID,
		"from", string(previous),
		"to", string(role))

	if s.callbacks == nil {
		return
	}

	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) noteWarning(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warning = message
}

func (s *Service) recordHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.Holder(ctx, s.config.LockKey)
	if err != nil {
		slog.Debug("Failed to read current lock holder", "error", err)
		return
	}

	s.mu.Lock()
	s.holder = holder
	s.mu.Unlock()
}

// IsPrimary reports whether this replica currently leads.
func (s *Service) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role == RolePrimary
}

// IsStandby reports whether this replica is waiting for the lock.
func (s *Service) IsStandby() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role == RoleStandby
}

// Role returns the current role.
func (s *Service) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// InstanceID returns this replica's identifier.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Enabled reports whether contention is configured.
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// Status snapshots the election state for the monitoring API.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Enabled:       s.config.Enabled,
		InstanceID:    s.instanceID,
		Role:          string(s.role),
		LockReachable: s.lockReachable,
		LockHolder:    s.holder,
		Warning:       s.warning,
	}
	if !s.lastRefresh.IsZero() {
		t := s.lastRefresh
		st.LastRefresh = &t
	}
	return st
}
