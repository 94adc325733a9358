package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownPhase orders teardown. Phases run strictly in sequence;
// hooks within a phase run in parallel.
type ShutdownPhase int

const (
	// PhaseHTTP stops accepting requests and drains in-flight ones.
	PhaseHTTP ShutdownPhase = iota
	// PhaseQueue stops queue receive loops so no new work arrives.
	PhaseQueue
	// PhaseWorkers drains in-flight pool work within the grace window.
	PhaseWorkers
	// PhaseLeader releases leadership and deregisters from traffic.
	PhaseLeader
	// PhaseDatabase closes stores once nothing is writing to them.
	PhaseDatabase
	// PhaseFinal is for last-rites cleanup after everything else.
	PhaseFinal
)

var phaseNames = [...]string{"http", "queue", "workers", "leader", "database", "final"}

func (p ShutdownPhase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// phaseTimeouts are the per-hook defaults. Queue and worker phases get
// the 30s drain grace window; leadership release is quick or not at all.
var phaseTimeouts = map[ShutdownPhase]time.Duration{
	PhaseHTTP:     15 * time.Second,
	PhaseQueue:    30 * time.Second,
	PhaseWorkers:  30 * time.Second,
	PhaseLeader:   5 * time.Second,
	PhaseDatabase: 10 * time.Second,
	PhaseFinal:    5 * time.Second,
}

// Hook is one teardown action.
type Hook struct {
	Name    string
	Phase   ShutdownPhase
	Timeout time.Duration
	Stop    func(ctx context.Context) error
}

type serviceEntry struct {
	svc   Service
	phase ShutdownPhase
}

// Manager owns the process lifecycle: it starts registered services in
// order, waits for SIGINT/SIGTERM (or a programmatic trigger), and
// tears everything down phase by phase.
type Manager struct {
	mu       sync.Mutex
	hooks    []Hook
	services []serviceEntry
	started  []serviceEntry
	timeout  time.Duration

	done chan struct{}
	once sync.Once
}

func NewManager() *Manager {
	return &Manager{
		// Callers align this with the orchestrator's termination
		// grace period; the per-phase drain windows have to fit.
		timeout: 90 * time.Second,
		done:    make(chan struct{}),
	}
}

// SetTimeout caps the whole shutdown sequence.
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// Register adds a shutdown hook with the phase's default timeout.
func (m *Manager) Register(phase ShutdownPhase, name string, stop func(ctx context.Context) error) {
	m.RegisterWithTimeout(phase, name, phaseTimeouts[phase], stop)
}

// RegisterWithTimeout adds a shutdown hook with an explicit timeout.
func (m *Manager) RegisterWithTimeout(phase ShutdownPhase, name string, timeout time.Duration, stop func(ctx context.Context) error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Phase: phase, Timeout: timeout, Stop: stop})
}

// AddService registers a service to be started by StartAll and stopped
// in the given phase.
func (m *Manager) AddService(phase ShutdownPhase, svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, serviceEntry{svc: svc, phase: phase})
}

// StartAll starts services in registration order. If one fails, the
// already-started services are stopped in reverse order and the error
// is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	services := make([]serviceEntry, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	for _, entry := range services {
		slog.Info("Starting service", "service", entry.svc.Name())
		if err := entry.svc.Start(ctx); err != nil {
			m.unwind()
			return fmt.Errorf("start %s: %w", entry.svc.Name(), err)
		}
		m.mu.Lock()
		m.started = append(m.started, entry)
		m.mu.Unlock()
	}
	return nil
}

// unwind stops already-started services in reverse order after a
// startup failure.
func (m *Manager) unwind() {
	m.mu.Lock()
	started := make([]serviceEntry, len(m.started))
	copy(started, m.started)
	m.started = nil
	m.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		entry := started[i]
		ctx, cancel := context.WithTimeout(context.Background(), phaseTimeouts[entry.phase])
		if err := entry.svc.Stop(ctx); err != nil {
			slog.Error("Service stop failed during startup unwind",
				"service", entry.svc.Name(), "error", err)
		}
		cancel()
	}
}

// WaitForSignal blocks until SIGINT, SIGTERM, or Shutdown.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case <-m.done:
		slog.Info("Shutdown triggered programmatically")
	}
}

// Shutdown triggers the shutdown sequence without a signal.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs every phase in order. Hooks inside a phase run in
// parallel, each bounded by its own timeout; the whole sequence is
// bounded by the manager timeout.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	for _, entry := range m.started {
		svc := entry.svc
		hooks = append(hooks, Hook{
			Name:    svc.Name(),
			Phase:   entry.phase,
			Timeout: phaseTimeouts[entry.phase],
			Stop:    svc.Stop,
		})
	}
	timeout := m.timeout
	m.mu.Unlock()

	slog.Info("Starting graceful shutdown", "hooks", len(hooks), "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	byPhase := make(map[ShutdownPhase][]Hook)
	for _, h := range hooks {
		byPhase[h.Phase] = append(byPhase[h.Phase], h)
	}

	for phase := PhaseHTTP; phase <= PhaseFinal; phase++ {
		batch := byPhase[phase]
		if len(batch) == 0 {
			continue
		}
		slog.Info("Shutdown phase", "phase", phase.String(), "hooks", len(batch))

		var wg sync.WaitGroup
		for _, h := range batch {
			wg.Add(1)
			go func(h Hook) {
				defer wg.Done()
				runHook(ctx, h)
			}(h)
		}
		wg.Wait()

		if ctx.Err() != nil {
			slog.Warn("Shutdown timeout reached, abandoning remaining phases")
			return ctx.Err()
		}
	}

	slog.Info("Graceful shutdown complete")
	return nil
}

// runHook executes one hook under its own deadline. The hook runs in a
// goroutine so a hook that ignores its context cannot stall the phase.
func runHook(parent context.Context, h Hook) {
	ctx, cancel := context.WithTimeout(parent, h.Timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Stop(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Shutdown hook failed", "hook", h.Name, "error", err)
		} else {
			slog.Debug("Shutdown hook done", "hook", h.Name, "elapsed", time.Since(start))
		}
	case <-ctx.Done():
		slog.Warn("Shutdown hook timed out", "hook", h.Name, "timeout", h.Timeout)
	}
}

// Run is the standard main loop: start everything, wait for a
// shutdown trigger, tear down in phases.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.StartAll(ctx); err != nil {
		return err
	}
	m.WaitForSignal()
	return m.Execute()
}
