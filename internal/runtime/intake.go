package runtime

import (
	"log/slog"
	"sync"

	"go.flowcatalyst.tech/dispatch/internal/router/consumer"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
)

// intake owns the queue consumer across role changes. A consumer cannot
// be restarted once stopped, so demotion parks the current one and
// promotion builds a replacement over a fresh broker link. The parked
// consumer keeps its broker connection until the replacement is up, so
// completions still draining out of the pools can settle their messages.
type intake struct {
	queue string
	build func() (*consumer.Consumer, error)

	mu      sync.Mutex
	current *consumer.Consumer
	retired *consumer.Consumer
}

func newIntake(queueName string, build func() (*consumer.Consumer, error)) *intake {
	return &intake{queue: queueName, build: build}
}

// Start brings up a consumer if none is running, releasing any parked
// predecessor once the replacement is receiving.
func (i *intake) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.current != nil {
		return nil
	}

	c, err := i.build()
	if err != nil {
		return err
	}
	c.Start()
	i.current = c

	i.closeRetiredLocked()
	return nil
}

// Stop halts receiving but keeps the broker link open for in-flight
// completions. Safe to call when nothing is running.
func (i *intake) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.current == nil {
		return
	}
	i.current.Stop()

	i.closeRetiredLocked()
	i.retired = i.current
	i.current = nil
}

// Close stops the running consumer and releases every broker link held.
func (i *intake) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var firstErr error
	if i.current != nil {
		i.current.Stop()
		if err := i.current.Close(); err != nil {
			firstErr = err
		}
		i.current = nil
	}
	if i.retired != nil {
		if err := i.retired.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		i.retired = nil
	}
	return firstErr
}

// Running reports whether a consumer is actively receiving.
func (i *intake) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current != nil
}

// Health reports the live consumer's state. Registered once with the
// queue manager so consumer rebuilds do not pile up stale reporters; a
// parked intake reports itself stopped.
func (i *intake) Health() manager.ConsumerHealth {
	i.mu.Lock()
	c := i.current
	i.mu.Unlock()

	if c == nil {
		return manager.ConsumerHealth{Queue: i.queue}
	}
	return c.Health()
}

func (i *intake) closeRetiredLocked() {
	if i.retired == nil {
		return
	}
	if err := i.retired.Close(); err != nil {
		slog.Warn("Error closing retired consumer", "queue", i.queue, "error", err)
	}
	i.retired = nil
}
