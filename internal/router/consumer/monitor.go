package consumer

import (
	"fmt"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// MonitorConfig controls stall detection for the receive loops.
type MonitorConfig struct {
	// Enabled controls whether stall monitoring is active
	Enabled bool
	// CheckInterval is how often receive activity is inspected (default 60s)
	CheckInterval time.Duration
	// StallThreshold is how long without a completed receive before the
	// consumer is considered stalled (default 60s). Must exceed
	// ReceiveWait or an idle queue looks wedged.
	StallThreshold time.Duration
	// MaxRestartAttempts is the maximum restart attempts before giving up (default 3)
	MaxRestartAttempts int
	// RestartDelay is the delay between stopping wedged loops and starting
	// replacements (default 5s)
	RestartDelay time.Duration
}

// DefaultMonitorConfig returns the default stall monitoring configuration.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// monitorLoop watches receive activity and restarts wedged loops.
func (c *Consumer) monitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.monitorCfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			slog.Info("Consumer stall monitor stopped", "queue", c.cfg.Queue)
			return
		case <-ticker.C:
			c.checkStalled()
		}
	}
}

// checkStalled compares receive activity against the stall threshold and
// restarts the loops when they have gone quiet.
func (c *Consumer) checkStalled() {
	idle := time.Since(c.LastActivity())

	if idle < c.monitorCfg.StallThreshold {
		if c.stalled.Load() {
			c.stalled.Store(false)
			c.resetRestartCount()
			slog.Info("Consumer recovered from stalled state", "queue", c.cfg.Queue)
		}
		return
	}

	wasStalled := c.stalled.Swap(true)
	metrics.ConsumerStallEvents.Inc()

	attempts := c.RestartCount()
	slog.Warn("Consumer appears stalled",
		"queue", c.cfg.Queue,
		"stalledFor", idle,
		"restartAttempts", attempts,
		"maxAttempts", c.monitorCfg.MaxRestartAttempts)
	if !wasStalled {
		c.warn("CONSUMER_STALLED", "WARN", fmt.Sprintf(
			"Consumer for %s has had no receive activity for %s", c.cfg.Queue, idle.Round(time.Second)))
	}

	if attempts >= c.monitorCfg.MaxRestartAttempts {
		slog.Error("Consumer exceeded max restart attempts - requires manual intervention",
			"queue", c.cfg.Queue,
			"attempts", attempts)
		if c.markRestartsExhausted() {
			c.warn("CONSUMER_STALLED", "CRITICAL", fmt.Sprintf(
				"Consumer for %s is stalled and out of restart attempts (%d)", c.cfg.Queue, attempts))
		}
		return
	}

	c.restart()
}

// restart tears down the receive loops, swaps in a fresh broker connection
// when a factory is available, and starts new loops. Leases held by
// in-flight messages survive the swap; their completions settle against
// whichever connection is current.
func (c *Consumer) restart() {
	attempt := c.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()

	slog.Info("Restarting stalled consumer",
		"queue", c.cfg.Queue,
		"attempt", attempt,
		"maxAttempts", c.monitorCfg.MaxRestartAttempts)

	c.stopLoops()
	c.sleep(c.ctx, c.monitorCfg.RestartDelay)

	if c.factory != nil {
		replacement, err := c.factory()
		if err != nil {
			slog.Warn("Consumer factory failed, restarting with existing connection",
				"queue", c.cfg.Queue, "error", err)
		} else {
			if old := c.swapBroker(replacement); old != nil {
				_ = old.Close()
			}
		}
	} else {
		slog.Warn("No consumer factory available, restarting with existing connection",
			"queue", c.cfg.Queue)
	}

	if c.ctx.Err() != nil {
		return
	}

	c.startLoops()
	// Fresh loops start unstalled with a fresh activity window. The
	// restart count persists so repeated ineffective restarts hit the
	// budget; it resets once the consumer recovers on its own after a
	// stall that restarting did not clear.
	c.touch()
	c.stalled.Store(false)
	slog.Info("Consumer restarted", "queue", c.cfg.Queue, "attempt", attempt)
}

func (c *Consumer) incrementRestartCount() int {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	c.restartCount = 0
	c.restartWarned = false
}

// markRestartsExhausted reports true the first time the restart budget runs
// out; recovery resets it.
func (c *Consumer) markRestartsExhausted() bool {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	if c.restartWarned {
		return false
	}
	c.restartWarned = true
	return true
}
