// Package consumer pulls message pointers off a broker queue and routes
// them into the queue manager. The consumer owns each message's receipt
// handle from receive until completion: it keeps the broker lease alive
// while the pointer is in flight and settles it (ack or nack) when the
// pool reports the outcome.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/common/tsid"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// Default consumer configuration constants
const (
	DefaultConnections     = 1
	DefaultBatchSize       = 10
	DefaultReceiveWait     = 5 * time.Second
	DefaultVisibility      = 120 * time.Second
	DefaultOfferTimeout    = 1 * time.Second
	DefaultOfferRetryDelay = 25 * time.Millisecond
	DefaultNackDelay       = 30 * time.Second
	DefaultLeaseTTL        = 1 * time.Hour

	// settleTimeout bounds ack/nack calls, which run on pool worker
	// goroutines and must not hang a worker on a dead broker.
	settleTimeout = 10 * time.Second

	// feedbackTimeout bounds the dispatch job status write on completion.
	feedbackTimeout = 5 * time.Second
)

// MessageRouter places validated pointers into processing pools.
// Satisfied by *manager.QueueManager.
type MessageRouter interface {
	Route(msg *model.MessagePointer, onComplete manager.CompletionHandler) manager.RouteResult
}

// WarningService records operator-visible conditions.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// QueueStatsSink receives receive and settlement counts for the rolling
// queue stats. Satisfied by *metrics.InMemoryQueueMetricsService.
type QueueStatsSink interface {
	RecordMessageReceived(queueID string)
	RecordMessageProcessed(queueID string, success bool)
}

// DispatchFeedback receives routing acceptance and terminal outcomes for
// pointers that originated from dispatch jobs. Implementations decide
// whether a pointer is theirs; calls for unknown IDs are ignored.
type DispatchFeedback interface {
	RecordAccepted(ctx context.Context, msg *model.MessagePointer)
	RecordCompletion(ctx context.Context, msg *model.MessagePointer, completion model.Completion)
}

// Factory dials a replacement broker consumer when the receive loops are
// restarted after a stall.
type Factory func() (queue.Consumer, error)

// Config holds configuration for one queue consumer.
type Config struct {
	// Queue is the broker queue name, used for logs and metric labels.
	Queue string

	// Connections is the number of parallel receive loops (default 1).
	Connections int

	// BatchSize is the maximum messages fetched per receive (default 10).
	// Broker implementations cap this to their own batch limits.
	BatchSize int

	// ReceiveWait is how long one receive blocks waiting for messages
	// (default 5s).
	ReceiveWait time.Duration

	// VisibilityTimeout is the broker redelivery window for leased
	// messages (default 120s). Leases still in flight are renewed by this
	// amount before the window closes.
	VisibilityTimeout time.Duration

	// OfferTimeout bounds how long a pool-rejected pointer is re-offered
	// before being nacked back to the broker (default 1s).
	OfferTimeout time.Duration

	// OfferRetryDelay is the pause between re-offers (default 25ms).
	OfferRetryDelay time.Duration

	// NackDelay is the redelivery delay for messages the router cannot
	// place: unknown pool, saturated pool, router not running
	// (default 30s).
	NackDelay time.Duration

	// LeaseTTL bounds how long a lease may live without completing before
	// it is presumed leaked and dropped (default 1h).
	LeaseTTL time.Duration
}

// DefaultConfig returns the default configuration for a queue.
func DefaultConfig(queueName string) Config {
	cfg := Config{Queue: queueName}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Connections <= 0 {
		c.Connections = DefaultConnections
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ReceiveWait <= 0 {
		c.ReceiveWait = DefaultReceiveWait
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibility
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = DefaultOfferTimeout
	}
	if c.OfferRetryDelay <= 0 {
		c.OfferRetryDelay = DefaultOfferRetryDelay
	}
	if c.NackDelay <= 0 {
		c.NackDelay = DefaultNackDelay
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
}

// lease tracks one received message from receive until settlement. Receipt
// handles rotate on visibility extension, so all access goes through the
// mutex. A settled lease is dead: the extender leaves it alone and the
// handle it carries has already been used.
type lease struct {
	mu        sync.Mutex
	handle    string
	settled   bool
	leasedAt  time.Time
	renewedAt time.Time
}

// Consumer consumes messages from one broker queue and routes them.
type Consumer struct {
	cfg     Config
	router  MessageRouter
	factory Factory

	brokerMu sync.RWMutex
	broker   queue.Consumer

	warnings WarningService
	feedback DispatchFeedback
	stats    QueueStatsSink

	// leases maps pointer ID to *lease for everything received but not
	// yet settled.
	leases sync.Map

	ctx    context.Context
	cancel context.CancelFunc

	// Receive loops have their own lifetime so a stall restart can
	// replace them without disturbing the extender or held leases.
	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup

	wg sync.WaitGroup

	running      atomic.Bool
	lastActivity atomic.Int64 // Unix nanos of the last completed receive
	received     atomic.Int64
	stalled      atomic.Bool

	restartMu     sync.Mutex
	restartCount  int
	restartWarned bool

	monitorCfg *MonitorConfig
}

// New creates a consumer over an established broker consumer. The consumer
// takes ownership of the connection: replacements dialed by a restart
// factory displace it, and Close releases whichever connection is current.
func New(cfg Config, broker queue.Consumer, router MessageRouter) *Consumer {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:        cfg,
		router:     router,
		broker:     broker,
		ctx:        ctx,
		cancel:     cancel,
		monitorCfg: DefaultMonitorConfig(),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// WithWarningService sets the warning sink.
func (c *Consumer) WithWarningService(ws WarningService) *Consumer {
	c.warnings = ws
	return c
}

// WithDispatchFeedback sets the completion feedback hook for
// scheduler-owned pointers.
func (c *Consumer) WithDispatchFeedback(fb DispatchFeedback) *Consumer {
	c.feedback = fb
	return c
}

// WithFactory sets the broker factory used when restarting after a stall.
func (c *Consumer) WithFactory(f Factory) *Consumer {
	c.factory = f
	return c
}

// WithQueueStats sets the rolling queue stats sink.
func (c *Consumer) WithQueueStats(s QueueStatsSink) *Consumer {
	c.stats = s
	return c
}

// WithMonitor configures stall detection. A nil config restores defaults.
func (c *Consumer) WithMonitor(cfg *MonitorConfig) *Consumer {
	if cfg == nil {
		cfg = DefaultMonitorConfig()
	}
	c.monitorCfg = cfg
	return c
}

// Start begins receiving.
func (c *Consumer) Start() {
	if c.running.Swap(true) {
		return
	}
	c.touch()
	c.startLoops()

	c.wg.Add(1)
	go c.extendLoop()

	if c.monitorCfg.Enabled {
		c.wg.Add(1)
		go c.monitorLoop()
		slog.Info("Consumer stall monitor started",
			"queue", c.cfg.Queue,
			"checkInterval", c.monitorCfg.CheckInterval,
			"stallThreshold", c.monitorCfg.StallThreshold,
			"maxRestarts", c.monitorCfg.MaxRestartAttempts)
	}

	slog.Info("Consumer started",
		"queue", c.cfg.Queue,
		"connections", c.cfg.Connections,
		"batchSize", c.cfg.BatchSize,
		"visibilityTimeout", c.cfg.VisibilityTimeout)
}

// Stop halts receiving, lease extension, and stall monitoring. The broker
// connection stays open so completions still draining out of the pools can
// settle their messages; Close releases it.
func (c *Consumer) Stop() {
	if !c.running.Swap(false) {
		return
	}
	c.cancel()
	// Monitor first: once it is down no restart can spawn new loops.
	c.wg.Wait()
	c.loopWg.Wait()
	slog.Info("Consumer stopped", "queue", c.cfg.Queue)
}

// Close releases the broker connection.
func (c *Consumer) Close() error {
	return c.brokerRef().Close()
}

// Healthy reports whether the broker connection is usable.
func (c *Consumer) Healthy(ctx context.Context) bool {
	return c.brokerRef().Healthy(ctx)
}

// Health implements manager.ConsumerReporter.
func (c *Consumer) Health() manager.ConsumerHealth {
	return manager.ConsumerHealth{
		Queue:            c.cfg.Queue,
		Running:          c.running.Load(),
		Stalled:          c.stalled.Load(),
		LastActivity:     c.LastActivity(),
		MessagesReceived: c.received.Load(),
		RestartCount:     c.RestartCount(),
	}
}

// LastActivity returns when a receive last completed.
func (c *Consumer) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IsStalled reports whether the stall monitor currently considers the
// receive loops wedged.
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

// RestartCount returns the number of stall restarts since the last
// recovery.
func (c *Consumer) RestartCount() int {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	return c.restartCount
}

// ActiveLeases returns how many received messages are awaiting completion.
func (c *Consumer) ActiveLeases() int {
	n := 0
	c.leases.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Consumer) startLoops() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	ctx, cancel := context.WithCancel(c.ctx)
	c.loopCancel = cancel
	for i := 0; i < c.cfg.Connections; i++ {
		c.loopWg.Add(1)
		go c.receiveLoop(ctx, i)
	}
}

func (c *Consumer) stopLoops() {
	c.loopMu.Lock()
	cancel := c.loopCancel
	c.loopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.loopWg.Wait()
}

// receiveLoop polls the broker and hands each message to the router.
func (c *Consumer) receiveLoop(ctx context.Context, id int) {
	defer c.loopWg.Done()
	log := slog.With("queue", c.cfg.Queue, "connection", id)
	log.Info("Consumer receive loop started")

	for {
		if ctx.Err() != nil {
			log.Info("Consumer receive loop stopped")
			return
		}

		start := time.Now()
		msgs, err := c.brokerRef().Receive(ctx, c.cfg.BatchSize, c.cfg.ReceiveWait)
		metrics.PollLatency.WithLabelValues(c.cfg.Queue).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Consumer receive loop stopped")
				return
			}
			log.Error("Receive failed", "error", err)
			c.sleep(ctx, time.Second)
			continue
		}

		c.touch()
		if len(msgs) == 0 {
			continue
		}

		c.received.Add(int64(len(msgs)))
		metrics.MessagesReceived.WithLabelValues(c.cfg.Queue).Add(float64(len(msgs)))
		if c.stats != nil {
			for range msgs {
				c.stats.RecordMessageReceived(c.cfg.Queue)
			}
		}

		batchID := tsid.Generate()
		for i := range msgs {
			c.handleMessage(&msgs[i], batchID)
		}
	}
}

// handleMessage decodes one broker message and routes the pointer. On any
// outcome other than acceptance the message is settled here; acceptance
// hands settlement to the completion callback.
func (c *Consumer) handleMessage(qm *queue.QueueMessage, batchID string) {
	var pointer model.MessagePointer
	if err := json.Unmarshal(qm.Body, &pointer); err != nil {
		c.dropUnparseable(qm, fmt.Sprintf("undecodable body: %v", err))
		return
	}
	if err := pointer.Validate(); err != nil {
		c.dropUnparseable(qm, err.Error())
		return
	}
	pointer.BatchID = batchID
	pointer.SourceMessageID = qm.MessageID

	now := time.Now()
	l := &lease{handle: qm.ReceiptHandle, leasedAt: now, renewedAt: now}
	if _, loaded := c.leases.LoadOrStore(pointer.ID, l); loaded {
		// Redelivery of a pointer this consumer still has in flight. The
		// original lease settles the real outcome; this copy is done.
		slog.Info("Acking redelivered in-flight pointer",
			"messageId", pointer.ID, "queue", c.cfg.Queue)
		c.ack(qm.ReceiptHandle)
		return
	}

	switch result := c.offer(&pointer); result {
	case manager.RouteAccepted:
		// Settled by onCompletion.
		if c.feedback != nil {
			ctx, cancel := context.WithTimeout(context.Background(), feedbackTimeout)
			c.feedback.RecordAccepted(ctx, &pointer)
			cancel()
		}

	case manager.RouteDuplicate:
		// Another consumer carries this pointer; its completion settles
		// the copy it holds.
		c.leases.Delete(pointer.ID)
		slog.Info("Acking duplicate in-flight pointer",
			"messageId", pointer.ID, "queue", c.cfg.Queue)
		c.ack(qm.ReceiptHandle)

	case manager.RouteUnknownPool:
		c.leases.Delete(pointer.ID)
		c.warn("ROUTING", "WARN", fmt.Sprintf(
			"No pool %q for message %s, nacking with %s delay",
			pointer.PoolCode, pointer.ID, c.cfg.NackDelay))
		c.nack(qm.ReceiptHandle, c.cfg.NackDelay)

	default: // RouteRejected, RouteNotRunning
		c.leases.Delete(pointer.ID)
		slog.Warn("Router did not accept message, nacking for redelivery",
			"messageId", pointer.ID,
			"pool", pointer.PoolCode,
			"result", result.String())
		c.nack(qm.ReceiptHandle, c.cfg.NackDelay)
	}
}

// dropUnparseable acks a message that can never route so the broker does
// not redeliver it forever.
func (c *Consumer) dropUnparseable(qm *queue.QueueMessage, reason string) {
	metrics.MessagesParseFailed.WithLabelValues(c.cfg.Queue).Inc()
	slog.Error("Dropping unparseable message",
		"queue", c.cfg.Queue,
		"brokerMessageId", qm.MessageID,
		"reason", reason)
	c.warn("MESSAGE_PARSE", "ERROR", fmt.Sprintf(
		"Dropping unparseable message %s from %s: %s",
		qm.MessageID, c.cfg.Queue, reason))
	c.ack(qm.ReceiptHandle)
}

// offer routes the pointer, re-offering briefly when its pool is saturated
// so a short burst does not bounce messages back to the broker.
func (c *Consumer) offer(pointer *model.MessagePointer) manager.RouteResult {
	deadline := time.Now().Add(c.cfg.OfferTimeout)
	for {
		result := c.router.Route(pointer, c.onCompletion)
		if result != manager.RouteRejected {
			return result
		}
		if time.Now().After(deadline) || c.ctx.Err() != nil {
			return manager.RouteRejected
		}
		c.sleep(c.ctx, c.cfg.OfferRetryDelay)
	}
}

// onCompletion settles the broker copy of a completed pointer. It runs on
// the pool worker goroutine that finished the message, before the worker
// releases the message group slot.
func (c *Consumer) onCompletion(msg *model.MessagePointer, completion model.Completion) {
	v, ok := c.leases.LoadAndDelete(msg.ID)
	if !ok {
		slog.Warn("Completion for unknown lease",
			"messageId", msg.ID, "queue", c.cfg.Queue)
		return
	}
	l := v.(*lease)
	l.mu.Lock()
	l.settled = true
	handle := l.handle
	l.mu.Unlock()

	switch completion.Status {
	case model.CompletionSuccess:
		c.ack(handle)
		c.recordProcessed(true)

	case model.CompletionTransientFailure:
		delay := time.Duration(0)
		if completion.DelaySeconds != nil {
			delay = time.Duration(*completion.DelaySeconds) * time.Second
		}
		c.nack(handle, delay)

	case model.CompletionPermanentFailure:
		c.warn("MEDIATION", "ERROR", fmt.Sprintf(
			"Message %s permanently failed: %v", msg.ID, completion.Err))
		c.ack(handle)
		c.recordProcessed(false)
	}

	// Terminal outcomes flow back to the dispatch job store; transient
	// failures redeliver and finish later.
	if c.feedback != nil && completion.Status != model.CompletionTransientFailure {
		ctx, cancel := context.WithTimeout(context.Background(), feedbackTimeout)
		defer cancel()
		c.feedback.RecordCompletion(ctx, msg, completion)
	}
}

// ack settles a message. Errors are logged, not returned: a failed ack
// means a redelivery, which routing deduplication absorbs.
func (c *Consumer) ack(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := c.brokerRef().Ack(ctx, handle); err != nil {
		slog.Warn("Ack failed", "queue", c.cfg.Queue, "error", err)
		return
	}
	metrics.MessagesAcked.WithLabelValues(c.cfg.Queue).Inc()
}

// nack returns a message for redelivery after the given delay.
func (c *Consumer) nack(handle string, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := c.brokerRef().Nack(ctx, handle, delay); err != nil {
		slog.Warn("Nack failed", "queue", c.cfg.Queue, "error", err)
		return
	}
	metrics.MessagesNacked.WithLabelValues(c.cfg.Queue).Inc()
}

// extendLoop renews the visibility of long-running leases so the broker
// does not redeliver messages that are still being mediated. Ticks are
// jittered so extenders across consumers do not synchronize.
func (c *Consumer) extendLoop() {
	defer c.wg.Done()

	base := c.cfg.VisibilityTimeout / 3
	if base <= 0 {
		base = time.Second
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(jitter(base)):
			c.extendLeases()
		}
	}
}

// extendLeases renews every live lease that has used up two thirds of its
// visibility window, and drops leases old enough to be presumed leaked.
func (c *Consumer) extendLeases() {
	now := time.Now()
	renewAfter := c.cfg.VisibilityTimeout * 2 / 3

	c.leases.Range(func(key, value any) bool {
		id := key.(string)
		l := value.(*lease)

		l.mu.Lock()
		if l.settled {
			l.mu.Unlock()
			return true
		}
		if now.Sub(l.leasedAt) > c.cfg.LeaseTTL {
			l.settled = true
			l.mu.Unlock()
			c.leases.Delete(id)
			c.warn("LEASE_EXPIRED", "WARN", fmt.Sprintf(
				"Dropping lease for message %s after %s without completion",
				id, c.cfg.LeaseTTL))
			return true
		}
		if now.Sub(l.renewedAt) < renewAfter {
			l.mu.Unlock()
			return true
		}
		handle := l.handle
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(c.ctx, settleTimeout)
		newHandle, err := c.brokerRef().ExtendVisibility(ctx, handle, c.cfg.VisibilityTimeout)
		cancel()
		if err != nil {
			// The lease may have settled or expired mid-call; if the
			// message matters the broker redelivers it.
			slog.Debug("Visibility extension failed",
				"queue", c.cfg.Queue, "messageId", id, "error", err)
			return true
		}

		l.mu.Lock()
		if !l.settled {
			l.handle = newHandle
			l.renewedAt = now
		}
		l.mu.Unlock()
		return true
	})
}

// jitter spreads a tick over ±10% of its base duration.
func jitter(d time.Duration) time.Duration {
	spread := d / 5
	if spread <= 0 {
		return d
	}
	return d - d/10 + time.Duration(rand.Int64N(int64(spread)+1))
}

func (c *Consumer) brokerRef() queue.Consumer {
	c.brokerMu.RLock()
	defer c.brokerMu.RUnlock()
	return c.broker
}

// swapBroker installs a replacement connection and returns the old one.
func (c *Consumer) swapBroker(replacement queue.Consumer) queue.Consumer {
	c.brokerMu.Lock()
	defer c.brokerMu.Unlock()
	old := c.broker
	c.broker = replacement
	return old
}

func (c *Consumer) warn(category, severity, message string) {
	if c.warnings == nil {
		return
	}
	c.warnings.AddWarning(category, severity, message, "Consumer:"+c.cfg.Queue)
}

// recordProcessed feeds settled outcomes to the rolling queue stats.
// Transient failures redeliver and settle later, so they never get here.
func (c *Consumer) recordProcessed(success bool) {
	if c.stats != nil {
		c.stats.RecordMessageProcessed(c.cfg.Queue, success)
	}
}

func (c *Consumer) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
