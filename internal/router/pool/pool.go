// Package pool implements the bounded processing pools that deliver routed
// messages. A pool preserves FIFO order within a message group while
// processing different groups concurrently: each group maps to a slot that
// holds at most one in-flight job, and a fixed set of workers pulls eligible
// slots through an optional rate limiter.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

const (
	// DefaultGroup is used when a message has no messageGroupId. All such
	// messages serialize behind each other.
	DefaultGroup = "__DEFAULT__"

	// DefaultConcurrency applies when a pool is configured with no worker
	// count.
	DefaultConcurrency = 20

	// MinQueueCapacity is the floor for the intake buffer.
	MinQueueCapacity = 50

	// gaugeUpdateInterval is how often pool gauges are pushed.
	gaugeUpdateInterval = 500 * time.Millisecond

	// shutdownTimeout bounds how long Shutdown waits for in-flight work.
	shutdownTimeout = 10 * time.Second
)

// Mediator delivers one message to its target and reports the final
// disposition. Implementations own their retry and circuit-breaking policy;
// the pool only schedules the call.
type Mediator interface {
	Mediate(ctx context.Context, msg *model.MessagePointer) model.Completion
}

// CompletionCallback receives the final outcome for every message the pool
// accepted. The callback runs on the worker goroutine before the message
// group is released, so completions within a group arrive in order.
type CompletionCallback interface {
	OnCompletion(msg *model.MessagePointer, completion model.Completion)
}

// StatsSink receives pool activity for the rolling stats the monitoring
// API serves. Satisfied by *metrics.InMemoryPoolMetricsService.
type StatsSink interface {
	RecordMessageSubmitted(poolCode string)
	RecordProcessingSuccess(poolCode string, durationMs int64)
	RecordProcessingFailure(poolCode string, durationMs int64, errorType string)
	RecordProcessingTransient(poolCode string, durationMs int64)
	RecordRateLimitExceeded(poolCode string)
	InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
}

// Pool is the scheduling surface the queue manager works against.
type Pool interface {
	Start()
	Submit(msg *model.MessagePointer) bool
	Drain()
	Shutdown()

	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() int
	GetQueueSize() int
	GetQueueCapacity() int
	GetActiveWorkers() int
	GetMessageGroupCount() int
	IsRateLimited() bool
	IsFullyDrained() bool

	UpdateConcurrency(workers int) bool
	UpdateRateLimit(requestsPerMinute int) bool
}

// slotState tracks the lifecycle of a message group inside the pool.
type slotState int

const (
	slotEmpty slotState = iota
	slotWaiting
	slotInFlight
)

// waitingJob is one queued message plus its intake stamp.
type waitingJob struct {
	msg     *model.MessagePointer
	arrival uint64
}

// groupSlot serializes a single message group. At most one job from the
// slot is ever in flight; the rest wait in (sequence, arrival) order.
type groupSlot struct {
	group   string
	state   slotState
	waiting []waitingJob
}

// insert places a job so that the list stays ordered by sequence ascending,
// arrival ascending. Unsequenced messages (sequence 0) keep pure FIFO order.
func (s *groupSlot) insert(j waitingJob) {
	i := sort.Search(len(s.waiting), func(k int) bool {
		w := s.waiting[k]
		if w.msg.Sequence != j.msg.Sequence {
			return w.msg.Sequence > j.msg.Sequence
		}
		return w.arrival > j.arrival
	})
	s.waiting = append(s.waiting, waitingJob{})
	copy(s.waiting[i+1:], s.waiting[i:])
	s.waiting[i] = j
}

// pop removes and returns the head job.
func (s *groupSlot) pop() waitingJob {
	j := s.waiting[0]
	s.waiting[0] = waitingJob{}
	s.waiting = s.waiting[1:]
	return j
}

// ProcessPool is the Pool implementation.
type ProcessPool struct {
	poolCode      string
	queueCapacity int

	mediator Mediator
	callback CompletionCallback
	stats    StatsSink // optional, nil disables rolling stats

	mu          sync.Mutex
	cond        *sync.Cond
	slots       map[string]*groupSlot
	ready       []*groupSlot // WAITING slots in eligibility order
	queuedCount int          // jobs waiting across all slots
	arrivals    uint64       // intake order stamp
	concurrency int          // desired worker count
	liveWorkers int          // spawned and not yet retired
	started     bool

	accepting atomic.Bool // intake gate
	stopping  atomic.Bool

	inFlight atomic.Int32 // workers currently mediating

	limiterMu sync.RWMutex
	limiter   *rate.Limiter // nil when rate limiting is disabled
	rpm       int

	// ctx gates waits that must end the moment shutdown begins (rate
	// tokens, gauges). workCtx covers in-flight mediations and is only
	// cancelled when the shutdown grace period runs out.
	ctx        context.Context
	cancel     context.CancelFunc
	workCtx    context.Context
	workCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewProcessPool creates a pool. Zero or negative concurrency falls back to
// DefaultConcurrency; queueCapacity is clamped to at least
// max(2*concurrency, MinQueueCapacity). A rate limit of zero disables the
// token bucket.
func NewProcessPool(poolCode string, concurrency, queueCapacity, rateLimitPerMinute int, mediator Mediator, callback CompletionCallback) *ProcessPool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if floor := maxInt(2*concurrency, MinQueueCapacity); queueCapacity < floor {
		queueCapacity = floor
	}

	ctx, cancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())
	p := &ProcessPool{
		poolCode:      poolCode,
		queueCapacity: queueCapacity,
		mediator:      mediator,
		callback:      callback,
		slots:         make(map[string]*groupSlot),
		concurrency:   concurrency,
		limiter:       newLimiter(rateLimitPerMinute),
		rpm:           rateLimitPerMinute,
		ctx:           ctx,
		cancel:        cancel,
		workCtx:       workCtx,
		workCancel:    workCancel,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// WithStats attaches the rolling stats sink. Set before Start.
func (p *ProcessPool) WithStats(s StatsSink) *ProcessPool {
	p.stats = s
	return p
}

// newLimiter builds the token bucket: refill rateLimitPerMinute/60 tokens
// per second, burst of one refill-second rounded up.
func newLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	perSecond := float64(requestsPerMinute) / 60.0
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Start launches the worker set and the gauge updater and opens intake.
func (p *ProcessPool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.liveWorkers = p.concurrency
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.gaugeUpdater()

	p.accepting.Store(true)

	if p.stats != nil {
		p.stats.InitializePoolCapacity(p.poolCode, p.concurrency, p.queueCapacity)
	}

	slog.Info("Started processing pool",
		"pool", p.poolCode,
		"concurrency", p.concurrency,
		"queueCapacity", p.queueCapacity,
		"rateLimitPerMinute", p.rpm)
}

// Submit offers a message to the pool. It never blocks: the offer fails when
// the pool is not accepting work or the intake buffer is full.
func (p *ProcessPool) Submit(msg *model.MessagePointer) bool {
	if msg == nil {
		return false
	}
	if !p.accepting.Load() {
		metrics.PoolOfferRejected.WithLabelValues(p.poolCode).Inc()
		return false
	}

	group := msg.MessageGroupID
	if group == "" {
		group = DefaultGroup
	}

	p.mu.Lock()
	if p.queuedCount >= p.queueCapacity {
		p.mu.Unlock()
		metrics.PoolOfferRejected.WithLabelValues(p.poolCode).Inc()
		slog.Debug("Pool intake full, rejecting offer",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"capacity", p.queueCapacity)
		return false
	}

	slot, ok := p.slots[group]
	if !ok {
		slot = &groupSlot{group: group}
		p.slots[group] = slot
	}
	p.arrivals++
	slot.insert(waitingJob{msg: msg, arrival: p.arrivals})
	p.queuedCount++

	if slot.state == slotEmpty {
		slot.state = slotWaiting
		p.ready = append(p.ready, slot)
		p.cond.Signal()
	}
	p.mu.Unlock()

	if p.stats != nil {
		p.stats.RecordMessageSubmitted(p.poolCode)
	}
	return true
}

// worker pulls eligible slots until it retires (shutdown or a concurrency
// reduction).
func (p *ProcessPool) worker() {
	defer p.wg.Done()
	for {
		slot, msg, ok := p.nextJob()
		if !ok {
			return
		}

		p.inFlight.Add(1)
		p.waitForToken()
		var completion model.Completion
		if p.ctx.Err() != nil {
			// Shutdown began before this job started; hand it back
			// for redelivery instead of racing the grace period.
			zero := 0
			completion = model.TransientCompletion(model.MediationErrorProcess, &zero,
				fmt.Errorf("pool %s shutting down", p.poolCode))
		} else {
			completion = p.mediate(msg)
		}
		p.inFlight.Add(-1)

		// Report before releasing the slot so completions inside a
		// group keep the group's order.
		p.callback.OnCompletion(msg, completion)
		p.finishJob(slot)
	}
}

// nextJob blocks until a slot with pending work is eligible, or until the
// worker should retire. It transitions the chosen slot to IN_FLIGHT.
func (p *ProcessPool) nextJob() (*groupSlot, *model.MessagePointer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.retireLocked() {
			return nil, nil, false
		}
		if len(p.ready) > 0 {
			slot := p.ready[0]
			p.ready[0] = nil
			p.ready = p.ready[1:]
			job := slot.pop()
			slot.state = slotInFlight
			p.queuedCount--
			return slot, job.msg, true
		}
		p.cond.Wait()
	}
}

// retireLocked reports whether the calling worker should exit. Caller holds
// p.mu.
func (p *ProcessPool) retireLocked() bool {
	if p.stopping.Load() {
		p.liveWorkers--
		return true
	}
	if p.liveWorkers > p.concurrency {
		p.liveWorkers--
		slog.Debug("Retiring pool worker", "pool", p.poolCode, "remaining", p.liveWorkers)
		return true
	}
	return false
}

// finishJob releases the slot after a job completed: back to WAITING when
// more work is queued, otherwise removed. Only empty slots are removed.
func (p *ProcessPool) finishJob(slot *groupSlot) {
	p.mu.Lock()
	if len(slot.waiting) > 0 {
		slot.state = slotWaiting
		p.ready = append(p.ready, slot)
		p.cond.Signal()
	} else {
		slot.state = slotEmpty
		delete(p.slots, slot.group)
	}
	p.mu.Unlock()
}

// waitForToken blocks until the rate limiter grants a token. During
// shutdown the wait is abandoned so in-flight work can finish promptly.
func (p *ProcessPool) waitForToken() {
	p.limiterMu.RLock()
	lim := p.limiter
	p.limiterMu.RUnlock()
	if lim == nil {
		return
	}
	if lim.Allow() {
		return
	}
	metrics.PoolRateLimitWaits.WithLabelValues(p.poolCode).Inc()
	if p.stats != nil {
		p.stats.RecordRateLimitExceeded(p.poolCode)
	}
	if err := lim.Wait(p.ctx); err != nil && p.ctx.Err() == nil {
		slog.Warn("Rate limiter wait failed", "pool", p.poolCode, "error", err)
	}
}

// mediate invokes the mediator with panic containment. A panic is treated
// as a transient processing failure so the message is redelivered.
func (p *ProcessPool) mediate(msg *model.MessagePointer) (completion model.Completion) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while mediating message",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
			completion = model.TransientCompletion(model.MediationErrorProcess, nil,
				fmt.Errorf("mediation panic: %v", r))
		}

		result := "success"
		if completion.Status != model.CompletionSuccess {
			result = "failed"
		}
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, result).Inc()
		metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(time.Since(start).Seconds())

		if p.stats != nil {
			ms := time.Since(start).Milliseconds()
			switch completion.Status {
			case model.CompletionSuccess:
				p.stats.RecordProcessingSuccess(p.poolCode, ms)
			case model.CompletionTransientFailure:
				p.stats.RecordProcessingTransient(p.poolCode, ms)
			default:
				p.stats.RecordProcessingFailure(p.poolCode, ms, string(completion.Result))
			}
		}
	}()

	return p.mediator.Mediate(p.workCtx, msg)
}

// Drain closes intake but keeps workers running until queued work is gone.
// Use IsFullyDrained to poll for completion, then Shutdown.
func (p *ProcessPool) Drain() {
	if p.accepting.CompareAndSwap(true, false) {
		slog.Info("Draining pool", "pool", p.poolCode, "queued", p.GetQueueSize())
	}
}

// IsFullyDrained reports whether no work is queued or in flight.
func (p *ProcessPool) IsFullyDrained() bool {
	p.mu.Lock()
	queued := p.queuedCount
	p.mu.Unlock()
	return queued == 0 && p.inFlight.Load() == 0
}

// Shutdown stops the pool. In-flight mediations complete (bounded by
// shutdownTimeout); messages still waiting are reported as fast-fail
// transient failures so their receipt handles are released for redelivery.
func (p *ProcessPool) Shutdown() {
	if !p.stopping.CompareAndSwap(false, true) {
		return
	}
	p.accepting.Store(false)
	p.cancel()

	p.mu.Lock()
	var leftovers []*model.MessagePointer
	for group, slot := range p.slots {
		for _, j := range slot.waiting {
			leftovers = append(leftovers, j.msg)
		}
		slot.waiting = nil
		if slot.state != slotInFlight {
			delete(p.slots, group)
		}
	}
	p.queuedCount = 0
	p.ready = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("Pool shutdown grace elapsed, cancelling in-flight mediations",
			"pool", p.poolCode,
			"inFlight", p.inFlight.Load())
		p.workCancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			slog.Error("Pool workers did not exit", "pool", p.poolCode)
		}
	}
	p.workCancel()

	if len(leftovers) > 0 {
		slog.Info("Releasing undelivered messages at shutdown",
			"pool", p.poolCode,
			"count", len(leftovers))
		zero := 0
		for _, msg := range leftovers {
			p.callback.OnCompletion(msg, model.TransientCompletion(
				model.MediationErrorProcess, &zero, fmt.Errorf("pool %s shut down", p.poolCode)))
		}
	}

	p.clearGauges()
	slog.Info("Pool shut down", "pool", p.poolCode)
}

// UpdateConcurrency resizes the worker set without dropping queued work.
// Growth spawns workers immediately; shrink retires workers as they finish
// their current job.
func (p *ProcessPool) UpdateConcurrency(workers int) bool {
	if workers <= 0 {
		return false
	}

	p.mu.Lock()
	old := p.concurrency
	p.concurrency = workers
	if p.started && !p.stopping.Load() {
		for p.liveWorkers < workers {
			p.liveWorkers++
			p.wg.Add(1)
			go p.worker()
		}
		if workers < old {
			p.cond.Broadcast()
		}
	}
	p.mu.Unlock()

	if old != workers {
		if p.stats != nil {
			p.stats.InitializePoolCapacity(p.poolCode, workers, p.queueCapacity)
		}
		slog.Info("Updated pool concurrency", "pool", p.poolCode, "from", old, "to", workers)
	}
	return true
}

// UpdateRateLimit swaps the token bucket. Zero or negative disables rate
// limiting. Workers already waiting finish their wait at the old pace.
func (p *ProcessPool) UpdateRateLimit(requestsPerMinute int) bool {
	p.limiterMu.Lock()
	old := p.rpm
	p.rpm = requestsPerMinute
	p.limiter = newLimiter(requestsPerMinute)
	p.limiterMu.Unlock()

	if old != requestsPerMinute {
		slog.Info("Updated pool rate limit", "pool", p.poolCode, "from", old, "to", requestsPerMinute)
	}
	return true
}

// GetPoolCode returns the pool identifier.
func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

// GetConcurrency returns the desired worker count.
func (p *ProcessPool) GetConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.concurrency
}

// GetRateLimitPerMinute returns the configured rate limit (0 = disabled).
func (p *ProcessPool) GetRateLimitPerMinute() int {
	p.limiterMu.RLock()
	defer p.limiterMu.RUnlock()
	return p.rpm
}

// GetQueueSize returns the number of messages waiting (not in flight).
func (p *ProcessPool) GetQueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedCount
}

// GetQueueCapacity returns the intake buffer capacity.
func (p *ProcessPool) GetQueueCapacity() int { return p.queueCapacity }

// GetActiveWorkers returns the number of workers currently mediating.
func (p *ProcessPool) GetActiveWorkers() int { return int(p.inFlight.Load()) }

// GetMessageGroupCount returns the number of live group slots.
func (p *ProcessPool) GetMessageGroupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// IsRateLimited reports whether the next token acquisition would block.
func (p *ProcessPool) IsRateLimited() bool {
	p.limiterMu.RLock()
	defer p.limiterMu.RUnlock()
	return p.limiter != nil && p.limiter.Tokens() < 1
}

// gaugeUpdater pushes pool gauges on a fixed cadence.
func (p *ProcessPool) gaugeUpdater() {
	defer p.wg.Done()
	ticker := time.NewTicker(gaugeUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	p.mu.Lock()
	queued := p.queuedCount
	groups := len(p.slots)
	workers := p.concurrency
	p.mu.Unlock()
	active := int(p.inFlight.Load())

	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queued))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(groups))
	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(active))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(workers - active))

	if p.stats != nil {
		p.stats.UpdatePoolGauges(p.poolCode, active, workers-active, queued, groups)
	}
}

func (p *ProcessPool) clearGauges() {
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(0)
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(0)
	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(0)
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(0)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
