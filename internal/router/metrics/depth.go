package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	common "go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// DefaultDepthInterval is how often the poller samples queue depth.
const DefaultDepthInterval = 15 * time.Second

// DepthSource reports a queue's approximate visible backlog. Satisfied by
// queue.Publisher.
type DepthSource interface {
	Depth(ctx context.Context) (int64, error)
}

// DepthPoller periodically samples one queue's depth into the stats
// service and the Prometheus gauge.
type DepthPoller struct {
	queueID  string
	source   DepthSource
	stats    QueueMetricsService
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDepthPoller creates a poller for the named queue. A non-positive
// interval falls back to DefaultDepthInterval.
func NewDepthPoller(queueID string, source DepthSource, stats QueueMetricsService, interval time.Duration) *DepthPoller {
	if interval <= 0 {
		interval = DefaultDepthInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DepthPoller{
		queueID:  queueID,
		source:   source,
		stats:    stats,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sampling loop. Subsequent calls are no-ops.
func (p *DepthPoller) Start() {
	p.once.Do(func() {
		p.wg.Add(1)
		go p.run()
		slog.Info("Queue depth poller started", "queue", p.queueID, "interval", p.interval)
	})
}

// Stop halts sampling and waits for the loop to exit.
func (p *DepthPoller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *DepthPoller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sample()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *DepthPoller) sample() {
	ctx, cancel := context.WithTimeout(p.ctx, p.interval)
	defer cancel()

	depth, err := p.source.Depth(ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			slog.Debug("Queue depth probe failed", "queue", p.queueID, "error", err)
		}
		return
	}

	p.stats.RecordQueueDepth(p.queueID, depth)
	common.QueueDepth.WithLabelValues(p.queueID).Set(float64(depth))
}
