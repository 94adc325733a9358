package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// Publisher implements queue.Publisher over the SQLite engine.
type Publisher struct {
	engine *Engine
	closed bool
	mu     sync.Mutex
}

// NewPublisher creates a publisher bound to an engine.
func NewPublisher(engine *Engine) *Publisher {
	return &Publisher{engine: engine}
}

// Publish persists one message. The message ID doubles as the
// deduplication ID unless one is set explicitly.
func (p *Publisher) Publish(ctx context.Context, msg *queue.OutboundMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return queue.ErrClosed
	}
	p.mu.Unlock()

	if len(msg.Body) == 0 {
		return queue.ErrEmptyBody
	}

	dedupID := msg.DeduplicationID
	if dedupID == "" {
		dedupID = msg.ID
	}

	return p.engine.Enqueue(ctx, &EnqueueRequest{
		MessageID:       msg.ID,
		Body:            msg.Body,
		MessageGroupID:  msg.MessageGroupID,
		DeduplicationID: dedupID,
	})
}

// PublishBatch persists messages in chunks of the embedded batch cap.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*queue.OutboundMessage) (*queue.BatchResult, error) {
	result := &queue.BatchResult{}
	for i := 0; i < len(msgs); i += queue.MaxBatchEmbedded {
		end := i + queue.MaxBatchEmbedded
		if end > len(msgs) {
			end = len(msgs)
		}
		for _, msg := range msgs[i:end] {
			if err := p.Publish(ctx, msg); err != nil {
				result.Failed = append(result.Failed, queue.PublishResult{ID: msg.ID, Err: err})
				continue
			}
			result.Succeeded = append(result.Succeeded, queue.PublishResult{ID: msg.ID})
		}
	}
	if len(result.Succeeded) == 0 && len(result.Failed) > 0 {
		return result, fmt.Errorf("embedded: all %d messages failed to publish", len(result.Failed))
	}
	return result, nil
}

// Depth returns the count of visible messages.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	return p.engine.Depth(ctx)
}

// Healthy reports database reachability.
func (p *Publisher) Healthy(ctx context.Context) bool {
	return p.engine.Healthy(ctx)
}

// Close marks the publisher closed. The engine is shared with the consumer
// and is closed by its owner.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Consumer implements queue.Consumer over the SQLite engine.
type Consumer struct {
	engine *Engine
	closed bool
	mu     sync.Mutex
}

// NewConsumer creates a consumer bound to an engine.
func NewConsumer(engine *Engine) *Consumer {
	return &Consumer{engine: engine}
}

// Receive leases up to maxMessages rows.
func (c *Consumer) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.QueueMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, queue.ErrClosed
	}
	c.mu.Unlock()

	leased, err := c.engine.Receive(ctx, maxMessages, wait)
	if err != nil {
		return nil, err
	}

	msgs := make([]queue.QueueMessage, 0, len(leased))
	for _, m := range leased {
		msgs = append(msgs, queue.QueueMessage{
			MessageID:       m.MessageID,
			Body:            m.Body,
			MessageGroupID:  m.MessageGroupID,
			DeduplicationID: m.DeduplicationID,
			ReceiptHandle:   m.ReceiptHandle,
			ReceiveCount:    m.ReceiveCount,
		})
	}
	return msgs, nil
}

// Ack deletes the leased row.
func (c *Consumer) Ack(ctx context.Context, receiptHandle string) error {
	return c.engine.Ack(ctx, receiptHandle)
}

// Nack returns the row to the queue after delay.
func (c *Consumer) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	return c.engine.Nack(ctx, receiptHandle, delay)
}

// ExtendVisibility renews the lease; the engine rotates the handle, so the
// caller must adopt the returned one.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, visibility time.Duration) (string, error) {
	return c.engine.Extend(ctx, receiptHandle, visibility)
}

// Healthy reports database reachability.
func (c *Consumer) Healthy(ctx context.Context) bool {
	return c.engine.Healthy(ctx)
}

// Close marks the consumer closed.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Janitor periodically garbage-collects expired deduplication rows.
type Janitor struct {
	engine   *Engine
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewJanitor creates a janitor sweeping at the given interval.
func NewJanitor(engine *Engine, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{engine: engine, interval: interval}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := j.engine.SweepDedup(ctx)
				if err != nil {
					slog.Warn("Dedup sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					slog.Debug("Swept expired dedup rows", "removed", removed)
				}
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}
