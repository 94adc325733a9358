package metrics

import (
	"sync"
	"time"
)

// QueueStats is the JSON snapshot served for one broker queue.
type QueueStats struct {
	Name          string  `json:"name"`
	TotalMessages int64   `json:"totalMessages"`
	TotalConsumed int64   `json:"totalConsumed"`
	TotalFailed   int64   `json:"totalFailed"`
	SuccessRate   float64 `json:"successRate"`
	CurrentDepth  int64   `json:"currentDepth"`
	Throughput    float64 `json:"throughput"`
	// 5-minute rolling window
	TotalMessages5min int64   `json:"totalMessages5min"`
	Consumed5min      int64   `json:"consumed5min"`
	Failed5min        int64   `json:"failed5min"`
	SuccessRate5min   float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalMessages30min int64   `json:"totalMessages30min"`
	Consumed30min      int64   `json:"consumed30min"`
	Failed30min        int64   `json:"failed30min"`
	SuccessRate30min   float64 `json:"successRate30min"`
}

// EmptyQueueStats is the snapshot for a queue nothing has touched yet.
func EmptyQueueStats(queueID string) *QueueStats {
	return &QueueStats{
		Name:             queueID,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// QueueMetricsService tracks per-queue intake and settlement statistics.
// Consumers feed receives and settlements; the depth poller feeds depth.
type QueueMetricsService interface {
	RecordMessageReceived(queueID string)
	RecordMessageProcessed(queueID string, success bool)
	RecordQueueDepth(queueID string, depth int64)
	GetQueueStats(queueID string) *QueueStats
	GetAllQueueStats() map[string]*QueueStats
}

// queueRecord accumulates one queue's counters and rolling outcomes.
type queueRecord struct {
	mu        sync.Mutex
	received  int64
	consumed  int64
	failed    int64
	depth     int64
	firstSeen time.Time
	window    outcomeWindow
}

// InMemoryQueueMetricsService is the process-local QueueMetricsService.
type InMemoryQueueMetricsService struct {
	mu      sync.RWMutex
	records map[string]*queueRecord
}

// NewInMemoryQueueMetricsService creates a new queue metrics service.
func NewInMemoryQueueMetricsService() *InMemoryQueueMetricsService {
	return &InMemoryQueueMetricsService{
		records: make(map[string]*queueRecord),
	}
}

// RecordMessageReceived counts a message leased from the queue.
func (s *InMemoryQueueMetricsService) RecordMessageReceived(queueID string) {
	r := s.record(queueID)
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

// RecordMessageProcessed counts a settled message. Success means the
// message was acked after delivery; failure means it permanently failed.
// Transient redeliveries are not settlements and are not recorded.
func (s *InMemoryQueueMetricsService) RecordMessageProcessed(queueID string, success bool) {
	now := time.Now()
	r := s.record(queueID)
	r.mu.Lock()
	if success {
		r.consumed++
	} else {
		r.failed++
	}
	r.window.record(now, success)
	r.mu.Unlock()
}

// RecordQueueDepth stores the latest observed queue depth.
func (s *InMemoryQueueMetricsService) RecordQueueDepth(queueID string, depth int64) {
	r := s.record(queueID)
	r.mu.Lock()
	r.depth = depth
	r.mu.Unlock()
}

// GetQueueStats returns the snapshot for one queue.
func (s *InMemoryQueueMetricsService) GetQueueStats(queueID string) *QueueStats {
	s.mu.RLock()
	r, ok := s.records[queueID]
	s.mu.RUnlock()

	if !ok {
		return EmptyQueueStats(queueID)
	}
	return r.snapshot(queueID)
}

// GetAllQueueStats returns snapshots for every queue seen so far.
func (s *InMemoryQueueMetricsService) GetAllQueueStats() map[string]*QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*QueueStats, len(s.records))
	for queueID, r := range s.records {
		result[queueID] = r.snapshot(queueID)
	}
	return result
}

func (s *InMemoryQueueMetricsService) record(queueID string) *queueRecord {
	s.mu.RLock()
	r, ok := s.records[queueID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[queueID]; ok {
		return r
	}
	r = &queueRecord{firstSeen: time.Now()}
	s.records[queueID] = r
	return r
}

func (r *queueRecord) snapshot(queueID string) *QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.window.prune(now)
	c := r.window.counts(now)

	throughput := 0.0
	if elapsed := now.Sub(r.firstSeen).Seconds(); elapsed > 0 {
		throughput = float64(r.consumed) / elapsed
	}

	return &QueueStats{
		Name:               queueID,
		TotalMessages:      r.received,
		TotalConsumed:      r.consumed,
		TotalFailed:        r.failed,
		SuccessRate:        successRatio(r.consumed, r.consumed+r.failed),
		CurrentDepth:       r.depth,
		Throughput:         throughput,
		TotalMessages5min:  c.shortSucceeded + c.shortFailed,
		Consumed5min:       c.shortSucceeded,
		Failed5min:         c.shortFailed,
		SuccessRate5min:    successRatio(c.shortSucceeded, c.shortSucceeded+c.shortFailed),
		TotalMessages30min: c.longSucceeded + c.longFailed,
		Consumed30min:      c.longSucceeded,
		Failed30min:        c.longFailed,
		SuccessRate30min:   successRatio(c.longSucceeded, c.longSucceeded+c.longFailed),
	}
}
