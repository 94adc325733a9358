// Package metrics keeps the in-memory rolling statistics the monitoring
// API serves. Prometheus carries the long-term series; these services
// answer the dashboard's "how is this pool doing right now" questions
// with process-local counters and 5/30-minute success windows.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// PoolStats is the JSON snapshot served for one processing pool.
type PoolStats struct {
	PoolCode                string  `json:"poolCode"`
	TotalProcessed          int64   `json:"totalProcessed"`
	TotalSucceeded          int64   `json:"totalSucceeded"`
	TotalFailed             int64   `json:"totalFailed"`
	TotalRateLimited        int64   `json:"totalRateLimited"`
	SuccessRate             float64 `json:"successRate"`
	ActiveWorkers           int     `json:"activeWorkers"`
	AvailablePermits        int     `json:"availablePermits"`
	MaxConcurrency          int     `json:"maxConcurrency"`
	QueueSize               int     `json:"queueSize"`
	MaxQueueCapacity        int     `json:"maxQueueCapacity"`
	MessageGroupCount       int     `json:"messageGroupCount"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	// 5-minute rolling window
	TotalProcessed5min int64   `json:"totalProcessed5min"`
	Succeeded5min      int64   `json:"succeeded5min"`
	Failed5min         int64   `json:"failed5min"`
	SuccessRate5min    float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalProcessed30min int64   `json:"totalProcessed30min"`
	Succeeded30min      int64   `json:"succeeded30min"`
	Failed30min         int64   `json:"failed30min"`
	SuccessRate30min    float64 `json:"successRate30min"`
}

// EmptyPoolStats is the snapshot for a pool nothing has touched yet.
func EmptyPoolStats(poolCode string) *PoolStats {
	return &PoolStats{
		PoolCode:         poolCode,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// PoolMetricsService tracks per-pool processing statistics. Pools feed the
// Record/Update methods; the monitoring API reads the Get methods.
type PoolMetricsService interface {
	RecordMessageSubmitted(poolCode string)
	RecordProcessingSuccess(poolCode string, durationMs int64)
	RecordProcessingFailure(poolCode string, durationMs int64, errorType string)
	RecordProcessingTransient(poolCode string, durationMs int64)
	RecordRateLimitExceeded(poolCode string)
	InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
	GetPoolStats(poolCode string) *PoolStats
	GetAllPoolStats() map[string]*PoolStats
	GetLastActivityTimestamp(poolCode string) *time.Time
	RemovePoolMetrics(poolCode string)
}

// poolRecord accumulates one pool's counters and rolling outcomes.
type poolRecord struct {
	mu                sync.Mutex
	submitted         int64
	succeeded         int64
	failed            int64
	rateLimited       int64
	transient         int64
	totalDurationMs   int64
	activeWorkers     int
	availablePermits  int
	queueSize         int
	messageGroupCount int
	maxConcurrency    int
	maxQueueCapacity  int
	lastActivity      time.Time
	window            outcomeWindow
}

// InMemoryPoolMetricsService is the process-local PoolMetricsService.
type InMemoryPoolMetricsService struct {
	mu      sync.RWMutex
	records map[string]*poolRecord
}

// NewInMemoryPoolMetricsService creates a new pool metrics service.
func NewInMemoryPoolMetricsService() *InMemoryPoolMetricsService {
	return &InMemoryPoolMetricsService{
		records: make(map[string]*poolRecord),
	}
}

// RecordMessageSubmitted counts a message accepted into the pool's intake.
func (s *InMemoryPoolMetricsService) RecordMessageSubmitted(poolCode string) {
	r := s.record(poolCode)
	r.mu.Lock()
	r.submitted++
	r.mu.Unlock()
}

// RecordProcessingSuccess records a message the pool delivered.
func (s *InMemoryPoolMetricsService) RecordProcessingSuccess(poolCode string, durationMs int64) {
	s.recordOutcome(poolCode, durationMs, true)
}

// RecordProcessingFailure records a message that permanently failed.
func (s *InMemoryPoolMetricsService) RecordProcessingFailure(poolCode string, durationMs int64, errorType string) {
	s.recordOutcome(poolCode, durationMs, false)
}

func (s *InMemoryPoolMetricsService) recordOutcome(poolCode string, durationMs int64, success bool) {
	now := time.Now()
	r := s.record(poolCode)
	r.mu.Lock()
	if success {
		r.succeeded++
	} else {
		r.failed++
	}
	r.totalDurationMs += durationMs
	r.lastActivity = now
	r.window.record(now, success)
	r.mu.Unlock()
}

// RecordProcessingTransient records a retryable failure. It counts toward
// processing time but not toward the success windows, and it does not bump
// the activity timestamp: a pool stuck retrying the same message is not
// making progress.
func (s *InMemoryPoolMetricsService) RecordProcessingTransient(poolCode string, durationMs int64) {
	r := s.record(poolCode)
	r.mu.Lock()
	r.transient++
	r.totalDurationMs += durationMs
	r.mu.Unlock()
}

// RecordRateLimitExceeded counts a wait imposed by the pool's rate limiter.
func (s *InMemoryPoolMetricsService) RecordRateLimitExceeded(poolCode string) {
	r := s.record(poolCode)
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

// InitializePoolCapacity pins the pool's configured bounds.
func (s *InMemoryPoolMetricsService) InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int) {
	r := s.record(poolCode)
	r.mu.Lock()
	r.maxConcurrency = maxConcurrency
	r.maxQueueCapacity = maxQueueCapacity
	r.mu.Unlock()
}

// UpdatePoolGauges stores the latest live gauge sample.
func (s *InMemoryPoolMetricsService) UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int) {
	r := s.record(poolCode)
	r.mu.Lock()
	r.activeWorkers = activeWorkers
	r.availablePermits = availablePermits
	r.queueSize = queueSize
	r.messageGroupCount = messageGroupCount
	r.mu.Unlock()
}

// GetPoolStats returns the snapshot for one pool.
func (s *InMemoryPoolMetricsService) GetPoolStats(poolCode string) *PoolStats {
	s.mu.RLock()
	r, ok := s.records[poolCode]
	s.mu.RUnlock()

	if !ok {
		return EmptyPoolStats(poolCode)
	}
	return r.snapshot(poolCode)
}

// GetAllPoolStats returns snapshots for every pool seen so far.
func (s *InMemoryPoolMetricsService) GetAllPoolStats() map[string]*PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*PoolStats, len(s.records))
	for poolCode, r := range s.records {
		result[poolCode] = r.snapshot(poolCode)
	}
	return result
}

// GetLastActivityTimestamp returns when the pool last completed a message,
// or nil when it never has. Transient retries do not count as activity.
func (s *InMemoryPoolMetricsService) GetLastActivityTimestamp(poolCode string) *time.Time {
	s.mu.RLock()
	r, ok := s.records[poolCode]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastActivity.IsZero() {
		return nil
	}
	ts := r.lastActivity
	return &ts
}

// RemovePoolMetrics drops a deregistered pool's record.
func (s *InMemoryPoolMetricsService) RemovePoolMetrics(poolCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[poolCode]; ok {
		delete(s.records, poolCode)
		slog.Info("Removed stats for pool", "pool", poolCode)
	}
}

func (s *InMemoryPoolMetricsService) record(poolCode string) *poolRecord {
	s.mu.RLock()
	r, ok := s.records[poolCode]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[poolCode]; ok {
		return r
	}
	r = &poolRecord{}
	s.records[poolCode] = r
	return r
}

func (r *poolRecord) snapshot(poolCode string) *PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.window.prune(now)
	c := r.window.counts(now)

	total := r.succeeded + r.failed
	avgDuration := 0.0
	if finished := total + r.transient; finished > 0 {
		avgDuration = float64(r.totalDurationMs) / float64(finished)
	}

	return &PoolStats{
		PoolCode:                poolCode,
		TotalProcessed:          total,
		TotalSucceeded:          r.succeeded,
		TotalFailed:             r.failed,
		TotalRateLimited:        r.rateLimited,
		SuccessRate:             successRatio(r.succeeded, total),
		ActiveWorkers:           r.activeWorkers,
		AvailablePermits:        r.availablePermits,
		MaxConcurrency:          r.maxConcurrency,
		QueueSize:               r.queueSize,
		MaxQueueCapacity:        r.maxQueueCapacity,
		MessageGroupCount:       r.messageGroupCount,
		AverageProcessingTimeMs: avgDuration,
		TotalProcessed5min:      c.shortSucceeded + c.shortFailed,
		Succeeded5min:           c.shortSucceeded,
		Failed5min:              c.shortFailed,
		SuccessRate5min:         successRatio(c.shortSucceeded, c.shortSucceeded+c.shortFailed),
		TotalProcessed30min:     c.longSucceeded + c.longFailed,
		Succeeded30min:          c.longSucceeded,
		Failed30min:             c.longFailed,
		SuccessRate30min:        successRatio(c.longSucceeded, c.longSucceeded+c.longFailed),
	}
}
