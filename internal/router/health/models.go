package health

import (
	"time"

	"go.flowcatalyst.tech/dispatch/internal/router/manager"
)

// Overall status values served by the health and monitoring endpoints.
const (
	StatusHealthy   = "HEALTHY"
	StatusDegraded  = "DEGRADED"
	StatusUnhealthy = "UNHEALTHY"
)

// Per-pool status values. A pool that has never completed a message is
// idle, not stalled; only pools that stopped making progress after
// having made some are flagged.
const (
	PoolStatusActive  = "ACTIVE"
	PoolStatusIdle    = "IDLE"
	PoolStatusStalled = "STALLED"
)

// Readiness probe status values.
const (
	ReadinessUp   = "UP"
	ReadinessDown = "DOWN"
)

// InfrastructureHealth is the result of an infrastructure health check.
type InfrastructureHealth struct {
	Healthy bool     `json:"healthy"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// ReadinessStatus is the Kubernetes liveness/readiness probe response.
type ReadinessStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Issues    []string  `json:"issues,omitempty"`
}

// NewReadyStatus creates a passing probe response.
func NewReadyStatus() *ReadinessStatus {
	return &ReadinessStatus{
		Status:    ReadinessUp,
		Timestamp: time.Now(),
	}
}

// NewNotReadyStatus creates a failing probe response carrying the issues
// that caused it.
func NewNotReadyStatus(issues []string) *ReadinessStatus {
	return &ReadinessStatus{
		Status:    ReadinessDown,
		Timestamp: time.Now(),
		Issues:    issues,
	}
}

// HealthStatus is the aggregated health document served to the
// monitoring dashboard.
type HealthStatus struct {
	Status                  string                   `json:"status"`
	UpSince                 time.Time                `json:"upSince"`
	UptimeSeconds           int64                    `json:"uptimeSeconds"`
	TotalMessagesProcessed  int64                    `json:"totalMessagesProcessed"`
	TotalMessagesSucceeded  int64                    `json:"totalMessagesSucceeded"`
	TotalMessagesFailed     int64                    `json:"totalMessagesFailed"`
	OverallSuccessRate      float64                  `json:"overallSuccessRate"`
	ActivePoolCount         int                      `json:"activePoolCount"`
	TotalActiveWorkers      int                      `json:"totalActiveWorkers"`
	CurrentQueueDepth       int64                    `json:"currentQueueDepth"`
	Throughput              float64                  `json:"throughput"`
	CircuitBreakersOpen     int                      `json:"circuitBreakersOpen"`
	UnacknowledgedWarnings  int                      `json:"unacknowledgedWarnings"`
	Infrastructure          *InfrastructureHealth    `json:"infrastructure,omitempty"`
	LastInfrastructureCheck time.Time                `json:"lastInfrastructureCheck"`
	BrokerType              string                   `json:"brokerType,omitempty"`
	BrokerConnected         bool                     `json:"brokerConnected"`
	Pools                   []PoolHealth             `json:"pools,omitempty"`
	Consumers               []manager.ConsumerHealth `json:"consumers,omitempty"`
}

// PoolHealth classifies one processing pool for the dashboard.
type PoolHealth struct {
	PoolCode       string     `json:"poolCode"`
	Status         string     `json:"status"`
	ActiveWorkers  int        `json:"activeWorkers"`
	QueueSize      int        `json:"queueSize"`
	SuccessRate    float64    `json:"successRate"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}
