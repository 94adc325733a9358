package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Router consumer metrics

	// MessagesReceived tracks messages received from the broker
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "messages_received",
			Help:      "Messages received from the message queue",
		},
		[]string{"queue"},
	)

	// MessagesAcked tracks messages acknowledged on the broker
	MessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "messages_acked",
			Help:      "Messages acknowledged (deleted) on the message queue",
		},
		[]string{"queue"},
	)

	// MessagesNacked tracks messages returned to the broker for redelivery
	MessagesNacked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "messages_nacked",
			Help:      "Messages negatively acknowledged (returned for redelivery)",
		},
		[]string{"queue"},
	)

	// MessagesParseFailed tracks message bodies that could not be decoded
	MessagesParseFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "messages_parse_failed",
			Help:      "Messages dropped because the body could not be parsed",
		},
		[]string{"queue"},
	)

	// PoolOfferRejected tracks pointers a pool refused at intake
	PoolOfferRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "pool_offer_rejected",
			Help:      "Pointers rejected at pool intake (queue full or pool not accepting)",
		},
		[]string{"pool_code"},
	)

	// MediatorOutcome tracks final mediation outcomes by result
	MediatorOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "mediator_outcome_total",
			Help:      "Final mediation outcomes",
		},
		[]string{"result"}, // SUCCESS, ERROR_CONFIG, ERROR_PROCESS, ERROR_CONNECTION
	)

	// CircuitBreakerState tracks breaker state per (pool, target host)
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (probing)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"pool", "host"},
	)

	// QueueDepth tracks broker queue depth as last observed
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "queue_depth",
			Help:      "Approximate depth of the message queue",
		},
		[]string{"queue"},
	)

	// MediatorLatency tracks end-to-end mediation duration per pool
	MediatorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Name:      "mediator_latency_seconds",
			Help:      "End-to-end mediation duration including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"pool_code"},
	)

	// PollLatency tracks broker receive round-trip duration
	PollLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Name:      "poll_latency_seconds",
			Help:      "Broker receive round-trip duration",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 25},
		},
		[]string{"queue"},
	)

	// Pool metrics

	// PoolMessagesProcessed tracks total messages processed by pool
	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by dispatch pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed
	)

	// PoolProcessingDuration tracks message processing duration
	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	// PoolActiveWorkers tracks workers currently mediating a message
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of workers currently processing a message",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks queue depth (pending messages)
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of messages waiting in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolRateLimitWaits tracks workers that had to wait for a rate token
	PoolRateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "rate_limit_waits_total",
			Help:      "Total times a worker blocked waiting for a rate-limit token",
		},
		[]string{"pool_code"},
	)

	// PoolAvailablePermits tracks idle worker capacity
	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Idle worker capacity in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount tracks active message groups
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of active message groups in the pool",
		},
		[]string{"pool_code"},
	)

	// Mediator metrics

	// MediatorHTTPRequests tracks HTTP requests made by the mediator
	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	// MediatorHTTPDuration tracks single-attempt HTTP request duration
	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerTrips tracks breaker trip events
	MediatorCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"pool", "host"},
	)

	// MediatorRetries tracks in-mediation retry attempts
	MediatorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "retries_total",
			Help:      "Total in-mediation retry attempts",
		},
		[]string{"pool_code"},
	)

	// Scheduler metrics

	// SchedulerJobsScheduled tracks total jobs scheduled
	SchedulerJobsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "jobs_scheduled_total",
			Help:      "Total jobs scheduled for dispatch",
		},
	)

	// SchedulerJobsPending tracks pending jobs
	SchedulerJobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "jobs_pending",
			Help:      "Number of jobs pending dispatch",
		},
	)

	// SchedulerStaleJobs tracks stale QUEUED jobs reset to PENDING
	SchedulerStaleJobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "stale_jobs_recovered_total",
			Help:      "Total stale jobs recovered",
		},
	)

	// SchedulerJobsExpired tracks jobs marked EXPIRED by the sweep
	SchedulerJobsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "jobs_expired_total",
			Help:      "Total jobs expired past their time to live",
		},
	)

	// SchedulerBlockedGroupSkips tracks groups skipped by block-on-error
	SchedulerBlockedGroupSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "blocked_group_skips_total",
			Help:      "Total dispatch rounds skipped because the group is blocked on a failed job",
		},
	)

	// SchedulerJobsCompleted tracks completion feedback by final status
	SchedulerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "jobs_completed_total",
			Help:      "Total jobs finalized by completion feedback",
		},
		[]string{"status"}, // SUCCESS, FAILED
	)

	// SchedulerPollDuration tracks time to poll and fan out a batch
	SchedulerPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "poll_duration_seconds",
			Help:      "Time to poll and dispatch a batch of pending jobs",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Queue metrics

	// QueueMessagesPublished tracks messages published to queue
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to queue",
		},
		[]string{"queue_type"}, // embedded, nats, sqs, activemq
	)

	// QueueMessagesConsumed tracks messages consumed from queue
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from queue",
		},
		[]string{"queue_type"},
	)

	// QueuePublishErrors tracks queue publish errors
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// Consumer health metrics

	// ConsumerRestarts tracks consumer restart attempts
	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "restarts_total",
			Help:      "Total consumer restart attempts due to stall detection",
		},
	)

	// ConsumerStallEvents tracks consumer stall events
	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "stall_events_total",
			Help:      "Total consumer stall events detected",
		},
	)

	// Pipeline metrics (in-flight tracking and leak detection)

	// PipelineMapSize tracks the size of the in-pipeline map
	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "map_size",
			Help:      "Number of messages currently in the processing pipeline",
		},
	)

	// PipelineTotalCapacity tracks total pool capacity
	PipelineTotalCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "total_capacity",
			Help:      "Total capacity across all processing pools",
		},
	)

	// Warning metrics

	// WarningsAdded tracks warnings recorded by category and severity
	WarningsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "warnings",
			Name:      "added_total",
			Help:      "Total warnings recorded",
		},
		[]string{"category", "severity"},
	)

	// WarningsEvicted tracks warnings dropped because the store was full
	WarningsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "warnings",
			Name:      "evicted_total",
			Help:      "Total warnings evicted from the bounded store",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPActiveConnections tracks active HTTP connections
	HTTPActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "active_connections",
			Help:      "Number of active HTTP connections",
		},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
