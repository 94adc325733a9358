package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Router Consumer Metrics Tests ===

func TestMessagesReceived_Counter(t *testing.T) {
	before := testutil.ToFloat64(MessagesReceived.WithLabelValues("test-queue"))

	MessagesReceived.WithLabelValues("test-queue").Inc()
	MessagesReceived.WithLabelValues("test-queue").Add(9)

	after := testutil.ToFloat64(MessagesReceived.WithLabelValues("test-queue"))
	if after-before != 10 {
		t.Errorf("Expected delta 10, got %f", after-before)
	}
}

func TestMessageLifecycleCounters_Labels(t *testing.T) {
	queues := []string{"dispatch-queue", "dispatch-queue-2"}

	for _, q := range queues {
		MessagesReceived.WithLabelValues(q).Inc()
		MessagesAcked.WithLabelValues(q).Inc()
		MessagesNacked.WithLabelValues(q).Inc()
		MessagesParseFailed.WithLabelValues(q).Inc()
	}

	counter := MessagesAcked.WithLabelValues("dispatch-queue")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestPoolOfferRejected_Counter(t *testing.T) {
	before := testutil.ToFloat64(PoolOfferRejected.WithLabelValues("offer-pool"))

	PoolOfferRejected.WithLabelValues("offer-pool").Inc()

	after := testutil.ToFloat64(PoolOfferRejected.WithLabelValues("offer-pool"))
	if after-before != 1 {
		t.Errorf("Expected delta 1, got %f", after-before)
	}
}

func TestMediatorOutcome_Results(t *testing.T) {
	results := []string{"SUCCESS", "ERROR_CONFIG", "ERROR_PROCESS", "ERROR_CONNECTION"}

	for _, result := range results {
		MediatorOutcome.WithLabelValues(result).Inc()
	}

	counter := MediatorOutcome.WithLabelValues("SUCCESS")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestCircuitBreakerState_Values(t *testing.T) {
	gauge := CircuitBreakerState.WithLabelValues("test-pool", "target.local")

	gauge.Set(CircuitBreakerClosed)
	gauge.Set(CircuitBreakerOpen)
	gauge.Set(CircuitBreakerHalfOpen)

	if testutil.ToFloat64(gauge) != CircuitBreakerHalfOpen {
		t.Errorf("Expected state %d, got %f", CircuitBreakerHalfOpen, testutil.ToFloat64(gauge))
	}
}

func TestQueueDepth_Gauge(t *testing.T) {
	QueueDepth.WithLabelValues("dispatch-queue").Set(42)

	if testutil.ToFloat64(QueueDepth.WithLabelValues("dispatch-queue")) != 42 {
		t.Error("Expected queue depth 42")
	}
}

func TestLatencyHistograms_Observe(t *testing.T) {
	MediatorLatency.WithLabelValues("test-pool").Observe(0.25)
	PollLatency.WithLabelValues("dispatch-queue").Observe(1.5)

	histogram := MediatorLatency.WithLabelValues("test-pool")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

// === Pool Metrics Tests ===

func TestPoolMessagesProcessed_Labels(t *testing.T) {
	// Test that we can increment with valid labels
	PoolMessagesProcessed.WithLabelValues("test-pool", "success").Inc()
	PoolMessagesProcessed.WithLabelValues("test-pool", "failed").Inc()

	// Verify we can get the counter value
	counter := PoolMessagesProcessed.WithLabelValues("test-pool", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestPoolProcessingDuration_Observe(t *testing.T) {
	// Test that we can observe durations
	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0}
	for _, d := range durations {
		PoolProcessingDuration.WithLabelValues("test-pool").Observe(d)
	}

	histogram := PoolProcessingDuration.WithLabelValues("test-pool")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestPoolActiveWorkers_GaugeOperations(t *testing.T) {
	gauge := PoolActiveWorkers.WithLabelValues("test-pool-workers")

	gauge.Set(5)
	gauge.Inc()
	gauge.Dec()
	gauge.Add(10)
	gauge.Sub(5)

	if testutil.ToFloat64(gauge) != 10 {
		t.Errorf("Expected 10 active workers, got %f", testutil.ToFloat64(gauge))
	}
}

func TestPoolQueueDepth_GaugeOperations(t *testing.T) {
	gauge := PoolQueueDepth.WithLabelValues("test-pool-queue")

	gauge.Set(100)
	gauge.Add(50)
	gauge.Sub(25)

	if testutil.ToFloat64(gauge) != 125 {
		t.Errorf("Expected queue depth 125, got %f", testutil.ToFloat64(gauge))
	}
}

func TestPoolRateLimitWaits_Counter(t *testing.T) {
	PoolRateLimitWaits.WithLabelValues("test-pool-rl").Inc()
	PoolRateLimitWaits.WithLabelValues("test-pool-rl").Add(5)

	counter := PoolRateLimitWaits.WithLabelValues("test-pool-rl")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Mediator Metrics Tests ===

func TestMediatorHTTPRequests_Labels(t *testing.T) {
	statusCodes := []string{"200", "201", "400", "401", "404", "500", "502", "503"}
	methods := []string{"GET", "POST", "PUT", "DELETE"}

	for _, code := range statusCodes {
		for _, method := range methods {
			MediatorHTTPRequests.WithLabelValues(code, method).Inc()
		}
	}

	counter := MediatorHTTPRequests.WithLabelValues("200", "POST")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestMediatorHTTPDuration_Observe(t *testing.T) {
	targets := []string{"http://service-a.local", "http://service-b.local"}

	for _, target := range targets {
		MediatorHTTPDuration.WithLabelValues(target).Observe(0.123)
	}

	histogram := MediatorHTTPDuration.WithLabelValues("http://test.local")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestMediatorCircuitBreakerTrips_Counter(t *testing.T) {
	MediatorCircuitBreakerTrips.WithLabelValues("trip-pool", "failing-target.local").Inc()

	counter := MediatorCircuitBreakerTrips.WithLabelValues("trip-pool", "failing-target.local")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestMediatorRetries_Counter(t *testing.T) {
	MediatorRetries.WithLabelValues("retry-pool").Inc()
	MediatorRetries.WithLabelValues("retry-pool").Add(2)

	counter := MediatorRetries.WithLabelValues("retry-pool")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Scheduler Metrics Tests ===

func TestSchedulerJobsScheduled_Counter(t *testing.T) {
	SchedulerJobsScheduled.Inc()
	SchedulerJobsScheduled.Add(10)

	// Verify it's registered
	desc := SchedulerJobsScheduled.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerJobsPending_Gauge(t *testing.T) {
	SchedulerJobsPending.Set(50)
	SchedulerJobsPending.Inc()
	SchedulerJobsPending.Dec()
	SchedulerJobsPending.Add(25)
	SchedulerJobsPending.Sub(10)

	desc := SchedulerJobsPending.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerStaleJobs_Counter(t *testing.T) {
	SchedulerStaleJobs.Inc()
	SchedulerStaleJobs.Add(3)

	desc := SchedulerStaleJobs.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerJobsExpired_Counter(t *testing.T) {
	SchedulerJobsExpired.Inc()

	desc := SchedulerJobsExpired.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestSchedulerJobsCompleted_Labels(t *testing.T) {
	SchedulerJobsCompleted.WithLabelValues("SUCCESS").Inc()
	SchedulerJobsCompleted.WithLabelValues("FAILED").Inc()

	counter := SchedulerJobsCompleted.WithLabelValues("SUCCESS")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Queue Metrics Tests ===

func TestQueueMessagesPublished_Labels(t *testing.T) {
	queueTypes := []string{"embedded", "nats", "sqs", "activemq"}

	for _, qType := range queueTypes {
		QueueMessagesPublished.WithLabelValues(qType).Inc()
		QueueMessagesPublished.WithLabelValues(qType).Add(100)
	}

	counter := QueueMessagesPublished.WithLabelValues("nats")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestQueueMessagesConsumed_Labels(t *testing.T) {
	queueTypes := []string{"nats", "sqs"}

	for _, qType := range queueTypes {
		QueueMessagesConsumed.WithLabelValues(qType).Inc()
		QueueMessagesConsumed.WithLabelValues(qType).Add(100)
	}

	counter := QueueMessagesConsumed.WithLabelValues("sqs")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestQueuePublishErrors_Counter(t *testing.T) {
	QueuePublishErrors.WithLabelValues("nats").Inc()
	QueuePublishErrors.WithLabelValues("sqs").Inc()

	counter := QueuePublishErrors.WithLabelValues("nats")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Warning Metrics Tests ===

func TestWarningsAdded_Labels(t *testing.T) {
	WarningsAdded.WithLabelValues("DISPATCH", "ERROR").Inc()
	WarningsAdded.WithLabelValues("QUEUE", "WARNING").Inc()

	counter := WarningsAdded.WithLabelValues("DISPATCH", "ERROR")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === HTTP API Metrics Tests ===

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	methods := []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	paths := []string{"/health", "/api/monitoring/pools", "/api/monitoring/warnings"}
	statuses := []string{"200", "201", "400", "401", "403", "404", "500"}

	for _, method := range methods {
		for _, path := range paths {
			for _, status := range statuses {
				HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
			}
		}
	}

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestHTTPRequestDuration_Observe(t *testing.T) {
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.015)
	HTTPRequestDuration.WithLabelValues("POST", "/api/monitoring/pools").Observe(0.150)

	histogram := HTTPRequestDuration.WithLabelValues("GET", "/health")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestHTTPActiveConnections_Gauge(t *testing.T) {
	HTTPActiveConnections.Set(10)
	HTTPActiveConnections.Inc()
	HTTPActiveConnections.Dec()
	HTTPActiveConnections.Add(5)
	HTTPActiveConnections.Sub(3)

	desc := HTTPActiveConnections.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Circuit Breaker Constants Tests ===

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected CircuitBreakerClosed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected CircuitBreakerOpen=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected CircuitBreakerHalfOpen=2, got %d", CircuitBreakerHalfOpen)
	}
}

// === Counter Value Tests ===

func TestCounterValue(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})

	reg.MustRegister(counter)

	counter.Add(5)

	val := testutil.ToFloat64(counter)
	if val != 5 {
		t.Errorf("Expected counter value 5, got %f", val)
	}

	counter.Inc()

	val = testutil.ToFloat64(counter)
	if val != 6 {
		t.Errorf("Expected counter value 6, got %f", val)
	}
}

// === Gauge Value Tests ===

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})

	reg.MustRegister(gauge)

	gauge.Set(100)
	val := testutil.ToFloat64(gauge)
	if val != 100 {
		t.Errorf("Expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	val = testutil.ToFloat64(gauge)
	if val != 150 {
		t.Errorf("Expected gauge value 150, got %f", val)
	}

	gauge.Sub(30)
	val = testutil.ToFloat64(gauge)
	if val != 120 {
		t.Errorf("Expected gauge value 120, got %f", val)
	}
}

// === Histogram Tests ===

func TestHistogramBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "Test histogram",
		Buckets: []float64{0.1, 0.5, 1.0, 5.0},
	})

	reg.MustRegister(histogram)

	// Observe values in different buckets
	histogram.Observe(0.05) // < 0.1
	histogram.Observe(0.25) // < 0.5
	histogram.Observe(0.75) // < 1.0
	histogram.Observe(2.5)  // < 5.0
	histogram.Observe(10.0) // > 5.0

	// Verify histogram is populated (testutil doesn't directly expose bucket counts)
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

// === Pool Metrics Integration Tests ===

func TestPoolMetricsIntegration(t *testing.T) {
	poolCode := "integration-test-pool"

	// Simulate processing messages
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			PoolMessagesProcessed.WithLabelValues(poolCode, "failed").Inc()
		} else {
			PoolMessagesProcessed.WithLabelValues(poolCode, "success").Inc()
		}

		PoolProcessingDuration.WithLabelValues(poolCode).Observe(float64(i) * 0.001)
	}

	// Update gauges
	PoolActiveWorkers.WithLabelValues(poolCode).Set(10)
	PoolQueueDepth.WithLabelValues(poolCode).Set(25)

	// All operations should succeed without panic
}

// === Mediator Metrics Integration Tests ===

func TestMediatorMetricsIntegration(t *testing.T) {
	pool := "integration-pool"
	host := "integration-test.local"

	// Simulate HTTP requests
	for i := 0; i < 50; i++ {
		statusCode := "200"
		if i%5 == 0 {
			statusCode = "500"
		}
		MediatorHTTPRequests.WithLabelValues(statusCode, "POST").Inc()
		MediatorHTTPDuration.WithLabelValues(host).Observe(0.050)
	}

	// Simulate circuit breaker state changes
	CircuitBreakerState.WithLabelValues(pool, host).Set(CircuitBreakerClosed)
	CircuitBreakerState.WithLabelValues(pool, host).Set(CircuitBreakerOpen)
	MediatorCircuitBreakerTrips.WithLabelValues(pool, host).Inc()
	CircuitBreakerState.WithLabelValues(pool, host).Set(CircuitBreakerHalfOpen)
	CircuitBreakerState.WithLabelValues(pool, host).Set(CircuitBreakerClosed)

	// All operations should succeed without panic
}

// Benchmark for counter operations
func BenchmarkCounterInc(b *testing.B) {
	counter := PoolMessagesProcessed.WithLabelValues("bench-pool", "success")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}

// Benchmark for histogram observations
func BenchmarkHistogramObserve(b *testing.B) {
	histogram := PoolProcessingDuration.WithLabelValues("bench-pool")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		histogram.Observe(0.123)
	}
}

// Benchmark for gauge set operations
func BenchmarkGaugeSet(b *testing.B) {
	gauge := PoolActiveWorkers.WithLabelValues("bench-pool")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gauge.Set(float64(i))
	}
}
