// Package mediator delivers message pointers to their HTTP targets and
// classifies the outcome for the processing pools.
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

const (
	// maxResponseBytes bounds how much of a target's response body is read.
	maxResponseBytes = 64 * 1024

	// maxBackoff caps the exponential backoff between attempts.
	maxBackoff = 30 * time.Second
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// RequestTimeout bounds a single delivery attempt (default 30s)
	RequestTimeout time.Duration

	// HTTPVersion controls which HTTP version to use
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev)
	HTTPVersion HTTPVersion

	// MaxRetries is how many times a retryable attempt is retried after
	// the first, so a mediation makes at most MaxRetries+1 HTTP requests
	MaxRetries int

	// BaseBackoff seeds the exponential backoff between attempts
	BaseBackoff time.Duration

	// DefaultHeaders are added to every outbound request
	DefaultHeaders map[string]string

	// Breaker configures the per-(pool, host) circuit breakers
	Breaker BreakerConfig
}

// DefaultHTTPMediatorConfig returns sensible defaults for production
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		RequestTimeout: 30 * time.Second,
		HTTPVersion:    HTTPVersion2,
		MaxRetries:     3,
		BaseBackoff:    time.Second,
		Breaker:        DefaultBreakerConfig(),
	}
}

// DevHTTPMediatorConfig returns config suitable for development
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1 // HTTP/1.1 for dev mode
	return cfg
}

// HTTPMediator mediates messages via HTTP webhooks. One instance is
// shared by all pools; breakers are keyed per (pool, target host).
type HTTPMediator struct {
	client         *http.Client
	requestTimeout time.Duration
	maxRetries     int
	baseBackoff    time.Duration
	defaultHeaders map[string]string
	breakers       *breakerRegistry
}

// attempt is the classified outcome of a single delivery attempt.
type attempt struct {
	result       model.MediationResult
	statusCode   int
	delaySeconds *int
	err          error
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	breakerCfg := cfg.Breaker
	if breakerCfg == (BreakerConfig{}) {
		breakerCfg = DefaultBreakerConfig()
	}

	// Create transport with base settings
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		// Force HTTP/1.1 by disabling HTTP/2
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	headers := make(map[string]string, len(cfg.DefaultHeaders))
	for k, v := range cfg.DefaultHeaders {
		headers[k] = v
	}

	return &HTTPMediator{
		// The per-attempt deadline comes from the request context, so the
		// client itself carries no timeout.
		client:         &http.Client{Transport: transport},
		requestTimeout: requestTimeout,
		maxRetries:     maxRetries,
		baseBackoff:    baseBackoff,
		defaultHeaders: headers,
		breakers:       newBreakerRegistry(breakerCfg),
	}
}

// CircuitBreakers reports the state of every breaker created so far.
func (m *HTTPMediator) CircuitBreakers() []BreakerStatus {
	return m.breakers.Snapshot()
}

// Mediate delivers one message pointer to its target, retrying transient
// failures, and reports the final completion.
func (m *HTTPMediator) Mediate(ctx context.Context, msg *model.MessagePointer) model.Completion {
	if msg == nil {
		return model.PermanentCompletion(errors.New("nil message pointer"))
	}

	start := time.Now()
	completion := m.mediate(ctx, msg)
	completion.Duration = time.Since(start)

	metrics.MediatorLatency.WithLabelValues(msg.PoolCode).Observe(completion.Duration.Seconds())
	metrics.MediatorOutcome.WithLabelValues(string(completion.Result)).Inc()

	return completion
}

func (m *HTTPMediator) mediate(ctx context.Context, msg *model.MessagePointer) model.Completion {
	if msg.MediationTarget == "" {
		return model.PermanentCompletion(errors.New("message has no mediation target"))
	}
	target, err := url.Parse(msg.MediationTarget)
	if err != nil {
		return model.PermanentCompletion(fmt.Errorf("invalid mediation target: %w", err))
	}
	if target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return model.PermanentCompletion(fmt.Errorf("invalid mediation target %q", msg.MediationTarget))
	}

	payload, err := json.Marshal(model.ProcessRequest{MessageID: msg.ID})
	if err != nil {
		return model.PermanentCompletion(fmt.Errorf("encoding process request: %w", err))
	}

	breaker := m.breakers.get(msg.PoolCode, target.Host)

	// The first attempt is free; maxRetries bounds the retries after it.
	attempts := m.maxRetries + 1

	var last attempt
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			backoff := m.jitteredBackoff(n - 1)
			slog.Info("Retrying mediation",
				"messageId", msg.ID,
				"pool", msg.PoolCode,
				"attempt", n,
				"backoff", backoff)
			metrics.MediatorRetries.WithLabelValues(msg.PoolCode).Inc()

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				completion := model.TransientCompletion(model.MediationErrorProcess, last.delaySeconds, ctx.Err())
				completion.StatusCode = last.statusCode
				return completion
			}
		}

		// Each attempt passes through the breaker individually so the
		// failure window sees every try, not just whole mediations.
		result, execErr := breaker.Execute(func() (interface{}, error) {
			att := m.executeOnce(ctx, msg, payload, n)
			if att.result.Retryable() {
				err := att.err
				if err == nil {
					err = fmt.Errorf("mediation failed: %s", att.result)
				}
				return att, err
			}
			return att, nil
		})

		att, ok := result.(attempt)
		if !ok {
			// The breaker rejected the call before it ran.
			if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
				slog.Warn("Circuit breaker open, short-circuiting",
					"messageId", msg.ID,
					"pool", msg.PoolCode,
					"host", target.Host)
			}
			att = attempt{result: model.MediationErrorConnection, err: execErr}
		}

		switch att.result {
		case model.MediationSuccess:
			completion := model.SuccessCompletion()
			completion.StatusCode = att.statusCode
			return completion
		case model.MediationErrorConfig:
			completion := model.PermanentCompletion(att.err)
			completion.StatusCode = att.statusCode
			return completion
		}

		last = att

		// The router shutting down is not the target's fault; stop
		// retrying and hand the message back to the broker.
		if ctx.Err() != nil {
			completion := model.TransientCompletion(model.MediationErrorProcess, last.delaySeconds, ctx.Err())
			completion.StatusCode = last.statusCode
			return completion
		}
	}

	delay := last.delaySeconds
	if delay == nil {
		next := m.nextBackoffSeconds()
		delay = &next
	}

	slog.Warn("Mediation attempts exhausted",
		"messageId", msg.ID,
		"pool", msg.PoolCode,
		"result", last.result,
		"delaySeconds", *delay,
		"error", last.err)

	completion := model.TransientCompletion(last.result, delay, last.err)
	completion.StatusCode = last.statusCode
	return completion
}

// executeOnce executes a single HTTP delivery attempt:
// POST to mediationTarget with {"messageId": "<id>"} and
// Authorization: Bearer <authToken> when present.
func (m *HTTPMediator) executeOnce(ctx context.Context, msg *model.MessagePointer, payload []byte, attemptNum int) attempt {
	attemptCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, msg.MediationTarget, bytes.NewReader(payload))
	if err != nil {
		return attempt{result: model.MediationErrorConfig, err: fmt.Errorf("building request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range m.defaultHeaders {
		req.Header.Set(k, v)
	}
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}

	slog.Debug("Executing mediation request",
		"messageId", msg.ID,
		"target", msg.MediationTarget,
		"attempt", attemptNum)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", http.MethodPost).Inc()
		return m.classifyTransportError(ctx, msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), http.MethodPost).Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	slog.Debug("Mediation response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	return m.classifyResponse(msg, resp, body)
}

// classifyTransportError maps request errors to mediation results.
func (m *HTTPMediator) classifyTransportError(ctx context.Context, msg *model.MessagePointer, err error) attempt {
	// The parent being cancelled means the router is shutting down, not
	// that the target misbehaved.
	if ctx.Err() != nil {
		return attempt{result: model.MediationErrorProcess, err: ctx.Err()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Mediation request timed out",
			"messageId", msg.ID,
			"timeout", m.requestTimeout)
		return attempt{result: model.MediationErrorConnection, err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Mediation network error",
			"messageId", msg.ID,
			"error", err,
			"timeout", netErr.Timeout())
		return attempt{result: model.MediationErrorConnection, err: err}
	}

	// DNS, TLS and dial failures that surface without a net.Error.
	slog.Warn("Mediation request failed",
		"messageId", msg.ID,
		"error", err)
	return attempt{result: model.MediationErrorConnection, err: err}
}

// classifyResponse maps an HTTP status and body to a mediation result.
func (m *HTTPMediator) classifyResponse(msg *model.MessagePointer, resp *http.Response, body []byte) attempt {
	statusCode := resp.StatusCode

	if statusCode >= 200 && statusCode < 300 {
		ack, delay := parseAck(body)
		if ack != nil && !*ack {
			// ack=false means "not ready, try again later"
			effective := effectiveDelay(delay)
			slog.Info("Target nacked message",
				"messageId", msg.ID,
				"statusCode", statusCode,
				"delaySeconds", effective)
			return attempt{
				result:       model.MediationErrorProcess,
				statusCode:   statusCode,
				delaySeconds: &effective,
				err:          errors.New("target nacked message"),
			}
		}
		return attempt{result: model.MediationSuccess, statusCode: statusCode}
	}

	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly:
		slog.Warn("Target not ready, will retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return attempt{
			result:     model.MediationErrorProcess,
			statusCode: statusCode,
			err:        fmt.Errorf("target returned status %d", statusCode),
		}
	case http.StatusTooManyRequests:
		delay := retryAfterSeconds(resp, body)
		slog.Warn("Target rate limited",
			"messageId", msg.ID,
			"delaySeconds", delay)
		return attempt{
			result:       model.MediationErrorProcess,
			statusCode:   statusCode,
			delaySeconds: &delay,
			err:          errors.New("target rate limited"),
		}
	}

	// Remaining 4xx mean the request can never succeed as configured.
	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error, will not retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return attempt{
			result:     model.MediationErrorConfig,
			statusCode: statusCode,
			err:        fmt.Errorf("target returned status %d", statusCode),
		}
	}

	slog.Warn("Server error, will retry",
		"messageId", msg.ID,
		"statusCode", statusCode)
	return attempt{
		result:     model.MediationErrorProcess,
		statusCode: statusCode,
		err:        fmt.Errorf("target returned status %d", statusCode),
	}
}

// backoffWindow returns the capped exponential window after failed attempts.
func (m *HTTPMediator) backoffWindow(failed int) time.Duration {
	window := m.baseBackoff
	for i := 1; i < failed && window < maxBackoff; i++ {
		window *= 2
	}
	if window > maxBackoff {
		window = maxBackoff
	}
	return window
}

// jitteredBackoff picks a full-jitter sleep in (0, window].
func (m *HTTPMediator) jitteredBackoff(failed int) time.Duration {
	window := m.backoffWindow(failed)
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(window))) + 1
}

// nextBackoffSeconds is the delay suggested to the broker when every
// attempt failed without the target proposing one: the backoff that
// would have preceded a further attempt, in whole seconds.
func (m *HTTPMediator) nextBackoffSeconds() int {
	secs := int(math.Ceil(m.backoffWindow(m.maxRetries + 1).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// parseAck extracts the optional ack envelope from a 2xx body. A missing,
// empty or unparseable body means the target acknowledged by status alone.
func parseAck(body []byte) (*bool, *int) {
	if len(body) == 0 {
		return nil, nil
	}

	var envelope struct {
		Ack          *bool `json:"ack"`
		DelaySeconds *int  `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil
	}

	return envelope.Ack, envelope.DelaySeconds
}

// effectiveDelay resolves an ack=false delay hint against the defaults.
func effectiveDelay(delay *int) int {
	reply := model.MediationResponse{Ack: false, DelaySeconds: delay}
	return reply.GetEffectiveDelaySeconds()
}

// retryAfterSeconds resolves the backoff hint for a 429: body
// delaySeconds first, then the Retry-After header, then the default.
func retryAfterSeconds(resp *http.Response, body []byte) int {
	if _, delay := parseAck(body); delay != nil && *delay > 0 {
		return model.ClampDelaySeconds(*delay)
	}

	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return model.ClampDelaySeconds(secs)
		}
	}

	return model.DefaultDelaySeconds
}
