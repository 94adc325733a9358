package config

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError describes one invalid configuration field. Validate
// joins every violation into a single error so operators can fix the
// whole file in one pass instead of replaying startup failures.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// maxVisibilitySeconds matches the SQS ceiling; the other transports
// honor the same cap so configs stay portable between them.
const maxVisibilitySeconds = 43200

// Validate checks field ranges and cross-section consistency. It
// returns nil or an errors.Join of one ConfigError per violation.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, &ConfigError{Field: field, Reason: reason})
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		bad("http.port", fmt.Sprintf("must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	switch c.Queue.Type {
	case "embedded":
	case "nats":
		if c.Queue.URI == "" && !c.Queue.NATS.Embedded {
			bad("queue.uri", "required for queue type nats unless nats.embedded is set")
		}
	case "sqs":
		if c.Queue.URI == "" {
			bad("queue.uri", "required for queue type sqs")
		}
	case "activemq":
		if c.Queue.URI == "" {
			bad("queue.uri", "required for queue type activemq")
		}
	default:
		bad("queue.type", fmt.Sprintf("unknown type %q, want embedded, nats, sqs or activemq", c.Queue.Type))
	}

	if c.Queue.Connections < 1 {
		bad("queue.connections", "must be at least 1")
	}
	if c.Queue.VisibilityTimeoutSeconds < 1 || c.Queue.VisibilityTimeoutSeconds > maxVisibilitySeconds {
		bad("queue.visibility_timeout_seconds",
			fmt.Sprintf("must be between 1 and %d, got %d", maxVisibilitySeconds, c.Queue.VisibilityTimeoutSeconds))
	}

	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		field := fmt.Sprintf("pools[%d]", i)
		code := strings.TrimSpace(p.Code)
		if code == "" {
			bad(field+".code", "must not be empty")
			continue
		}
		if seen[code] {
			bad(field+".code", fmt.Sprintf("duplicate pool code %q", code))
		}
		seen[code] = true
		if p.Concurrency < 0 {
			bad(field+".concurrency", "must not be negative")
		}
		if p.QueueCapacity < 0 {
			bad(field+".queue_capacity", "must not be negative")
		}
		if p.RateLimitPerMinute < 0 {
			bad(field+".rate_limit_per_minute", "must not be negative")
		}
	}

	if c.Mediator.MaxRetries < 0 {
		bad("mediator.max_retries", "must not be negative")
	}
	if c.Mediator.BaseBackoffMs < 1 {
		bad("mediator.base_backoff_ms", "must be at least 1")
	}
	if c.Mediator.TimeoutSeconds < 1 {
		bad("mediator.timeout_seconds", "must be at least 1")
	}
	switch c.Mediator.HTTPVersion {
	case "HTTP_2", "HTTP_1_1":
	default:
		bad("mediator.http_version", fmt.Sprintf("unknown version %q, want HTTP_2 or HTTP_1_1", c.Mediator.HTTPVersion))
	}

	if c.Breaker.Requests < 1 {
		bad("breaker.requests", "must be at least 1")
	}
	if c.Breaker.Interval <= 0 {
		bad("breaker.interval", "must be positive")
	}
	if c.Breaker.Ratio <= 0 || c.Breaker.Ratio > 1 {
		bad("breaker.ratio", fmt.Sprintf("must be within (0, 1], got %g", c.Breaker.Ratio))
	}
	if c.Breaker.Timeout <= 0 {
		bad("breaker.timeout", "must be positive")
	}
	if c.Breaker.MinRequests < 1 {
		bad("breaker.min_requests", "must be at least 1")
	}

	if c.Scheduler.Enabled && c.MongoDB.URI == "" {
		bad("mongodb.uri", "required when the scheduler is enabled")
	}
	if c.PoolSync.Enabled && c.MongoDB.URI == "" {
		bad("mongodb.uri", "required when pool sync is enabled")
	}
	if c.Scheduler.PollInterval <= 0 {
		bad("scheduler.poll_interval", "must be positive")
	}
	if c.Scheduler.BatchSize < 1 {
		bad("scheduler.batch_size", "must be at least 1")
	}
	if c.Scheduler.MaxConcurrentGroups < 1 {
		bad("scheduler.max_concurrent_groups", "must be at least 1")
	}

	if c.Standby.Enabled && c.Standby.RedisURL == "" {
		bad("standby.redis_url", "required when standby election is enabled")
	}

	if c.Traffic.Enabled {
		switch c.Traffic.Strategy {
		case "noop":
		case "aws-alb":
			if c.Traffic.ALB.TargetGroupARN == "" {
				bad("traffic.alb.target_group_arn", "required for the aws-alb strategy")
			}
			if c.Traffic.ALB.TargetID == "" {
				bad("traffic.alb.target_id", "required for the aws-alb strategy")
			}
		default:
			bad("traffic.strategy", fmt.Sprintf("unknown strategy %q, want noop or aws-alb", c.Traffic.Strategy))
		}
	}

	switch c.Notifications.MinSeverity {
	case "INFO", "WARN", "ERROR", "CRITICAL":
	default:
		bad("notifications.min_severity",
			fmt.Sprintf("unknown severity %q, want INFO, WARN, ERROR or CRITICAL", c.Notifications.MinSeverity))
	}

	if c.Notifications.Email.Enabled {
		if c.Notifications.Email.SMTPHost == "" {
			bad("notifications.email.smtp_host", "required when email notifications are enabled")
		}
		if c.Notifications.Email.FromAddress == "" {
			bad("notifications.email.from", "required when email notifications are enabled")
		}
		if c.Notifications.Email.ToAddress == "" {
			bad("notifications.email.to", "required when email notifications are enabled")
		}
	}
	if c.Notifications.Teams.Enabled && c.Notifications.Teams.WebhookURL == "" {
		bad("notifications.teams.webhook_url", "required when Teams notifications are enabled")
	}

	return errors.Join(errs...)
}
