package runtime

import (
	"path/filepath"
	"strings"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/consumer"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/notification"
	"go.flowcatalyst.tech/dispatch/internal/router/standby"
	"go.flowcatalyst.tech/dispatch/internal/router/traffic"
	"go.flowcatalyst.tech/dispatch/internal/scheduler"
)

// schedulerLockName is the Mongo leader_locks document the scheduler
// replicas contend for.
const schedulerLockName = "dispatch-scheduler"

// queueSettings maps the flat queue section onto the factory's config.
// The single URI field lands in whichever slot the selected variant
// reads; the others carry it harmlessly.
func queueSettings(cfg *config.Config) *queue.Config {
	q := cfg.Queue
	out := &queue.Config{
		Type:              q.Type,
		Connections:       q.Connections,
		VisibilityTimeout: q.VisibilityTimeout(),
		Embedded: queue.EmbeddedConfig{
			Path:           q.URI,
			QueueName:      q.Embedded.QueueName,
			ReceiveTimeout: q.Embedded.ReceiveTimeout,
			DedupWindow:    q.Embedded.DedupWindow,
		},
		NATS: queue.NATSConfig{
			URL:           q.URI,
			Embedded:      q.NATS.Embedded,
			DataDir:       q.NATS.DataDir,
			StreamName:    q.NATS.StreamName,
			ConsumerName:  q.NATS.ConsumerName,
			SubjectBase:   q.NATS.SubjectBase,
			AckWait:       q.NATS.AckWait,
			MaxDeliver:    q.NATS.MaxDeliver,
			MaxAckPending: q.NATS.MaxAckPending,
		},
		SQS: queue.SQSConfig{
			QueueURL:            q.URI,
			Region:              q.SQS.Region,
			CustomEndpoint:      q.SQS.CustomEndpoint,
			WaitTimeSeconds:     int32(q.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(q.VisibilityTimeoutSeconds),
			MaxNumberOfMessages: int32(queue.BatchCap(queue.TypeSQS)),
		},
		ActiveMQ: queue.ActiveMQConfig{
			BrokerAddr: q.URI,
			QueueName:  q.ActiveMQ.QueueName,
			Username:   q.ActiveMQ.Username,
			Password:   q.ActiveMQ.Password,
			ConsoleURL: q.ActiveMQ.ConsoleURL,
			BrokerName: q.ActiveMQ.BrokerName,
		},
	}
	if q.NATS.SubjectBase != "" {
		out.NATS.Subjects = []string{q.NATS.SubjectBase + ".>"}
	}
	if out.Embedded.Path == "" {
		out.Embedded.Path = filepath.Join(cfg.DataDir, "queue.db")
	}
	if out.NATS.DataDir == "" {
		out.NATS.DataDir = filepath.Join(cfg.DataDir, "nats")
	}
	return out
}

// queueLabel is the short queue name used for metric labels, logs and
// the broker health probe. SQS queue URLs are reduced to their last
// path segment.
func queueLabel(cfg *config.Config) string {
	q := cfg.Queue
	switch q.Type {
	case queue.TypeNATS:
		return q.NATS.StreamName
	case queue.TypeSQS:
		uri := strings.TrimRight(q.URI, "/")
		if i := strings.LastIndex(uri, "/"); i >= 0 {
			return uri[i+1:]
		}
		return uri
	case queue.TypeActiveMQ:
		return q.ActiveMQ.QueueName
	default:
		return q.Embedded.QueueName
	}
}

// mediatorSettings builds the mediator config. Dev mode forces HTTP/1.1
// so local targets without TLS or prior-knowledge h2c still work.
func mediatorSettings(cfg *config.Config) *mediator.HTTPMediatorConfig {
	version := mediator.HTTPVersion(cfg.Mediator.HTTPVersion)
	if cfg.DevMode {
		version = mediator.HTTPVersion1
	}
	return &mediator.HTTPMediatorConfig{
		RequestTimeout: cfg.Mediator.Timeout(),
		HTTPVersion:    version,
		MaxRetries:     cfg.Mediator.MaxRetries,
		BaseBackoff:    cfg.Mediator.BaseBackoff(),
		Breaker: mediator.BreakerConfig{
			MinRequests:   uint32(cfg.Breaker.MinRequests),
			Window:        cfg.Breaker.Interval,
			FailureRatio:  cfg.Breaker.Ratio,
			OpenTimeout:   cfg.Breaker.Timeout,
			ProbeRequests: uint32(cfg.Breaker.Requests),
		},
	}
}

// consumerSettings shapes the receive pipeline. ReceiveWait follows the
// SQS long-poll window on that variant so a receive is not cancelled
// mid-poll.
func consumerSettings(cfg *config.Config, queueName string) consumer.Config {
	c := consumer.DefaultConfig(queueName)
	c.Connections = cfg.Queue.Connections
	c.VisibilityTimeout = cfg.Queue.VisibilityTimeout()
	if cfg.Queue.Type == queue.TypeSQS && cfg.Queue.SQS.WaitTimeSeconds > 0 {
		c.ReceiveWait = time.Duration(cfg.Queue.SQS.WaitTimeSeconds) * time.Second
	}
	return c
}

func poolSettings(p config.PoolConfig) *manager.PoolConfig {
	return &manager.PoolConfig{
		Code:               p.Code,
		Concurrency:        p.Concurrency,
		QueueCapacity:      p.QueueCapacity,
		RateLimitPerMinute: p.RateLimitPerMinute,
	}
}

// syncSettings enables pool config sync against the DispatchPool store.
// A replica without standby contention must see the store on boot, so
// the initial sync failure is fatal there; contending replicas tolerate
// it and catch up on promotion.
func syncSettings(cfg *config.Config) *manager.ConfigSyncConfig {
	return &manager.ConfigSyncConfig{
		Enabled:                cfg.PoolSync.Enabled,
		Interval:               cfg.PoolSync.Interval,
		InitialRetryAttempts:   cfg.PoolSync.InitialRetryAttempts,
		InitialRetryDelay:      cfg.PoolSync.InitialRetryDelay,
		FailOnInitialSyncError: !cfg.Standby.Enabled,
	}
}

func schedulerSettings(cfg *config.Config) *scheduler.Config {
	s := cfg.Scheduler
	return &scheduler.Config{
		PollInterval:         s.PollInterval,
		BatchSize:            int64(s.BatchSize),
		MaxConcurrentGroups:  s.MaxConcurrentGroups,
		StaleThreshold:       s.StaleThreshold,
		StaleCheckInterval:   s.StaleCheckInterval,
		ExpiredSweepInterval: s.ExpiredSweepInterval,
		ProcessingEndpoint:   s.ProcessingEndpoint,
		DefaultPoolCode:      s.DefaultPoolCode,
		AppKey:               s.AppKey,
		LeaderElection: scheduler.LeaderElectionConfig{
			Enabled:         s.Leader.Enabled,
			InstanceID:      s.Leader.InstanceID,
			TTL:             s.Leader.TTL,
			RefreshInterval: s.Leader.RefreshInterval,
		},
	}
}

// electorSettings builds the Mongo elector config for the scheduler
// lock, keeping the hostname-derived instance ID unless one is pinned.
func electorSettings(cfg *config.Config) *leader.ElectorConfig {
	ec := leader.DefaultElectorConfig(schedulerLockName)
	if v := cfg.Scheduler.Leader.InstanceID; v != "" {
		ec.InstanceID = v
	}
	if v := cfg.Scheduler.Leader.TTL; v > 0 {
		ec.TTL = v
	}
	if v := cfg.Scheduler.Leader.RefreshInterval; v > 0 {
		ec.RefreshInterval = v
	}
	return ec
}

func standbySettings(cfg *config.Config) *standby.Config {
	return &standby.Config{
		Enabled:         cfg.Standby.Enabled,
		InstanceID:      cfg.Standby.InstanceID,
		LockKey:         cfg.Standby.LockKey,
		LockTTL:         cfg.Standby.LockTTL,
		RefreshInterval: cfg.Standby.RefreshInterval,
		RedisURL:        cfg.Standby.RedisURL,
	}
}

func trafficSettings(cfg *config.Config) *traffic.Config {
	return &traffic.Config{
		Enabled:  cfg.Traffic.Enabled,
		Strategy: cfg.Traffic.Strategy,
		ALB: traffic.ALBConfig{
			TargetGroupARN:      cfg.Traffic.ALB.TargetGroupARN,
			TargetID:            cfg.Traffic.ALB.TargetID,
			Port:                int32(cfg.Traffic.ALB.Port),
			Region:              cfg.Traffic.ALB.Region,
			DeregistrationDelay: cfg.Traffic.ALB.DeregistrationDelay,
		},
	}
}

// notifierDelegates builds the enabled notification channels. An empty
// result means warnings stay in-process only.
func notifierDelegates(cfg *config.Config) []notification.Service {
	var delegates []notification.Service
	if e := cfg.Notifications.Email; e.Enabled {
		delegates = append(delegates, notification.NewEmailService(&notification.EmailConfig{
			Enabled:     true,
			SMTPHost:    e.SMTPHost,
			SMTPPort:    e.SMTPPort,
			Username:    e.Username,
			Password:    e.Password,
			FromAddress: e.FromAddress,
			ToAddress:   e.ToAddress,
		}))
	}
	if t := cfg.Notifications.Teams; t.Enabled {
		delegates = append(delegates, notification.NewTeamsService(&notification.TeamsConfig{
			Enabled:    true,
			WebhookURL: t.WebhookURL,
		}))
	}
	return delegates
}
