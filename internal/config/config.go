// Package config assembles the effective router and scheduler
// configuration from three layers: built-in defaults, an optional TOML
// settings file, and environment variables. Later layers win, so a
// container can override any file setting with a single env var.
//
// Credential-bearing fields accept secret:// references that
// ResolveSecrets exchanges for real values before components see them.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/secrets"
)

// Config holds all configuration for the FlowCatalyst router and scheduler.
type Config struct {
	HTTP    HTTPConfig
	MongoDB MongoDBConfig

	// Queue selects the message transport and its per-variant settings.
	Queue QueueConfig

	// Pools are the statically configured dispatch pools. When PoolSync
	// is enabled they act as the bootstrap set until the first sync.
	Pools []PoolConfig

	PoolSync PoolSyncConfig
	Mediator MediatorConfig
	Breaker  BreakerConfig

	Scheduler SchedulerConfig
	Standby   StandbyConfig
	Traffic   TrafficConfig

	Notifications NotificationConfig

	Secrets secrets.Config

	// DataDir roots embedded state: the SQLite queue, the in-process
	// NATS store and the encrypted secrets file.
	DataDir string

	// DevMode relaxes startup checks and switches the mediator to
	// HTTP/1.1 so local endpoints without TLS work out of the box.
	DevMode bool
}

// HTTPConfig holds the monitoring and ingestion server settings.
type HTTPConfig struct {
	Host        string
	Port        int
	CORSOrigins []string

	// AdminJWTSecret guards mutating admin endpoints with HS256 bearer
	// tokens when set. Empty leaves them open, the development default.
	AdminJWTSecret string
}

// MongoDBConfig holds the connection settings for dispatch job and
// pool storage. URI may be a secret:// reference.
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig selects the transport behind the router's consumers and
// the scheduler's publisher.
type QueueConfig struct {
	// Type is one of "embedded", "nats", "sqs" or "activemq".
	Type string

	// URI is the transport address: an SQS queue URL, a NATS server
	// URL, an ActiveMQ broker host:port, or the embedded queue's
	// database path. The variant sections below carry everything the
	// URI cannot.
	URI string

	// Connections is the number of concurrent receive loops.
	Connections int

	// VisibilityTimeoutSeconds is how long a received message stays
	// invisible before the broker redelivers it. Capped at 43200.
	VisibilityTimeoutSeconds int

	Embedded EmbeddedConfig
	NATS     NATSConfig
	SQS      SQSConfig
	ActiveMQ ActiveMQConfig
}

// VisibilityTimeout returns the visibility window as a duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutSeconds) * time.Second
}

// EmbeddedConfig tunes the SQLite-backed queue used when Type is
// "embedded". The database path comes from the queue URI, falling back
// to DataDir/queue.db.
type EmbeddedConfig struct {
	QueueName      string
	ReceiveTimeout time.Duration
	DedupWindow    time.Duration
}

// NATSConfig tunes the JetStream transport. When Embedded is set the
// router runs an in-process nats-server and the queue URI is optional.
type NATSConfig struct {
	Embedded      bool
	DataDir       string
	StreamName    string
	ConsumerName  string
	SubjectBase   string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// SQSConfig tunes the AWS SQS transport. Credentials come from the
// standard SDK chain, never from this file.
type SQSConfig struct {
	Region          string
	CustomEndpoint  string // LocalStack
	WaitTimeSeconds int
}

// ActiveMQConfig tunes the STOMP transport. Username and Password may
// be secret:// references.
type ActiveMQConfig struct {
	QueueName  string
	Username   string
	Password   string
	ConsoleURL string
	BrokerName string
}

// PoolConfig is one statically configured dispatch pool. Zero
// Concurrency and QueueCapacity take the pool manager's defaults.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute int
}

// PoolSyncConfig controls periodic pool reconciliation from MongoDB.
type PoolSyncConfig struct {
	Enabled              bool
	Interval             time.Duration
	InitialRetryAttempts int
	InitialRetryDelay    time.Duration
}

// MediatorConfig tunes outbound HTTP delivery.
type MediatorConfig struct {
	MaxRetries     int
	BaseBackoffMs  int
	TimeoutSeconds int

	// HTTPVersion is "HTTP_2" or "HTTP_1_1". DevMode implies HTTP_1_1
	// unless set explicitly.
	HTTPVersion string
}

// BaseBackoff returns the first retry delay as a duration.
func (m MediatorConfig) BaseBackoff() time.Duration {
	return time.Duration(m.BaseBackoffMs) * time.Millisecond
}

// Timeout returns the per-request deadline as a duration.
func (m MediatorConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// BreakerConfig tunes the per-endpoint circuit breakers in front of
// the mediator.
type BreakerConfig struct {
	// Requests is the probe allowance while half-open.
	Requests int

	// Interval is the rolling window failures are counted over.
	Interval time.Duration

	// Ratio is the failure ratio that opens the breaker.
	Ratio float64

	// Timeout is how long an open breaker waits before probing.
	Timeout time.Duration

	// MinRequests is the sample floor below which Ratio is ignored.
	MinRequests int
}

// SchedulerConfig tunes the dispatch job scheduler. Enabling it
// requires MongoDB.
type SchedulerConfig struct {
	Enabled bool

	PollInterval         time.Duration
	BatchSize            int
	MaxConcurrentGroups  int
	StaleThreshold       time.Duration
	StaleCheckInterval   time.Duration
	ExpiredSweepInterval time.Duration

	// ProcessingEndpoint, when set, overrides every job's target URL so
	// a central delivery service receives the pointer callbacks.
	ProcessingEndpoint string

	// DefaultPoolCode is stamped on pointers whose job names no pool.
	DefaultPoolCode string

	// AppKey signs pointer auth tokens. May be a secret:// reference.
	AppKey string

	// Leader gates the scheduler loops to one replica via a MongoDB
	// lock document.
	Leader LeaderConfig
}

// LeaderConfig holds scheduler leader election settings.
type LeaderConfig struct {
	Enabled         bool
	InstanceID      string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// StandbyConfig controls Redis-based active/standby election for the
// router itself. RedisPassword may be a secret:// reference and
// overrides credentials embedded in the URL.
type StandbyConfig struct {
	Enabled         bool
	InstanceID      string
	LockKey         string
	LockTTL         time.Duration
	RefreshInterval time.Duration
	RedisURL        string
	RedisPassword   string
}

// TrafficConfig controls load balancer attachment when this instance
// wins or loses the standby election.
type TrafficConfig struct {
	Enabled  bool
	Strategy string // "noop" or "aws-alb"
	ALB      ALBConfig
}

// ALBConfig identifies the target group this instance joins while active.
type ALBConfig struct {
	TargetGroupARN      string
	TargetID            string
	Port                int
	Region              string
	DeregistrationDelay time.Duration
}

// NotificationConfig tunes warning fan-out to email and Teams.
type NotificationConfig struct {
	// MinSeverity is the lowest severity that notifies: INFO, WARN,
	// ERROR or CRITICAL.
	MinSeverity string

	// BatchWindow groups non-critical warnings into one digest.
	BatchWindow time.Duration

	Email EmailConfig
	Teams TeamsConfig
}

// EmailConfig holds SMTP delivery settings. Password may be a
// secret:// reference.
type EmailConfig struct {
	Enabled     bool
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	ToAddress   string
}

// TeamsConfig holds the Microsoft Teams webhook target.
type TeamsConfig struct {
	Enabled    bool
	WebhookURL string
}

// Default returns the built-in configuration: an embedded queue, no
// MongoDB, one implicit pool, everything optional switched off.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		MongoDB: MongoDBConfig{
			Database: "flowcatalyst",
		},
		Queue: QueueConfig{
			Type:                     "embedded",
			Connections:              1,
			VisibilityTimeoutSeconds: 120,
			Embedded: EmbeddedConfig{
				QueueName:      "dispatch",
				ReceiveTimeout: time.Second,
				DedupWindow:    5 * time.Minute,
			},
			NATS: NATSConfig{
				StreamName:    "DISPATCH",
				ConsumerName:  "flowcatalyst-router",
				SubjectBase:   "dispatch",
				AckWait:       120 * time.Second,
				MaxDeliver:    10,
				MaxAckPending: 1000,
			},
			SQS: SQSConfig{
				WaitTimeSeconds: 10,
			},
			ActiveMQ: ActiveMQConfig{
				QueueName: "dispatch",
			},
		},
		PoolSync: PoolSyncConfig{
			Interval:             5 * time.Minute,
			InitialRetryAttempts: 12,
			InitialRetryDelay:    5 * time.Second,
		},
		Mediator: MediatorConfig{
			MaxRetries:     3,
			BaseBackoffMs:  1000,
			TimeoutSeconds: 30,
			HTTPVersion:    "HTTP_2",
		},
		Breaker: BreakerConfig{
			Requests:    3,
			Interval:    time.Minute,
			Ratio:       0.5,
			Timeout:     30 * time.Second,
			MinRequests: 10,
		},
		Scheduler: SchedulerConfig{
			PollInterval:         5 * time.Second,
			BatchSize:            100,
			MaxConcurrentGroups:  10,
			StaleThreshold:       15 * time.Minute,
			StaleCheckInterval:   30 * time.Second,
			ExpiredSweepInterval: 60 * time.Second,
			DefaultPoolCode:      "DEFAULT-POOL",
			Leader: LeaderConfig{
				TTL:             30 * time.Second,
				RefreshInterval: 10 * time.Second,
			},
		},
		Standby: StandbyConfig{
			LockKey:         "flowcatalyst:router:leader",
			LockTTL:         30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		Traffic: TrafficConfig{
			Strategy: "noop",
			ALB: ALBConfig{
				DeregistrationDelay: 30 * time.Second,
			},
		},
		Notifications: NotificationConfig{
			MinSeverity: "WARN",
			BatchWindow: 5 * time.Minute,
			Email: EmailConfig{
				SMTPPort: 587,
			},
		},
		Secrets: *secrets.DefaultConfig(),
		DataDir: "./data",
	}
}

// Load builds configuration from defaults and environment variables
// only. It never touches the filesystem and never fails; LoadWithFile
// is the full pipeline including the settings file and validation.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// applyEnv lays environment variables over the current values. Unset
// vars leave the existing value alone.
func (c *Config) applyEnv() {
	c.HTTP.Host = getEnv("HTTP_HOST", c.HTTP.Host)
	c.HTTP.Port = getEnvInt("HTTP_PORT", c.HTTP.Port)
	c.HTTP.CORSOrigins = getEnvSlice("CORS_ORIGINS", c.HTTP.CORSOrigins)
	c.HTTP.AdminJWTSecret = getEnv("FLOWCATALYST_ADMIN_JWT_SECRET", c.HTTP.AdminJWTSecret)

	c.MongoDB.URI = getEnv("MONGODB_URI", c.MongoDB.URI)
	c.MongoDB.Database = getEnv("MONGODB_DATABASE", c.MongoDB.Database)

	c.Queue.Type = strings.ToLower(getEnv("QUEUE_TYPE", c.Queue.Type))
	c.Queue.URI = getEnv("QUEUE_URI", c.Queue.URI)
	c.Queue.Connections = getEnvInt("QUEUE_CONNECTIONS", c.Queue.Connections)
	c.Queue.VisibilityTimeoutSeconds = getEnvInt("VISIBILITY_TIMEOUT_SECONDS", c.Queue.VisibilityTimeoutSeconds)

	// Variant-specific aliases for the generic URI. The specific name
	// wins when both are set.
	switch c.Queue.Type {
	case "nats":
		c.Queue.URI = getEnv("NATS_URL", c.Queue.URI)
	case "sqs":
		c.Queue.URI = getEnv("SQS_QUEUE_URL", c.Queue.URI)
	case "activemq":
		c.Queue.URI = getEnv("ACTIVEMQ_BROKER_ADDR", c.Queue.URI)
	}

	c.Queue.NATS.Embedded = getEnvBool("NATS_EMBEDDED", c.Queue.NATS.Embedded)
	c.Queue.NATS.DataDir = getEnv("NATS_DATA_DIR", c.Queue.NATS.DataDir)
	c.Queue.NATS.StreamName = getEnv("NATS_STREAM", c.Queue.NATS.StreamName)
	c.Queue.NATS.ConsumerName = getEnv("NATS_CONSUMER", c.Queue.NATS.ConsumerName)
	c.Queue.NATS.SubjectBase = getEnv("NATS_SUBJECT_BASE", c.Queue.NATS.SubjectBase)
	c.Queue.NATS.AckWait = getEnvDuration("NATS_ACK_WAIT", c.Queue.NATS.AckWait)
	c.Queue.NATS.MaxDeliver = getEnvInt("NATS_MAX_DELIVER", c.Queue.NATS.MaxDeliver)
	c.Queue.NATS.MaxAckPending = getEnvInt("NATS_MAX_ACK_PENDING", c.Queue.NATS.MaxAckPending)

	c.Queue.SQS.Region = getEnv("AWS_REGION", c.Queue.SQS.Region)
	c.Queue.SQS.CustomEndpoint = getEnv("SQS_ENDPOINT", c.Queue.SQS.CustomEndpoint)
	c.Queue.SQS.WaitTimeSeconds = getEnvInt("SQS_WAIT_TIME_SECONDS", c.Queue.SQS.WaitTimeSeconds)

	c.Queue.ActiveMQ.QueueName = getEnv("ACTIVEMQ_QUEUE", c.Queue.ActiveMQ.QueueName)
	c.Queue.ActiveMQ.Username = getEnv("ACTIVEMQ_USERNAME", c.Queue.ActiveMQ.Username)
	c.Queue.ActiveMQ.Password = getEnv("ACTIVEMQ_PASSWORD", c.Queue.ActiveMQ.Password)
	c.Queue.ActiveMQ.ConsoleURL = getEnv("ACTIVEMQ_CONSOLE_URL", c.Queue.ActiveMQ.ConsoleURL)
	c.Queue.ActiveMQ.BrokerName = getEnv("ACTIVEMQ_BROKER_NAME", c.Queue.ActiveMQ.BrokerName)

	c.PoolSync.Enabled = getEnvBool("POOL_SYNC_ENABLED", c.PoolSync.Enabled)
	c.PoolSync.Interval = getEnvDuration("POOL_SYNC_INTERVAL", c.PoolSync.Interval)

	c.Mediator.MaxRetries = getEnvInt("MEDIATOR_MAX_RETRIES", c.Mediator.MaxRetries)
	c.Mediator.BaseBackoffMs = getEnvInt("MEDIATOR_BASE_BACKOFF_MS", c.Mediator.BaseBackoffMs)
	c.Mediator.TimeoutSeconds = getEnvInt("MEDIATOR_TIMEOUT_SECONDS", c.Mediator.TimeoutSeconds)
	c.Mediator.HTTPVersion = getEnv("MEDIATOR_HTTP_VERSION", c.Mediator.HTTPVersion)

	c.Breaker.Requests = getEnvInt("BREAKER_REQUESTS", c.Breaker.Requests)
	c.Breaker.Interval = getEnvDuration("BREAKER_INTERVAL", c.Breaker.Interval)
	c.Breaker.Ratio = getEnvFloat("BREAKER_RATIO", c.Breaker.Ratio)
	c.Breaker.Timeout = getEnvDuration("BREAKER_TIMEOUT", c.Breaker.Timeout)
	c.Breaker.MinRequests = getEnvInt("BREAKER_MIN_REQUESTS", c.Breaker.MinRequests)

	c.Scheduler.Enabled = getEnvBool("SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.PollInterval = getEnvDuration("SCHEDULER_POLL_INTERVAL", c.Scheduler.PollInterval)
	c.Scheduler.BatchSize = getEnvInt("SCHEDULER_BATCH_SIZE", c.Scheduler.BatchSize)
	c.Scheduler.MaxConcurrentGroups = getEnvInt("SCHEDULER_MAX_CONCURRENT_GROUPS", c.Scheduler.MaxConcurrentGroups)
	c.Scheduler.StaleThreshold = getEnvDuration("SCHEDULER_STALE_THRESHOLD", c.Scheduler.StaleThreshold)
	c.Scheduler.StaleCheckInterval = getEnvDuration("SCHEDULER_STALE_CHECK_INTERVAL", c.Scheduler.StaleCheckInterval)
	c.Scheduler.ExpiredSweepInterval = getEnvDuration("SCHEDULER_EXPIRED_SWEEP_INTERVAL", c.Scheduler.ExpiredSweepInterval)
	c.Scheduler.ProcessingEndpoint = getEnv("SCHEDULER_PROCESSING_ENDPOINT", c.Scheduler.ProcessingEndpoint)
	c.Scheduler.DefaultPoolCode = getEnv("SCHEDULER_DEFAULT_POOL", c.Scheduler.DefaultPoolCode)
	c.Scheduler.AppKey = getEnv("SCHEDULER_APP_KEY", c.Scheduler.AppKey)
	c.Scheduler.Leader.Enabled = getEnvBool("LEADER_ELECTION_ENABLED", c.Scheduler.Leader.Enabled)
	c.Scheduler.Leader.InstanceID = getEnv("HOSTNAME", c.Scheduler.Leader.InstanceID)
	c.Scheduler.Leader.TTL = getEnvDuration("LEADER_TTL", c.Scheduler.Leader.TTL)
	c.Scheduler.Leader.RefreshInterval = getEnvDuration("LEADER_REFRESH_INTERVAL", c.Scheduler.Leader.RefreshInterval)

	c.Standby.Enabled = getEnvBool("STANDBY_ENABLED", c.Standby.Enabled)
	c.Standby.InstanceID = getEnv("STANDBY_INSTANCE_ID", c.Standby.InstanceID)
	c.Standby.LockKey = getEnv("STANDBY_LOCK_KEY", c.Standby.LockKey)
	c.Standby.LockTTL = getEnvDuration("STANDBY_LOCK_TTL", c.Standby.LockTTL)
	c.Standby.RefreshInterval = getEnvDuration("STANDBY_REFRESH_INTERVAL", c.Standby.RefreshInterval)
	c.Standby.RedisURL = getEnv("REDIS_URL", c.Standby.RedisURL)
	c.Standby.RedisPassword = getEnv("REDIS_PASSWORD", c.Standby.RedisPassword)

	c.Traffic.Enabled = getEnvBool("TRAFFIC_ENABLED", c.Traffic.Enabled)
	c.Traffic.Strategy = strings.ToLower(getEnv("TRAFFIC_STRATEGY", c.Traffic.Strategy))
	c.Traffic.ALB.TargetGroupARN = getEnv("ALB_TARGET_GROUP_ARN", c.Traffic.ALB.TargetGroupARN)
	c.Traffic.ALB.TargetID = getEnv("ALB_TARGET_ID", c.Traffic.ALB.TargetID)
	c.Traffic.ALB.Port = getEnvInt("ALB_PORT", c.Traffic.ALB.Port)
	c.Traffic.ALB.Region = getEnv("ALB_REGION", c.Traffic.ALB.Region)
	c.Traffic.ALB.DeregistrationDelay = getEnvDuration("ALB_DEREGISTRATION_DELAY", c.Traffic.ALB.DeregistrationDelay)

	c.Notifications.MinSeverity = strings.ToUpper(getEnv("NOTIFY_MIN_SEVERITY", c.Notifications.MinSeverity))
	c.Notifications.BatchWindow = getEnvDuration("NOTIFY_BATCH_WINDOW", c.Notifications.BatchWindow)
	c.Notifications.Email.Enabled = getEnvBool("EMAIL_ENABLED", c.Notifications.Email.Enabled)
	c.Notifications.Email.SMTPHost = getEnv("SMTP_HOST", c.Notifications.Email.SMTPHost)
	c.Notifications.Email.SMTPPort = getEnvInt("SMTP_PORT", c.Notifications.Email.SMTPPort)
	c.Notifications.Email.Username = getEnv("SMTP_USERNAME", c.Notifications.Email.Username)
	c.Notifications.Email.Password = getEnv("SMTP_PASSWORD", c.Notifications.Email.Password)
	c.Notifications.Email.FromAddress = getEnv("EMAIL_FROM", c.Notifications.Email.FromAddress)
	c.Notifications.Email.ToAddress = getEnv("EMAIL_TO", c.Notifications.Email.ToAddress)
	c.Notifications.Teams.Enabled = getEnvBool("TEAMS_ENABLED", c.Notifications.Teams.Enabled)
	c.Notifications.Teams.WebhookURL = getEnv("TEAMS_WEBHOOK_URL", c.Notifications.Teams.WebhookURL)

	s := &c.Secrets
	s.Provider = secrets.ProviderType(strings.ToLower(getEnv("FLOWCATALYST_SECRETS_PROVIDER", string(s.Provider))))
	s.EncryptionKey = getEnv("FLOWCATALYST_SECRETS_ENCRYPTION_KEY", s.EncryptionKey)
	s.DataDir = getEnv("FLOWCATALYST_SECRETS_DATA_DIR", s.DataDir)
	s.AWSRegion = getEnv("FLOWCATALYST_SECRETS_AWS_REGION", getEnv("AWS_REGION", s.AWSRegion))
	s.AWSPrefix = getEnv("FLOWCATALYST_SECRETS_AWS_PREFIX", s.AWSPrefix)
	s.AWSEndpoint = getEnv("FLOWCATALYST_SECRETS_AWS_ENDPOINT", s.AWSEndpoint)
	s.VaultAddr = getEnv("FLOWCATALYST_SECRETS_VAULT_ADDR", getEnv("VAULT_ADDR", s.VaultAddr))
	s.VaultToken = getEnv("FLOWCATALYST_SECRETS_VAULT_TOKEN", getEnv("VAULT_TOKEN", s.VaultToken))
	s.VaultPath = getEnv("FLOWCATALYST_SECRETS_VAULT_PATH", s.VaultPath)
	s.VaultNamespace = getEnv("FLOWCATALYST_SECRETS_VAULT_NAMESPACE", s.VaultNamespace)
	s.GCPProject = getEnv("FLOWCATALYST_SECRETS_GCP_PROJECT", getEnv("GOOGLE_CLOUD_PROJECT", s.GCPProject))
	s.GCPPrefix = getEnv("FLOWCATALYST_SECRETS_GCP_PREFIX", s.GCPPrefix)

	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.DevMode = getEnvBool("FLOWCATALYST_DEV", c.DevMode)
}

// ResolveSecrets replaces secret:// references in credential-bearing
// fields with values from the provider. Plain values pass through
// untouched, so the call is safe when no references are configured.
func (c *Config) ResolveSecrets(ctx context.Context, p secrets.Provider) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"mongodb.uri", &c.MongoDB.URI},
		{"http.admin_jwt_secret", &c.HTTP.AdminJWTSecret},
		{"queue.activemq.username", &c.Queue.ActiveMQ.Username},
		{"queue.activemq.password", &c.Queue.ActiveMQ.Password},
		{"scheduler.app_key", &c.Scheduler.AppKey},
		{"standby.redis_url", &c.Standby.RedisURL},
		{"standby.redis_password", &c.Standby.RedisPassword},
		{"traffic.alb.target_group_arn", &c.Traffic.ALB.TargetGroupARN},
		{"notifications.email.password", &c.Notifications.Email.Password},
	}
	for _, f := range fields {
		resolved, err := secrets.Resolve(ctx, p, *f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = resolved
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring malformed integer env var", "key", key, "value", v)
		return fallback
	}
	return i
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring malformed boolean env var", "key", key, "value", v)
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Ignoring malformed float env var", "key", key, "value", v)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Ignoring malformed duration env var", "key", key, "value", v)
		return fallback
	}
	return d
}

func getEnvSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
