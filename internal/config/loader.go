package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"go.flowcatalyst.tech/dispatch/internal/common/secrets"
)

// ConfigPaths lists where LoadWithFile looks for a settings file, in
// order. The first hit wins. FLOWCATALYST_CONFIG pins an explicit path
// and skips the search.
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadWithFile builds the effective configuration: defaults, then the
// settings file if one is found, then environment variables, then
// validation. This is what the binaries call at startup.
func LoadWithFile() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FLOWCATALYST_CONFIG"); path != "" {
		if err := LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
		slog.Info("Loaded configuration file", "path", path)
	} else {
		for _, candidate := range ConfigPaths {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := LoadFromFile(candidate, cfg); err != nil {
				return nil, err
			}
			slog.Info("Loaded configuration file", "path", candidate)
			break
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a TOML settings file and lays its values over
// cfg. Fields absent from the file keep their current values; explicit
// zeros and falses in the file do override.
func LoadFromFile(path string, cfg *Config) error {
	var f fileConfig
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := f.apply(cfg); err != nil {
		return fmt.Errorf("apply %s: %w", path, err)
	}
	return nil
}

// The file mirror uses pointer scalars so a field that is present in
// the TOML is distinguishable from one that is absent. Durations are
// strings ("30s", "5m") parsed with time.ParseDuration.

type fileConfig struct {
	HTTP          *fileHTTP          `toml:"http"`
	MongoDB       *fileMongoDB       `toml:"mongodb"`
	Queue         *fileQueue         `toml:"queue"`
	Pools         []filePool         `toml:"pools"`
	PoolSync      *filePoolSync      `toml:"pool_sync"`
	Mediator      *fileMediator      `toml:"mediator"`
	Breaker       *fileBreaker       `toml:"breaker"`
	Scheduler     *fileScheduler     `toml:"scheduler"`
	Standby       *fileStandby       `toml:"standby"`
	Traffic       *fileTraffic       `toml:"traffic"`
	Notifications *fileNotifications `toml:"notifications"`
	Secrets       *secrets.Config    `toml:"secrets"`
	DataDir       *string            `toml:"data_dir"`
	DevMode       *bool              `toml:"dev_mode"`
}

type fileHTTP struct {
	Host           *string  `toml:"host"`
	Port           *int     `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	AdminJWTSecret *string  `toml:"admin_jwt_secret"`
}

type fileMongoDB struct {
	URI      *string `toml:"uri"`
	Database *string `toml:"database"`
}

type fileQueue struct {
	Type                     *string       `toml:"type"`
	URI                      *string       `toml:"uri"`
	Connections              *int          `toml:"connections"`
	VisibilityTimeoutSeconds *int          `toml:"visibility_timeout_seconds"`
	Embedded                 *fileEmbedded `toml:"embedded"`
	NATS                     *fileNATS     `toml:"nats"`
	SQS                      *fileSQS      `toml:"sqs"`
	ActiveMQ                 *fileActiveMQ `toml:"activemq"`
}

type fileEmbedded struct {
	QueueName      *string `toml:"queue_name"`
	ReceiveTimeout *string `toml:"receive_timeout"`
	DedupWindow    *string `toml:"dedup_window"`
}

type fileNATS struct {
	Embedded      *bool   `toml:"embedded"`
	DataDir       *string `toml:"data_dir"`
	StreamName    *string `toml:"stream"`
	ConsumerName  *string `toml:"consumer"`
	SubjectBase   *string `toml:"subject_base"`
	AckWait       *string `toml:"ack_wait"`
	MaxDeliver    *int    `toml:"max_deliver"`
	MaxAckPending *int    `toml:"max_ack_pending"`
}

type fileSQS struct {
	Region          *string `toml:"region"`
	CustomEndpoint  *string `toml:"endpoint"`
	WaitTimeSeconds *int    `toml:"wait_time_seconds"`
}

type fileActiveMQ struct {
	QueueName  *string `toml:"queue_name"`
	Username   *string `toml:"username"`
	Password   *string `toml:"password"`
	ConsoleURL *string `toml:"console_url"`
	BrokerName *string `toml:"broker_name"`
}

type filePool struct {
	Code               string `toml:"code"`
	Concurrency        *int   `toml:"concurrency"`
	QueueCapacity      *int   `toml:"queue_capacity"`
	RateLimitPerMinute *int   `toml:"rate_limit_per_minute"`
}

type filePoolSync struct {
	Enabled              *bool   `toml:"enabled"`
	Interval             *string `toml:"interval"`
	InitialRetryAttempts *int    `toml:"initial_retry_attempts"`
	InitialRetryDelay    *string `toml:"initial_retry_delay"`
}

type fileMediator struct {
	MaxRetries     *int    `toml:"max_retries"`
	BaseBackoffMs  *int    `toml:"base_backoff_ms"`
	TimeoutSeconds *int    `toml:"timeout_seconds"`
	HTTPVersion    *string `toml:"http_version"`
}

type fileBreaker struct {
	Requests    *int     `toml:"requests"`
	Interval    *string  `toml:"interval"`
	Ratio       *float64 `toml:"ratio"`
	Timeout     *string  `toml:"timeout"`
	MinRequests *int     `toml:"min_requests"`
}

type fileScheduler struct {
	Enabled              *bool       `toml:"enabled"`
	PollInterval         *string     `toml:"poll_interval"`
	BatchSize            *int        `toml:"batch_size"`
	MaxConcurrentGroups  *int        `toml:"max_concurrent_groups"`
	StaleThreshold       *string     `toml:"stale_threshold"`
	StaleCheckInterval   *string     `toml:"stale_check_interval"`
	ExpiredSweepInterval *string     `toml:"expired_sweep_interval"`
	ProcessingEndpoint   *string     `toml:"processing_endpoint"`
	DefaultPoolCode      *string     `toml:"default_pool_code"`
	AppKey               *string     `toml:"app_key"`
	Leader               *fileLeader `toml:"leader"`
}

type fileLeader struct {
	Enabled         *bool   `toml:"enabled"`
	InstanceID      *string `toml:"instance_id"`
	TTL             *string `toml:"ttl"`
	RefreshInterval *string `toml:"refresh_interval"`
}

type fileStandby struct {
	Enabled         *bool   `toml:"enabled"`
	InstanceID      *string `toml:"instance_id"`
	LockKey         *string `toml:"lock_key"`
	LockTTL         *string `toml:"lock_ttl"`
	RefreshInterval *string `toml:"refresh_interval"`
	RedisURL        *string `toml:"redis_url"`
	RedisPassword   *string `toml:"redis_password"`
}

type fileTraffic struct {
	Enabled  *bool    `toml:"enabled"`
	Strategy *string  `toml:"strategy"`
	ALB      *fileALB `toml:"alb"`
}

type fileALB struct {
	TargetGroupARN      *string `toml:"target_group_arn"`
	TargetID            *string `toml:"target_id"`
	Port                *int    `toml:"port"`
	Region              *string `toml:"region"`
	DeregistrationDelay *string `toml:"deregistration_delay"`
}

type fileNotifications struct {
	MinSeverity *string    `toml:"min_severity"`
	BatchWindow *string    `toml:"batch_window"`
	Email       *fileEmail `toml:"email"`
	Teams       *fileTeams `toml:"teams"`
}

type fileEmail struct {
	Enabled     *bool   `toml:"enabled"`
	SMTPHost    *string `toml:"smtp_host"`
	SMTPPort    *int    `toml:"smtp_port"`
	Username    *string `toml:"username"`
	Password    *string `toml:"password"`
	FromAddress *string `toml:"from"`
	ToAddress   *string `toml:"to"`
}

type fileTeams struct {
	Enabled    *bool   `toml:"enabled"`
	WebhookURL *string `toml:"webhook_url"`
}

func (f *fileConfig) apply(cfg *Config) error {
	var errs []error
	dur := func(dst *time.Duration, src *string, field string) {
		if src == nil {
			return
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf("invalid duration %q", *src)})
			return
		}
		*dst = d
	}

	if f.HTTP != nil {
		setString(&cfg.HTTP.Host, f.HTTP.Host)
		setInt(&cfg.HTTP.Port, f.HTTP.Port)
		if f.HTTP.CORSOrigins != nil {
			cfg.HTTP.CORSOrigins = f.HTTP.CORSOrigins
		}
		setString(&cfg.HTTP.AdminJWTSecret, f.HTTP.AdminJWTSecret)
	}

	if f.MongoDB != nil {
		setString(&cfg.MongoDB.URI, f.MongoDB.URI)
		setString(&cfg.MongoDB.Database, f.MongoDB.Database)
	}

	if q := f.Queue; q != nil {
		if q.Type != nil {
			cfg.Queue.Type = strings.ToLower(*q.Type)
		}
		setString(&cfg.Queue.URI, q.URI)
		setInt(&cfg.Queue.Connections, q.Connections)
		setInt(&cfg.Queue.VisibilityTimeoutSeconds, q.VisibilityTimeoutSeconds)

		if e := q.Embedded; e != nil {
			setString(&cfg.Queue.Embedded.QueueName, e.QueueName)
			dur(&cfg.Queue.Embedded.ReceiveTimeout, e.ReceiveTimeout, "queue.embedded.receive_timeout")
			dur(&cfg.Queue.Embedded.DedupWindow, e.DedupWindow, "queue.embedded.dedup_window")
		}
		if n := q.NATS; n != nil {
			setBool(&cfg.Queue.NATS.Embedded, n.Embedded)
			setString(&cfg.Queue.NATS.DataDir, n.DataDir)
			setString(&cfg.Queue.NATS.StreamName, n.StreamName)
			setString(&cfg.Queue.NATS.ConsumerName, n.ConsumerName)
			setString(&cfg.Queue.NATS.SubjectBase, n.SubjectBase)
			dur(&cfg.Queue.NATS.AckWait, n.AckWait, "queue.nats.ack_wait")
			setInt(&cfg.Queue.NATS.MaxDeliver, n.MaxDeliver)
			setInt(&cfg.Queue.NATS.MaxAckPending, n.MaxAckPending)
		}
		if s := q.SQS; s != nil {
			setString(&cfg.Queue.SQS.Region, s.Region)
			setString(&cfg.Queue.SQS.CustomEndpoint, s.CustomEndpoint)
			setInt(&cfg.Queue.SQS.WaitTimeSeconds, s.WaitTimeSeconds)
		}
		if a := q.ActiveMQ; a != nil {
			setString(&cfg.Queue.ActiveMQ.QueueName, a.QueueName)
			setString(&cfg.Queue.ActiveMQ.Username, a.Username)
			setString(&cfg.Queue.ActiveMQ.Password, a.Password)
			setString(&cfg.Queue.ActiveMQ.ConsoleURL, a.ConsoleURL)
			setString(&cfg.Queue.ActiveMQ.BrokerName, a.BrokerName)
		}
	}

	if f.Pools != nil {
		cfg.Pools = cfg.Pools[:0]
		for _, p := range f.Pools {
			pool := PoolConfig{Code: p.Code}
			setInt(&pool.Concurrency, p.Concurrency)
			setInt(&pool.QueueCapacity, p.QueueCapacity)
			setInt(&pool.RateLimitPerMinute, p.RateLimitPerMinute)
			cfg.Pools = append(cfg.Pools, pool)
		}
	}

	if ps := f.PoolSync; ps != nil {
		setBool(&cfg.PoolSync.Enabled, ps.Enabled)
		dur(&cfg.PoolSync.Interval, ps.Interval, "pool_sync.interval")
		setInt(&cfg.PoolSync.InitialRetryAttempts, ps.InitialRetryAttempts)
		dur(&cfg.PoolSync.InitialRetryDelay, ps.InitialRetryDelay, "pool_sync.initial_retry_delay")
	}

	if m := f.Mediator; m != nil {
		setInt(&cfg.Mediator.MaxRetries, m.MaxRetries)
		setInt(&cfg.Mediator.BaseBackoffMs, m.BaseBackoffMs)
		setInt(&cfg.Mediator.TimeoutSeconds, m.TimeoutSeconds)
		setString(&cfg.Mediator.HTTPVersion, m.HTTPVersion)
	}

	if b := f.Breaker; b != nil {
		setInt(&cfg.Breaker.Requests, b.Requests)
		dur(&cfg.Breaker.Interval, b.Interval, "breaker.interval")
		setFloat(&cfg.Breaker.Ratio, b.Ratio)
		dur(&cfg.Breaker.Timeout, b.Timeout, "breaker.timeout")
		setInt(&cfg.Breaker.MinRequests, b.MinRequests)
	}

	if s := f.Scheduler; s != nil {
		setBool(&cfg.Scheduler.Enabled, s.Enabled)
		dur(&cfg.Scheduler.PollInterval, s.PollInterval, "scheduler.poll_interval")
		setInt(&cfg.Scheduler.BatchSize, s.BatchSize)
		setInt(&cfg.Scheduler.MaxConcurrentGroups, s.MaxConcurrentGroups)
		dur(&cfg.Scheduler.StaleThreshold, s.StaleThreshold, "scheduler.stale_threshold")
		dur(&cfg.Scheduler.StaleCheckInterval, s.StaleCheckInterval, "scheduler.stale_check_interval")
		dur(&cfg.Scheduler.ExpiredSweepInterval, s.ExpiredSweepInterval, "scheduler.expired_sweep_interval")
		setString(&cfg.Scheduler.ProcessingEndpoint, s.ProcessingEndpoint)
		setString(&cfg.Scheduler.DefaultPoolCode, s.DefaultPoolCode)
		setString(&cfg.Scheduler.AppKey, s.AppKey)
		if l := s.Leader; l != nil {
			setBool(&cfg.Scheduler.Leader.Enabled, l.Enabled)
			setString(&cfg.Scheduler.Leader.InstanceID, l.InstanceID)
			dur(&cfg.Scheduler.Leader.TTL, l.TTL, "scheduler.leader.ttl")
			dur(&cfg.Scheduler.Leader.RefreshInterval, l.RefreshInterval, "scheduler.leader.refresh_interval")
		}
	}

	if s := f.Standby; s != nil {
		setBool(&cfg.Standby.Enabled, s.Enabled)
		setString(&cfg.Standby.InstanceID, s.InstanceID)
		setString(&cfg.Standby.LockKey, s.LockKey)
		dur(&cfg.Standby.LockTTL, s.LockTTL, "standby.lock_ttl")
		dur(&cfg.Standby.RefreshInterval, s.RefreshInterval, "standby.refresh_interval")
		setString(&cfg.Standby.RedisURL, s.RedisURL)
		setString(&cfg.Standby.RedisPassword, s.RedisPassword)
	}

	if t := f.Traffic; t != nil {
		setBool(&cfg.Traffic.Enabled, t.Enabled)
		if t.Strategy != nil {
			cfg.Traffic.Strategy = strings.ToLower(*t.Strategy)
		}
		if a := t.ALB; a != nil {
			setString(&cfg.Traffic.ALB.TargetGroupARN, a.TargetGroupARN)
			setString(&cfg.Traffic.ALB.TargetID, a.TargetID)
			setInt(&cfg.Traffic.ALB.Port, a.Port)
			setString(&cfg.Traffic.ALB.Region, a.Region)
			dur(&cfg.Traffic.ALB.DeregistrationDelay, a.DeregistrationDelay, "traffic.alb.deregistration_delay")
		}
	}

	if n := f.Notifications; n != nil {
		if n.MinSeverity != nil {
			cfg.Notifications.MinSeverity = strings.ToUpper(*n.MinSeverity)
		}
		dur(&cfg.Notifications.BatchWindow, n.BatchWindow, "notifications.batch_window")
		if e := n.Email; e != nil {
			setBool(&cfg.Notifications.Email.Enabled, e.Enabled)
			setString(&cfg.Notifications.Email.SMTPHost, e.SMTPHost)
			setInt(&cfg.Notifications.Email.SMTPPort, e.SMTPPort)
			setString(&cfg.Notifications.Email.Username, e.Username)
			setString(&cfg.Notifications.Email.Password, e.Password)
			setString(&cfg.Notifications.Email.FromAddress, e.FromAddress)
			setString(&cfg.Notifications.Email.ToAddress, e.ToAddress)
		}
		if t := n.Teams; t != nil {
			setBool(&cfg.Notifications.Teams.Enabled, t.Enabled)
			setString(&cfg.Notifications.Teams.WebhookURL, t.WebhookURL)
		}
	}

	// Secrets fields are all strings where empty means unset, so the
	// section is merged field-wise without the pointer dance.
	if s := f.Secrets; s != nil {
		if s.Provider != "" {
			cfg.Secrets.Provider = secrets.ProviderType(strings.ToLower(string(s.Provider)))
		}
		setNonEmpty(&cfg.Secrets.EncryptionKey, s.EncryptionKey)
		setNonEmpty(&cfg.Secrets.DataDir, s.DataDir)
		setNonEmpty(&cfg.Secrets.AWSRegion, s.AWSRegion)
		setNonEmpty(&cfg.Secrets.AWSPrefix, s.AWSPrefix)
		setNonEmpty(&cfg.Secrets.AWSEndpoint, s.AWSEndpoint)
		setNonEmpty(&cfg.Secrets.AWSAccessKey, s.AWSAccessKey)
		setNonEmpty(&cfg.Secrets.AWSSecretKey, s.AWSSecretKey)
		setNonEmpty(&cfg.Secrets.VaultAddr, s.VaultAddr)
		setNonEmpty(&cfg.Secrets.VaultToken, s.VaultToken)
		setNonEmpty(&cfg.Secrets.VaultPath, s.VaultPath)
		setNonEmpty(&cfg.Secrets.VaultNamespace, s.VaultNamespace)
		setNonEmpty(&cfg.Secrets.GCPProject, s.GCPProject)
		setNonEmpty(&cfg.Secrets.GCPPrefix, s.GCPPrefix)
	}

	setString(&cfg.DataDir, f.DataDir)
	setBool(&cfg.DevMode, f.DevMode)

	return errors.Join(errs...)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setNonEmpty(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// WriteExampleConfig writes a fully commented settings file that
// mirrors the built-in defaults. Used by the -write-config flag.
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(exampleConfig), 0644)
}

const exampleConfig = `# FlowCatalyst router configuration.
#
# Load order: built-in defaults, then this file, then environment
# variables. Env vars win. Values marked "secret ok" accept
# secret://<key> references resolved through the [secrets] provider.

# data_dir roots embedded state: the SQLite queue, the in-process NATS
# store and the encrypted secrets file.
data_dir = "./data"

# dev_mode relaxes admin auth and switches delivery to HTTP/1.1.
dev_mode = false

[http]
host = ""                  # empty binds every interface
port = 8080
cors_origins = ["*"]
# admin_jwt_secret = ""    # secret ok; empty leaves admin endpoints open

[mongodb]
# uri = "mongodb://localhost:27017"   # secret ok; required for scheduler and pool sync
database = "flowcatalyst"

[queue]
# type: embedded, nats, sqs or activemq
type = "embedded"
# uri is the transport address: SQS queue URL, NATS server URL,
# ActiveMQ host:port, or the embedded queue's database path.
# uri = ""
connections = 1
visibility_timeout_seconds = 120

[queue.embedded]
queue_name = "dispatch"
receive_timeout = "1s"
dedup_window = "5m"

[queue.nats]
embedded = false           # run an in-process JetStream server
# data_dir = "./data/nats"
stream = "DISPATCH"
consumer = "flowcatalyst-router"
subject_base = "dispatch"
ack_wait = "120s"
max_deliver = 10
max_ack_pending = 1000

[queue.sqs]
# region = "eu-west-1"
# endpoint = ""            # LocalStack
wait_time_seconds = 10

[queue.activemq]
queue_name = "dispatch"
# username = "secret://activemq-username"
# password = "secret://activemq-password"
# console_url = "http://localhost:8161"
# broker_name = "localhost"

# Static dispatch pools. With pool_sync enabled these bootstrap the
# router until the first sync from MongoDB.
[[pools]]
code = "DEFAULT-POOL"
concurrency = 20
queue_capacity = 50
rate_limit_per_minute = 0  # 0 disables rate limiting

[pool_sync]
enabled = false
interval = "5m"
initial_retry_attempts = 12
initial_retry_delay = "5s"

[mediator]
max_retries = 3
base_backoff_ms = 1000
timeout_seconds = 30
http_version = "HTTP_2"    # or HTTP_1_1

[breaker]
requests = 3               # half-open probe allowance
interval = "1m"            # failure counting window
ratio = 0.5                # failure ratio that opens the breaker
timeout = "30s"            # open duration before probing
min_requests = 10

[scheduler]
enabled = false
poll_interval = "5s"
batch_size = 100
max_concurrent_groups = 10
stale_threshold = "15m"
stale_check_interval = "30s"
expired_sweep_interval = "60s"
# processing_endpoint = ""   # overrides job target URLs when set
default_pool_code = "DEFAULT-POOL"
# app_key = "secret://scheduler-app-key"

[scheduler.leader]
enabled = false
# instance_id = ""         # defaults to the hostname
ttl = "30s"
refresh_interval = "10s"

[standby]
enabled = false
# instance_id = ""
lock_key = "flowcatalyst:router:leader"
lock_ttl = "30s"
refresh_interval = "10s"
# redis_url = "redis://localhost:6379/0"
# redis_password = "secret://redis-password"

[traffic]
enabled = false
strategy = "noop"          # or aws-alb

[traffic.alb]
# target_group_arn = "secret://alb-target-group"
# target_id = ""           # EC2 instance ID or IP
# port = 8080
# region = "eu-west-1"
deregistration_delay = "30s"

[notifications]
min_severity = "WARN"      # INFO, WARN, ERROR or CRITICAL
batch_window = "5m"

[notifications.email]
enabled = false
# smtp_host = "smtp.example.com"
smtp_port = 587
# username = ""
# password = "secret://smtp-password"
# from = "router@example.com"
# to = "oncall@example.com"

[notifications.teams]
enabled = false
# webhook_url = "https://outlook.office.com/webhook/..."

[secrets]
# provider: env, encrypted, aws-sm, vault or gcp-sm
provider = "env"
# encryption_key = ""      # base64 32 bytes, for the encrypted provider
data_dir = "./data/secrets"
# aws_region = "eu-west-1"
aws_prefix = "/flowcatalyst/"
# vault_addr = "https://vault.example.com"
# vault_token = ""
vault_path = "secret/data/flowcatalyst"
# gcp_project = ""
gcp_prefix = "flowcatalyst-"
`
