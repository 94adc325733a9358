// Package runtime assembles the router from configuration. Every store,
// broker link, service and handler is built once here and carried in a
// CoreRuntime record, so components receive explicit references instead
// of reaching for shared state. The lifecycle manager owns ordering:
// services start in dependency order and tear down in phases.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	commonhealth "go.flowcatalyst.tech/dispatch/internal/common/health"
	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatch/internal/common/mongo"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/dispatch/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/dispatch/dispatchpool"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/queue/factory"
	"go.flowcatalyst.tech/dispatch/internal/router/api"
	"go.flowcatalyst.tech/dispatch/internal/router/consumer"
	"go.flowcatalyst.tech/dispatch/internal/router/health"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/metrics"
	"go.flowcatalyst.tech/dispatch/internal/router/notification"
	"go.flowcatalyst.tech/dispatch/internal/router/standby"
	"go.flowcatalyst.tech/dispatch/internal/router/traffic"
	"go.flowcatalyst.tech/dispatch/internal/router/warning"
	"go.flowcatalyst.tech/dispatch/internal/scheduler"
)

const (
	// consumerDialTimeout bounds broker consumer creation on promotion
	// and on stall restarts.
	consumerDialTimeout = 30 * time.Second

	// trafficOpTimeout bounds register/deregister calls made from the
	// election goroutine, which must not stall the refresh tick.
	trafficOpTimeout = 10 * time.Second
)

// CoreRuntime is the fully wired router instance. Build constructs it,
// Run drives it until a shutdown signal.
type CoreRuntime struct {
	cfg *config.Config
	lc  *lifecycle.Manager

	mongo    *mongo.Client
	jobs     dispatchjob.Repository
	poolRepo dispatchpool.Repository

	queue      *factory.Connection
	queueName  string
	manager    *manager.QueueManager
	intake     *intake
	completion *scheduler.CompletionService
	sched      *scheduler.Scheduler

	warnings   *warning.InMemoryService
	notifier   *notification.BatchingService
	poolStats  *metrics.InMemoryPoolMetricsService
	queueStats *metrics.InMemoryQueueMetricsService
	depth      *metrics.DepthPoller

	infra   *health.InfrastructureHealthService
	broker  *health.BrokerHealthService
	status  *health.HealthStatusService
	standby *standby.Service
	traffic *traffic.Service

	api *api.Server
}

// Build wires the router per cfg. The config must already be validated
// and have its secret references resolved. Connections opened along the
// way register their release as shutdown hooks, so a Build that fails
// partway is unwound before the error returns.
func Build(ctx context.Context, cfg *config.Config) (*CoreRuntime, error) {
	rt := &CoreRuntime{cfg: cfg, lc: lifecycle.NewManager()}

	// 1. Stores. MongoDB is optional: without it the router runs with
	// static pools and no scheduler or dispatch feedback.
	if cfg.MongoDB.URI != "" {
		client, err := mongo.Connect(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database)
		if err != nil {
			return nil, fmt.Errorf("connect mongodb: %w", err)
		}
		mongo.EnsureIndexes(ctx, client)
		rt.mongo = client
		rt.jobs = dispatchjob.NewRepository(client.Database())
		rt.poolRepo = dispatchpool.NewRepository(client.Database())
		rt.lc.Register(lifecycle.PhaseDatabase, "mongodb", client.Disconnect)
	}

	// 2. Queue transport.
	conn, err := factory.Connect(ctx, queueSettings(cfg))
	if err != nil {
		return nil, rt.abort(fmt.Errorf("connect queue: %w", err))
	}
	rt.queue = conn
	rt.queueName = queueLabel(cfg)
	rt.lc.Register(lifecycle.PhaseDatabase, "queue-connection",
		func(context.Context) error { return conn.Close() })

	// 3. Warnings, with external notification channels when configured.
	rt.warnings = warning.NewInMemoryService()
	if delegates := notifierDelegates(cfg); len(delegates) > 0 {
		rt.notifier = notification.NewBatchingService(delegates, &notification.BatchingConfig{
			MinSeverity: cfg.Notifications.MinSeverity,
			BatchWindow: cfg.Notifications.BatchWindow,
		})
		rt.warnings.WithNotifier(rt.notifier)
		rt.lc.AddService(lifecycle.PhaseFinal, lifecycle.NewServiceFunc("notification-batcher",
			func(context.Context) error { rt.notifier.Start(); return nil },
			func(context.Context) error { rt.notifier.Stop(); return nil }))
	}

	// 4. Rolling stats and the queue depth sampler.
	rt.poolStats = metrics.NewInMemoryPoolMetricsService()
	rt.queueStats = metrics.NewInMemoryQueueMetricsService()
	rt.depth = metrics.NewDepthPoller(rt.queueName, conn.Publisher(), rt.queueStats, metrics.DefaultDepthInterval)
	rt.lc.AddService(lifecycle.PhaseQueue, lifecycle.NewServiceFunc("queue-depth-poller",
		func(context.Context) error { rt.depth.Start(); return nil },
		func(context.Context) error { rt.depth.Stop(); return nil }))

	// 5. Traffic management.
	rt.traffic, err = traffic.NewService(ctx, trafficSettings(cfg))
	if err != nil {
		return nil, rt.abort(fmt.Errorf("traffic service: %w", err))
	}
	if cfg.Traffic.Enabled {
		rt.lc.Register(lifecycle.PhaseLeader, "traffic-deregister", func(ctx context.Context) error {
			rt.traffic.DeregisterFromActive(ctx)
			return nil
		})
	}

	// 6. Standby role. The service closes its lock provider on Stop.
	rt.standby = standby.NewService(standbySettings(cfg), &standby.Callbacks{
		OnBecomePrimary: rt.becomePrimary,
		OnBecomeStandby: rt.becomeStandby,
	})
	var redisLock *standby.RedisLockProvider
	if cfg.Standby.Enabled {
		redisLock, err = standby.NewRedisLockProvider(cfg.Standby.RedisURL, cfg.Standby.RedisPassword)
		if err != nil {
			return nil, rt.abort(fmt.Errorf("redis lock provider: %w", err))
		}
		rt.standby.SetLockProvider(redisLock)
	}

	// 7. Queue manager and pools.
	m := manager.NewQueueManager(mediatorSettings(cfg)).
		WithWarningService(rt.warnings).
		WithPoolStats(rt.poolStats).
		WithStandbyChecker(rt.standby).
		WithPipelineCleanup(manager.DefaultPipelineCleanupConfig()).
		WithLeakDetection(manager.DefaultLeakDetectionConfig())
	if rt.poolRepo != nil && cfg.PoolSync.Enabled {
		m = m.WithConfigSync(rt.poolRepo, syncSettings(cfg))
	}
	rt.manager = m

	for _, p := range cfg.Pools {
		m.RegisterPool(poolSettings(p))
	}
	// Pointers naming no pool land on the scheduler's default code, so
	// that pool always exists even when the config lists others.
	if code := cfg.Scheduler.DefaultPoolCode; code != "" && m.GetPool(code) == nil {
		m.RegisterPool(&manager.PoolConfig{Code: code})
	}

	// 8. Dispatch feedback and the scheduler. Both need the job store.
	if rt.jobs != nil {
		auth := dispatchjob.NewAuthService(cfg.Scheduler.AppKey, nil)
		rt.completion = scheduler.NewCompletionService(rt.jobs, auth).
			WithWarningService(rt.warnings)
	}
	if cfg.Scheduler.Enabled && rt.jobs != nil {
		s := scheduler.New(rt.jobs, conn.Publisher(), schedulerSettings(cfg)).
			WithWarningService(rt.warnings)
		if rt.poolRepo != nil {
			s = s.WithPoolRepository(rt.poolRepo)
		}
		if cfg.Scheduler.Leader.Enabled {
			s = s.WithElector(leader.NewElector(rt.mongo.Database(), electorSettings(cfg)))
		} else if cfg.Standby.Enabled {
			// No dedicated scheduler lock: follow the router role so
			// only the primary publishes.
			s = s.WithPrimaryGate(rt.standby)
		}
		rt.sched = s
	}

	// 9. Intake. Registered once as the manager's consumer reporter;
	// rebuilds on promotion swap the consumer underneath it.
	rt.intake = newIntake(rt.queueName, rt.buildConsumer)
	m.RegisterConsumerReporter(rt.intake)
	rt.lc.Register(lifecycle.PhaseQueue, "queue-intake",
		func(context.Context) error { return rt.intake.Close() })

	// 10. Health aggregation.
	rt.infra = health.NewInfrastructureHealthService(true, rt.poolStats)
	rt.broker = health.NewBrokerHealthService(true, conn.Type())
	rt.broker.RegisterProbe(rt.queueName, conn)

	deps := commonhealth.NewChecker()
	if rt.mongo != nil {
		deps.Add(commonhealth.MongoDBCheck(rt.mongo.Ping))
	}
	if redisLock != nil {
		deps.Add(commonhealth.RedisCheck(func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisLock.Available(ctx)
		}))
	}
	rt.status = health.NewHealthStatusService(rt.infra, rt.broker).
		WithPoolStats(rt.poolStats).
		WithQueueStats(rt.queueStats).
		WithBreakers(m.Mediator()).
		WithWarnings(rt.warnings).
		WithConsumers(m).
		WithDependencies(deps)

	// 11. Monitoring API.
	rt.api = api.NewServer(&api.Config{
		Host:           cfg.HTTP.Host,
		Port:           cfg.HTTP.Port,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		AdminJWTSecret: cfg.HTTP.AdminJWTSecret,
	}).
		WithHealth(rt.status).
		WithPoolStats(rt.poolStats).
		WithQueueStats(rt.queueStats).
		WithInFlight(m).
		WithBreakers(m.Mediator()).
		WithStandby(rt.standby).
		WithTraffic(rt.traffic).
		WithWarnings(warning.NewHandler(rt.warnings))

	// 12. Service start order: HTTP first so probes answer while the
	// rest comes up, manager before standby so the first promotion
	// finds a routable manager, standby last so its callbacks land on
	// a fully built runtime.
	rt.lc.AddService(lifecycle.PhaseHTTP, lifecycle.NewHTTPService("monitoring-api", &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           rt.api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}))
	rt.lc.AddService(lifecycle.PhaseWorkers, lifecycle.NewServiceFunc("queue-manager",
		func(context.Context) error {
			if err := m.Start(); err != nil {
				return err
			}
			rt.infra.SetManagerStarted(true)
			return nil
		},
		func(context.Context) error {
			rt.infra.SetManagerStarted(false)
			m.Stop()
			return nil
		}))
	if rt.sched != nil {
		rt.lc.AddService(lifecycle.PhaseLeader, lifecycle.NewServiceFunc("dispatch-scheduler",
			func(context.Context) error { rt.sched.Start(); return nil },
			func(context.Context) error { rt.sched.Stop(); return nil }))
	}
	rt.lc.AddService(lifecycle.PhaseLeader, lifecycle.NewServiceFunc("standby-election",
		func(context.Context) error { return rt.standby.Start() },
		func(context.Context) error { rt.standby.Stop(); return nil }))

	return rt, nil
}

// abort unwinds the hooks registered so far and returns err unchanged.
func (rt *CoreRuntime) abort(err error) error {
	if execErr := rt.lc.Execute(); execErr != nil {
		slog.Error("Cleanup after failed build incomplete", "error", execErr)
	}
	return err
}

// Run starts every registered service, waits for SIGINT/SIGTERM, and
// tears down in phases. Shutdown hooks run exactly once, also when a
// service fails to start.
func (rt *CoreRuntime) Run(ctx context.Context) error {
	if err := rt.lc.StartAll(ctx); err != nil {
		return rt.abort(err)
	}

	slog.Info("Router ready",
		"addr", fmt.Sprintf("%s:%d", rt.cfg.HTTP.Host, rt.cfg.HTTP.Port),
		"queueType", rt.queue.Type(),
		"queue", rt.queueName,
		"pools", len(rt.cfg.Pools),
		"scheduler", rt.sched != nil,
		"standby", rt.cfg.Standby.Enabled)

	rt.lc.WaitForSignal()
	return rt.lc.Execute()
}

// Shutdown tears the runtime down without waiting for a signal. Tests
// and one-shot callers use it in place of Run.
func (rt *CoreRuntime) Shutdown() error {
	return rt.lc.Execute()
}

// becomePrimary opens intake and joins the load balancer. It runs on
// the election goroutine, so every call in here is bounded.
func (rt *CoreRuntime) becomePrimary() {
	if err := rt.intake.Start(); err != nil {
		slog.Error("Queue intake failed to start on promotion", "error", err)
		rt.warnings.AddWarning("LIFECYCLE", "CRITICAL",
			fmt.Sprintf("Queue intake failed to start on promotion: %v", err), "runtime")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), trafficOpTimeout)
	defer cancel()
	rt.traffic.RegisterAsActive(ctx)

	if rt.notifier != nil {
		rt.notifier.NotifySystemEvent("PROMOTED", "Instance promoted to PRIMARY, queue intake started")
	}
}

// becomeStandby leaves the load balancer before closing intake so the
// instance stops attracting work it will not process.
func (rt *CoreRuntime) becomeStandby() {
	ctx, cancel := context.WithTimeout(context.Background(), trafficOpTimeout)
	defer cancel()
	rt.traffic.DeregisterFromActive(ctx)

	rt.intake.Stop()

	if rt.notifier != nil {
		rt.notifier.NotifySystemEvent("DEMOTED", "Instance demoted to STANDBY, queue intake stopped")
	}
}

// buildConsumer dials a fresh broker consumer and assembles the receive
// pipeline over it.
func (rt *CoreRuntime) buildConsumer() (*consumer.Consumer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), consumerDialTimeout)
	defer cancel()

	broker, err := rt.queue.CreateConsumer(ctx, rt.queueName)
	if err != nil {
		return nil, fmt.Errorf("create queue consumer: %w", err)
	}

	c := consumer.New(consumerSettings(rt.cfg, rt.queueName), broker, rt.manager).
		WithWarningService(rt.warnings).
		WithQueueStats(rt.queueStats).
		WithFactory(func() (queue.Consumer, error) {
			ctx, cancel := context.WithTimeout(context.Background(), consumerDialTimeout)
			defer cancel()
			return rt.queue.CreateConsumer(ctx, rt.queueName)
		})
	if rt.completion != nil {
		c = c.WithDispatchFeedback(rt.completion)
	}
	return c, nil
}
