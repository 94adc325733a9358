// Package scheduler turns persisted dispatch jobs into queue messages. A
// poll loop selects due PENDING jobs, holds groups blocked on failed
// BLOCK_ON_ERROR work, and publishes the rest in per-group order; sweep
// loops expire overdue jobs and reclaim QUEUED rows whose messages were
// lost in transit.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/dispatch/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/dispatch/dispatchpool"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// DefaultPoolCode is stamped on pointers whose job names no dispatch pool.
const DefaultPoolCode = "DEFAULT-POOL"

// tickTimeout bounds the database work done by one loop tick.
const tickTimeout = 30 * time.Second

// poolCacheTTL is how long a resolved pool code stays cached.
const poolCacheTTL = 30 * time.Second

// Config holds configuration for the dispatch scheduler
type Config struct {
	// PollInterval is how often to poll for pending jobs
	PollInterval time.Duration

	// BatchSize is the maximum jobs to fetch per poll
	BatchSize int64

	// MaxConcurrentGroups bounds how many message groups publish at once
	MaxConcurrentGroups int

	// StaleThreshold is how long a QUEUED job may sit untouched before
	// it is presumed lost and reset to PENDING
	StaleThreshold time.Duration

	// StaleCheckInterval is how often to look for stale QUEUED jobs
	StaleCheckInterval time.Duration

	// ExpiredSweepInterval is how often to expire overdue jobs
	ExpiredSweepInterval time.Duration

	// ProcessingEndpoint, when set, overrides every job's target URL so
	// a central delivery service receives the pointer callbacks
	ProcessingEndpoint string

	// DefaultPoolCode is used when a job names no dispatch pool
	DefaultPoolCode string

	// AppKey signs the HMAC auth token carried by published pointers
	AppKey string

	// LeaderElection gates the loops to one replica
	LeaderElection LeaderElectionConfig
}

// LeaderElectionConfig holds leader election settings
type LeaderElectionConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// InstanceID uniquely identifies this instance
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PollInterval:         5 * time.Second,
		BatchSize:            100,
		MaxConcurrentGroups:  10,
		StaleThreshold:       15 * time.Minute,
		StaleCheckInterval:   30 * time.Second,
		ExpiredSweepInterval: 60 * time.Second,
		DefaultPoolCode:      DefaultPoolCode,
	}
}

// PrimaryGate reports whether this replica should run scheduler work.
// Satisfied by *leader.Elector.
type PrimaryGate interface {
	IsPrimary() bool
}

// WarningService records operator-visible conditions.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// poolCacheEntry is a resolved dispatch pool code with its expiry.
type poolCacheEntry struct {
	code    string
	expires time.Time
}

// Scheduler owns the three dispatch loops: pending-job poll, expired-job
// sweep and stale-QUEUED reclaim.
type Scheduler struct {
	cfg       *Config
	jobs      dispatchjob.Repository
	publisher queue.Publisher
	auth      *dispatchjob.AuthService
	blocks    *BlockChecker

	pools    dispatchpool.Repository
	elector  *leader.Elector
	gate     PrimaryGate
	warnings WarningService

	poolCacheMu sync.Mutex
	poolCache   map[string]poolCacheEntry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a dispatch scheduler over the given job store and publisher.
func New(jobs dispatchjob.Repository, publisher queue.Publisher, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxConcurrentGroups <= 0 {
		cfg.MaxConcurrentGroups = 10
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 15 * time.Minute
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = 30 * time.Second
	}
	if cfg.ExpiredSweepInterval <= 0 {
		cfg.ExpiredSweepInterval = 60 * time.Second
	}
	if cfg.DefaultPoolCode == "" {
		cfg.DefaultPoolCode = DefaultPoolCode
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:       cfg,
		jobs:      jobs,
		publisher: publisher,
		auth:      dispatchjob.NewAuthService(cfg.AppKey, nil),
		blocks:    NewBlockChecker(jobs),
		poolCache: make(map[string]poolCacheEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithPoolRepository lets the scheduler resolve dispatchPoolId values to
// pool codes when stamping pointers.
func (s *Scheduler) WithPoolRepository(pools dispatchpool.Repository) *Scheduler {
	s.pools = pools
	return s
}

// WithElector gates the loops on a Mongo leader lock the scheduler starts
// and stops with itself.
func (s *Scheduler) WithElector(e *leader.Elector) *Scheduler {
	s.elector = e
	s.gate = e
	return s
}

// WithPrimaryGate gates the loops on an external primary signal.
func (s *Scheduler) WithPrimaryGate(g PrimaryGate) *Scheduler {
	s.gate = g
	return s
}

// WithWarningService routes sweep and reclaim findings to the warning store.
func (s *Scheduler) WithWarningService(ws WarningService) *Scheduler {
	s.warnings = ws
	return s
}

// AuthService exposes the token service so the completion feedback can
// validate what this scheduler signed.
func (s *Scheduler) AuthService() *dispatchjob.AuthService {
	return s.auth
}

// Start launches the scheduler loops.
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		slog.Warn("Scheduler already running")
		return
	}
	s.running = true
	s.runningMu.Unlock()

	if s.elector != nil {
		if err := s.elector.Start(s.ctx); err != nil {
			slog.Error("Failed to start scheduler leader election", "error", err)
		}
	}

	s.wg.Add(3)
	go s.pollLoop()
	go s.staleLoop()
	go s.expiredLoop()

	slog.Info("Dispatch scheduler started",
		"pollInterval", s.cfg.PollInterval,
		"batchSize", s.cfg.BatchSize,
		"maxConcurrentGroups", s.cfg.MaxConcurrentGroups,
		"leaderElection", s.elector != nil)
}

// Stop halts the loops and releases the leader lock if held.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	slog.Info("Stopping dispatch scheduler")

	s.cancel()
	s.wg.Wait()

	if s.elector != nil {
		s.elector.Stop()
	}

	slog.Info("Dispatch scheduler stopped")
}

// IsRunning returns true if the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// IsPrimary returns true when this replica should do scheduler work.
// With no gate configured every replica is primary.
func (s *Scheduler) IsPrimary() bool {
	if s.gate == nil {
		return true
	}
	return s.gate.IsPrimary()
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollAndDispatch()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollAndDispatch()
		}
	}
}

// pollAndDispatch selects one batch of due jobs and publishes it grouped
// by messageGroup: groups run concurrently up to MaxConcurrentGroups, jobs
// within a group publish strictly in order.
func (s *Scheduler) pollAndDispatch() {
	if !s.IsPrimary() {
		slog.Debug("Skipping dispatch poll, not the leader")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, tickTimeout)
	defer cancel()

	start := time.Now()

	jobs, err := s.jobs.FindDispatchable(ctx, start, s.cfg.BatchSize)
	if err != nil {
		slog.Error("Failed to poll for pending dispatch jobs", "error", err)
		return
	}

	metrics.SchedulerJobsPending.Set(float64(len(jobs)))

	if len(jobs) == 0 {
		return
	}

	// FindDispatchable orders by (messageGroup, sequence, createdAt), so
	// appending preserves the publish order within each group.
	order := make([]string, 0, len(jobs))
	groups := make(map[string][]*dispatchjob.DispatchJob, len(jobs))
	for _, job := range jobs {
		g := job.EffectiveGroup()
		if _, seen := groups[g]; !seen {
			order = append(order, g)
		}
		groups[g] = append(groups[g], job)
	}

	blocked := s.blocks.BlockedGroups(ctx, order)

	slog.Debug("Polled pending dispatch jobs",
		"jobCount", len(jobs),
		"groupCount", len(order),
		"blockedGroups", len(blocked))

	sem := make(chan struct{}, s.cfg.MaxConcurrentGroups)
	var wg sync.WaitGroup

	for _, g := range order {
		eligible := s.eligibleJobs(groups[g], blocked)
		if blocked[g] {
			metrics.SchedulerBlockedGroupSkips.Inc()
		}
		if len(eligible) == 0 {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(group string, batch []*dispatchjob.DispatchJob) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatchGroup(ctx, group, batch)
		}(g, eligible)
	}

	wg.Wait()

	metrics.SchedulerPollDuration.Observe(time.Since(start).Seconds())
}

// eligibleJobs filters one group's batch: IMMEDIATE rows always publish,
// BLOCK_ON_ERROR rows wait while the group is blocked.
func (s *Scheduler) eligibleJobs(jobs []*dispatchjob.DispatchJob, blocked map[string]bool) []*dispatchjob.DispatchJob {
	eligible := make([]*dispatchjob.DispatchJob, 0, len(jobs))
	for _, job := range jobs {
		if s.blocks.Holds(job, blocked) {
			slog.Debug("Holding job, group blocked on a failed dispatch",
				"jobId", job.ID,
				"messageGroup", job.EffectiveGroup())
			continue
		}
		eligible = append(eligible, job)
	}
	return eligible
}

// dispatchGroup publishes one group's jobs sequentially. A publish failure
// stops the group for this tick so the remaining rows keep their order.
func (s *Scheduler) dispatchGroup(ctx context.Context, group string, jobs []*dispatchjob.DispatchJob) {
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := s.publishJob(ctx, job); err != nil {
			slog.Error("Failed to publish dispatch job, holding rest of group",
				"error", err,
				"jobId", job.ID,
				"messageGroup", group)
			return
		}
	}
}

// publishJob claims one PENDING job and publishes its pointer. Claiming
// first makes the status row the gate against double-publish; a crash
// between claim and publish is healed by the stale-QUEUED reclaim.
func (s *Scheduler) publishJob(ctx context.Context, job *dispatchjob.DispatchJob) error {
	if err := s.jobs.MarkQueued(ctx, job.ID); err != nil {
		if errors.Is(err, dispatchjob.ErrStateConflict) {
			// Another replica claimed it between poll and publish
			slog.Debug("Dispatch job no longer PENDING, skipping", "jobId", job.ID)
			return nil
		}
		return fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	pointer := s.pointerFor(ctx, job)

	body, err := json.Marshal(pointer)
	if err != nil {
		s.restorePending(job.ID)
		return fmt.Errorf("encoding pointer for job %s: %w", job.ID, err)
	}

	msg := &queue.OutboundMessage{
		ID:              job.ID,
		Body:            body,
		MessageGroupID:  pointer.MessageGroupID,
		DeduplicationID: job.ID,
	}

	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.restorePending(job.ID)
		return fmt.Errorf("publishing job %s: %w", job.ID, err)
	}

	metrics.SchedulerJobsScheduled.Inc()

	slog.Debug("Published dispatch job",
		"jobId", job.ID,
		"pool", pointer.PoolCode,
		"messageGroup", pointer.MessageGroupID)

	return nil
}

// pointerFor builds the queue envelope for a job: signed auth token,
// resolved pool code, and the job's target unless a central processing
// endpoint overrides it.
func (s *Scheduler) pointerFor(ctx context.Context, job *dispatchjob.DispatchJob) *model.MessagePointer {
	authToken := ""
	if s.auth.IsConfigured() {
		token, err := s.auth.GenerateAuthToken(job.ID)
		if err != nil {
			slog.Warn("Failed to generate auth token, publishing unsigned",
				"error", err, "jobId", job.ID)
		} else {
			authToken = token
		}
	}

	target := s.cfg.ProcessingEndpoint
	if target == "" {
		target = job.TargetURL
	}

	return &model.MessagePointer{
		ID:              job.ID,
		PoolCode:        s.resolvePoolCode(ctx, job.DispatchPoolID),
		AuthToken:       authToken,
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: target,
		MessageGroupID:  job.EffectiveGroup(),
		Sequence:        job.Sequence,
	}
}

// resolvePoolCode maps a job's dispatchPoolId to the pool's code. Unknown
// ids pass through unchanged so configs that store codes directly keep
// working; empty means the default pool.
func (s *Scheduler) resolvePoolCode(ctx context.Context, poolID string) string {
	if poolID == "" {
		return s.cfg.DefaultPoolCode
	}
	if s.pools == nil {
		return poolID
	}

	now := time.Now()

	s.poolCacheMu.Lock()
	if entry, ok := s.poolCache[poolID]; ok && entry.expires.After(now) {
		s.poolCacheMu.Unlock()
		return entry.code
	}
	s.poolCacheMu.Unlock()

	code := poolID
	pool, err := s.pools.FindByID(ctx, poolID)
	switch {
	case err == nil && pool.Code != "":
		code = pool.Code
	case errors.Is(err, dispatchpool.ErrNotFound):
		// Treat the raw value as a code
	case err != nil:
		slog.Warn("Failed to resolve dispatch pool, using raw value",
			"error", err, "dispatchPoolId", poolID)
		// Skip caching so a transient store error heals quickly
		return code
	}

	s.poolCacheMu.Lock()
	s.poolCache[poolID] = poolCacheEntry{code: code, expires: now.Add(poolCacheTTL)}
	s.poolCacheMu.Unlock()

	return code
}

// restorePending hands a claimed job back after a failed publish. Runs on
// its own timeout because the tick context may already be dead.
func (s *Scheduler) restorePending(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.jobs.RestorePending(ctx, jobID); err != nil {
		slog.Error("Failed to restore dispatch job to PENDING",
			"error", err, "jobId", jobID)
	}
}

func (s *Scheduler) staleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reclaimStale()
		}
	}
}

// reclaimStale resets QUEUED jobs whose messages were presumably lost.
// attemptCount is untouched: nothing was ever delivered.
func (s *Scheduler) reclaimStale() {
	if !s.IsPrimary() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, tickTimeout)
	defer cancel()

	reclaimed, err := s.jobs.ReclaimStaleQueued(ctx, s.cfg.StaleThreshold)
	if err != nil {
		slog.Error("Failed to reclaim stale QUEUED jobs", "error", err)
		return
	}

	if reclaimed > 0 {
		metrics.SchedulerStaleJobs.Add(float64(reclaimed))
		slog.Warn("Reclaimed stale QUEUED dispatch jobs",
			"count", reclaimed,
			"threshold", s.cfg.StaleThreshold)
		s.warn("WARN", fmt.Sprintf(
			"Reset %d QUEUED dispatch jobs older than %s back to PENDING",
			reclaimed, s.cfg.StaleThreshold))
	}
}

func (s *Scheduler) expiredLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ExpiredSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired marks overdue PENDING and QUEUED jobs EXPIRED.
func (s *Scheduler) sweepExpired() {
	if !s.IsPrimary() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, tickTimeout)
	defer cancel()

	expired, err := s.jobs.ExpireOverdue(ctx, time.Now())
	if err != nil {
		slog.Error("Failed to expire overdue dispatch jobs", "error", err)
		return
	}

	if expired > 0 {
		metrics.SchedulerJobsExpired.Add(float64(expired))
		slog.Warn("Expired overdue dispatch jobs", "count", expired)
		s.warn("WARN", fmt.Sprintf(
			"%d dispatch jobs expired before completion", expired))
	}
}

func (s *Scheduler) warn(severity, message string) {
	if s.warnings == nil {
		return
	}
	s.warnings.AddWarning("DISPATCH", severity, message, "scheduler")
}
