package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Config selects and parameterizes the traffic strategy.
type Config struct {
	// Enabled turns traffic management on. Disabled services run the
	// noop strategy regardless of Strategy.
	Enabled bool

	// Strategy picks the implementation: "noop" or "aws-alb".
	Strategy string

	// ALB configures the aws-alb strategy.
	ALB ALBConfig
}

// DefaultConfig returns traffic management turned off.
func DefaultConfig() *Config {
	return &Config{
		Enabled:  false,
		Strategy: StrategyNoop,
	}
}

// Service wraps the selected strategy behind the election callbacks.
// Strategy failures are logged, never propagated: a load balancer hiccup
// must not abort a role transition or crash the router.
type Service struct {
	mu       sync.RWMutex
	config   *Config
	strategy Strategy
}

// NewService builds the strategy named by the config. An unknown name
// degrades to noop; a misconfigured aws-alb strategy is an error because
// running a standby pair without drain control silently splits traffic.
func NewService(ctx context.Context, config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	svc := &Service{config: config}

	if !config.Enabled {
		slog.Info("Traffic management disabled, using noop strategy")
		svc.strategy = NewNoopStrategy()
		return svc, nil
	}

	name := strings.ToLower(config.Strategy)
	switch name {
	case StrategyAWSALB:
		alb, err := NewALBStrategy(ctx, &config.ALB)
		if err != nil {
			return nil, fmt.Errorf("build aws-alb traffic strategy: %w", err)
		}
		svc.strategy = alb

	case StrategyNoop, "":
		svc.strategy = NewNoopStrategy()

	default:
		slog.Warn("Unknown traffic strategy, using noop", "strategy", config.Strategy)
		svc.strategy = NewNoopStrategy()
	}

	slog.Info("Traffic management enabled", "strategy", name)
	return svc, nil
}

// RegisterAsActive routes traffic to this replica. Called on PRIMARY.
func (s *Service) RegisterAsActive(ctx context.Context) {
	if err := s.current().RegisterAsActive(ctx); err != nil {
		slog.Error("Failed to register with the load balancer", "error", err)
	}
}

// DeregisterFromActive drains traffic away from this replica. Called on
// STANDBY and on shutdown.
func (s *Service) DeregisterFromActive(ctx context.Context) {
	if err := s.current().DeregisterFromActive(ctx); err != nil {
		slog.Error("Failed to deregister from the load balancer", "error", err)
	}
}

// IsRegistered reports whether this replica currently receives traffic.
func (s *Service) IsRegistered() bool {
	return s.current().Registered()
}

// Enabled reports whether traffic management is configured.
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// Status snapshots the active strategy for the monitoring API.
func (s *Service) Status() Status {
	return s.current().Status()
}

// SetStrategy swaps the strategy at runtime. Nil is ignored.
func (s *Service) SetStrategy(strategy Strategy) {
	if strategy == nil {
		slog.Warn("Ignoring nil traffic strategy")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
}

func (s *Service) current() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}
