package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

// deregistrationDelayKey is the target group attribute holding the drain
// window in seconds.
const deregistrationDelayKey = "deregistration_delay.timeout_seconds"

// defaultDeregistrationDelay matches the ALB default drain window.
const defaultDeregistrationDelay = 300 * time.Second

const defaultDrainPollInterval = 5 * time.Second

// ALBConfig locates this replica inside its target group.
type ALBConfig struct {
	// TargetGroupARN names the target group the router registers with.
	TargetGroupARN string

	// TargetID is the EC2 instance ID or IP registered as a target.
	TargetID string

	// Port overrides the target group's default port when non-zero.
	Port int32

	// Region selects the AWS region. Empty defers to the SDK chain.
	Region string

	// DeregistrationDelay bounds the drain wait. Zero reads the target
	// group's own deregistration_delay attribute.
	DeregistrationDelay time.Duration
}

// ELBClient is the slice of the ELBv2 API the strategy calls.
type ELBClient interface {
	RegisterTargets(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, params *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error)
	DescribeTargetHealth(ctx context.Context, params *elbv2.DescribeTargetHealthInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error)
	DescribeTargetGroupAttributes(ctx context.Context, params *elbv2.DescribeTargetGroupAttributesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupAttributesOutput, error)
}

// ALBStrategy switches traffic by registering and deregistering this
// replica in an ALB target group. Deregistration waits for the target to
// drain so the standby does not cut live connections.
type ALBStrategy struct {
	client ELBClient
	config *ALBConfig

	drainPollInterval time.Duration

	mu            sync.Mutex
	registered    bool
	lastOperation string
	lastError     string
}

// NewALBStrategy loads the AWS config chain and builds the strategy.
func NewALBStrategy(ctx context.Context, cfg *ALBConfig) (*ALBStrategy, error) {
	if cfg == nil || cfg.TargetGroupARN == "" || cfg.TargetID == "" {
		return nil, errors.New("aws-alb strategy requires a target group ARN and a target ID")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return newALBStrategy(elbv2.NewFromConfig(awsCfg), cfg), nil
}

func newALBStrategy(client ELBClient, cfg *ALBConfig) *ALBStrategy {
	return &ALBStrategy{
		client:            client,
		config:            cfg,
		drainPollInterval: defaultDrainPollInterval,
	}
}

func (s *ALBStrategy) target() elbtypes.TargetDescription {
	desc := elbtypes.TargetDescription{Id: aws.String(s.config.TargetID)}
	if s.config.Port > 0 {
		desc.Port = aws.Int32(s.config.Port)
	}
	return desc
}

// RegisterAsActive puts this replica into the target group. The ALB
// treats registering an existing target as a no-op, so the call is always
// issued rather than trusting local state.
func (s *ALBStrategy) RegisterAsActive(ctx context.Context) error {
	_, err := s.client.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(s.config.TargetGroupARN),
		Targets:        []elbtypes.TargetDescription{s.target()},
	})
	if err != nil {
		s.recordFailure("register", err)
		return fmt.Errorf("register target %s: %w", s.config.TargetID, err)
	}

	s.recordSuccess("register", true)
	slog.Info("Registered with target group",
		"targetId", s.config.TargetID,
		"targetGroup", s.config.TargetGroupARN)
	return nil
}

// DeregisterFromActive removes this replica from the target group and
// waits for the target to report unused, bounded by the deregistration
// delay. The wait is best effort: hitting the bound logs a warning but
// the deregistration itself already succeeded.
func (s *ALBStrategy) DeregisterFromActive(ctx context.Context) error {
	_, err := s.client.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(s.config.TargetGroupARN),
		Targets:        []elbtypes.TargetDescription{s.target()},
	})
	if err != nil {
		s.recordFailure("deregister", err)
		return fmt.Errorf("deregister target %s: %w", s.config.TargetID, err)
	}

	s.recordSuccess("deregister", false)
	slog.Info("Deregistered from target group, waiting for drain",
		"targetId", s.config.TargetID,
		"targetGroup", s.config.TargetGroupARN)

	s.waitForDrain(ctx)
	return nil
}

// waitForDrain polls target health until the target reports unused.
func (s *ALBStrategy) waitForDrain(ctx context.Context) {
	delay := s.config.DeregistrationDelay
	if delay <= 0 {
		delay = s.lookupDeregistrationDelay(ctx)
	}

	deadline := time.Now().Add(delay)
	ticker := time.NewTicker(s.drainPollInterval)
	defer ticker.Stop()

	for {
		state, err := s.targetState(ctx)
		if err != nil {
			slog.Warn("Drain poll failed", "error", err)
			return
		}
		if state == elbtypes.TargetHealthStateEnumUnused {
			slog.Info("Target drained", "targetId", s.config.TargetID)
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("Drain wait reached the deregistration delay",
				"targetId", s.config.TargetID,
				"delay", delay,
				"state", string(state))
			return
		}

		select {
		case <-ctx.Done():
			slog.Warn("Drain wait cancelled", "error", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

// lookupDeregistrationDelay reads the drain window off the target group.
func (s *ALBStrategy) lookupDeregistrationDelay(ctx context.Context) time.Duration {
	out, err := s.client.DescribeTargetGroupAttributes(ctx, &elbv2.DescribeTargetGroupAttributesInput{
		TargetGroupArn: aws.String(s.config.TargetGroupARN),
	})
	if err != nil {
		slog.Warn("Could not read deregistration delay, using default",
			"error", err,
			"default", defaultDeregistrationDelay)
		return defaultDeregistrationDelay
	}

	for _, attr := range out.Attributes {
		if aws.ToString(attr.Key) != deregistrationDelayKey {
			continue
		}
		seconds, err := strconv.Atoi(aws.ToString(attr.Value))
		if err != nil || seconds < 0 {
			break
		}
		return time.Duration(seconds) * time.Second
	}
	return defaultDeregistrationDelay
}

func (s *ALBStrategy) targetState(ctx context.Context) (elbtypes.TargetHealthStateEnum, error) {
	out, err := s.client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(s.config.TargetGroupARN),
		Targets:        []elbtypes.TargetDescription{s.target()},
	})
	if err != nil {
		return "", err
	}

	// A fully removed target no longer appears in the description list.
	if len(out.TargetHealthDescriptions) == 0 || out.TargetHealthDescriptions[0].TargetHealth == nil {
		return elbtypes.TargetHealthStateEnumUnused, nil
	}
	return out.TargetHealthDescriptions[0].TargetHealth.State, nil
}

func (s *ALBStrategy) recordSuccess(operation string, registered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOperation = operation
	s.lastError = ""
	s.registered = registered
}

func (s *ALBStrategy) recordFailure(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOperation = operation
	s.lastError = err.Error()
}

func (s *ALBStrategy) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *ALBStrategy) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Strategy:      StrategyAWSALB,
		Registered:    s.registered,
		Target:        s.config.TargetID + " in " + s.config.TargetGroupARN,
		LastOperation: s.lastOperation,
		LastError:     s.lastError,
	}
}
