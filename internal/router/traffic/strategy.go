// Package traffic switches load balancer routing to follow the
// PRIMARY/STANDBY role. The primary registers itself as a target;
// a replica stepping down deregisters and waits out the drain window
// before it stops serving.
package traffic

import "context"

// Strategy names accepted by the config.
const (
	StrategyNoop   = "noop"
	StrategyAWSALB = "aws-alb"
)

// Status is the traffic snapshot served by the monitoring API.
type Status struct {
	Strategy      string `json:"strategy"`
	Registered    bool   `json:"registered"`
	Target        string `json:"target,omitempty"`
	LastOperation string `json:"lastOperation,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

// Strategy moves this replica in and out of the load balancer.
// Implementations must be idempotent: role flapping calls these
// repeatedly and double registration must be harmless.
type Strategy interface {
	// RegisterAsActive starts routing traffic to this replica.
	// Called on the transition to PRIMARY.
	RegisterAsActive(ctx context.Context) error

	// DeregisterFromActive stops routing traffic to this replica and
	// blocks until in-flight connections drain or the drain window
	// elapses. Called on the transition to STANDBY and on shutdown.
	DeregisterFromActive(ctx context.Context) error

	// Registered reports whether this replica believes it is a target.
	Registered() bool

	// Status snapshots the strategy for monitoring.
	Status() Status
}
