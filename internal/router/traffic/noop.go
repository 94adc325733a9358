package traffic

import "context"

// NoopStrategy leaves routing alone: every replica stays registered and
// the load balancer sends traffic wherever it likes. Default when traffic
// management is disabled.
type NoopStrategy struct{}

func NewNoopStrategy() *NoopStrategy {
	return &NoopStrategy{}
}

func (s *NoopStrategy) RegisterAsActive(ctx context.Context) error {
	return nil
}

func (s *NoopStrategy) DeregisterFromActive(ctx context.Context) error {
	return nil
}

// Registered is always true: without management every replica receives
// traffic.
func (s *NoopStrategy) Registered() bool {
	return true
}

func (s *NoopStrategy) Status() Status {
	return Status{
		Strategy:   StrategyNoop,
		Registered: true,
		Target:     "all replicas receive traffic",
	}
}
