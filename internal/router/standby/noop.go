package standby

import (
	"context"
	"time"
)

// NoopLockProvider grants every request, so the local replica always wins
// the election. Used for single-instance deployments and tests.
type NoopLockProvider struct {
	instanceID string
}

// NewNoopLockProvider returns a provider that reports instanceID as the
// permanent lock holder.
func NewNoopLockProvider(instanceID string) *NoopLockProvider {
	return &NoopLockProvider{instanceID: instanceID}
}

func (p *NoopLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoopLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoopLockProvider) Release(ctx context.Context, key, instanceID string) error {
	return nil
}

func (p *NoopLockProvider) Holder(ctx context.Context, key string) (string, error) {
	return p.instanceID, nil
}

func (p *NoopLockProvider) Available(ctx context.Context) bool {
	return true
}

func (p *NoopLockProvider) Close() error {
	return nil
}
