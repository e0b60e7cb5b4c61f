package standby

import (
	"context"
	"time"
)

// NoOpLockProvider hands the lock to whoever asks: with no shared lock
// backend the instance simply runs standalone. Every operation succeeds
// and this instance is always reported as the holder.
type NoOpLockProvider struct {
	instanceID string
}

// NewNoOpLockProvider creates a new no-op lock provider
func NewNoOpLockProvider(instanceID string) *NoOpLockProvider {
	return &NoOpLockProvider{instanceID: instanceID}
}

func (p *NoOpLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoOpLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoOpLockProvider) Release(ctx context.Context, key, instanceID string) error {
	return nil
}

func (p *NoOpLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	return p.instanceID, nil
}

func (p *NoOpLockProvider) IsAvailable(ctx context.Context) bool {
	return true
}

func (p *NoOpLockProvider) Close() error {
	return nil
}
