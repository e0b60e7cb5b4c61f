// Package standby implements PRIMARY/STANDBY failover through a
// distributed lock. All instances contend for one lock; the holder runs as
// PRIMARY and processes messages, everyone else idles as STANDBY until the
// lock frees up.
package standby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/router/health"
)

// Role represents the current role of this instance
type Role string

const (
	// RolePrimary indicates this instance is the active leader
	RolePrimary Role = "PRIMARY"

	// RoleStandby indicates this instance is waiting to become leader
	RoleStandby Role = "STANDBY"

	// RoleUnknown indicates the role has not been determined yet
	RoleUnknown Role = "UNKNOWN"
)

// Config holds standby mode configuration
type Config struct {
	// Enabled controls whether standby mode is active
	Enabled bool

	// InstanceID is a unique identifier for this instance (auto-generated if empty)
	InstanceID string

	// LockKey is the distributed lock key (default: "flowcatalyst:router:leader")
	LockKey string

	// LockTTL is how long the lock is held before it expires
	LockTTL time.Duration

	// RefreshInterval is how often to refresh the lock
	RefreshInterval time.Duration

	// RedisURL is the Redis connection URL
	RedisURL string
}

// DefaultConfig returns default standby configuration
func DefaultConfig() *Config {
	return &Config{
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks defines the callbacks invoked on role changes
type Callbacks struct {
	// OnBecomePrimary is called when this instance becomes the PRIMARY
	OnBecomePrimary func()

	// OnBecomeStandby is called when this instance becomes STANDBY
	OnBecomeStandby func()
}

// LockProvider interface for distributed lock implementations
type LockProvider interface {
	// TryAcquire attempts to acquire the lock. Returns true if acquired.
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends the lock TTL. Returns false if lock was lost.
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Release releases the lock
	Release(ctx context.Context, key, instanceID string) error

	// GetHolder returns the current lock holder instance ID
	GetHolder(ctx context.Context, key string) (string, error)

	// IsAvailable checks if the lock provider is available
	IsAvailable(ctx context.Context) bool

	// Close closes the lock provider connection
	Close() error
}

// electionState is the mutable picture of the election, guarded by Service.mu.
type electionState struct {
	role          Role
	lockAvailable bool
	holder        string
	lastRefresh   time.Time
	warning       string
}

// Service runs the leader-election loop and reports the instance's role.
// Implements StandbyStatusGetter for monitoring.
type Service struct {
	config     *Config
	callbacks  *Callbacks
	instanceID string

	mu       sync.RWMutex
	state    electionState
	provider LockProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new standby service
func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	id := config.InstanceID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:     config,
		callbacks:  callbacks,
		instanceID: id,
		state:      electionState{role: RoleUnknown},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetLockProvider sets the distributed lock provider
func (s *Service) SetLockProvider(provider LockProvider) {
	s.mu.Lock()
	s.provider = provider
	s.mu.Unlock()
}

// Start begins leader election, or promotes immediately when standby mode
// is disabled (single-instance deployment).
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("Standby mode disabled - running as standalone PRIMARY")
		s.transition(RolePrimary)
		return nil
	}

	slog.Info("Starting standby service with leader election",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL,
		"refreshInterval", s.config.RefreshInterval)

	s.electionTick()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.electionTick()
			}
		}
	}()

	return nil
}

// Stop halts the election loop, releasing the lock if this instance holds it.
func (s *Service) Stop() {
	slog.Info("Stopping standby service", "instanceId", s.instanceID)

	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.state.role
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return
	}

	if role == RolePrimary {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("Failed to release lock during shutdown", "error", err)
		} else {
			slog.Info("Released leader lock")
		}
	}
	provider.Close()
}

// electionTick runs one round of the election: refresh when leading,
// contend when not.
func (s *Service) electionTick() {
	s.mu.RLock()
	provider := s.provider
	role := s.state.role
	s.mu.RUnlock()

	if provider == nil {
		slog.Warn("No lock provider configured - running as standalone")
		s.transition(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	available := provider.IsAvailable(ctx)
	s.mu.Lock()
	s.state.lockAvailable = available
	s.mu.Unlock()

	if !available {
		// Keep the current role rather than flapping: a Redis blip must
		// not demote a healthy PRIMARY.
		slog.Warn("Lock provider not available - maintaining current role")
		s.noteWarning("Redis unavailable")
		return
	}

	if role == RolePrimary {
		s.refreshAsLeader(ctx, provider)
	} else {
		s.contendForLock(ctx, provider, role)
	}
}

// refreshAsLeader extends the held lock, demoting to STANDBY if it was lost.
func (s *Service) refreshAsLeader(ctx context.Context, provider LockProvider) {
	held, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("Error refreshing lock", "error", err)
		s.noteWarning("Lock refresh error: " + err.Error())
		return
	}

	if !held {
		slog.Warn("Lost leader lock - transitioning to STANDBY")
		s.transition(RoleStandby)
		s.refreshHolder(ctx, provider)
		return
	}

	s.mu.Lock()
	s.state.lastRefresh = time.Now()
	s.state.warning = ""
	s.mu.Unlock()
	slog.Debug("Lock refreshed successfully")
}

// contendForLock tries to take the lock, settling into STANDBY otherwise.
func (s *Service) contendForLock(ctx context.Context, provider LockProvider, role Role) {
	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("Error acquiring lock", "error", err)
		s.noteWarning("Lock acquisition error: " + err.Error())
		s.refreshHolder(ctx, provider)
		return
	}

	if acquired {
		slog.Info("Acquired leader lock - transitioning to PRIMARY")
		s.transition(RolePrimary)
		s.mu.Lock()
		s.state.lastRefresh = time.Now()
		s.state.holder = s.instanceID
		s.state.warning = ""
		s.mu.Unlock()
		return
	}

	s.refreshHolder(ctx, provider)
	if role == RoleUnknown {
		s.transition(RoleStandby)
	}
}

// BecomePrimary forces this instance to PRIMARY, acquiring the distributed
// lock when one is configured. Backs the operator failover endpoint; a
// later election tick can still demote the instance if the lock is lost.
func (s *Service) BecomePrimary(ctx context.Context) error {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	if provider != nil {
		acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("lock %q held by another instance", s.config.LockKey)
		}
		s.mu.Lock()
		s.state.holder = s.instanceID
		s.state.lastRefresh = time.Now()
		s.mu.Unlock()
	}

	s.transition(RolePrimary)
	return nil
}

// BecomeStandby forces this instance to STANDBY, releasing the distributed
// lock if held.
func (s *Service) BecomeStandby(ctx context.Context) error {
	s.mu.RLock()
	provider := s.provider
	role := s.state.role
	s.mu.RUnlock()

	if provider != nil && role == RolePrimary {
		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			return err
		}
	}

	s.transition(RoleStandby)
	return nil
}

// transition moves to a new role and fires the matching callback once per
// actual change.
func (s *Service) transition(role Role) {
	s.mu.Lock()
	previous := s.state.role
	s.state.role = role
	s.mu.Unlock()

	if previous == role {
		return
	}

	slog.Info("Role changed",
		"instanceId", s.instanceID,
		"oldRole", string(previous),
		"newRole", string(role))

	if s.callbacks == nil {
		return
	}
	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) noteWarning(message string) {
	s.mu.Lock()
	s.state.warning = message
	s.mu.Unlock()
}

func (s *Service) refreshHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.GetHolder(ctx, s.config.LockKey)
	if err != nil {
		slog.Debug("Failed to get current lock holder", "error", err)
		return
	}
	s.mu.Lock()
	s.state.holder = holder
	s.mu.Unlock()
}

// IsPrimary returns true if this instance is the current leader
func (s *Service) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.role == RolePrimary
}

// IsStandby returns true if this instance is in standby mode
func (s *Service) IsStandby() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.role == RoleStandby
}

// GetRole returns the current role
func (s *Service) GetRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.role
}

// GetInstanceID returns the instance ID
func (s *Service) GetInstanceID() string {
	return s.instanceID
}

// IsEnabled reports whether standby mode is enabled. Part of the
// StandbyStatusGetter interface.
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus returns the current standby status for monitoring. Part of the
// StandbyStatusGetter interface.
func (s *Service) GetStatus() *health.StandbyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastRefresh string
	if !s.state.lastRefresh.IsZero() {
		lastRefresh = s.state.lastRefresh.Format(time.RFC3339)
	}

	return &health.StandbyStatus{
		StandbyEnabled:        s.config.Enabled,
		InstanceID:            s.instanceID,
		Role:                  string(s.state.role),
		RedisAvailable:        s.state.lockAvailable,
		CurrentLockHolder:     s.state.holder,
		LastSuccessfulRefresh: lastRefresh,
		HasWarning:            s.state.warning != "",
	}
}
