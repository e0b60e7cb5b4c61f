// Package leader provides distributed leader election over MongoDB or
// Redis: one lock document (or key) per role, leased and refreshed by the
// current holder.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// locksCollection is where lease documents live.
const locksCollection = "leader_locks"

// LeaderLock is one lease document: the _id is the lock name, the holder
// is identified by instanceId, and expiresAt bounds the lease.
type LeaderLock struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// ElectorConfig holds configuration for leader election
type ElectorConfig struct {
	// InstanceID uniquely identifies this instance (defaults to hostname)
	InstanceID string

	// LockName is the name of the lock to acquire
	LockName string

	// TTL is how long the lease is valid before expiring (default: 30s)
	TTL time.Duration

	// RefreshInterval is how often to refresh the lease while primary (default: 10s)
	RefreshInterval time.Duration
}

// DefaultElectorConfig returns sensible defaults
func DefaultElectorConfig(lockName string) *ElectorConfig {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}

	return &ElectorConfig{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// LeaderElector contends for a Mongo-backed lease. The holder keeps the
// lease alive by bumping expiresAt; anyone may claim a lease whose
// expiry has passed, so a crashed leader is replaced within one TTL.
type LeaderElector struct {
	locks  *mongo.Collection
	config *ElectorConfig

	isPrimary atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewLeaderElector creates a new leader elector
func NewLeaderElector(db *mongo.Database, config *ElectorConfig) *LeaderElector {
	if config == nil {
		config = DefaultElectorConfig("default-leader")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		locks:   db.Collection(locksCollection),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// OnBecomeLeader sets a callback for when this instance becomes leader
func (e *LeaderElector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership sets a callback for when this instance loses leadership
func (e *LeaderElector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// Start ensures the TTL index on the lease collection and begins contending.
func (e *LeaderElector) Start(ctx context.Context) error {
	// Mongo reaps expired lease documents on its own via the TTL index;
	// expiry-aware filters below handle the window before the reaper runs
	_, err := e.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	})
	if err != nil {
		slog.Debug("Could not create TTL index (may already exist)", "error", err)
	}

	go e.contend()

	slog.Info("Leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)
	return nil
}

// Stop halts the election loop and releases a held lease.
func (e *LeaderElector) Stop() {
	e.cancel()
	<-e.stopped

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}

	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

// IsPrimary returns true if this instance is currently the leader
func (e *LeaderElector) IsPrimary() bool {
	return e.isPrimary.Load()
}

// InstanceID returns the instance ID of this elector
func (e *LeaderElector) InstanceID() string {
	return e.config.InstanceID
}

// contend runs the acquire/refresh loop until the elector stops.
func (e *LeaderElector) contend() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.step()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.step()
		}
	}
}

// step runs one election round: refresh while leading, otherwise try to
// take over an expired or unheld lease.
func (e *LeaderElector) step() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasPrimary := e.isPrimary.Load()

	if wasPrimary {
		if e.extendLease(ctx) {
			return
		}
		e.isPrimary.Store(false)
		slog.Warn("Lost leadership - refresh failed",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}

	if e.claimLease(ctx) {
		e.isPrimary.Store(true)
		if !wasPrimary {
			slog.Info("Acquired leadership",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
	}
}

// claimLease atomically takes the lease if it is expired, unheld, or
// already ours. Returns true when this instance holds it afterwards.
func (e *LeaderElector) claimLease(ctx context.Context) bool {
	now := time.Now()

	filter := bson.M{
		"_id": e.config.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": e.config.InstanceID},
		},
	}
	update := bson.M{"$set": bson.M{
		"instanceId": e.config.InstanceID,
		"acquiredAt": now,
		"expiresAt":  now.Add(e.config.TTL),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var lease LeaderLock
	err := e.locks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&lease)
	switch {
	case err == nil:
		return lease.InstanceID == e.config.InstanceID

	case mongo.IsDuplicateKeyError(err):
		// The upsert raced a live lease held by someone else
		slog.Debug("Lock already held by another instance",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		return false

	case errors.Is(err, mongo.ErrNoDocuments):
		// No document and the filter matched nothing: insert fresh
		_, insertErr := e.locks.InsertOne(ctx, LeaderLock{
			ID:         e.config.LockName,
			InstanceID: e.config.InstanceID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(e.config.TTL),
		})
		if insertErr != nil {
			if !mongo.IsDuplicateKeyError(insertErr) {
				slog.Error("Failed to insert leader lock", "error", insertErr)
			}
			return false
		}
		return true

	default:
		slog.Error("Failed to acquire leader lock",
			"error", err, "lockName", e.config.LockName)
		return false
	}
}

// extendLease bumps expiry on a lease this instance holds. Returns false
// when the lease has moved to another holder.
func (e *LeaderElector) extendLease(ctx context.Context) bool {
	result, err := e.locks.UpdateOne(ctx,
		bson.M{"_id": e.config.LockName, "instanceId": e.config.InstanceID},
		bson.M{"$set": bson.M{"expiresAt": time.Now().Add(e.config.TTL)}},
	)
	if err != nil {
		slog.Error("Failed to refresh leader lock",
			"error", err, "lockName", e.config.LockName)
		return false
	}
	if result.MatchedCount == 0 {
		slog.Debug("Lock no longer held by this instance",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		return false
	}

	slog.Debug("Refreshed leader lock",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName)
	return true
}

// Release drops the lease if this instance holds it.
func (e *LeaderElector) Release(ctx context.Context) {
	result, err := e.locks.DeleteOne(ctx,
		bson.M{"_id": e.config.LockName, "instanceId": e.config.InstanceID})
	if err != nil {
		slog.Error("Failed to release leader lock",
			"error", err, "lockName", e.config.LockName)
		return
	}
	if result.DeletedCount > 0 {
		slog.Info("Released leader lock",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
	}
	e.isPrimary.Store(false)
}

// GetCurrentLeader returns the instance ID holding a live lease, or empty
// when there is no leader.
func (e *LeaderElector) GetCurrentLeader(ctx context.Context) (string, error) {
	var lease LeaderLock
	err := e.locks.FindOne(ctx, bson.M{
		"_id":       e.config.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}).Decode(&lease)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return lease.InstanceID, nil
}
