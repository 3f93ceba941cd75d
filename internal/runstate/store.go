// Package runstate manages the per-subscription execution lease that keeps at
// most one runner alive for a subscription across processes.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strategy-engine/pkg/db"
)

// ErrLeaseHeld is returned when another live owner holds the lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Runner states recorded in run_states.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateFailed   = "failed"
	StateExpired  = "expired"
)

// Lease is a held claim on a subscription.
type Lease struct {
	SubscriptionID int64
	Owner          string
	ExpiresAt      time.Time
}

// Store acquires, renews and releases leases in the shared database.
type Store struct {
	db    *db.Database
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewStore creates a lease store for owner (the worker id).
func NewStore(database *db.Database, owner string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Store{db: database, owner: owner, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Owner returns the worker id this store claims leases for.
func (s *Store) Owner() string { return s.owner }

// TTL returns the lease duration.
func (s *Store) TTL() time.Duration { return s.ttl }

// Acquire claims the lease when it is free, expired or already ours.
func (s *Store) Acquire(ctx context.Context, subscriptionID int64) (Lease, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	rs, err := s.db.AcquireLease(ctx, subscriptionID, s.owner, now.UnixMilli(), expires.UnixMilli())
	if err != nil {
		return Lease{}, err
	}
	if rs.Owner != s.owner {
		return Lease{}, fmt.Errorf("%w: subscription %d owned by %s until %s",
			ErrLeaseHeld, subscriptionID, rs.Owner, time.UnixMilli(rs.LeaseExpiresAt).UTC().Format(time.RFC3339))
	}
	return Lease{SubscriptionID: subscriptionID, Owner: s.owner, ExpiresAt: expires}, nil
}

// Renew extends a lease we still hold. It returns false when the lease was
// lost (expired and possibly taken over).
func (s *Store) Renew(ctx context.Context, l *Lease) (bool, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	ok, err := s.db.RenewLease(ctx, l.SubscriptionID, s.owner, now.UnixMilli(), expires.UnixMilli())
	if err != nil || !ok {
		return false, err
	}
	l.ExpiresAt = expires
	return true, nil
}

// Held reports whether the lease is still ours and unexpired without extending it.
func (s *Store) Held(ctx context.Context, l Lease) (bool, error) {
	rs, err := s.db.GetRunState(ctx, l.SubscriptionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rs.Owner == s.owner && rs.LeaseExpiresAt > s.now().UnixMilli(), nil
}

// Release clears our ownership and records the final runner state.
func (s *Store) Release(ctx context.Context, l Lease, state string) error {
	_, err := s.db.ReleaseLease(ctx, l.SubscriptionID, s.owner, state)
	return err
}

// Progress records runner state, the last evaluated candle and the last error.
func (s *Store) Progress(ctx context.Context, l Lease, state string, lastEvaluated time.Time, lastErr string) error {
	var ms int64
	if !lastEvaluated.IsZero() {
		ms = lastEvaluated.UnixMilli()
	}
	return s.db.UpdateRunProgress(ctx, l.SubscriptionID, s.owner, state, ms, lastErr)
}

// Get returns the stored run state for a subscription.
func (s *Store) Get(ctx context.Context, subscriptionID int64) (db.RunState, error) {
	return s.db.GetRunState(ctx, subscriptionID)
}
