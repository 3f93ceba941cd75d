package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strategy-engine/internal/runstate"
	"strategy-engine/pkg/db"
)

// Supervisor owns the runners of this process, one per subscription.
type Supervisor struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	runners map[int64]*Runner
}

// Status is the combined view of a subscription's runner.
type Status struct {
	SubscriptionID  int64     `json:"subscription_id"`
	Local           bool      `json:"local"`
	State           string    `json:"state"`
	Owner           string    `json:"owner,omitempty"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at,omitempty"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	StatusMessage   string    `json:"status_message"`
	Active          bool      `json:"active"`
}

// NewSupervisor creates a supervisor sharing deps across its runners.
func NewSupervisor(deps Deps, opts Options) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Supervisor{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger.Named("supervisor"),
		runners: make(map[int64]*Runner),
	}
}

// Start runs the starting phase synchronously and launches the loop. It is a
// no-op when a local runner is already active for the subscription.
func (s *Supervisor) Start(ctx context.Context, subscriptionID int64) error {
	s.mu.Lock()
	if r, ok := s.runners[subscriptionID]; ok && !isDone(r) {
		s.mu.Unlock()
		return nil
	}
	r := newRunner(subscriptionID, s.deps, s.opts)
	s.runners[subscriptionID] = r
	s.mu.Unlock()

	if err := r.start(ctx); err != nil {
		err = r.abortStart(ctx, err)
		close(r.done)
		s.forget(subscriptionID, r)
		return err
	}

	// The loop outlives the request that started it; Stop ends it.
	loopCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		defer s.forget(subscriptionID, r)
		r.loop(loopCtx)
	}()
	return nil
}

// Stop signals the subscription's runner and waits for it to exit. It is a
// no-op when none is active.
func (s *Supervisor) Stop(ctx context.Context, subscriptionID int64) error {
	s.mu.Lock()
	r, ok := s.runners[subscriptionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	r.Stop()
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running lists subscriptions with an active local runner.
func (s *Supervisor) Running() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.runners))
	for id, r := range s.runners {
		if !isDone(r) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StopAll stops every local runner.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs error
	for _, id := range s.Running() {
		errs = multierr.Append(errs, s.Stop(ctx, id))
	}
	return errs
}

// Sweep starts runners for eligible subscriptions that nobody is running: no
// run state yet, or a live state whose lease has expired. Subscriptions
// stopped on purpose stay stopped.
func (s *Supervisor) Sweep(ctx context.Context) error {
	subs, err := s.deps.DB.ListSubscriptions(ctx, true)
	if err != nil {
		return err
	}
	now := s.deps.Now()
	local := make(map[int64]bool)
	for _, id := range s.Running() {
		local[id] = true
	}

	var errs error
	for _, sub := range subs {
		if local[sub.ID] || !sub.Eligible(now) {
			continue
		}
		rs, err := s.deps.Leases.Get(ctx, sub.ID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			errs = multierr.Append(errs, err)
			continue
		case rs.State == runstate.StateStopped || rs.State == runstate.StateFailed:
			continue
		case rs.Owner != "" && rs.LeaseExpiresAt > now.UnixMilli():
			continue
		}
		s.logger.Info("resuming subscription", zap.Int64("subscription_id", sub.ID))
		if err := s.Start(ctx, sub.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// RunSweeper sweeps immediately and then every interval until ctx is done.
func (s *Supervisor) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Status merges the subscription, its run state and the local runner.
func (s *Supervisor) Status(ctx context.Context, subscriptionID int64) (Status, error) {
	sub, err := s.deps.DB.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		SubscriptionID: subscriptionID,
		State:          string(StateStopped),
		StatusMessage:  sub.StatusMessage,
		Active:         sub.IsActive,
	}
	rs, err := s.deps.Leases.Get(ctx, subscriptionID)
	switch {
	case err == nil:
		st.State = rs.State
		st.Owner = rs.Owner
		st.LastError = rs.LastError
		if rs.LeaseExpiresAt > 0 {
			st.LeaseExpiresAt = time.UnixMilli(rs.LeaseExpiresAt).UTC()
		}
		if rs.LastEvaluatedAt > 0 {
			st.LastEvaluatedAt = time.UnixMilli(rs.LastEvaluatedAt).UTC()
		}
	case !errors.Is(err, db.ErrNotFound):
		return Status{}, err
	}

	s.mu.Lock()
	r, ok := s.runners[subscriptionID]
	s.mu.Unlock()
	if ok && !isDone(r) {
		st.Local = true
		st.State = string(r.State())
	}
	return st, nil
}

func (s *Supervisor) forget(id int64, r *Runner) {
	s.mu.Lock()
	if s.runners[id] == r {
		delete(s.runners, id)
	}
	s.mu.Unlock()
}

func isDone(r *Runner) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
