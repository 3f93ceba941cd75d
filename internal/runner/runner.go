// Package runner drives one live strategy loop per subscription and keeps the
// ledger consistent with the exchange across restarts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/credentials"
	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/events"
	"strategy-engine/internal/ledger"
	"strategy-engine/internal/market"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/runstate"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

// State is the in-process lifecycle of a runner.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

const (
	statusStopped = "Stopped"
	statusExpired = "Stopped - subscription expired"
)

// Gateways resolves a credential reference to an exchange gateway.
type Gateways interface {
	Get(ctx context.Context, ref string) (common.Gateway, error)
}

// Deps are the collaborators shared by all runners of a process.
type Deps struct {
	DB       *db.Database
	Ledger   *ledger.Ledger
	Leases   *runstate.Store
	Registry *strategy.Registry
	Gateways Gateways
	Candles  market.CandleSource
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// Options tune the loop.
type Options struct {
	WindowSize        int
	TickInterval      time.Duration // 0 = derive from the timeframe
	SubmitMaxAttempts int
	SubmitBackoffBase time.Duration
	SubmitBackoffMax  time.Duration
	SubmitTimeout     time.Duration
	DefaultCapital    float64
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = 100
	}
	if o.SubmitMaxAttempts <= 0 {
		o.SubmitMaxAttempts = 3
	}
	if o.SubmitBackoffBase <= 0 {
		o.SubmitBackoffBase = 500 * time.Millisecond
	}
	if o.SubmitBackoffMax <= 0 {
		o.SubmitBackoffMax = 5 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 15 * time.Second
	}
	if o.DefaultCapital <= 0 {
		o.DefaultCapital = 10000
	}
	return o
}

var errNotEligible = errors.New("subscription not eligible")

// Runner executes one subscription.
type Runner struct {
	deps   Deps
	opts   Options
	subID  int64
	logger *zap.Logger

	mu    sync.RWMutex
	state State

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	lease         runstate.Lease
	sub           db.Subscription
	eval          strategy.Evaluator
	feed          *market.LiveFeed
	tf            market.Timeframe
	gw            common.Gateway
	lastEvaluated time.Time
	lastClose     float64
	finalStatus   string
}

func newRunner(subID int64, deps Deps, opts Options) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewSystemMetrics()
	}
	return &Runner{
		deps:        deps,
		opts:        opts.withDefaults(),
		subID:       subID,
		logger:      deps.Logger.Named("runner").With(zap.Int64("subscription_id", subID)),
		state:       StateStarting,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		finalStatus: statusStopped,
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Stop asks the loop to finish its current iteration and exit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Done is closed when the loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) stopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// start performs the starting phase: lease, subscription, parameters,
// gateway and reconciliation. Only configuration errors are fatal.
func (r *Runner) start(ctx context.Context) error {
	const op = "runner.start"
	r.setState(StateStarting)

	lease, err := r.deps.Leases.Acquire(ctx, r.subID)
	if err != nil {
		return err
	}
	r.lease = lease

	sub, err := r.deps.DB.GetSubscription(ctx, r.subID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return engineerr.Configuration(op, fmt.Errorf("subscription %d not found", r.subID))
		}
		return err
	}
	r.sub = sub
	if !sub.Eligible(r.deps.Now()) {
		r.expire(ctx)
		return errNotEligible
	}

	tf, err := market.ParseTimeframe(sub.Timeframe)
	if err != nil {
		return engineerr.Configuration(op, err)
	}
	r.tf = tf
	if r.eval, err = r.deps.Registry.NewFromJSON(sub.Strategy, sub.Parameters); err != nil {
		return err
	}
	r.feed = market.NewLiveFeed(r.deps.Candles, sub.Symbol, tf)
	r.feed.Now = r.deps.Now

	if rs, err := r.deps.Leases.Get(ctx, r.subID); err == nil && rs.LastEvaluatedAt > 0 {
		r.lastEvaluated = time.UnixMilli(rs.LastEvaluatedAt)
	}

	if _, err := r.gateway(ctx); err != nil {
		if errors.Is(err, engineerr.ErrConfiguration) {
			return err
		}
		r.logger.Warn("gateway unavailable at start", zap.Error(err))
	} else if err := r.reconcile(ctx, true); err != nil {
		r.logger.Warn("startup reconciliation incomplete", zap.Error(err), zap.String("error_class", engineerr.ClassName(err)))
	}

	r.setState(StateRunning)
	return r.deps.Leases.Progress(ctx, r.lease, string(StateRunning), time.Time{}, "")
}

// gateway returns the cached gateway, resolving it on first use.
func (r *Runner) gateway(ctx context.Context) (common.Gateway, error) {
	if r.gw != nil {
		return r.gw, nil
	}
	gw, err := r.deps.Gateways.Get(ctx, r.sub.CredentialRef)
	if err != nil {
		if errors.Is(err, credentials.ErrUnknownCredential) {
			return nil, engineerr.Configuration("runner.gateway", err)
		}
		return nil, engineerr.ClassifyGateway("runner.gateway", err)
	}
	r.gw = gw
	return gw, nil
}

// run is the running loop. It returns when stopped, expired, or the lease is lost.
func (r *Runner) run(ctx context.Context) {
	interval := r.opts.TickInterval
	if interval <= 0 {
		interval = r.tf.SleepInterval()
	}

	for {
		if r.stopping() || ctx.Err() != nil {
			break
		}
		cont, err := r.safeTick(ctx)
		if errors.Is(err, engineerr.ErrLeaseLost) {
			r.crash(err)
			return
		}
		if !cont {
			break
		}
		if err := r.sleep(ctx, interval); err != nil {
			if errors.Is(err, engineerr.ErrLeaseLost) {
				r.crash(err)
				return
			}
			break
		}
	}
	r.shutdown(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	r.deps.Metrics.RunnerStarted()
	defer r.deps.Metrics.RunnerStopped()
	r.publish(events.EventRunnerStarted, "", nil)
	r.logger.Info("runner started", zap.String("strategy", r.sub.Strategy), zap.String("symbol", r.sub.Symbol), zap.String("timeframe", r.tf.String()))
	r.run(ctx)
}

// abortStart handles a failed starting phase. A lease held elsewhere is not an error.
func (r *Runner) abortStart(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, runstate.ErrLeaseHeld):
		r.logger.Info("lease held by another worker; not starting", zap.Error(err))
		r.setState(StateStopped)
		return nil
	case errors.Is(err, errNotEligible):
		r.release(ctx, StateStopped)
		r.setState(StateStopped)
		return nil
	}

	class := engineerr.ClassName(err)
	r.logger.Error("runner failed to start", zap.Error(err), zap.String("error_class", class))
	r.deps.Metrics.IncrementErrors(class)
	if serr := r.deps.DB.SetSubscriptionStatus(ctx, r.subID, "Error: "+err.Error()); serr != nil {
		r.logger.Warn("status write failed", zap.Error(serr))
	}
	if r.lease.Owner != "" {
		_ = r.deps.Leases.Progress(ctx, r.lease, string(StateFailed), time.Time{}, err.Error())
		r.release(ctx, StateFailed)
	}
	r.setState(StateFailed)
	r.publish(events.EventRunnerFailed, err.Error(), err)
	return err
}

// safeTick runs one iteration, converting panics into errors.
func (r *Runner) safeTick(ctx context.Context) (cont bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in tick: %v", p)
			cont = true
			r.logger.Error("tick panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
		if err != nil && !errors.Is(err, engineerr.ErrLeaseLost) {
			r.recordError(ctx, err)
		}
	}()
	return r.tick(ctx)
}

func (r *Runner) recordError(ctx context.Context, err error) {
	class := engineerr.ClassName(err)
	r.deps.Metrics.IncrementErrors(class)
	r.logger.Warn("tick error", zap.Error(err), zap.String("error_class", class))
	if perr := r.deps.Leases.Progress(ctx, r.lease, string(StateRunning), time.Time{}, err.Error()); perr != nil {
		r.logger.Warn("progress write failed", zap.Error(perr))
	}
	r.publish(events.EventTick, err.Error(), err)
}

// tick is one loop iteration. cont=false ends the loop normally.
func (r *Runner) tick(ctx context.Context) (bool, error) {
	timer := monitor.NewTimer(r.deps.Metrics.TickLatency)
	defer timer.Stop()
	now := r.deps.Now()

	sub, err := r.deps.DB.GetSubscription(ctx, r.subID)
	if err != nil {
		return true, fmt.Errorf("reload subscription: %w", err)
	}
	r.sub = sub
	if !sub.Eligible(now) {
		r.expire(ctx)
		return false, nil
	}

	window, err := r.feed.Window(ctx, strategy.WindowSize(r.eval, r.opts.WindowSize))
	if err == nil && len(window) == 0 {
		err = errors.New("no closed candles")
	}
	if err != nil {
		if serr := r.deps.DB.SetSubscriptionStatus(ctx, r.subID, "Data fetch error: "+err.Error()); serr != nil {
			r.logger.Warn("status write failed", zap.Error(serr))
		}
		return true, engineerr.New(engineerr.ErrTransientGateway, "runner.window", err)
	}
	last := window[len(window)-1]
	r.lastClose = last.Close

	ok, err := r.deps.Leases.Renew(ctx, &r.lease)
	if err != nil {
		return true, fmt.Errorf("renew lease: %w", err)
	}
	if !ok {
		return false, engineerr.New(engineerr.ErrLeaseLost, "runner.tick", fmt.Errorf("lease for subscription %d expired", r.subID))
	}

	gw, err := r.gateway(ctx)
	if err != nil {
		return true, err
	}
	r.feedPrice(gw)
	if err := r.reconcile(ctx, false); err != nil {
		return true, err
	}

	if last.OpenTime.After(r.lastEvaluated) {
		if err := r.protect(ctx, gw, last); err != nil {
			return true, err
		}
		if err := r.evaluate(ctx, gw, window); err != nil {
			return true, err
		}
		r.lastEvaluated = last.OpenTime
	}

	msg := "Running - Last execution: " + now.UTC().Format(time.RFC3339)
	if err := r.deps.Leases.Progress(ctx, r.lease, string(StateRunning), r.lastEvaluated, ""); err != nil {
		return true, err
	}
	if err := r.deps.DB.RecordSubscriptionRun(ctx, r.subID, msg, now); err != nil {
		return true, err
	}
	r.deps.Metrics.IncrementTicks()
	r.publish(events.EventTick, msg, nil)
	return true, nil
}

// sleep waits d, renewing the lease along the way so long timeframes do not
// let it lapse. It returns ctx/stop errors or LeaseLost.
func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	heartbeat := time.NewTicker(max(r.deps.Leases.TTL()/3, 10*time.Millisecond))
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return errStopped
		case <-timer.C:
			return nil
		case <-heartbeat.C:
			ok, err := r.deps.Leases.Renew(ctx, &r.lease)
			if err != nil {
				r.logger.Warn("lease heartbeat failed", zap.Error(err))
				continue
			}
			if !ok {
				return engineerr.New(engineerr.ErrLeaseLost, "runner.sleep", fmt.Errorf("lease for subscription %d expired", r.subID))
			}
		}
	}
}

var errStopped = errors.New("runner stopped")

// expire deactivates an expired subscription.
func (r *Runner) expire(ctx context.Context) {
	if r.sub.ExpiresAt.Valid && !r.deps.Now().Before(r.sub.ExpiresAt.Time) {
		r.finalStatus = statusExpired
		if err := r.deps.DB.DeactivateSubscription(ctx, r.subID, statusExpired); err != nil {
			r.logger.Warn("deactivate failed", zap.Error(err))
		}
		r.logger.Info("subscription expired")
		return
	}
	r.logger.Info("subscription inactive")
}

// shutdown is the stopping phase. Positions are left as they are.
func (r *Runner) shutdown(ctx context.Context) {
	r.setState(StateStopping)
	ctx = context.WithoutCancel(ctx)
	if r.finalStatus != statusExpired {
		if err := r.deps.DB.SetSubscriptionStatus(ctx, r.subID, r.finalStatus); err != nil {
			r.logger.Warn("status write failed", zap.Error(err))
		}
	}
	r.release(ctx, StateStopped)
	r.setState(StateStopped)
	r.publish(events.EventRunnerStopped, r.finalStatus, nil)
	r.logger.Info("runner stopped")
}

// crash exits without touching the lease, which now belongs to someone else.
func (r *Runner) crash(err error) {
	r.setState(StateCrashed)
	r.deps.Metrics.IncrementErrors(engineerr.ClassName(err))
	r.logger.Warn("lease lost; exiting without further submissions", zap.Error(err))
	r.publish(events.EventRunnerFailed, err.Error(), err)
}

func (r *Runner) release(ctx context.Context, s State) {
	if err := r.deps.Leases.Release(context.WithoutCancel(ctx), r.lease, string(s)); err != nil {
		r.logger.Warn("lease release failed", zap.Error(err))
	}
}

// feedPrice marks simulated gateways with the latest close.
func (r *Runner) feedPrice(gw common.Gateway) {
	if p, ok := gw.(interface{ SetPrice(string, float64) }); ok && r.lastClose > 0 {
		p.SetPrice(r.sub.Symbol, r.lastClose)
	}
}

func (r *Runner) publish(e events.Event, msg string, err error) {
	r.deps.Bus.Publish(e, events.RunnerEvent{
		SubscriptionID: r.subID,
		State:          string(r.State()),
		Message:        msg,
		ErrorClass:     engineerr.ClassName(err),
		Time:           r.deps.Now(),
	})
}
