package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"strategy-engine/internal/backtest"
	"strategy-engine/internal/ledger"
	"strategy-engine/internal/runner"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

// ErrSubscriptionNotFound is returned for unknown subscription ids.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Impl implements Service by composing the runner supervisor, the ledger and
// the backtest service.
type Impl struct {
	db         *db.Database
	supervisor *runner.Supervisor
	ledger     *ledger.Ledger
	backtests  *backtest.Service
	registry   *strategy.Registry

	meta SystemStatus
}

var _ Service = (*Impl)(nil)

// Config holds the collaborators of the engine implementation.
type Config struct {
	DB         *db.Database
	Supervisor *runner.Supervisor
	Ledger     *ledger.Ledger
	Backtests  *backtest.Service
	Registry   *strategy.Registry
	Meta       SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		db:         cfg.DB,
		supervisor: cfg.Supervisor,
		ledger:     cfg.Ledger,
		backtests:  cfg.Backtests,
		registry:   cfg.Registry,
		meta:       cfg.Meta,
	}
}

// --- Runner commands ---

// Start launches the subscription's runner. Starting a running subscription
// is a no-op.
func (e *Impl) Start(ctx context.Context, subscriptionID int64) error {
	if e.supervisor == nil {
		return fmt.Errorf("runner supervisor not available")
	}
	if _, err := e.subscription(ctx, subscriptionID); err != nil {
		return err
	}
	return e.supervisor.Start(ctx, subscriptionID)
}

// Stop ends the subscription's runner. Stopping an idle subscription is a no-op.
func (e *Impl) Stop(ctx context.Context, subscriptionID int64) error {
	if e.supervisor == nil {
		return fmt.Errorf("runner supervisor not available")
	}
	if _, err := e.subscription(ctx, subscriptionID); err != nil {
		return err
	}
	return e.supervisor.Stop(ctx, subscriptionID)
}

// --- Runner queries ---

func (e *Impl) Status(ctx context.Context, subscriptionID int64) (*RunnerStatus, error) {
	sub, err := e.subscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	st, err := e.supervisor.Status(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	pos, err := e.ledger.CurrentPosition(ctx, subscriptionID, decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("position for subscription %d: %w", subscriptionID, err)
	}
	return &RunnerStatus{
		Status:    st,
		Strategy:  sub.Strategy,
		Symbol:    sub.Symbol,
		Timeframe: sub.Timeframe,
		Position:  pos,
		LastRunAt: nullTime(sub.LastRunAt),
		ExpiresAt: nullTime(sub.ExpiresAt),
	}, nil
}

func (e *Impl) ListSubscriptions(ctx context.Context, activeOnly bool) ([]SubscriptionInfo, error) {
	subs, err := e.db.ListSubscriptions(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	running := make(map[int64]bool)
	if e.supervisor != nil {
		for _, id := range e.supervisor.Running() {
			running[id] = true
		}
	}
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubscriptionInfo{
			ID:            s.ID,
			UserID:        s.UserID,
			Strategy:      s.Strategy,
			Exchange:      s.Exchange,
			Symbol:        s.Symbol,
			Timeframe:     s.Timeframe,
			Parameters:    s.Parameters,
			OrderSize:     s.OrderSize,
			IsActive:      s.IsActive,
			StatusMessage: s.StatusMessage,
			Running:       running[s.ID],
			ExpiresAt:     nullTime(s.ExpiresAt),
			LastRunAt:     nullTime(s.LastRunAt),
			UpdatedAt:     s.UpdatedAt,
		})
	}
	return out, nil
}

func (e *Impl) ListOrders(ctx context.Context, subscriptionID int64, f db.OrderFilter) ([]Order, error) {
	if _, err := e.subscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	orders, err := e.ledger.ListOrders(ctx, subscriptionID, f)
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrder(o))
	}
	return out, nil
}

// --- Backtests ---

func (e *Impl) RunBacktest(ctx context.Context, req backtest.Request) (string, error) {
	if e.backtests == nil {
		return "", fmt.Errorf("backtest service not available")
	}
	return e.backtests.Submit(ctx, req)
}

func (e *Impl) GetBacktest(ctx context.Context, id string) (*BacktestStatus, error) {
	if e.backtests == nil {
		return nil, fmt.Errorf("backtest service not available")
	}
	run, res, err := e.backtests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := toBacktestStatus(run)
	st.Details = res
	return &st, nil
}

func (e *Impl) ListBacktests(ctx context.Context, f db.BacktestFilter) ([]BacktestStatus, error) {
	if e.backtests == nil {
		return nil, fmt.Errorf("backtest service not available")
	}
	runs, err := e.backtests.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]BacktestStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, toBacktestStatus(r))
	}
	return out, nil
}

// --- Catalog and system ---

func (e *Impl) Strategies() []strategy.Info {
	if e.registry == nil {
		return nil
	}
	return e.registry.List()
}

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	meta := e.meta
	meta.ServerTime = time.Now().UTC()
	meta.RunningRunners = []int64{}
	if e.supervisor != nil {
		meta.RunningRunners = e.supervisor.Running()
	}
	meta.Strategies = nil
	for _, info := range e.Strategies() {
		meta.Strategies = append(meta.Strategies, info.Name)
	}
	return &meta
}

func (e *Impl) subscription(ctx context.Context, id int64) (db.Subscription, error) {
	sub, err := e.db.GetSubscription(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return db.Subscription{}, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	return sub, err
}

func toOrder(o db.Order) Order {
	out := Order{
		ID:              o.ID,
		SubscriptionID:  o.SubscriptionID,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Size:            o.RequestedSize.String(),
		State:           string(o.State),
		Reason:          o.Reason,
		StatusDetail:    o.StatusDetail,
		CreatedAt:       o.CreatedAt,
		AcknowledgedAt:  nullTime(o.AcknowledgedAt),
		FilledAt:        nullTime(o.FilledAt),
	}
	if o.RequestedPrice.Valid {
		out.Price = o.RequestedPrice.Decimal.String()
	}
	return out
}

func toBacktestStatus(r db.BacktestRun) BacktestStatus {
	return BacktestStatus{
		ID:             r.ID,
		Status:         r.Status,
		Strategy:       r.Strategy,
		Parameters:     r.Parameters,
		Symbol:         r.Symbol,
		Timeframe:      r.Timeframe,
		StartDate:      r.StartAt,
		EndDate:        r.EndAt,
		InitialCapital: r.InitialCapital,
		Error:          r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		FinishedAt:     nullTime(r.FinishedAt),
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
