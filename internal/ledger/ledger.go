// Package ledger is the durable record of orders and fills per subscription.
// Positions are never stored; they are folded from fills on demand.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-engine/pkg/db"
)

var (
	// ErrOrderInFlight is returned when a subscription already has an order in
	// pending_submit or submitted.
	ErrOrderInFlight = errors.New("order already in flight")
	// ErrInvalidTransition is returned for a state change the order lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid order state transition")
	// ErrOverfill is returned when fills would exceed the requested size.
	ErrOverfill = errors.New("fill exceeds requested size")
)

var transitions = map[db.OrderState][]db.OrderState{
	db.OrderPendingSubmit:   {db.OrderSubmitted, db.OrderPartiallyFilled, db.OrderFilled, db.OrderCanceled, db.OrderRejected},
	db.OrderSubmitted:       {db.OrderPartiallyFilled, db.OrderFilled, db.OrderCanceled, db.OrderRejected},
	db.OrderPartiallyFilled: {db.OrderFilled, db.OrderCanceled},
}

// CanTransition reports whether an order may move from one state to another.
func CanTransition(from, to db.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func Terminal(s db.OrderState) bool {
	return len(transitions[s]) == 0
}

// Ledger records order intents and fills against the shared database.
type Ledger struct {
	db     *db.Database
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger over database.
func New(database *db.Database, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: database, logger: logger.Named("ledger"), now: time.Now}
}

// RecordIntentResult persists a new order in pending_submit before any network
// call. The in-flight check and insert run in one transaction; a partial
// unique index backs it across processes.
func (l *Ledger) RecordIntentResult(ctx context.Context, o db.Order) (db.Order, error) {
	if o.SubscriptionID == 0 || o.Symbol == "" {
		return db.Order{}, fmt.Errorf("record intent: subscription and symbol are required")
	}
	if !o.RequestedSize.IsPositive() {
		return db.Order{}, fmt.Errorf("record intent: requested size must be positive, got %s", o.RequestedSize)
	}
	o.Side = strings.ToUpper(o.Side)
	if o.Side != "BUY" && o.Side != "SELL" {
		return db.Order{}, fmt.Errorf("record intent: invalid side %q", o.Side)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = NewClientOrderID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = l.now()
	}
	o.State = db.OrderPendingSubmit

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := db.CountInFlightOrders(ctx, tx, o.SubscriptionID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrOrderInFlight
		}
		return db.InsertOrder(ctx, tx, o)
	})
	if err != nil {
		if isInFlightViolation(err) {
			err = ErrOrderInFlight
		}
		return db.Order{}, err
	}

	l.logger.Info("order recorded",
		zap.Int64("subscription_id", o.SubscriptionID),
		zap.String("order_id", o.ID),
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("side", o.Side),
		zap.String("size", o.RequestedSize.String()),
		zap.String("reason", o.Reason),
	)
	return o, nil
}

// NewClientOrderID returns an idempotency key accepted by Binance (max 36 chars).
func NewClientOrderID() string {
	return "se-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isInFlightViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") && strings.Contains(msg, "inflight")
}

// MarkSubmitted records the exchange acknowledgement. Repeating it with the
// same exchange id is a no-op.
func (l *Ledger) MarkSubmitted(ctx context.Context, orderID, exchangeOrderID string, ackAt time.Time) error {
	if ackAt.IsZero() {
		ackAt = l.now()
	}
	ok, err := db.AcknowledgeOrder(ctx, l.db.DB, orderID, exchangeOrderID, ackAt)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	cur, err := db.GetOrder(ctx, l.db.DB, orderID)
	if err != nil {
		return err
	}
	if cur.State == db.OrderSubmitted && cur.ExchangeOrderID == exchangeOrderID {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, cur.State, db.OrderSubmitted, orderID)
}

// Transition moves an order to a new state under the lifecycle rules.
func (l *Ledger) Transition(ctx context.Context, orderID string, to db.OrderState, reason string) error {
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := db.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if cur.State == to {
			return nil
		}
		if !CanTransition(cur.State, to) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, cur.State, to, orderID)
		}
		ok, err := db.UpdateOrderState(ctx, tx, orderID, []db.OrderState{cur.State}, to, reason, l.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, orderID)
		}
		return nil
	})
	if err == nil {
		l.logger.Debug("order transition", zap.String("order_id", orderID), zap.String("to", string(to)), zap.String("reason", reason))
	}
	return err
}

// RecordFill appends a fill and advances the order to partially_filled or
// filled. Fills may arrive while the order is pending_submit when a submit's
// outcome is discovered by reconciliation.
func (l *Ledger) RecordFill(ctx context.Context, f db.Fill) (db.Order, error) {
	return l.recordFill(ctx, f, false)
}

// OverrideFromExchange resolves a reconciliation conflict: the exchange view
// wins even over a terminal ledger state. fill may be nil when only the state
// differs.
func (l *Ledger) OverrideFromExchange(ctx context.Context, orderID string, to db.OrderState, fill *db.Fill, detail string) (db.Order, error) {
	if fill != nil {
		fill.OrderID = orderID
		if _, err := l.recordFill(ctx, *fill, true); err != nil {
			return db.Order{}, err
		}
	}
	var out db.Order
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := db.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if cur.State != to {
			if _, err := db.UpdateOrderState(ctx, tx, orderID, []db.OrderState{cur.State}, to, detail, l.now()); err != nil {
				return err
			}
		}
		out, err = db.GetOrder(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return db.Order{}, err
	}
	l.logger.Warn("order overridden from exchange", zap.String("order_id", orderID), zap.String("state", string(out.State)), zap.String("detail", detail))
	return out, nil
}

func (l *Ledger) recordFill(ctx context.Context, f db.Fill, override bool) (db.Order, error) {
	if !f.Size.IsPositive() || !f.Price.IsPositive() {
		return db.Order{}, fmt.Errorf("record fill: size and price must be positive")
	}
	if f.FilledAt.IsZero() {
		f.FilledAt = l.now()
	}

	var out db.Order
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		o, err := db.GetOrder(ctx, tx, f.OrderID)
		if err != nil {
			return err
		}
		switch o.State {
		case db.OrderPendingSubmit, db.OrderSubmitted, db.OrderPartiallyFilled:
		default:
			if !override {
				return fmt.Errorf("%w: fill on %s order %s", ErrInvalidTransition, o.State, o.ID)
			}
		}

		filled, err := db.FilledSize(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		total := filled.Add(f.Size)
		if total.GreaterThan(o.RequestedSize) {
			return fmt.Errorf("%w: %s + %s > %s on %s", ErrOverfill, filled, f.Size, o.RequestedSize, o.ID)
		}

		f.SubscriptionID = o.SubscriptionID
		f.Side = o.Side
		if _, err := db.InsertFill(ctx, tx, f); err != nil {
			return err
		}

		next := db.OrderPartiallyFilled
		if total.Equal(o.RequestedSize) {
			next = db.OrderFilled
		}
		if next != o.State && !(override && Terminal(o.State)) {
			if _, err := db.UpdateOrderState(ctx, tx, o.ID, []db.OrderState{o.State}, next, o.StatusDetail, f.FilledAt); err != nil {
				return err
			}
		}
		out, err = db.GetOrder(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return db.Order{}, err
	}

	l.logger.Info("fill recorded",
		zap.Int64("subscription_id", out.SubscriptionID),
		zap.String("order_id", out.ID),
		zap.String("price", f.Price.String()),
		zap.String("size", f.Size.String()),
		zap.String("state", string(out.State)),
	)
	return out, nil
}

// FilledSize returns the executed size recorded for an order.
func (l *Ledger) FilledSize(ctx context.Context, orderID string) (decimal.Decimal, error) {
	return db.FilledSize(ctx, l.db.DB, orderID)
}

// CurrentPosition folds all fills of a subscription. A non-zero mark fills in
// unrealized PnL.
func (l *Ledger) CurrentPosition(ctx context.Context, subscriptionID int64, mark decimal.Decimal) (Position, error) {
	fills, err := l.db.ListFills(ctx, subscriptionID)
	if err != nil {
		return Position{}, err
	}
	return Fold(subscriptionID, fills).Mark(mark), nil
}

// HasInFlightOrder reports whether a new submission is currently blocked.
func (l *Ledger) HasInFlightOrder(ctx context.Context, subscriptionID int64) (bool, error) {
	n, err := db.CountInFlightOrders(ctx, l.db.DB, subscriptionID)
	return n > 0, err
}

// OpenOrders returns orders that may still receive fills, oldest first.
func (l *Ledger) OpenOrders(ctx context.Context, subscriptionID int64) ([]db.Order, error) {
	return l.db.ListOrders(ctx, db.OrderFilter{
		SubscriptionID: subscriptionID,
		States:         []db.OrderState{db.OrderPendingSubmit, db.OrderSubmitted, db.OrderPartiallyFilled},
	})
}

// ListOrders lists a subscription's orders narrowed by filter.
func (l *Ledger) ListOrders(ctx context.Context, subscriptionID int64, f db.OrderFilter) ([]db.Order, error) {
	f.SubscriptionID = subscriptionID
	return l.db.ListOrders(ctx, f)
}

// Order loads one order.
func (l *Ledger) Order(ctx context.Context, id string) (db.Order, error) {
	return db.GetOrder(ctx, l.db.DB, id)
}
