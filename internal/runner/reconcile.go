package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/events"
	"strategy-engine/internal/ledger"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

// recentClosed is how many canceled or rejected orders the startup pass re-checks.
const recentClosed = 20

// reconcile brings open orders in line with the exchange. The deep pass at
// startup also re-checks recently closed orders and compares positions.
func (r *Runner) reconcile(ctx context.Context, deep bool) error {
	gw, err := r.gateway(ctx)
	if err != nil {
		return err
	}
	orders, err := r.deps.Ledger.OpenOrders(ctx, r.subID)
	if err != nil {
		return err
	}
	if deep {
		closed, err := r.deps.Ledger.ListOrders(ctx, r.subID, db.OrderFilter{
			States: []db.OrderState{db.OrderCanceled, db.OrderRejected},
		})
		if err != nil {
			return err
		}
		if len(closed) > recentClosed {
			closed = closed[len(closed)-recentClosed:]
		}
		orders = append(orders, closed...)
	}

	var errs error
	for _, o := range orders {
		errs = multierr.Append(errs, r.reconcileOrder(ctx, gw, o))
	}
	if deep {
		r.comparePosition(ctx, gw)
	}
	return errs
}

func (r *Runner) reconcileOrder(ctx context.Context, gw common.Gateway, o db.Order) error {
	ref := common.OrderRef{ExchangeOrderID: o.ExchangeOrderID, ClientID: o.ClientOrderID}
	rep, err := gw.FetchOrderStatus(ctx, o.Symbol, ref)
	if errors.Is(err, common.ErrOrderNotFound) {
		return r.orderMissing(ctx, o)
	}
	if err != nil {
		return engineerr.ClassifyGateway("runner.reconcile", err)
	}
	_, err = r.applyReport(ctx, o, rep)
	return err
}

// orderMissing handles an order the exchange does not know.
func (r *Runner) orderMissing(ctx context.Context, o db.Order) error {
	switch o.State {
	case db.OrderPendingSubmit:
		if err := r.deps.Ledger.Transition(ctx, o.ID, db.OrderRejected, "never reached exchange"); err != nil {
			return err
		}
		r.deps.Metrics.IncrementRejected()
		r.logger.Info("pending order never reached exchange", zap.String("order_id", o.ID), zap.String("client_order_id", o.ClientOrderID))
		o.State = db.OrderRejected
		r.publishOrder(events.EventOrderRejected, o, "never reached exchange")
		return nil
	case db.OrderSubmitted, db.OrderPartiallyFilled:
		_, err := r.conflict(ctx, o, db.OrderCanceled, nil, "acknowledged order unknown to exchange")
		return err
	}
	return nil
}

// applyReport folds one exchange order report into the ledger. The exchange
// view wins on disagreement and every disagreement is surfaced as a conflict.
func (r *Runner) applyReport(ctx context.Context, o db.Order, rep common.OrderStatusReport) (db.Order, error) {
	r.deps.Metrics.IncrementReconciled()

	if o.State == db.OrderPendingSubmit && rep.ExchangeOrderID != "" {
		if err := r.deps.Ledger.MarkSubmitted(ctx, o.ID, rep.ExchangeOrderID, rep.UpdateTime); err != nil {
			return o, err
		}
		o.State = db.OrderSubmitted
		o.ExchangeOrderID = rep.ExchangeOrderID
	}

	filled, err := r.deps.Ledger.FilledSize(ctx, o.ID)
	if err != nil {
		return o, err
	}
	to := targetState(rep, filled)
	missing := rep.ExecutedQty.Sub(filled)

	if ledger.Terminal(o.State) {
		return r.reconcileClosed(ctx, o, rep, to, missing)
	}

	switch {
	case missing.IsPositive():
		fill, err := r.fillFor(o, rep, missing)
		if err != nil {
			return o, err
		}
		updated, err := r.deps.Ledger.RecordFill(ctx, fill)
		if errors.Is(err, ledger.ErrOverfill) {
			return r.conflict(ctx, o, db.OrderFilled, nil,
				fmt.Sprintf("exchange executed %s of %s requested", rep.ExecutedQty, o.RequestedSize))
		}
		if err != nil {
			return o, err
		}
		o = updated
		r.deps.Metrics.IncrementFills()
		evt := events.EventOrderPartiallyFilled
		if o.State == db.OrderFilled {
			evt = events.EventOrderFilled
		}
		r.publishOrder(evt, o, fmt.Sprintf("filled %s at %s", fill.Size, fill.Price))
	case missing.IsNegative():
		if _, err := r.conflict(ctx, o, "", nil,
			fmt.Sprintf("ledger holds %s filled, exchange reports %s", filled, rep.ExecutedQty)); err != nil {
			return o, err
		}
	}

	if to == "" || to == o.State {
		return o, nil
	}
	if !ledger.CanTransition(o.State, to) {
		return r.conflict(ctx, o, to, nil, fmt.Sprintf("ledger %s, exchange %s", o.State, rep.Status))
	}
	if err := r.deps.Ledger.Transition(ctx, o.ID, to, "exchange: "+string(rep.Status)); err != nil {
		return o, err
	}
	o.State = to
	if to == db.OrderRejected {
		r.deps.Metrics.IncrementRejected()
		r.publishOrder(events.EventOrderRejected, o, "exchange rejected")
	}
	return o, nil
}

// reconcileClosed checks an order the ledger already considers final.
func (r *Runner) reconcileClosed(ctx context.Context, o db.Order, rep common.OrderStatusReport, to db.OrderState, missing decimal.Decimal) (db.Order, error) {
	if !rep.Status.Terminal() {
		// Still live at the exchange although the ledger gave up on it.
		if err := r.gw.CancelOrder(ctx, o.Symbol, common.OrderRef{ExchangeOrderID: rep.ExchangeOrderID, ClientID: o.ClientOrderID}); err != nil &&
			!errors.Is(err, common.ErrOrderNotFound) {
			return o, engineerr.ClassifyGateway("runner.reconcile", err)
		}
		to = db.OrderCanceled
	}

	var fill *db.Fill
	if missing.IsPositive() {
		f, err := r.fillFor(o, rep, missing)
		if err != nil {
			return o, err
		}
		fill = &f
	}
	if fill == nil && (to == "" || to == o.State) {
		return o, nil
	}
	if to == "" {
		to = o.State
	}
	return r.conflict(ctx, o, to, fill, fmt.Sprintf("ledger %s, exchange %s with %s executed", o.State, rep.Status, rep.ExecutedQty))
}

// targetState maps a report to the ledger state it implies; "" means no change.
func targetState(rep common.OrderStatusReport, filled decimal.Decimal) db.OrderState {
	switch rep.Status {
	case common.StatusFilled:
		return db.OrderFilled
	case common.StatusCanceled, common.StatusExpired:
		return db.OrderCanceled
	case common.StatusRejected:
		if filled.IsPositive() || rep.ExecutedQty.IsPositive() {
			return db.OrderCanceled
		}
		return db.OrderRejected
	}
	return ""
}

// fillFor builds the fill for size not yet in the ledger, prorating the fee.
func (r *Runner) fillFor(o db.Order, rep common.OrderStatusReport, size decimal.Decimal) (db.Fill, error) {
	price := rep.AvgPrice
	if !price.IsPositive() && r.lastClose > 0 {
		price = decimal.NewFromFloat(r.lastClose)
	}
	if !price.IsPositive() {
		return db.Fill{}, fmt.Errorf("order %s: exchange reports %s executed without a price", o.ID, rep.ExecutedQty)
	}
	fee := decimal.Zero
	if rep.ExecutedQty.IsPositive() {
		fee = rep.Fee.Mul(size).Div(rep.ExecutedQty)
	}
	at := rep.UpdateTime
	if at.IsZero() {
		at = r.deps.Now()
	}
	return db.Fill{OrderID: o.ID, Price: price, Size: size, Fee: fee, FilledAt: at}, nil
}

// conflict records a ledger/exchange disagreement and, when to is set,
// overrides the ledger with the exchange view.
func (r *Runner) conflict(ctx context.Context, o db.Order, to db.OrderState, fill *db.Fill, detail string) (db.Order, error) {
	err := engineerr.Conflict("runner.reconcile", "order %s: %s", o.ID, detail)
	r.deps.Metrics.IncrementConflicts()
	r.deps.Metrics.IncrementErrors(engineerr.ClassName(err))
	r.logger.Warn("reconciliation conflict", zap.String("order_id", o.ID), zap.String("detail", detail))
	r.publishOrder(events.EventReconciliationConflict, o, detail)
	if to == "" {
		return o, nil
	}
	updated, oerr := r.deps.Ledger.OverrideFromExchange(ctx, o.ID, to, fill, "exchange override: "+detail)
	if oerr != nil {
		return o, multierr.Append(err, oerr)
	}
	return updated, nil
}

// comparePosition logs when the exchange holding differs from the ledger.
// Spot balances may include holdings the engine never traded.
func (r *Runner) comparePosition(ctx context.Context, gw common.Gateway) {
	rep, err := gw.FetchOpenPosition(ctx, r.sub.Symbol)
	if err != nil {
		r.logger.Warn("position check failed", zap.Error(err))
		return
	}
	pos, err := r.deps.Ledger.CurrentPosition(ctx, r.subID, decimal.Zero)
	if err != nil {
		r.logger.Warn("ledger position failed", zap.Error(err))
		return
	}
	if !pos.NetSize.Equal(rep.Size) {
		r.logger.Info("exchange position differs from ledger",
			zap.String("ledger", pos.NetSize.String()), zap.String("exchange", rep.Size.String()))
	}
}
