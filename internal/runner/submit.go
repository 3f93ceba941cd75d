package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/events"
	"strategy-engine/internal/ledger"
	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
)

// sizePrecision is the number of decimals kept on order quantities.
const sizePrecision = 8

// evaluate runs the strategy on window and submits the order that moves the
// ledger position toward the intent, if any.
func (r *Runner) evaluate(ctx context.Context, gw common.Gateway, window []market.Bar) error {
	intent := strategy.Evaluate(r.eval, window)
	intent.SubscriptionID = r.subID
	if intent.Direction == strategy.Hold {
		return nil
	}

	r.deps.Metrics.IncrementSignals()
	r.deps.Bus.Publish(events.EventStrategySignal, events.SignalEvent{
		SubscriptionID: r.subID,
		Strategy:       r.sub.Strategy,
		Direction:      string(intent.Direction),
		Reason:         intent.Reason,
		CandleTime:     intent.Timestamp,
	})

	pos, err := r.deps.Ledger.CurrentPosition(ctx, r.subID, decimal.Zero)
	if err != nil {
		return err
	}
	target, ok := r.target(intent, pos.NetSize)
	if !ok {
		return nil
	}
	delta := target.Sub(pos.NetSize)
	if delta.IsZero() {
		return nil
	}
	busy, err := r.deps.Ledger.HasInFlightOrder(ctx, r.subID)
	if err != nil {
		return err
	}
	if busy {
		r.logger.Info("order in flight; intent deferred", zap.String("direction", string(intent.Direction)))
		return nil
	}

	side := string(common.SideBuy)
	if delta.IsNegative() {
		side = string(common.SideSell)
	}
	return r.submit(ctx, gw, side, delta.Abs(), intent.Reason)
}

// protect closes the position when bar reached its stop or target. Levels
// come from the ledger's average entry and the strategy's exit percentages;
// only bars still open at the last fill or later count.
func (r *Runner) protect(ctx context.Context, gw common.Gateway, bar market.Bar) error {
	slPct, tpPct := strategy.ExitPercents(r.eval)
	if slPct <= 0 && tpPct <= 0 {
		return nil
	}
	pos, err := r.deps.Ledger.CurrentPosition(ctx, r.subID, decimal.Zero)
	if err != nil {
		return err
	}
	if pos.IsFlat() || !bar.CloseTime.After(pos.LastFillAt) {
		return nil
	}

	side := float64(pos.NetSize.Sign())
	entry := pos.AvgEntryPrice.InexactFloat64()
	stop, target := strategy.ExitLevels(side, entry, slPct, tpPct)
	reason, _, hit := strategy.CheckExit(side, stop, target, bar)
	if !hit {
		return nil
	}
	r.logger.Info("protective exit",
		zap.String("reason", reason),
		zap.Float64("entry", entry),
		zap.Float64("stop", stop),
		zap.Float64("target", target),
		zap.Time("bar", bar.OpenTime),
	)
	orderSide := common.SideSell
	if side < 0 {
		orderSide = common.SideBuy
	}
	return r.submit(ctx, gw, string(orderSide), pos.NetSize.Abs(), reason)
}

// target is the signed position the intent asks for. ok=false means the
// current position already satisfies it.
func (r *Runner) target(in strategy.Intent, net decimal.Decimal) (decimal.Decimal, bool) {
	capital := r.sub.Capital
	if capital <= 0 {
		capital = r.opts.DefaultCapital
	}
	size := in.SizeFor(capital, r.lastClose)
	if size <= 0 {
		size = r.sub.OrderSize
	}
	qty := decimal.NewFromFloat(size).Round(sizePrecision)

	switch in.Direction {
	case strategy.Long:
		if net.IsPositive() {
			return decimal.Zero, false
		}
		return qty, qty.IsPositive()
	case strategy.Short:
		if net.IsNegative() {
			return decimal.Zero, false
		}
		return qty.Neg(), qty.IsPositive()
	case strategy.Flat:
		return decimal.Zero, !net.IsZero()
	}
	return decimal.Zero, false
}

// submit records the order, then places it with bounded retries. A transient
// failure that exhausts the retries leaves the order pending_submit for
// reconciliation to resolve by client order id.
func (r *Runner) submit(ctx context.Context, gw common.Gateway, side string, size decimal.Decimal, reason string) error {
	const op = "runner.submit"

	o, err := r.deps.Ledger.RecordIntentResult(ctx, db.Order{
		SubscriptionID: r.subID,
		Symbol:         r.sub.Symbol,
		Side:           side,
		RequestedSize:  size,
		Reason:         reason,
	})
	if errors.Is(err, ledger.ErrOrderInFlight) {
		r.logger.Info("order in flight; skipping submission")
		return nil
	}
	if err != nil {
		return err
	}

	held, err := r.deps.Leases.Held(ctx, r.lease)
	if err != nil {
		return err
	}
	if !held {
		return engineerr.New(engineerr.ErrLeaseLost, op, fmt.Errorf("lease for subscription %d lost before submit of %s", r.subID, o.ID))
	}

	// The submission outlives a cancelled tick so the outcome is always observed.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SubmitTimeout)
	defer cancel()

	req := common.OrderRequest{
		Symbol:   o.Symbol,
		Side:     common.Side(o.Side),
		Type:     common.OrderTypeMarket,
		Qty:      o.RequestedSize,
		ClientID: o.ClientOrderID,
	}
	ref := common.OrderRef{ClientID: o.ClientOrderID}

	var report common.OrderStatusReport
	for attempt := 1; ; attempt++ {
		ack, perr := gw.PlaceOrder(sctx, req)
		if perr == nil {
			report = reportFromAck(o, ack)
			break
		}
		err = engineerr.ClassifyGateway(op, perr)
		if !errors.Is(err, engineerr.ErrTransientGateway) {
			return r.reject(ctx, o, err)
		}
		if attempt >= r.opts.SubmitMaxAttempts {
			r.logger.Warn("submit retries exhausted; outcome left to reconciliation",
				zap.String("order_id", o.ID), zap.String("client_order_id", o.ClientOrderID), zap.Int("attempts", attempt), zap.Error(perr))
			return err
		}
		if werr := wait(sctx, backoff(attempt, r.opts.SubmitBackoffBase, r.opts.SubmitBackoffMax)); werr != nil {
			return err
		}
		// A lost acknowledgement shows up as an order known by client id.
		if rep, serr := gw.FetchOrderStatus(sctx, o.Symbol, ref); serr == nil {
			report = rep
			break
		}
	}

	r.deps.Metrics.IncrementSubmitted()
	r.logger.Info("order submitted",
		zap.String("order_id", o.ID),
		zap.String("exchange_order_id", report.ExchangeOrderID),
		zap.String("side", o.Side),
		zap.String("size", o.RequestedSize.String()),
	)
	r.publishOrder(events.EventOrderSubmitted, o, "exchange_order_id="+report.ExchangeOrderID)
	_, err = r.applyReport(sctx, o, report)
	return err
}

// reject records a terminal submission failure and moves on.
func (r *Runner) reject(ctx context.Context, o db.Order, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.deps.Ledger.Transition(ctx, o.ID, db.OrderRejected, cause.Error()); err != nil {
		return err
	}
	r.deps.Metrics.IncrementRejected()
	r.deps.Metrics.IncrementErrors(engineerr.ClassName(cause))
	r.logger.Warn("order rejected", zap.String("order_id", o.ID), zap.Error(cause))
	if err := r.deps.DB.SetSubscriptionStatus(ctx, r.subID, "Order rejected: "+cause.Error()); err != nil {
		r.logger.Warn("status write failed", zap.Error(err))
	}
	o.State = db.OrderRejected
	r.publishOrder(events.EventOrderRejected, o, cause.Error())
	return nil
}

func reportFromAck(o db.Order, ack common.OrderAck) common.OrderStatusReport {
	return common.OrderStatusReport{
		ExchangeOrderID: ack.ExchangeOrderID,
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            common.Side(o.Side),
		Status:          ack.Status,
		OrigQty:         o.RequestedSize,
		ExecutedQty:     ack.ExecutedQty,
		AvgPrice:        ack.AvgPrice,
		Fee:             ack.Fee,
		UpdateTime:      ack.TransactTime,
	}
}

func (r *Runner) publishOrder(e events.Event, o db.Order, detail string) {
	price := ""
	if o.RequestedPrice.Valid {
		price = o.RequestedPrice.Decimal.String()
	}
	r.deps.Bus.Publish(e, events.OrderEvent{
		SubscriptionID: o.SubscriptionID,
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Size:           o.RequestedSize.String(),
		Price:          price,
		State:          string(o.State),
		Detail:         detail,
		Time:           r.deps.Now(),
	})
}
