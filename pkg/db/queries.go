package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
)

const orderColumns = `
	id, subscription_id, client_order_id, exchange_order_id, symbol, side, requested_size, requested_price,
	state, reason, status_detail, created_at, acknowledged_at, filled_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.SubscriptionID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.RequestedSize, &o.RequestedPrice,
		&o.State, &o.Reason, &o.StatusDetail, &o.CreatedAt, &o.AcknowledgedAt, &o.FilledAt, &o.UpdatedAt,
	)
	return o, err
}

// InsertOrder inserts a new order row using q (DB or Tx).
func InsertOrder(ctx context.Context, q Querier, o Order) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (
			id, subscription_id, client_order_id, exchange_order_id, symbol, side, requested_size, requested_price,
			state, reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`,
		o.ID, o.SubscriptionID, o.ClientOrderID, o.ExchangeOrderID, o.Symbol, o.Side, o.RequestedSize, o.RequestedPrice,
		string(o.State), o.Reason, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// CountInFlightOrders counts pending_submit/submitted orders for a subscription.
func CountInFlightOrders(ctx context.Context, q Querier, subscriptionID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM orders WHERE subscription_id = ? AND state IN (?, ?)
	`, subscriptionID, string(OrderPendingSubmit), string(OrderSubmitted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight orders: %w", err)
	}
	return n, nil
}

// GetOrder loads an order by id using q.
func GetOrder(ctx context.Context, q Querier, id string) (Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("query order %s: %w", id, err)
	}
	return o, nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	SubscriptionID int64
	States         []OrderState
	Limit          uint64
}

// ListOrders returns orders matching the filter, oldest first.
func (d *Database) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	b := sq.Select(orderColumns).From("orders").OrderBy("created_at", "id")
	if f.SubscriptionID > 0 {
		b = b.Where(sq.Eq{"subscription_id": f.SubscriptionID})
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		b = b.Where(sq.Eq{"state": states})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build orders query: %w", err)
	}

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrderState moves an order to `to` only if its current state is one of
// from. It reports whether a row changed.
func UpdateOrderState(ctx context.Context, q Querier, id string, from []OrderState, to OrderState, detail string, at time.Time) (bool, error) {
	b := sq.Update("orders").
		Set("state", string(to)).
		Set("status_detail", detail).
		Set("updated_at", sq.Expr("CURRENT_TIMESTAMP")).
		Where(sq.Eq{"id": id})
	if to == OrderFilled {
		b = b.Set("filled_at", at.UTC())
	}
	if len(from) > 0 {
		states := make([]string, len(from))
		for i, s := range from {
			states[i] = string(s)
		}
		b = b.Where(sq.Eq{"state": states})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return false, fmt.Errorf("build order update: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update order %s state: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AcknowledgeOrder moves a pending_submit order to submitted with its exchange id.
func AcknowledgeOrder(ctx context.Context, q Querier, id, exchangeOrderID string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE orders SET state = ?, exchange_order_id = ?, acknowledged_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, string(OrderSubmitted), exchangeOrderID, at.UTC(), id, string(OrderPendingSubmit))
	if err != nil {
		return false, fmt.Errorf("acknowledge order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertFill appends a fill row.
func InsertFill(ctx context.Context, q Querier, f Fill) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO fills (order_id, subscription_id, side, price, size, fee, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.OrderID, f.SubscriptionID, f.Side, f.Price, f.Size, f.Fee, f.FilledAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert fill for order %s: %w", f.OrderID, err)
	}
	return res.LastInsertId()
}

// FilledSize sums fill sizes recorded for an order.
func FilledSize(ctx context.Context, q Querier, orderID string) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `SELECT size FROM fills WHERE order_id = ?`, orderID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query fills for %s: %w", orderID, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var size decimal.Decimal
		if err := rows.Scan(&size); err != nil {
			return decimal.Zero, fmt.Errorf("scan fill size: %w", err)
		}
		total = total.Add(size)
	}
	return total, rows.Err()
}

// ListFills returns every fill of a subscription in execution order.
func (d *Database) ListFills(ctx context.Context, subscriptionID int64) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, subscription_id, side, price, size, fee, filled_at, created_at
		FROM fills WHERE subscription_id = ?
		ORDER BY filled_at, id
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.SubscriptionID, &f.Side, &f.Price, &f.Size, &f.Fee, &f.FilledAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// WithTx runs fn inside a transaction, committing on nil error.
func (d *Database) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
