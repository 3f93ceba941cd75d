package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

const subscriptionColumns = `
	id, user_id, strategy, credential_ref, exchange, symbol, timeframe, parameters,
	order_size, capital, is_active, expires_at, status_message, last_run_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.Strategy, &s.CredentialRef, &s.Exchange, &s.Symbol, &s.Timeframe, &s.Parameters,
		&s.OrderSize, &s.Capital, &s.IsActive, &s.ExpiresAt, &s.StatusMessage, &s.LastRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// GetSubscription loads one subscription by id.
func (d *Database) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("query subscription %d: %w", id, err)
	}
	return s, nil
}

// ListSubscriptions returns subscriptions ordered by id; activeOnly filters on is_active.
func (d *Database) ListSubscriptions(ctx context.Context, activeOnly bool) ([]Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := d.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertSubscription inserts a subscription or updates the externally owned
// fields when a row with the same id exists. Engine-owned fields are kept.
func (d *Database) UpsertSubscription(ctx context.Context, s Subscription) (int64, error) {
	var id any
	if s.ID > 0 {
		id = s.ID
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, user_id, strategy, credential_ref, exchange, symbol, timeframe, parameters,
			order_size, capital, is_active, expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			strategy = excluded.strategy,
			credential_ref = excluded.credential_ref,
			exchange = excluded.exchange,
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			parameters = excluded.parameters,
			order_size = excluded.order_size,
			capital = excluded.capital,
			is_active = excluded.is_active,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		id, s.UserID, s.Strategy, s.CredentialRef, s.Exchange, s.Symbol, s.Timeframe, s.Parameters,
		s.OrderSize, s.Capital, s.IsActive, s.ExpiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert subscription: %w", err)
	}
	if s.ID > 0 {
		return s.ID, nil
	}
	return res.LastInsertId()
}

// RecordSubscriptionRun writes the user-visible status and last run time.
func (d *Database) RecordSubscriptionRun(ctx context.Context, id int64, message string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE subscriptions SET status_message = ?, last_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, message, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update subscription %d run: %w", id, err)
	}
	return nil
}

// SetSubscriptionStatus writes status_message only.
func (d *Database) SetSubscriptionStatus(ctx context.Context, id int64, message string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE subscriptions SET status_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, message, id)
	if err != nil {
		return fmt.Errorf("update subscription %d status: %w", id, err)
	}
	return nil
}

// DeactivateSubscription marks a subscription inactive with a reason.
func (d *Database) DeactivateSubscription(ctx context.Context, id int64, message string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE subscriptions SET is_active = 0, status_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, message, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription %d: %w", id, err)
	}
	return nil
}
