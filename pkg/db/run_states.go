package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AcquireLease claims the run_states row for owner when it is free, expired or
// already owned by owner. It returns the row as stored after the attempt.
func (d *Database) AcquireLease(ctx context.Context, subscriptionID int64, owner string, nowMs, expiresMs int64) (RunState, error) {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO run_states (subscription_id, owner, lease_expires_at, state, updated_at)
		VALUES (?, ?, ?, 'starting', CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id) DO UPDATE SET
			owner = excluded.owner,
			lease_expires_at = excluded.lease_expires_at,
			state = 'starting',
			last_error = '',
			updated_at = CURRENT_TIMESTAMP
		WHERE run_states.owner = excluded.owner
		   OR run_states.owner = ''
		   OR run_states.lease_expires_at <= ?
	`, subscriptionID, owner, expiresMs, nowMs)
	if err != nil {
		return RunState{}, fmt.Errorf("acquire lease %d: %w", subscriptionID, err)
	}
	return d.GetRunState(ctx, subscriptionID)
}

// RenewLease extends a lease that owner still holds unexpired.
func (d *Database) RenewLease(ctx context.Context, subscriptionID int64, owner string, nowMs, expiresMs int64) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE run_states SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE subscription_id = ? AND owner = ? AND lease_expires_at > ?
	`, expiresMs, subscriptionID, owner, nowMs)
	if err != nil {
		return false, fmt.Errorf("renew lease %d: %w", subscriptionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease clears ownership if owner still holds the lease.
func (d *Database) ReleaseLease(ctx context.Context, subscriptionID int64, owner, state string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE run_states SET owner = '', lease_expires_at = 0, state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE subscription_id = ? AND owner = ?
	`, state, subscriptionID, owner)
	if err != nil {
		return false, fmt.Errorf("release lease %d: %w", subscriptionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateRunProgress records runner state, last evaluated candle and last error
// for the lease owner.
func (d *Database) UpdateRunProgress(ctx context.Context, subscriptionID int64, owner, state string, lastEvaluatedMs int64, lastErr string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE run_states SET
			state = ?,
			last_evaluated_at = MAX(last_evaluated_at, ?),
			last_error = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE subscription_id = ? AND owner = ?
	`, state, lastEvaluatedMs, lastErr, subscriptionID, owner)
	if err != nil {
		return fmt.Errorf("update run progress %d: %w", subscriptionID, err)
	}
	return nil
}

// GetRunState loads the run_states row for a subscription.
func (d *Database) GetRunState(ctx context.Context, subscriptionID int64) (RunState, error) {
	var rs RunState
	err := d.DB.QueryRowContext(ctx, `
		SELECT subscription_id, owner, lease_expires_at, last_evaluated_at, state, last_error, updated_at
		FROM run_states WHERE subscription_id = ?
	`, subscriptionID).Scan(&rs.SubscriptionID, &rs.Owner, &rs.LeaseExpiresAt, &rs.LastEvaluatedAt, &rs.State, &rs.LastError, &rs.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunState{}, ErrNotFound
		}
		return RunState{}, fmt.Errorf("query run state %d: %w", subscriptionID, err)
	}
	return rs, nil
}
