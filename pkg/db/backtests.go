package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const backtestColumns = `
	id, strategy, parameters, symbol, timeframe, start_at, end_at, initial_capital, fee_rate, slippage_bps,
	status, error_message, result, created_at, updated_at, finished_at`

func scanBacktestRun(row interface{ Scan(...any) error }) (BacktestRun, error) {
	var r BacktestRun
	err := row.Scan(
		&r.ID, &r.Strategy, &r.Parameters, &r.Symbol, &r.Timeframe, &r.StartAt, &r.EndAt, &r.InitialCapital, &r.FeeRate, &r.SlippageBps,
		&r.Status, &r.ErrorMessage, &r.Result, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateBacktestRun inserts a new run row.
func (d *Database) CreateBacktestRun(ctx context.Context, r BacktestRun) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO backtest_runs (
			id, strategy, parameters, symbol, timeframe, start_at, end_at, initial_capital, fee_rate, slippage_bps, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Strategy, r.Parameters, r.Symbol, r.Timeframe, r.StartAt.UTC(), r.EndAt.UTC(),
		r.InitialCapital, r.FeeRate, r.SlippageBps, r.Status)
	if err != nil {
		return fmt.Errorf("insert backtest run %s: %w", r.ID, err)
	}
	return nil
}

// GetBacktestRun loads a run by id.
func (d *Database) GetBacktestRun(ctx context.Context, id string) (BacktestRun, error) {
	r, err := scanBacktestRun(d.DB.QueryRowContext(ctx, `SELECT `+backtestColumns+` FROM backtest_runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BacktestRun{}, ErrNotFound
		}
		return BacktestRun{}, fmt.Errorf("query backtest run %s: %w", id, err)
	}
	return r, nil
}

// BacktestFilter narrows ListBacktestRuns.
type BacktestFilter struct {
	Status   string
	Strategy string
	Symbol   string
	Limit    uint64
	Offset   uint64
}

// ListBacktestRuns returns runs newest first. The result payload is omitted.
func (d *Database) ListBacktestRuns(ctx context.Context, f BacktestFilter) ([]BacktestRun, error) {
	b := sq.Select(backtestColumns).From("backtest_runs").OrderBy("created_at DESC", "id")
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if f.Strategy != "" {
		b = b.Where(sq.Eq{"strategy": f.Strategy})
	}
	if f.Symbol != "" {
		b = b.Where(sq.Eq{"symbol": f.Symbol})
	}
	limit := f.Limit
	if limit == 0 {
		limit = 50
	}
	b = b.Limit(limit).Offset(f.Offset)

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build backtest query: %w", err)
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query backtest runs: %w", err)
	}
	defer rows.Close()

	var out []BacktestRun
	for rows.Next() {
		r, err := scanBacktestRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backtest run: %w", err)
		}
		r.Result = sql.NullString{}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionBacktestRun moves a run from one of from to `to`, writing the
// error message and result payload. Terminal runs are never matched by from,
// so they stay immutable. It reports whether the row changed.
func (d *Database) TransitionBacktestRun(ctx context.Context, id string, from []string, to, errMsg string, result *string, finishedAt *time.Time) (bool, error) {
	b := sq.Update("backtest_runs").
		Set("status", to).
		Set("error_message", errMsg).
		Set("updated_at", sq.Expr("CURRENT_TIMESTAMP")).
		Where(sq.Eq{"id": id, "status": from})
	if result != nil {
		b = b.Set("result", *result)
	}
	if finishedAt != nil {
		b = b.Set("finished_at", finishedAt.UTC())
	}
	query, args, err := b.ToSql()
	if err != nil {
		return false, fmt.Errorf("build backtest update: %w", err)
	}
	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update backtest run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
