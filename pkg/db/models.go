package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so query helpers can run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OrderState is the lifecycle state of an order row.
type OrderState string

const (
	OrderPendingSubmit   OrderState = "pending_submit"
	OrderSubmitted       OrderState = "submitted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
)

// InFlightStates are the states that block a new submission.
var InFlightStates = []OrderState{OrderPendingSubmit, OrderSubmitted}

// Subscription is a user's binding of strategy, parameters, credential and symbol.
// The engine only writes status_message, last_run_at and is_active (on expiry).
type Subscription struct {
	ID            int64
	UserID        string
	Strategy      string
	CredentialRef string
	Exchange      string
	Symbol        string
	Timeframe     string
	Parameters    string // JSON object
	OrderSize     float64
	Capital       float64
	IsActive      bool
	ExpiresAt     sql.NullTime
	StatusMessage string
	LastRunAt     sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Eligible reports whether the subscription may run at now.
func (s Subscription) Eligible(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	return !s.ExpiresAt.Valid || now.Before(s.ExpiresAt.Time)
}

// Order represents an order stored in the ledger.
type Order struct {
	ID              string
	SubscriptionID  int64
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            string // BUY or SELL
	RequestedSize   decimal.Decimal
	RequestedPrice  decimal.NullDecimal // null = market
	State           OrderState
	Reason          string
	StatusDetail    string
	CreatedAt       time.Time
	AcknowledgedAt  sql.NullTime
	FilledAt        sql.NullTime
	UpdatedAt       time.Time
}

// Fill is an append-only execution record for an order.
type Fill struct {
	ID             int64
	OrderID        string
	SubscriptionID int64
	Side           string
	Price          decimal.Decimal
	Size           decimal.Decimal
	Fee            decimal.Decimal
	FilledAt       time.Time
	CreatedAt      time.Time
}

// RunState is the per-subscription lease record.
type RunState struct {
	SubscriptionID  int64
	Owner           string
	LeaseExpiresAt  int64 // unix ms
	LastEvaluatedAt int64 // unix ms of the last evaluated candle
	State           string
	LastError       string
	UpdatedAt       time.Time
}

// BacktestRun is a persisted backtest request and its result payload.
type BacktestRun struct {
	ID             string
	Strategy       string
	Parameters     string
	Symbol         string
	Timeframe      string
	StartAt        time.Time
	EndAt          time.Time
	InitialCapital float64
	FeeRate        float64
	SlippageBps    float64
	Status         string
	ErrorMessage   string
	Result         sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     sql.NullTime
}
