package engine

import (
	"time"

	"strategy-engine/internal/backtest"
	"strategy-engine/internal/ledger"
	"strategy-engine/internal/runner"
)

// RunnerStatus is a subscription's runner view plus its ledger position.
type RunnerStatus struct {
	runner.Status
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Position  ledger.Position `json:"position"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// SubscriptionInfo is the API shape of a subscription.
type SubscriptionInfo struct {
	ID            int64      `json:"id"`
	UserID        string     `json:"user_id"`
	Strategy      string     `json:"strategy"`
	Exchange      string     `json:"exchange"`
	Symbol        string     `json:"symbol"`
	Timeframe     string     `json:"timeframe"`
	Parameters    string     `json:"parameters"`
	OrderSize     float64    `json:"order_size"`
	IsActive      bool       `json:"is_active"`
	StatusMessage string     `json:"status_message"`
	Running       bool       `json:"running"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Order represents a ledger order.
type Order struct {
	ID              string     `json:"id"`
	SubscriptionID  int64      `json:"subscription_id"`
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Size            string     `json:"size"`
	Price           string     `json:"price,omitempty"`
	State           string     `json:"state"`
	Reason          string     `json:"reason,omitempty"`
	StatusDetail    string     `json:"status_detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
}

// BacktestStatus is a backtest run; Details is set once it completed.
type BacktestStatus struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	Strategy       string           `json:"strategy"`
	Parameters     string           `json:"parameters"`
	Symbol         string           `json:"symbol"`
	Timeframe      string           `json:"timeframe"`
	StartDate      time.Time        `json:"start_date"`
	EndDate        time.Time        `json:"end_date"`
	InitialCapital float64          `json:"initial_capital"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	Details        *backtest.Result `json:"details,omitempty"`
}

// SystemStatus represents the process runtime status.
type SystemStatus struct {
	WorkerID       string    `json:"worker_id"`
	DryRun         bool      `json:"dry_run"`
	Testnet        bool      `json:"testnet"`
	AutoResume     bool      `json:"auto_resume"`
	RunningRunners []int64   `json:"running_runners"`
	Strategies     []string  `json:"strategies"`
	Version        string    `json:"version"`
	ServerTime     time.Time `json:"server_time"`
}
