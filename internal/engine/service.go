// Package engine is the single entry point the API and CLI use to drive
// strategy runners and backtests.
package engine

import (
	"context"

	"strategy-engine/internal/backtest"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

// Service defines the engine operations exposed to the control layer.
type Service interface {
	// Runner commands
	Start(ctx context.Context, subscriptionID int64) error
	Stop(ctx context.Context, subscriptionID int64) error

	// Runner queries
	Status(ctx context.Context, subscriptionID int64) (*RunnerStatus, error)
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]SubscriptionInfo, error)
	ListOrders(ctx context.Context, subscriptionID int64, f db.OrderFilter) ([]Order, error)

	// Backtests
	RunBacktest(ctx context.Context, req backtest.Request) (string, error)
	GetBacktest(ctx context.Context, id string) (*BacktestStatus, error)
	ListBacktests(ctx context.Context, f db.BacktestFilter) ([]BacktestStatus, error)

	// Catalog and system
	Strategies() []strategy.Info
	GetSystemStatus(ctx context.Context) *SystemStatus
}
