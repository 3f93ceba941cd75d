// Package backtest replays historical candles through the live evaluators and
// reports the simulated trades, equity curve and performance metrics.
package backtest

import (
	"time"

	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusNoData    = "no_data"
)

// Exit reasons in the trade log.
const (
	ReasonStopLoss   = strategy.ReasonStopLoss
	ReasonTakeProfit = strategy.ReasonTakeProfit
	ReasonEndOfData  = "end_of_data"
)

// Request describes one backtest. Nil FeeRate or SlippageBps take the service
// defaults; an explicit zero disables them.
type Request struct {
	Strategy       string         `json:"strategy" validate:"required"`
	Parameters     map[string]any `json:"parameters"`
	Symbol         string         `json:"symbol" validate:"required"`
	Timeframe      string         `json:"timeframe" validate:"required"`
	Start          time.Time      `json:"start_date" validate:"required"`
	End            time.Time      `json:"end_date" validate:"required"`
	InitialCapital float64        `json:"initial_capital" validate:"gte=0"`
	FeeRate        *float64       `json:"fee_rate,omitempty" validate:"omitempty,gte=0,lt=1"`
	SlippageBps    *float64       `json:"slippage_bps,omitempty" validate:"omitempty,gte=0,lte=1000"`
	// OrderSize is the base quantity per entry when the strategy gives no
	// sizing hint; 0 commits the whole equity.
	OrderSize float64 `json:"order_size,omitempty" validate:"gte=0"`
}

func (r Request) fee() float64 {
	if r.FeeRate == nil {
		return 0
	}
	return *r.FeeRate
}

func (r Request) slippage() float64 {
	if r.SlippageBps == nil {
		return 0
	}
	return *r.SlippageBps
}

// Trade is one round trip in the trade log.
type Trade struct {
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Side       string    `json:"side"` // long or short
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Size       float64   `json:"size"`
	PnL        float64   `json:"pnl"`
	Fee        float64   `json:"fee"`
	Reason     string    `json:"reason"`
}

// EquityPoint is the marked-to-close equity after one bar.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Result is the full output of a completed run.
type Result struct {
	Trades         []Trade       `json:"trades_log"`
	EquityCurve    []EquityPoint `json:"equity_curve"`
	OHLCV          []market.Bar  `json:"ohlcv_data"`
	SharpeRatio    float64       `json:"sharpe_ratio"`
	MaxDrawdown    float64       `json:"max_drawdown"`
	WinRate        float64       `json:"win_rate"`
	TotalTrades    int           `json:"total_trades"`
	WinningTrades  int           `json:"winning_trades"`
	LosingTrades   int           `json:"losing_trades"`
	PnL            float64       `json:"pnl"`
	PnLPercentage  float64       `json:"pnl_percentage"`
	InitialCapital float64       `json:"initial_capital"`
	FinalEquity    float64       `json:"final_equity"`
}
