package strategy

import (
	"time"

	"strategy-engine/internal/market"
)

// Direction is the position a strategy wants to hold after an evaluation.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
	Hold  Direction = "hold" // keep whatever is held now
)

// Intent is one evaluator decision. It is ephemeral unless it leads to an order.
type Intent struct {
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Direction      Direction `json:"direction"`
	Size           float64   `json:"size"` // hint in base units; 0 = caller decides
	Reason         string    `json:"reason"`
	// Risk sizing and exit levels as percentages; 0 = none. With RiskPct and
	// StopLossPct set, size = capital * RiskPct / (price * StopLossPct).
	// Otherwise CapitalPct sizes the order as a share of capital.
	RiskPct       float64 `json:"risk_pct,omitempty"`
	StopLossPct   float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64 `json:"take_profit_pct,omitempty"`
	CapitalPct    float64 `json:"capital_pct,omitempty"`
}

// SizeFor converts the intent's risk hints into a base-asset quantity for the
// given capital and price. It returns 0 when the hints are incomplete.
func (i Intent) SizeFor(capital, price float64) float64 {
	if i.Size > 0 {
		return i.Size
	}
	if capital <= 0 || price <= 0 {
		return 0
	}
	if i.RiskPct > 0 && i.StopLossPct > 0 {
		return capital * (i.RiskPct / 100) / (price * (i.StopLossPct / 100))
	}
	if i.CapitalPct > 0 {
		return capital * (i.CapitalPct / 100) / price
	}
	return 0
}

// Evaluator is a strategy bound to validated parameters. Evaluate must be
// deterministic and free of side effects: the same window always yields the
// same Intent.
type Evaluator interface {
	MinLookback() int
	Evaluate(window []market.Bar) Intent
}

// Evaluate runs e on window, returning hold when the window is shorter than the
// strategy's lookback.
func Evaluate(e Evaluator, window []market.Bar) Intent {
	if len(window) == 0 {
		return Intent{Direction: Hold, Reason: "insufficient_data"}
	}
	if len(window) < e.MinLookback() {
		return Intent{Timestamp: window[len(window)-1].OpenTime, Direction: Hold, Reason: "insufficient_data"}
	}
	return e.Evaluate(window)
}

// WindowSize is the number of bars to request for e given the configured base
// size. Live and backtest use the same rule so indicator seeds match.
func WindowSize(e Evaluator, base int) int {
	if need := 2 * e.MinLookback(); need > base {
		return need
	}
	return base
}

func hold(window []market.Bar, reason string) Intent {
	return Intent{Timestamp: window[len(window)-1].OpenTime, Direction: Hold, Reason: reason}
}

func intent(window []market.Bar, d Direction, reason string) Intent {
	return Intent{Timestamp: window[len(window)-1].OpenTime, Direction: d, Reason: reason}
}
