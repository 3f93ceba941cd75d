package strategy

import "strategy-engine/internal/market"

// Protective exit reasons, shared by the live runner and the backtest.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

// ExitRules is implemented by evaluators whose positions carry a stop loss
// and a take profit, as percentages from the entry price. 0 disables a level.
type ExitRules interface {
	ExitPercents() (stopLossPct, takeProfitPct float64)
}

// ExitPercents returns e's exit percentages, or zeros when it has none.
func ExitPercents(e Evaluator) (stopLossPct, takeProfitPct float64) {
	if r, ok := e.(ExitRules); ok {
		return r.ExitPercents()
	}
	return 0, 0
}

// ExitLevels converts percentages into prices for a position entered at
// entry. side is +1 for long and -1 for short.
func ExitLevels(side, entry, stopLossPct, takeProfitPct float64) (stop, target float64) {
	if stopLossPct > 0 {
		stop = entry * (1 - side*stopLossPct/100)
	}
	if takeProfitPct > 0 {
		target = entry * (1 + side*takeProfitPct/100)
	}
	return stop, target
}

// CheckExit reports whether bar reaches the stop or the target of a position
// on side, and the price the exit fills at before slippage. The stop wins
// when one bar reaches both. A bar that opens past a level fills at its open.
func CheckExit(side, stop, target float64, bar market.Bar) (reason string, price float64, hit bool) {
	switch {
	case side > 0:
		if stop > 0 && bar.Low <= stop {
			return ReasonStopLoss, min(bar.Open, stop), true
		}
		if target > 0 && bar.High >= target {
			return ReasonTakeProfit, max(bar.Open, target), true
		}
	case side < 0:
		if stop > 0 && bar.High >= stop {
			return ReasonStopLoss, max(bar.Open, stop), true
		}
		if target > 0 && bar.Low <= target {
			return ReasonTakeProfit, min(bar.Open, target), true
		}
	}
	return "", 0, false
}
