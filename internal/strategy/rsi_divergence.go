package strategy

import (
	"fmt"

	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// pivotRecency is how many bars back the second price pivot may sit and still
// count as a fresh divergence.
const pivotRecency = 3

// RSIDivergenceParams configures the RSI divergence strategy.
type RSIDivergenceParams struct {
	RSIPeriod           int     `json:"rsi_period" validate:"gte=5,lte=50" jsonschema:"minimum=5,maximum=50,default=14,description=RSI period"`
	LookbackPeriod      int     `json:"lookback_period" validate:"gte=10,lte=100" jsonschema:"minimum=10,maximum=100,default=20,description=Bars searched for divergence pivots"`
	PeakProminence      float64 `json:"peak_prominence" validate:"gte=0.1,lte=10" jsonschema:"minimum=0.1,maximum=10,default=0.5,description=Minimum RSI pivot prominence"`
	RiskPerTradePercent float64 `json:"risk_per_trade_percent" validate:"gte=0.1,lte=10" jsonschema:"minimum=0.1,maximum=10,default=1.5,description=Percent of capital risked per trade"`
	StopLossPercent     float64 `json:"stop_loss_percent" validate:"gte=0.1,lte=50" jsonschema:"minimum=0.1,maximum=50,default=2,description=Stop loss distance from entry in percent"`
	TakeProfitPercent   float64 `json:"take_profit_percent" validate:"gte=0.1,lte=100" jsonschema:"minimum=0.1,maximum=100,default=4,description=Take profit distance from entry in percent"`
	AllowShort          bool    `json:"allow_short" jsonschema:"default=false,description=Go short on a bearish divergence instead of flat"`
}

func rsiDivergenceDefinition() Definition {
	return Definition{
		Name:        "rsi_divergence",
		Description: "Long on bullish price/RSI divergence, exit (or short) on bearish divergence.",
		Defaults: func() any {
			return &RSIDivergenceParams{
				RSIPeriod:           14,
				LookbackPeriod:      20,
				PeakProminence:      0.5,
				RiskPerTradePercent: 1.5,
				StopLossPercent:     2,
				TakeProfitPercent:   4,
			}
		},
		Build: func(p any) Evaluator { return &rsiDivergence{p: *p.(*RSIDivergenceParams)} },
	}
}

type rsiDivergence struct {
	p RSIDivergenceParams
}

func (s *rsiDivergence) MinLookback() int { return s.p.RSIPeriod + s.p.LookbackPeriod + 1 }

func (s *rsiDivergence) ExitPercents() (float64, float64) {
	return s.p.StopLossPercent, s.p.TakeProfitPercent
}

func (s *rsiDivergence) Evaluate(window []market.Bar) Intent {
	closes := market.Closes(window)
	rsi := indicators.RSI(closes, s.p.RSIPeriod)
	from := len(closes) - s.p.LookbackPeriod
	price, osc := closes[from:], rsi[from:]

	spread := indicators.SampleStdDev(price)
	if spread == 0 {
		spread = mean(price) * 0.01
	}
	minPrice := spread * 0.1

	if divergence(price, osc, indicators.Troughs(price, minPrice), indicators.Troughs(osc, s.p.PeakProminence), true) {
		return s.entry(window, Long, "bullish_divergence")
	}
	if divergence(price, osc, indicators.Peaks(price, minPrice), indicators.Peaks(osc, s.p.PeakProminence), false) {
		if !s.p.AllowShort {
			return intent(window, Flat, "bearish_divergence")
		}
		return s.entry(window, Short, "bearish_divergence")
	}
	return hold(window, "no_divergence")
}

func (s *rsiDivergence) entry(window []market.Bar, d Direction, reason string) Intent {
	in := intent(window, d, fmt.Sprintf("%s rsi%d", reason, s.p.RSIPeriod))
	in.RiskPct = s.p.RiskPerTradePercent
	in.StopLossPct = s.p.StopLossPercent
	in.TakeProfitPct = s.p.TakeProfitPercent
	return in
}

// divergence compares the last two price pivots with the RSI pivots at or
// before them. Bullish: lower price low with a higher RSI low. Bearish: higher
// price high with a lower RSI high.
func divergence(price, osc []float64, pricePivots, oscPivots []int, bullish bool) bool {
	if len(pricePivots) < 2 || len(oscPivots) < 2 {
		return false
	}
	p1, p2 := pricePivots[len(pricePivots)-2], pricePivots[len(pricePivots)-1]
	if len(price)-1-p2 > pivotRecency {
		return false
	}

	o2 := -1
	for k := len(oscPivots) - 1; k >= 0; k-- {
		if oscPivots[k] <= p2 {
			o2 = oscPivots[k]
			break
		}
	}
	o1 := -1
	for k := len(oscPivots) - 1; k >= 0; k-- {
		if oscPivots[k] <= p1 && oscPivots[k] < o2 {
			o1 = oscPivots[k]
			break
		}
	}
	if o1 < 0 || o2 < 0 {
		return false
	}
	if bullish {
		return price[p2] < price[p1] && osc[o2] > osc[o1]
	}
	return price[p2] > price[p1] && osc[o2] < osc[o1]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
