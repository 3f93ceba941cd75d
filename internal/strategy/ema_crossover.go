package strategy

import (
	"fmt"

	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// EMACrossoverParams configures the EMA crossover strategy.
type EMACrossoverParams struct {
	ShortEMAPeriod      int     `json:"short_ema_period" validate:"gte=2,lte=100" jsonschema:"minimum=2,maximum=100,default=10,description=Fast EMA period"`
	LongEMAPeriod       int     `json:"long_ema_period" validate:"gte=5,lte=200,gtfield=ShortEMAPeriod" jsonschema:"minimum=5,maximum=200,default=20,description=Slow EMA period"`
	RiskPerTradePercent float64 `json:"risk_per_trade_percent" validate:"gt=0,lte=10" jsonschema:"minimum=0.1,maximum=10,default=1,description=Percent of capital risked per trade"`
	StopLossPercent     float64 `json:"stop_loss_percent" validate:"gt=0,lte=50" jsonschema:"minimum=0.1,maximum=50,default=2,description=Stop loss distance from entry in percent"`
	TakeProfitPercent   float64 `json:"take_profit_percent" validate:"gt=0,lte=100" jsonschema:"minimum=0.1,maximum=100,default=4,description=Take profit distance from entry in percent"`
	AllowShort          bool    `json:"allow_short" jsonschema:"default=false,description=Go short on a death cross instead of flat"`
}

func emaCrossoverDefinition() Definition {
	return Definition{
		Name:        "ema_crossover",
		Description: "Long when the fast EMA crosses above the slow EMA, exit (or short) on the reverse cross.",
		Defaults: func() any {
			return &EMACrossoverParams{
				ShortEMAPeriod:      10,
				LongEMAPeriod:       20,
				RiskPerTradePercent: 1,
				StopLossPercent:     2,
				TakeProfitPercent:   4,
			}
		},
		Build: func(p any) Evaluator { return &emaCrossover{p: *p.(*EMACrossoverParams)} },
	}
}

type emaCrossover struct {
	p EMACrossoverParams
}

func (s *emaCrossover) MinLookback() int { return s.p.LongEMAPeriod + 1 }

func (s *emaCrossover) ExitPercents() (float64, float64) {
	return s.p.StopLossPercent, s.p.TakeProfitPercent
}

func (s *emaCrossover) Evaluate(window []market.Bar) Intent {
	closes := market.Closes(window)
	fast := indicators.EMA(closes, s.p.ShortEMAPeriod)
	slow := indicators.EMA(closes, s.p.LongEMAPeriod)
	last := len(closes) - 1

	switch {
	case indicators.CrossedAbove(fast, slow, last):
		in := intent(window, Long, fmt.Sprintf("golden_cross ema%d>ema%d", s.p.ShortEMAPeriod, s.p.LongEMAPeriod))
		in.RiskPct = s.p.RiskPerTradePercent
		in.StopLossPct = s.p.StopLossPercent
		in.TakeProfitPct = s.p.TakeProfitPercent
		return in
	case indicators.CrossedBelow(fast, slow, last):
		if s.p.AllowShort {
			in := intent(window, Short, fmt.Sprintf("death_cross ema%d<ema%d", s.p.ShortEMAPeriod, s.p.LongEMAPeriod))
			in.RiskPct = s.p.RiskPerTradePercent
			in.StopLossPct = s.p.StopLossPercent
			in.TakeProfitPct = s.p.TakeProfitPercent
			return in
		}
		return intent(window, Flat, fmt.Sprintf("death_cross ema%d<ema%d", s.p.ShortEMAPeriod, s.p.LongEMAPeriod))
	}
	return hold(window, "no_cross")
}
