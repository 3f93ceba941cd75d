package strategy

import (
	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// BollingerParams configures the Bollinger band reversion strategy.
type BollingerParams struct {
	Period int     `json:"period" validate:"gte=5,lte=200" jsonschema:"minimum=5,maximum=200,default=20"`
	StdDev float64 `json:"std_dev" validate:"gt=0,lte=5" jsonschema:"minimum=0.5,maximum=5,default=2"`
}

func bollingerDefinition() Definition {
	return Definition{
		Name:        "bollinger_breakout",
		Description: "Long when price closes back inside the lower band, flat once it closes above the upper band.",
		Defaults: func() any {
			return &BollingerParams{Period: 20, StdDev: 2}
		},
		Build: func(p any) Evaluator { return &bollinger{p: *p.(*BollingerParams)} },
	}
}

type bollinger struct {
	p BollingerParams
}

func (s *bollinger) MinLookback() int { return s.p.Period + 1 }

func (s *bollinger) Evaluate(window []market.Bar) Intent {
	closes := market.Closes(window)
	upper, _, lower := indicators.Bollinger(closes, s.p.Period, s.p.StdDev)
	last := len(closes) - 1

	switch {
	case closes[last-1] < lower[last-1] && closes[last] >= lower[last]:
		return intent(window, Long, "reentered_lower_band")
	case closes[last] > upper[last]:
		return intent(window, Flat, "above_upper_band")
	}
	return hold(window, "inside_bands")
}
