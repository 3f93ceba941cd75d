package strategy

import (
	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// MACDParams configures the MACD trend strategy.
type MACDParams struct {
	Fast   int `json:"fast" validate:"gte=2,lte=100" jsonschema:"minimum=2,maximum=100,default=12"`
	Slow   int `json:"slow" validate:"gte=3,lte=200,gtfield=Fast" jsonschema:"minimum=3,maximum=200,default=26"`
	Signal int `json:"signal" validate:"gte=2,lte=100" jsonschema:"minimum=2,maximum=100,default=9"`
}

func macdDefinition() Definition {
	return Definition{
		Name:        "macd_trend",
		Description: "Long when MACD crosses above its signal line, flat on the cross below.",
		Defaults: func() any {
			return &MACDParams{Fast: 12, Slow: 26, Signal: 9}
		},
		Build: func(p any) Evaluator { return &macdTrend{p: *p.(*MACDParams)} },
	}
}

type macdTrend struct {
	p MACDParams
}

func (s *macdTrend) MinLookback() int { return s.p.Slow + s.p.Signal + 1 }

func (s *macdTrend) Evaluate(window []market.Bar) Intent {
	line, signal, _ := indicators.MACD(market.Closes(window), s.p.Fast, s.p.Slow, s.p.Signal)
	last := len(line) - 1

	switch {
	case indicators.CrossedAbove(line, signal, last):
		return intent(window, Long, "macd_cross_up")
	case indicators.CrossedBelow(line, signal, last):
		return intent(window, Flat, "macd_cross_down")
	}
	return hold(window, "no_cross")
}
