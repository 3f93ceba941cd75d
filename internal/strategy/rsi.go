package strategy

import (
	"fmt"

	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// RSIReversionParams configures the RSI mean-reversion strategy.
type RSIReversionParams struct {
	RSIPeriod  int     `json:"rsi_period" validate:"gte=2,lte=100" jsonschema:"minimum=2,maximum=100,default=14"`
	Oversold   float64 `json:"oversold" validate:"gt=0,lt=100" jsonschema:"minimum=1,maximum=99,default=30"`
	Overbought float64 `json:"overbought" validate:"gt=0,lt=100,gtfield=Oversold" jsonschema:"minimum=1,maximum=99,default=70"`
}

func rsiReversionDefinition() Definition {
	return Definition{
		Name:        "rsi_reversion",
		Description: "Long when RSI recovers up through the oversold level, flat when it falls back through overbought.",
		Defaults: func() any {
			return &RSIReversionParams{RSIPeriod: 14, Oversold: 30, Overbought: 70}
		},
		Build: func(p any) Evaluator { return &rsiReversion{p: *p.(*RSIReversionParams)} },
	}
}

type rsiReversion struct {
	p RSIReversionParams
}

func (s *rsiReversion) MinLookback() int { return s.p.RSIPeriod + 2 }

func (s *rsiReversion) Evaluate(window []market.Bar) Intent {
	rsi := indicators.RSI(market.Closes(window), s.p.RSIPeriod)
	last := len(rsi) - 1
	prev, cur := rsi[last-1], rsi[last]

	switch {
	case prev <= s.p.Oversold && cur > s.p.Oversold:
		return intent(window, Long, fmt.Sprintf("rsi_exit_oversold %.2f", cur))
	case prev >= s.p.Overbought && cur < s.p.Overbought:
		return intent(window, Flat, fmt.Sprintf("rsi_exit_overbought %.2f", cur))
	}
	return hold(window, "rsi_neutral")
}
