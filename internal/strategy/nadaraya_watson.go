package strategy

import (
	"fmt"

	"strategy-engine/internal/indicators"
	"strategy-engine/internal/market"
)

// NadarayaWatsonParams configures the kernel envelope strategy.
type NadarayaWatsonParams struct {
	Bandwidth         float64 `json:"h_bandwidth" validate:"gt=0,lte=100" jsonschema:"exclusiveMinimum=0,maximum=100,default=8,description=Gaussian kernel bandwidth in bars"`
	Multiplier        float64 `json:"multiplier" validate:"gt=0,lte=10" jsonschema:"exclusiveMinimum=0,maximum=10,default=3,description=Envelope width in mean absolute residuals"`
	TakeProfitPercent float64 `json:"tp_percent" validate:"gte=0,lte=100" jsonschema:"minimum=0,maximum=100,default=1"`
	StopLossPercent   float64 `json:"sl_percent" validate:"gte=0,lte=50" jsonschema:"minimum=0,maximum=50,default=0.5"`
	CapitalPercent    float64 `json:"position_size_percent_capital" validate:"gt=0,lte=100" jsonschema:"exclusiveMinimum=0,maximum=100,default=10,description=Share of capital per entry"`
	AllowShort        bool    `json:"allow_short" jsonschema:"default=false"`
}

func nadarayaWatsonDefinition() Definition {
	return Definition{
		Name:        "nadaraya_watson_envelope",
		Description: "Long when price closes at or under the lower kernel envelope, flat (or short) at or over the upper one.",
		Defaults: func() any {
			return &NadarayaWatsonParams{
				Bandwidth:         8,
				Multiplier:        3,
				TakeProfitPercent: 1,
				StopLossPercent:   0.5,
				CapitalPercent:    10,
			}
		},
		Build: func(p any) Evaluator { return &nadarayaWatson{p: *p.(*NadarayaWatsonParams)} },
	}
}

type nadarayaWatson struct {
	p NadarayaWatsonParams
}

func (s *nadarayaWatson) MinLookback() int { return max(int(s.p.Bandwidth), 2) }

func (s *nadarayaWatson) ExitPercents() (float64, float64) {
	return s.p.StopLossPercent, s.p.TakeProfitPercent
}

func (s *nadarayaWatson) Evaluate(window []market.Bar) Intent {
	closes := market.Closes(window)
	_, upper, lower := indicators.NadarayaWatson(closes, s.p.Bandwidth, s.p.Multiplier)
	last := len(closes) - 1
	c, up, lo := closes[last], upper[last], lower[last]

	switch {
	case up <= lo:
		return hold(window, "flat_envelope")
	case c <= lo:
		return s.entry(window, Long, fmt.Sprintf("close %.4f <= lower envelope %.4f", c, lo))
	case c >= up:
		reason := fmt.Sprintf("close %.4f >= upper envelope %.4f", c, up)
		if !s.p.AllowShort {
			return intent(window, Flat, reason)
		}
		return s.entry(window, Short, reason)
	}
	return hold(window, "inside_envelope")
}

func (s *nadarayaWatson) entry(window []market.Bar, d Direction, reason string) Intent {
	in := intent(window, d, reason)
	in.CapitalPct = s.p.CapitalPercent
	in.StopLossPct = s.p.StopLossPercent
	in.TakeProfitPct = s.p.TakeProfitPercent
	return in
}
