package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/market"
)

func barsFromCloses(closes []float64) []market.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		open := start.Add(time.Duration(i) * time.Hour)
		bars[i] = market.Bar{
			OpenTime:  open,
			Open:      c,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    1,
			CloseTime: open.Add(time.Hour - time.Millisecond),
		}
	}
	return bars
}

// vShape falls for n bars then rises for n bars.
func vShape(n int) []float64 {
	out := make([]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, 200-float64(i))
	}
	for i := 0; i < n; i++ {
		out = append(out, 200-float64(n)+float64(i)*3)
	}
	return out
}

func firstSignal(t *testing.T, e Evaluator, bars []market.Bar) (Intent, int) {
	t.Helper()
	for i := 1; i <= len(bars); i++ {
		in := Evaluate(e, bars[:i])
		if in.Direction != Hold {
			return in, i - 1
		}
	}
	return Intent{Direction: Hold}, -1
}

func TestRegistryDefaultsAndValidation(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("defaults", func(t *testing.T) {
		e, err := reg.New("ema_crossover", nil)
		require.NoError(t, err)
		assert.Equal(t, 21, e.MinLookback())
	})

	t.Run("weakly typed values", func(t *testing.T) {
		e, err := reg.New("ema_crossover", map[string]any{"short_ema_period": "5", "long_ema_period": 12.0})
		require.NoError(t, err)
		assert.Equal(t, 13, e.MinLookback())
	})

	cases := []struct {
		name string
		strt string
		raw  map[string]any
	}{
		{"unknown strategy", "does_not_exist", nil},
		{"below minimum", "ema_crossover", map[string]any{"short_ema_period": 1}},
		{"long not above short", "ema_crossover", map[string]any{"short_ema_period": 30, "long_ema_period": 20}},
		{"unknown key", "rsi_reversion", map[string]any{"period": 14}},
		{"wrong type", "macd_trend", map[string]any{"fast": "fast"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.New(tc.strt, tc.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, engineerr.ErrConfiguration), "got %v", err)
		})
	}

	t.Run("bad json", func(t *testing.T) {
		_, err := reg.NewFromJSON("ema_crossover", "[1,2]")
		assert.ErrorIs(t, err, engineerr.ErrConfiguration)
	})
}

func TestRegistryListIncludesSchema(t *testing.T) {
	infos := DefaultRegistry().List()
	require.Len(t, infos, 6)
	assert.Equal(t, "bollinger_breakout", infos[0].Name)

	var ema Info
	for _, in := range infos {
		if in.Name == "ema_crossover" {
			ema = in
		}
	}
	require.NotEmpty(t, ema.Parameters)
	assert.Contains(t, string(ema.Parameters), "short_ema_period")
	assert.Contains(t, string(ema.Parameters), `"maximum":100`)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(emaCrossoverDefinition()))
	assert.Error(t, reg.Register(emaCrossoverDefinition()))
	assert.Error(t, reg.Register(Definition{Name: "incomplete"}))
}

func TestEvaluateShortWindowHolds(t *testing.T) {
	reg := DefaultRegistry()
	for _, info := range reg.List() {
		t.Run(info.Name, func(t *testing.T) {
			e, err := reg.New(info.Name, nil)
			require.NoError(t, err)

			assert.Equal(t, Hold, Evaluate(e, nil).Direction)
			short := barsFromCloses(vShape(40))[:e.MinLookback()-1]
			in := Evaluate(e, short)
			assert.Equal(t, Hold, in.Direction)
			assert.Equal(t, "insufficient_data", in.Reason)
		})
	}
}

func TestEMACrossoverSignals(t *testing.T) {
	reg := DefaultRegistry()
	bars := barsFromCloses(vShape(40))

	t.Run("golden cross goes long with risk hints", func(t *testing.T) {
		e, err := reg.New("ema_crossover", map[string]any{"short_ema_period": 3, "long_ema_period": 8})
		require.NoError(t, err)

		in, idx := firstSignal(t, e, bars)
		require.GreaterOrEqual(t, idx, 40, "cross must come after the bottom")
		assert.Equal(t, Long, in.Direction)
		assert.Equal(t, bars[idx].OpenTime, in.Timestamp)
		assert.Equal(t, 1.0, in.RiskPct)
		assert.Equal(t, 2.0, in.StopLossPct)
		assert.Equal(t, 4.0, in.TakeProfitPct)
	})

	t.Run("death cross exits or shorts", func(t *testing.T) {
		down := barsFromCloses(append(vShape(30)[30:], vShape(30)[:30]...))
		flat, err := reg.New("ema_crossover", map[string]any{"short_ema_period": 3, "long_ema_period": 8})
		require.NoError(t, err)
		short, err := reg.New("ema_crossover", map[string]any{"short_ema_period": 3, "long_ema_period": 8, "allow_short": true})
		require.NoError(t, err)

		var dirs []Direction
		for i := 1; i <= len(down); i++ {
			if in := Evaluate(flat, down[:i]); in.Direction != Hold {
				dirs = append(dirs, in.Direction)
			}
		}
		assert.Contains(t, dirs, Flat)

		dirs = nil
		for i := 1; i <= len(down); i++ {
			if in := Evaluate(short, down[:i]); in.Direction != Hold {
				dirs = append(dirs, in.Direction)
			}
		}
		assert.Contains(t, dirs, Short)
	})
}

func TestEvaluateIsDeterministic(t *testing.T) {
	reg := DefaultRegistry()
	bars := barsFromCloses(vShape(60))
	for _, info := range reg.List() {
		t.Run(info.Name, func(t *testing.T) {
			e, err := reg.New(info.Name, nil)
			require.NoError(t, err)
			for i := 1; i <= len(bars); i++ {
				assert.Equal(t, Evaluate(e, bars[:i]), Evaluate(e, bars[:i]))
			}
		})
	}
}

func TestIntentSizeFor(t *testing.T) {
	in := Intent{Direction: Long, RiskPct: 1, StopLossPct: 2}
	assert.InDelta(t, 0.1, in.SizeFor(10000, 50000), 1e-12)
	assert.Zero(t, Intent{Direction: Long}.SizeFor(10000, 50000))
	assert.Equal(t, 3.0, Intent{Size: 3, RiskPct: 1, StopLossPct: 2}.SizeFor(10000, 50000))
}

func TestWindowSize(t *testing.T) {
	e, err := DefaultRegistry().New("ema_crossover", map[string]any{"long_ema_period": 150})
	require.NoError(t, err)
	assert.Equal(t, 302, WindowSize(e, 100))

	e, err = DefaultRegistry().New("ema_crossover", nil)
	require.NoError(t, err)
	assert.Equal(t, 100, WindowSize(e, 100))
}

// divergenceCloses ends in a fast drop to 70, a bounce, then a slow grind to a
// lower low at 68 and one up bar. The slow grind leaves RSI above its first low.
func divergenceCloses() []float64 {
	var out []float64
	for i := 0; i < 20; i++ {
		out = append(out, 100+float64(i%2))
	}
	return append(out,
		100, 95, 90, 85, 80, 75, 70,
		74, 78, 82, 85, 88,
		85.5, 83, 80.5, 78, 75.5, 73, 70.5, 68,
		70,
	)
}

func mirror(closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[i] = 200 - c
	}
	return out
}

func TestRSIDivergenceSignals(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("defaults", func(t *testing.T) {
		e, err := reg.New("rsi_divergence", nil)
		require.NoError(t, err)
		assert.Equal(t, 35, e.MinLookback())
		sl, tp := ExitPercents(e)
		assert.Equal(t, 2.0, sl)
		assert.Equal(t, 4.0, tp)
	})

	t.Run("bullish divergence goes long", func(t *testing.T) {
		e, err := reg.New("rsi_divergence", nil)
		require.NoError(t, err)
		bars := barsFromCloses(divergenceCloses())

		in := Evaluate(e, bars)
		assert.Equal(t, Long, in.Direction)
		assert.Contains(t, in.Reason, "bullish_divergence")
		assert.Equal(t, 1.5, in.RiskPct)
		assert.Equal(t, 2.0, in.StopLossPct)
		assert.Equal(t, bars[len(bars)-1].OpenTime, in.Timestamp)
	})

	t.Run("bearish divergence exits or shorts", func(t *testing.T) {
		bars := barsFromCloses(mirror(divergenceCloses()))
		flat, err := reg.New("rsi_divergence", nil)
		require.NoError(t, err)
		short, err := reg.New("rsi_divergence", map[string]any{"allow_short": true})
		require.NoError(t, err)

		assert.Equal(t, Flat, Evaluate(flat, bars).Direction)
		in := Evaluate(short, bars)
		assert.Equal(t, Short, in.Direction)
		assert.Contains(t, in.Reason, "bearish_divergence")
	})

	t.Run("stale pivot holds", func(t *testing.T) {
		e, err := reg.New("rsi_divergence", nil)
		require.NoError(t, err)
		closes := append(divergenceCloses(), 72, 74, 76, 78)
		assert.Equal(t, Hold, Evaluate(e, barsFromCloses(closes)).Direction)
	})

	for name, raw := range map[string]map[string]any{
		"rsi period too short":     {"rsi_period": 4},
		"lookback too long":        {"lookback_period": 101},
		"prominence below minimum": {"peak_prominence": 0.05},
		"risk above maximum":       {"risk_per_trade_percent": 11},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := reg.New("rsi_divergence", raw)
			assert.ErrorIs(t, err, engineerr.ErrConfiguration)
		})
	}
}

func TestNadarayaWatsonEnvelopeSignals(t *testing.T) {
	reg := DefaultRegistry()
	flatThen := func(last float64) []market.Bar {
		closes := make([]float64, 30)
		for i := range closes {
			closes[i] = 100
		}
		closes[len(closes)-1] = last
		return barsFromCloses(closes)
	}

	t.Run("defaults", func(t *testing.T) {
		e, err := reg.New("nadaraya_watson_envelope", nil)
		require.NoError(t, err)
		assert.Equal(t, 8, e.MinLookback())
		sl, tp := ExitPercents(e)
		assert.Equal(t, 0.5, sl)
		assert.Equal(t, 1.0, tp)
	})

	t.Run("close under the lower band goes long", func(t *testing.T) {
		e, err := reg.New("nadaraya_watson_envelope", nil)
		require.NoError(t, err)
		in := Evaluate(e, flatThen(90))
		assert.Equal(t, Long, in.Direction)
		assert.Equal(t, 10.0, in.CapitalPct)
		assert.Zero(t, in.RiskPct)
		assert.InDelta(t, 0.01, in.SizeFor(10000, 100000), 1e-12)
	})

	t.Run("close over the upper band exits or shorts", func(t *testing.T) {
		flat, err := reg.New("nadaraya_watson_envelope", nil)
		require.NoError(t, err)
		short, err := reg.New("nadaraya_watson_envelope", map[string]any{"allow_short": true})
		require.NoError(t, err)
		assert.Equal(t, Flat, Evaluate(flat, flatThen(110)).Direction)
		assert.Equal(t, Short, Evaluate(short, flatThen(110)).Direction)
	})

	t.Run("zero width envelope holds", func(t *testing.T) {
		e, err := reg.New("nadaraya_watson_envelope", nil)
		require.NoError(t, err)
		in := Evaluate(e, flatThen(100))
		assert.Equal(t, Hold, in.Direction)
		assert.Equal(t, "flat_envelope", in.Reason)
	})

	for name, raw := range map[string]map[string]any{
		"zero bandwidth":   {"h_bandwidth": 0},
		"zero multiplier":  {"multiplier": 0},
		"capital over 100": {"position_size_percent_capital": 150},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := reg.New("nadaraya_watson_envelope", raw)
			assert.ErrorIs(t, err, engineerr.ErrConfiguration)
		})
	}
}

func TestIntentSizeForCapitalShare(t *testing.T) {
	assert.InDelta(t, 0.5, Intent{CapitalPct: 10}.SizeFor(10000, 2000), 1e-12)
	assert.Zero(t, Intent{CapitalPct: 10}.SizeFor(10000, 0))
	// risk sizing wins when both are set
	assert.InDelta(t, 0.1, Intent{RiskPct: 1, StopLossPct: 2, CapitalPct: 50}.SizeFor(10000, 50000), 1e-12)
}

func TestCheckExit(t *testing.T) {
	bar := func(open, high, low float64) market.Bar {
		return market.Bar{Open: open, High: high, Low: low, Close: open}
	}
	stop, target := ExitLevels(1, 100, 2, 4)
	require.InDelta(t, 98.0, stop, 1e-9)
	require.InDelta(t, 104.0, target, 1e-9)

	cases := []struct {
		name   string
		side   float64
		bar    market.Bar
		reason string
		price  float64
	}{
		{"long inside", 1, bar(100, 103, 99), "", 0},
		{"long stop", 1, bar(100, 101, 97), ReasonStopLoss, 98},
		{"long gap below stop", 1, bar(90, 91, 89), ReasonStopLoss, 90},
		{"long target", 1, bar(100, 105, 99), ReasonTakeProfit, 104},
		{"long gap above target", 1, bar(110, 111, 109), ReasonTakeProfit, 110},
		{"long both in one bar takes the stop", 1, bar(100, 105, 97), ReasonStopLoss, 98},
		{"short stop", -1, bar(100, 103, 99), ReasonStopLoss, 102},
		{"short gap above stop", -1, bar(110, 111, 109), ReasonStopLoss, 110},
		{"short gap below target", -1, bar(90, 91, 89), ReasonTakeProfit, 90},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, tg := ExitLevels(tc.side, 100, 2, 4)
			reason, price, hit := CheckExit(tc.side, s, tg, tc.bar)
			assert.Equal(t, tc.reason != "", hit)
			assert.Equal(t, tc.reason, reason)
			assert.InDelta(t, tc.price, price, 1e-9)
		})
	}

	t.Run("disabled levels never fire", func(t *testing.T) {
		_, _, hit := CheckExit(1, 0, 0, bar(50, 200, 1))
		assert.False(t, hit)
	})
}
