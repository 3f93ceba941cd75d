package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-engine/internal/data"
	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/events"
	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, open, high, low, close float64) market.Bar {
	t := epoch.Add(time.Duration(i) * time.Hour)
	return market.Bar{OpenTime: t, Open: open, High: high, Low: low, Close: close, Volume: 1, CloseTime: t.Add(time.Hour - time.Millisecond)}
}

func flatBars(opens []float64) []market.Bar {
	bars := make([]market.Bar, len(opens))
	for i, p := range opens {
		bars[i] = bar(i, p, p, p, p)
	}
	return bars
}

// scripted returns a fixed intent at chosen bar indexes and holds otherwise.
type scripted map[int]strategy.Intent

func (s scripted) MinLookback() int { return 1 }

func (s scripted) Evaluate(window []market.Bar) strategy.Intent {
	last := window[len(window)-1]
	idx := int(last.OpenTime.Sub(epoch) / time.Hour)
	if in, ok := s[idx]; ok {
		in.Timestamp = last.OpenTime
		return in
	}
	return strategy.Intent{Timestamp: last.OpenTime, Direction: strategy.Hold}
}

func TestWinRateSixWinsFourLosses(t *testing.T) {
	opens := make([]float64, 31)
	script := scripted{}
	for i := range opens {
		opens[i] = 100
	}
	for k := 0; k < 10; k++ {
		script[3*k] = strategy.Intent{Direction: strategy.Long, Reason: "enter"}
		script[3*k+1] = strategy.Intent{Direction: strategy.Flat, Reason: "exit"}
		if k < 6 {
			opens[3*k+2] = 110
		} else {
			opens[3*k+2] = 90
		}
	}

	res, err := Simulate(context.Background(), script, flatBars(opens), SimConfig{InitialCapital: 10000, OrderSize: 1, PeriodsPerYear: 8760})
	require.NoError(t, err)

	assert.Equal(t, 10, res.TotalTrades)
	assert.Equal(t, 6, res.WinningTrades)
	assert.Equal(t, 4, res.LosingTrades)
	assert.InDelta(t, 60.0, res.WinRate, 1e-9)
	assert.InDelta(t, 10020.0, res.FinalEquity, 1e-9)
	assert.InDelta(t, 20.0, res.PnL, 1e-9)
	assert.InDelta(t, 0.2, res.PnLPercentage, 1e-9)
	assert.Len(t, res.EquityCurve, len(opens))
	assert.Equal(t, "exit", res.Trades[0].Reason)
}

func TestMaxDrawdownTenPercent(t *testing.T) {
	assert.InDelta(t, 10.0, maxDrawdown([]float64{10000, 12000, 10800}), 1e-9)
	assert.Zero(t, maxDrawdown([]float64{100, 110, 120}))

	bars := []market.Bar{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 120, 100, 120),
		bar(2, 120, 120, 108, 108),
		bar(3, 108, 108, 108, 108),
	}
	script := scripted{0: {Direction: strategy.Long, Reason: "enter"}}
	res, err := Simulate(context.Background(), script, bars, SimConfig{InitialCapital: 10000, PeriodsPerYear: 8760})
	require.NoError(t, err)

	require.Len(t, res.EquityCurve, 4)
	assert.InDelta(t, 10000.0, res.EquityCurve[0].Equity, 1e-9)
	assert.InDelta(t, 12000.0, res.EquityCurve[1].Equity, 1e-9)
	assert.InDelta(t, 10800.0, res.EquityCurve[2].Equity, 1e-9)
	assert.InDelta(t, 10.0, res.MaxDrawdown, 1e-9)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, ReasonEndOfData, res.Trades[0].Reason)
	assert.InDelta(t, 10800.0, res.FinalEquity, 1e-9)
}

func TestFillsAtNextOpenWithCosts(t *testing.T) {
	bars := []market.Bar{
		bar(0, 100, 100, 100, 100),
		bar(1, 200, 200, 200, 200),
		bar(2, 200, 200, 200, 200),
	}
	script := scripted{
		0: {Direction: strategy.Long, Size: 1, Reason: "enter"},
		1: {Direction: strategy.Flat, Reason: "exit"},
	}
	res, err := Simulate(context.Background(), script, bars, SimConfig{
		InitialCapital: 10000, FeeRate: 0.001, SlippageBps: 10, PeriodsPerYear: 8760,
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	assert.Equal(t, bars[1].OpenTime, tr.EntryTime)
	assert.InDelta(t, 200.2, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 199.8, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 0.2002+0.1998, tr.Fee, 1e-9)
	assert.InDelta(t, -0.4-0.4, tr.PnL, 1e-9)
	assert.InDelta(t, 10000-0.8, res.FinalEquity, 1e-9)
}

func TestIntentOnLastBarIsNotFilled(t *testing.T) {
	bars := flatBars([]float64{100, 100, 100})
	script := scripted{2: {Direction: strategy.Long}}
	res, err := Simulate(context.Background(), script, bars, SimConfig{InitialCapital: 10000})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.InDelta(t, 10000.0, res.FinalEquity, 1e-9)
}

func TestStopLossBeforeTakeProfit(t *testing.T) {
	enter := strategy.Intent{Direction: strategy.Long, Size: 1, StopLossPct: 2, TakeProfitPct: 4, Reason: "enter"}

	cases := []struct {
		name      string
		high, low float64
		reason    string
		exit      float64
	}{
		{"both levels in one bar", 105, 97, ReasonStopLoss, 98},
		{"target only", 105, 99, ReasonTakeProfit, 104},
		{"stop only", 101, 95, ReasonStopLoss, 98},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bars := []market.Bar{
				bar(0, 100, 100, 100, 100),
				bar(1, 100, tc.high, tc.low, 100),
				bar(2, 100, 100, 100, 100),
			}
			res, err := Simulate(context.Background(), scripted{0: enter}, bars, SimConfig{InitialCapital: 10000})
			require.NoError(t, err)
			require.Len(t, res.Trades, 1)
			assert.Equal(t, tc.reason, res.Trades[0].Reason)
			assert.InDelta(t, tc.exit, res.Trades[0].ExitPrice, 1e-9)
		})
	}
}

func TestGapThroughLevelFillsAtOpen(t *testing.T) {
	cases := []struct {
		name   string
		dir    strategy.Direction
		open   float64
		reason string
	}{
		{"long gaps below stop", strategy.Long, 80, ReasonStopLoss},
		{"long gaps above target", strategy.Long, 110, ReasonTakeProfit},
		{"short gaps above stop", strategy.Short, 110, ReasonStopLoss},
		{"short gaps below target", strategy.Short, 90, ReasonTakeProfit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enter := strategy.Intent{Direction: tc.dir, Size: 1, StopLossPct: 2, TakeProfitPct: 4, Reason: "enter"}
			bars := []market.Bar{
				bar(0, 100, 100, 100, 100),
				bar(1, 100, 100, 100, 100),
				bar(2, tc.open, tc.open, tc.open, tc.open),
				bar(3, tc.open, tc.open, tc.open, tc.open),
			}
			res, err := Simulate(context.Background(), scripted{0: enter}, bars, SimConfig{InitialCapital: 10000})
			require.NoError(t, err)
			require.Len(t, res.Trades, 1)
			assert.Equal(t, tc.reason, res.Trades[0].Reason)
			assert.InDelta(t, tc.open, res.Trades[0].ExitPrice, 1e-9)
			assert.Equal(t, bars[2].OpenTime, res.Trades[0].ExitTime)
		})
	}
}

func TestShortPositionPnL(t *testing.T) {
	bars := flatBars([]float64{100, 100, 90, 90})
	script := scripted{
		0: {Direction: strategy.Short, Size: 2, Reason: "enter"},
		1: {Direction: strategy.Flat, Reason: "exit"},
	}
	res, err := Simulate(context.Background(), script, bars, SimConfig{InitialCapital: 1000})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "short", res.Trades[0].Side)
	assert.InDelta(t, 20.0, res.Trades[0].PnL, 1e-9)
	assert.InDelta(t, 1020.0, res.FinalEquity, 1e-9)
}

// recorder answers from the whole window so any future bar would show up.
type recorder struct {
	seen    []time.Time
	intents []strategy.Intent
}

func (r *recorder) MinLookback() int { return 3 }

func (r *recorder) Evaluate(window []market.Bar) strategy.Intent {
	last := window[len(window)-1]
	var sum float64
	for _, b := range window {
		sum += b.Close
	}
	in := strategy.Intent{Timestamp: last.OpenTime, Direction: strategy.Flat, Reason: "below_mean"}
	if last.Close > sum/float64(len(window)) {
		in.Direction, in.Reason = strategy.Long, "above_mean"
	}
	r.seen = append(r.seen, last.OpenTime)
	r.intents = append(r.intents, in)
	return in
}

func TestNoLookahead(t *testing.T) {
	closes := []float64{100, 102, 101, 104, 103, 99, 98, 105, 107, 104, 103, 108}
	bars := flatBars(closes)

	base := &recorder{}
	_, err := Simulate(context.Background(), base, bars, SimConfig{InitialCapital: 10000, WindowSize: 5})
	require.NoError(t, err)
	require.Len(t, base.seen, len(bars)-3) // lookback 3, none on the last bar
	for i, ts := range base.seen {
		assert.Equal(t, bars[i+2].OpenTime, ts)
	}

	for k := 3; k < len(bars); k++ {
		perturbed := append([]market.Bar(nil), bars...)
		perturbed[k].Close *= 10
		perturbed[k].High *= 10
		other := &recorder{}
		_, err := Simulate(context.Background(), other, perturbed, SimConfig{InitialCapital: 10000, WindowSize: 5})
		require.NoError(t, err)
		for i, ts := range base.seen {
			if ts.Before(bars[k].OpenTime) {
				assert.Equal(t, base.intents[i], other.intents[i], "intent at %s changed when bar %d moved", ts, k)
			}
		}
	}
}

func TestSharpeRatio(t *testing.T) {
	assert.Zero(t, sharpeRatio([]float64{100, 100, 100, 100}, 8760))
	assert.Zero(t, sharpeRatio([]float64{100, 110}, 8760))
	assert.Zero(t, sharpeRatio(nil, 8760))
	assert.InDelta(t, 0.015/(0.005*math.Sqrt2), sharpeRatio([]float64{100, 101, 103.02}, 1), 1e-6)
}

func newTestService(t *testing.T, src *data.StaticSource) (*Service, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	svc := NewService(database, src, strategy.DefaultRegistry(), Config{FeeRate: 0.001, Bus: events.NewBus()})
	t.Cleanup(svc.Close)
	return svc, database
}

func vShapeBars(n int) []market.Bar {
	bars := make([]market.Bar, 0, 2*n)
	for i := 0; i < n; i++ {
		p := 200 - float64(i)
		bars = append(bars, bar(i, p, p*1.001, p*0.999, p))
	}
	for i := 0; i < n; i++ {
		p := 200 - float64(n) + float64(i)*3
		bars = append(bars, bar(n+i, p, p*1.001, p*0.999, p))
	}
	return bars
}

func TestServiceRunsToCompletion(t *testing.T) {
	tf := market.MustTimeframe("1h")
	src := data.NewStaticSource()
	bars := vShapeBars(40)
	src.Add("BTCUSDT", tf, bars)
	svc, _ := newTestService(t, src)
	ctx := context.Background()

	id, err := svc.Submit(ctx, Request{
		Strategy:   "ema_crossover",
		Parameters: map[string]any{"short_ema_period": 3, "long_ema_period": 8},
		Symbol:     "BTCUSDT",
		Timeframe:  "1h",
		Start:      epoch,
		End:        epoch.Add(80 * time.Hour),
	})
	require.NoError(t, err)
	svc.Wait()

	run, res, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status, run.ErrorMessage)
	require.NotNil(t, res)
	assert.Equal(t, 10000.0, res.InitialCapital)
	assert.Len(t, res.EquityCurve, len(bars))
	assert.Len(t, res.OHLCV, len(bars))
	assert.GreaterOrEqual(t, res.TotalTrades, 1)
	assert.InDelta(t, 0.001, run.FeeRate, 1e-12)

	runs, err := svc.List(ctx, db.BacktestFilter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Result.Valid)
}

func TestServiceNoData(t *testing.T) {
	svc, _ := newTestService(t, data.NewStaticSource())
	ctx := context.Background()

	id, err := svc.Submit(ctx, Request{Strategy: "rsi_reversion", Symbol: "BTCUSDT", Timeframe: "4h", Start: epoch, End: epoch.Add(24 * time.Hour)})
	require.NoError(t, err)
	svc.Wait()

	run, res, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNoData, run.Status)
	assert.Nil(t, res)
	assert.False(t, run.Result.Valid)
}

func TestServiceValidation(t *testing.T) {
	svc, _ := newTestService(t, data.NewStaticSource())
	ctx := context.Background()
	valid := Request{Strategy: "ema_crossover", Symbol: "BTCUSDT", Timeframe: "1h", Start: epoch, End: epoch.Add(24 * time.Hour)}

	negative := -1.0
	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"unknown strategy", func(r *Request) { r.Strategy = "nope" }},
		{"bad params", func(r *Request) { r.Parameters = map[string]any{"short_ema_period": 500} }},
		{"start after end", func(r *Request) { r.Start, r.End = r.End, r.Start }},
		{"range too long", func(r *Request) { r.End = r.Start.Add(367 * 24 * time.Hour) }},
		{"bad timeframe", func(r *Request) { r.Timeframe = "7x" }},
		{"negative capital", func(r *Request) { r.InitialCapital = -5 }},
		{"negative fee", func(r *Request) { r.FeeRate = &negative }},
		{"missing symbol", func(r *Request) { r.Symbol = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := svc.Submit(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, engineerr.ErrConfiguration)
		})
	}

	runs, err := svc.List(ctx, db.BacktestFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGetUnknownRun(t *testing.T) {
	svc, _ := newTestService(t, data.NewStaticSource())
	_, _, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
