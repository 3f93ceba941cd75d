package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
)

// ErrNoData is returned when the candle source has nothing in the range.
var ErrNoData = errors.New("no candles in range")

// DefaultWindowSize is the number of bars handed to the evaluator.
const DefaultWindowSize = 100

// Driver runs backtests against a candle source.
type Driver struct {
	source   market.CandleSource
	registry *strategy.Registry
	logger   *zap.Logger
}

// NewDriver creates a driver. A nil logger discards output.
func NewDriver(source market.CandleSource, registry *strategy.Registry, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{source: source, registry: registry, logger: logger.Named("backtest")}
}

// Run fetches the candles for req and simulates the strategy over them.
func (d *Driver) Run(ctx context.Context, req Request) (Result, error) {
	const op = "backtest.Run"

	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return Result{}, engineerr.Configuration(op, err)
	}
	eval, err := d.registry.New(req.Strategy, req.Parameters)
	if err != nil {
		return Result{}, err
	}

	bars, err := d.source.Candles(ctx, req.Symbol, tf, 0, req.Start, req.End)
	if err != nil {
		return Result{}, fmt.Errorf("fetch candles %s %s: %w", req.Symbol, tf, err)
	}
	if len(bars) == 0 {
		return Result{}, ErrNoData
	}

	d.logger.Info("simulating",
		zap.String("strategy", req.Strategy),
		zap.String("symbol", req.Symbol),
		zap.String("timeframe", tf.String()),
		zap.Int("bars", len(bars)),
	)
	return Simulate(ctx, eval, bars, SimConfig{
		InitialCapital: req.InitialCapital,
		FeeRate:        req.fee(),
		SlippageBps:    req.slippage(),
		OrderSize:      req.OrderSize,
		PeriodsPerYear: tf.PeriodsPerYear(),
	})
}

// SimConfig parameterizes Simulate.
type SimConfig struct {
	InitialCapital float64
	FeeRate        float64 // fraction of notional per fill
	SlippageBps    float64 // adverse, applied to every fill except end_of_data
	OrderSize      float64 // base units per entry without a sizing hint; 0 = all equity
	WindowSize     int
	PeriodsPerYear float64
}

type openPosition struct {
	size       float64 // signed
	entryPrice float64
	entryFee   float64
	entryTime  time.Time
	stop       float64 // 0 = none
	target     float64
}

type simulation struct {
	cfg    SimConfig
	cash   float64
	pos    openPosition
	trades []Trade
}

// Simulate replays bars oldest first. The evaluator at bar t sees bars up to
// t only; its intent fills at the open of bar t+1.
func Simulate(ctx context.Context, eval strategy.Evaluator, bars []market.Bar, cfg SimConfig) (Result, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	s := &simulation{cfg: cfg, cash: cfg.InitialCapital}
	feed := market.NewReplayFeed(bars)
	lookback := strategy.WindowSize(eval, cfg.WindowSize)

	curve := make([]EquityPoint, 0, len(bars))
	var pending *strategy.Intent
	for feed.Advance() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		bar, _ := feed.Current()
		if pending != nil {
			s.apply(*pending, bar)
			pending = nil
		}
		s.checkExits(bar)

		last := feed.Index() == feed.Len()-1
		if last && s.pos.size != 0 {
			s.close(bar.Close, bar.CloseTime, ReasonEndOfData, false)
		}
		curve = append(curve, EquityPoint{Time: bar.OpenTime, Equity: s.cash + s.pos.size*bar.Close})
		if last {
			break
		}

		window, err := feed.Window(ctx, lookback)
		if err != nil {
			return Result{}, err
		}
		if in := strategy.Evaluate(eval, window); in.Direction != strategy.Hold {
			pending = &in
		}
	}

	return s.result(bars, curve), nil
}

// apply moves the position toward intent at the bar's open.
func (s *simulation) apply(in strategy.Intent, bar market.Bar) {
	switch in.Direction {
	case strategy.Long:
		if s.pos.size > 0 {
			return
		}
		if s.pos.size < 0 {
			s.close(bar.Open, bar.OpenTime, in.Reason, true)
		}
		s.open(1, in, bar)
	case strategy.Short:
		if s.pos.size < 0 {
			return
		}
		if s.pos.size > 0 {
			s.close(bar.Open, bar.OpenTime, in.Reason, true)
		}
		s.open(-1, in, bar)
	case strategy.Flat:
		if s.pos.size != 0 {
			s.close(bar.Open, bar.OpenTime, in.Reason, true)
		}
	}
}

func (s *simulation) open(sign float64, in strategy.Intent, bar market.Bar) {
	px := s.slipped(sign, bar.Open)
	equity := s.cash
	size := in.SizeFor(equity, px)
	if size <= 0 {
		size = s.cfg.OrderSize
	}
	if size <= 0 {
		size = equity / (px * (1 + s.cfg.FeeRate))
	}
	if size <= 0 || math.IsInf(size, 0) || math.IsNaN(size) {
		return
	}

	fee := px * size * s.cfg.FeeRate
	s.cash -= sign*size*px + fee
	s.pos = openPosition{size: sign * size, entryPrice: px, entryFee: fee, entryTime: bar.OpenTime}
	s.pos.stop, s.pos.target = strategy.ExitLevels(sign, px, in.StopLossPct, in.TakeProfitPct)
}

// close exits the whole position at price.
func (s *simulation) close(price float64, at time.Time, reason string, slip bool) {
	px := price
	if slip {
		px = s.slipped(-sign(s.pos.size), price)
	}
	size := math.Abs(s.pos.size)
	fee := px * size * s.cfg.FeeRate
	s.cash += s.pos.size*px - fee

	side := "long"
	if s.pos.size < 0 {
		side = "short"
	}
	s.trades = append(s.trades, Trade{
		EntryTime:  s.pos.entryTime,
		ExitTime:   at,
		Side:       side,
		EntryPrice: s.pos.entryPrice,
		ExitPrice:  px,
		Size:       size,
		PnL:        (px-s.pos.entryPrice)*s.pos.size - s.pos.entryFee - fee,
		Fee:        s.pos.entryFee + fee,
		Reason:     reason,
	})
	s.pos = openPosition{}
}

// checkExits closes the position intrabar at its stop or target.
func (s *simulation) checkExits(bar market.Bar) {
	if s.pos.size == 0 {
		return
	}
	if reason, px, hit := strategy.CheckExit(sign(s.pos.size), s.pos.stop, s.pos.target, bar); hit {
		s.close(px, bar.OpenTime, reason, true)
	}
}

// slipped moves price against a trader buying (sign > 0) or selling.
func (s *simulation) slipped(sign, price float64) float64 {
	return price * (1 + sign*s.cfg.SlippageBps/10000)
}

func (s *simulation) result(bars []market.Bar, curve []EquityPoint) Result {
	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
	}
	wins, losses := winsAndLosses(s.trades)
	final := s.cash
	pnl := final - s.cfg.InitialCapital

	res := Result{
		Trades:         s.trades,
		EquityCurve:    curve,
		OHLCV:          bars,
		SharpeRatio:    sharpeRatio(equity, s.cfg.PeriodsPerYear),
		MaxDrawdown:    maxDrawdown(equity),
		WinRate:        winRate(wins, len(s.trades)),
		TotalTrades:    len(s.trades),
		WinningTrades:  wins,
		LosingTrades:   losses,
		PnL:            pnl,
		InitialCapital: s.cfg.InitialCapital,
		FinalEquity:    final,
	}
	if s.cfg.InitialCapital > 0 {
		res.PnLPercentage = pnl / s.cfg.InitialCapital * 100
	}
	if res.Trades == nil {
		res.Trades = []Trade{}
	}
	return res
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
