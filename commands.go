package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"strategy-engine/internal/api"
	"strategy-engine/internal/backtest"
	"strategy-engine/internal/data"
	"strategy-engine/internal/market"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/config"
	marketbinance "strategy-engine/pkg/market/binance"
)

// backtestSummary is the metrics-only view printed with --summary.
type backtestSummary struct {
	Strategy       string  `json:"strategy"`
	Symbol         string  `json:"symbol"`
	Timeframe      string  `json:"timeframe"`
	Bars           int     `json:"bars"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	WinRate        float64 `json:"win_rate"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	PnL            float64 `json:"pnl"`
	PnLPercentage  float64 `json:"pnl_percentage"`
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
}

func backtestAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var params map[string]any
	if err := json.Unmarshal([]byte(cmd.String("params")), &params); err != nil {
		return fmt.Errorf("--params must be a JSON object: %w", err)
	}

	req := backtest.Request{
		Strategy:       cmd.String("strategy"),
		Parameters:     params,
		Symbol:         strings.ToUpper(cmd.String("symbol")),
		Timeframe:      cmd.String("timeframe"),
		Start:          cmd.Timestamp("start").UTC(),
		End:            cmd.Timestamp("end").UTC(),
		InitialCapital: cmd.Float("capital"),
		OrderSize:      cmd.Float("order-size"),
	}
	if req.InitialCapital == 0 {
		req.InitialCapital = cfg.DefaultCapital
	}
	fee, slippage := cmd.Float("fee"), cmd.Float("slippage-bps")
	if fee < 0 {
		fee = cfg.BacktestFeeRate
	}
	if slippage < 0 {
		slippage = cfg.BacktestSlippageBps
	}
	req.FeeRate, req.SlippageBps = &fee, &slippage

	if req.InitialCapital <= 0 {
		return errors.New("--capital must be positive")
	}
	if !req.Start.Before(req.End) {
		return fmt.Errorf("start %s must be before end %s", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	}
	if days := req.End.Sub(req.Start).Hours() / 24; days > float64(cfg.MaxBacktestDays) {
		return fmt.Errorf("range of %.1f days exceeds the %d day limit", days, cfg.MaxBacktestDays)
	}
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return err
	}

	var source market.CandleSource = data.NewHistoricalDataService(marketbinance.NewClient(cfg.BinanceTestnet))
	if path := cmd.String("csv"); path != "" {
		bars, err := data.LoadCSVFile(path, tf)
		if err != nil {
			return err
		}
		static := data.NewStaticSource()
		static.Add(req.Symbol, tf, bars)
		source = static
	}

	res, err := backtest.NewDriver(source, strategy.DefaultRegistry(), log).Run(ctx, req)
	if errors.Is(err, backtest.ErrNoData) {
		return fmt.Errorf("%s: no candles for %s %s between %s and %s", backtest.StatusNoData, req.Symbol, tf, req.Start.Format(time.DateOnly), req.End.Format(time.DateOnly))
	}
	if err != nil {
		return err
	}

	var out any = res
	if cmd.Bool("summary") {
		out = backtestSummary{
			Strategy:       req.Strategy,
			Symbol:         req.Symbol,
			Timeframe:      tf.String(),
			Bars:           len(res.OHLCV),
			SharpeRatio:    res.SharpeRatio,
			MaxDrawdown:    res.MaxDrawdown,
			WinRate:        res.WinRate,
			TotalTrades:    res.TotalTrades,
			WinningTrades:  res.WinningTrades,
			LosingTrades:   res.LosingTrades,
			PnL:            res.PnL,
			PnLPercentage:  res.PnLPercentage,
			InitialCapital: res.InitialCapital,
			FinalEquity:    res.FinalEquity,
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func tokenAction(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	operator := cmd.String("operator")
	if operator == "" {
		operator = cfg.OperatorUser
	}
	token, err := api.GenerateToken(operator, cfg.JWTSecret, time.Now().Add(cmd.Duration("ttl")))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func hashPasswordAction(_ context.Context, cmd *cli.Command) error {
	password := cmd.Args().First()
	if password == "" {
		return errors.New("usage: hash-password <password>")
	}
	hash, err := api.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
