package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"strategy-engine/pkg/config"
	"strategy-engine/pkg/logger"
)

// buildVersion is overridden at link time with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "strategy-engine",
		Usage:   "Run trading strategies against exchange subscriptions and backtest them",
		Version: buildVersion,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the runner supervisor and the operator API",
				Action: serveAction,
			},
			{
				Name:  "backtest",
				Usage: "Run one backtest and print the result as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Usage: "registered strategy name", Required: true},
					&cli.StringFlag{Name: "params", Aliases: []string{"p"}, Usage: "strategy parameters as a JSON object", Value: "{}"},
					&cli.StringFlag{Name: "symbol", Usage: "exchange symbol, e.g. BTCUSDT", Value: "BTCUSDT"},
					&cli.StringFlag{Name: "timeframe", Aliases: []string{"t"}, Usage: "candle timeframe, e.g. 1h", Value: "1h"},
					&cli.TimestampFlag{
						Name:     "start",
						Usage:    "start date in `YYYY-MM-DD` format (or RFC3339)",
						Required: true,
						Config:   cli.TimestampConfig{Layouts: []string{"2006-01-02", time.RFC3339}},
					},
					&cli.TimestampFlag{
						Name:   "end",
						Usage:  "end date in `YYYY-MM-DD` format (or RFC3339). Defaults to now.",
						Value:  time.Now().UTC(),
						Config: cli.TimestampConfig{Layouts: []string{"2006-01-02", time.RFC3339}},
					},
					&cli.FloatFlag{Name: "capital", Usage: "initial capital in quote currency (0 = DEFAULT_CAPITAL)"},
					&cli.FloatFlag{Name: "fee", Usage: "fee rate per fill (default BACKTEST_FEE_RATE)", Value: -1},
					&cli.FloatFlag{Name: "slippage-bps", Usage: "adverse slippage in basis points (default BACKTEST_SLIPPAGE_BPS)", Value: -1},
					&cli.FloatFlag{Name: "order-size", Usage: "base quantity per entry without a sizing hint (0 = all equity)"},
					&cli.StringFlag{Name: "csv", Usage: "read candles from a CSV file instead of Binance"},
					&cli.BoolFlag{Name: "summary", Usage: "print metrics only, without trades, equity and candles"},
				},
				Action: backtestAction,
			},
			{
				Name:  "token",
				Usage: "Issue an operator API token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "operator", Usage: "token subject (default OPERATOR_USER)"},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 72 * time.Hour},
				},
				Action: tokenAction,
			},
			{
				Name:      "hash-password",
				Usage:     "Print the bcrypt hash to put in OPERATOR_PASSWORD_HASH",
				ArgsUsage: "<password>",
				Action:    hashPasswordAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log.With(zap.String("worker_id", cfg.WorkerID)), nil
}
