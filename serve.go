package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-engine/internal/api"
	"strategy-engine/internal/backtest"
	"strategy-engine/internal/credentials"
	"strategy-engine/internal/data"
	"strategy-engine/internal/engine"
	"strategy-engine/internal/events"
	"strategy-engine/internal/gateway"
	"strategy-engine/internal/ledger"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/runner"
	"strategy-engine/internal/runstate"
	"strategy-engine/internal/strategy"
	"strategy-engine/internal/subscriptions"
	"strategy-engine/pkg/config"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/paper"
	marketbinance "strategy-engine/pkg/market/binance"
)

const shutdownTimeout = 30 * time.Second

func serveAction(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting strategy engine",
		zap.String("version", buildVersion),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("testnet", cfg.BinanceTestnet),
	)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	registry := strategy.DefaultRegistry()
	if cfg.SubscriptionsFile != "" {
		entries, err := subscriptions.LoadFile(cfg.SubscriptionsFile)
		if err != nil {
			return fmt.Errorf("load %s: %w", cfg.SubscriptionsFile, err)
		}
		if _, err := subscriptions.Sync(ctx, database, registry, entries, log.Named("seed")); err != nil {
			return fmt.Errorf("seed subscriptions: %w", err)
		}
	}

	keyring, err := credentials.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("credentials keyring: %w", err)
	}
	metrics := monitor.NewSystemMetrics()
	bus := events.NewBus()

	gwCfg := gateway.DefaultConfig()
	gwCfg.DryRun = cfg.DryRun
	gateways := gateway.NewManager(
		credentials.NewEnvResolver(keyring),
		gateway.NewFactory(gateway.FactoryConfig{
			Testnet:    cfg.BinanceTestnet,
			RatePerSec: cfg.OrderRatePerSec,
			Paper:      paper.Config{FeeRate: cfg.DryRunFeeRate, SlippageBps: cfg.DryRunSlippageBps},
		}),
		gwCfg, metrics, log,
	)
	gateways.Start(ctx)
	defer gateways.Stop()

	candles := data.NewHistoricalDataService(marketbinance.NewClient(cfg.BinanceTestnet))
	led := ledger.New(database, log)
	supervisor := runner.NewSupervisor(runner.Deps{
		DB:       database,
		Ledger:   led,
		Leases:   runstate.NewStore(database, cfg.WorkerID, cfg.LeaseTTL),
		Registry: registry,
		Gateways: gateways,
		Candles:  candles,
		Bus:      bus,
		Metrics:  metrics,
		Logger:   log,
	}, runner.Options{
		WindowSize:        cfg.WindowSize,
		TickInterval:      cfg.TickIntervalOverride,
		SubmitMaxAttempts: cfg.SubmitMaxAttempts,
		SubmitBackoffBase: cfg.SubmitBackoffBase,
		SubmitBackoffMax:  cfg.SubmitBackoffMax,
		SubmitTimeout:     cfg.SubmitTimeout,
		DefaultCapital:    cfg.DefaultCapital,
	})
	backtests := backtest.NewService(database, candles, registry, backtest.Config{
		MaxDays:        cfg.MaxBacktestDays,
		DefaultCapital: cfg.DefaultCapital,
		FeeRate:        cfg.BacktestFeeRate,
		SlippageBps:    cfg.BacktestSlippageBps,
		Logger:         log,
		Bus:            bus,
		Metrics:        metrics,
	})

	eng := engine.NewImpl(engine.Config{
		DB:         database,
		Supervisor: supervisor,
		Ledger:     led,
		Backtests:  backtests,
		Registry:   registry,
		Meta: engine.SystemStatus{
			WorkerID:   cfg.WorkerID,
			DryRun:     cfg.DryRun,
			Testnet:    cfg.BinanceTestnet,
			AutoResume: cfg.AutoResume,
			Version:    buildVersion,
		},
	})

	(&monitor.Monitor{
		Bus:    bus,
		Sinks:  []monitor.AlertSink{monitor.LogSink{Logger: log.Named("alerts")}},
		Logger: log,
	}).Start(ctx)

	server := api.NewServer(eng, bus, metrics, api.Config{
		JWTSecret:            cfg.JWTSecret,
		CORSOrigins:          cfg.CORSOrigins,
		OperatorUser:         cfg.OperatorUser,
		OperatorPasswordHash: cfg.OperatorPasswordHash,
		Logger:               log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if cfg.AutoResume {
		g.Go(func() error {
			return supervisor.RunSweeper(gctx, cfg.SweepInterval)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetGatewayPoolStats(gateways.Stats())
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Runners stop first so no tick starts after the API is gone; orders
		// already in flight finish under their own submit timeout.
		err := supervisor.StopAll(shutdownCtx)
		err = multierr.Append(err, httpServer.Shutdown(shutdownCtx))
		backtests.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown with errors", zap.Error(err))
		return err
	}
	log.Info("stopped")
	return nil
}
