package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/events"
	"strategy-engine/internal/market"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("backtest run not found")

// Config holds the service defaults and limits.
type Config struct {
	MaxDays        int
	DefaultCapital float64
	FeeRate        float64
	SlippageBps    float64
	Logger         *zap.Logger
	Bus            *events.Bus
	Metrics        *monitor.SystemMetrics
}

// Service accepts backtest requests, runs them in the background and keeps
// their status and results in backtest_runs.
type Service struct {
	db       *db.Database
	driver   *Driver
	registry *strategy.Registry
	cfg      Config
	logger   *zap.Logger
	validate *validator.Validate

	// base outlives request contexts; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a backtest service over the candle source.
func NewService(database *db.Database, source market.CandleSource, registry *strategy.Registry, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 366
	}
	if cfg.DefaultCapital <= 0 {
		cfg.DefaultCapital = 10000
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		db:       database,
		driver:   NewDriver(source, registry, cfg.Logger),
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger.Named("backtest"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		base:     base,
		cancel:   cancel,
	}
}

// Normalize fills defaults and validates req. Failures are configuration errors.
func (s *Service) Normalize(req Request) (Request, error) {
	const op = "backtest.Submit"

	if req.InitialCapital == 0 {
		req.InitialCapital = s.cfg.DefaultCapital
	}
	if req.FeeRate == nil {
		fee := s.cfg.FeeRate
		req.FeeRate = &fee
	}
	if req.SlippageBps == nil {
		slip := s.cfg.SlippageBps
		req.SlippageBps = &slip
	}
	if err := s.validate.Struct(req); err != nil {
		return req, engineerr.Configuration(op, err)
	}
	if req.InitialCapital <= 0 {
		return req, engineerr.Configuration(op, fmt.Errorf("initial capital must be positive"))
	}
	if !req.Start.Before(req.End) {
		return req, engineerr.Configuration(op, fmt.Errorf("start %s must be before end %s", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339)))
	}
	if days := req.End.Sub(req.Start).Hours() / 24; days > float64(s.cfg.MaxDays) {
		return req, engineerr.Configuration(op, fmt.Errorf("range of %.1f days exceeds the %d day limit", days, s.cfg.MaxDays))
	}
	if _, err := market.ParseTimeframe(req.Timeframe); err != nil {
		return req, engineerr.Configuration(op, err)
	}
	if _, err := s.registry.New(req.Strategy, req.Parameters); err != nil {
		return req, err
	}
	return req, nil
}

// Submit validates and persists req as queued, then runs it asynchronously.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	req, err := s.Normalize(req)
	if err != nil {
		return "", err
	}
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return "", engineerr.Configuration("backtest.Submit", err)
	}

	id := uuid.NewString()
	if err := s.db.CreateBacktestRun(ctx, db.BacktestRun{
		ID:             id,
		Strategy:       req.Strategy,
		Parameters:     string(params),
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartAt:        req.Start,
		EndAt:          req.End,
		InitialCapital: req.InitialCapital,
		FeeRate:        req.fee(),
		SlippageBps:    req.slippage(),
		Status:         StatusQueued,
	}); err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(id, req)
	}()
	return id, nil
}

func (s *Service) execute(id string, req Request) {
	ctx := s.base
	log := s.logger.With(zap.String("backtest_id", id))
	timer := monitor.NewTimer(s.cfg.Metrics.BacktestLatency)
	defer timer.Stop()

	ok, err := s.db.TransitionBacktestRun(ctx, id, []string{StatusQueued}, StatusRunning, "", nil, nil)
	if err != nil || !ok {
		log.Warn("backtest could not start", zap.Error(err))
		return
	}

	res, err := s.driver.Run(ctx, req)
	status, msg := StatusCompleted, ""
	var payload *string
	switch {
	case errors.Is(err, ErrNoData):
		status = StatusNoData
	case err != nil:
		status, msg = StatusFailed, err.Error()
	default:
		raw, merr := json.Marshal(res)
		if merr != nil {
			status, msg = StatusFailed, merr.Error()
			break
		}
		body := string(raw)
		payload = &body
	}

	finished := time.Now()
	if _, terr := s.db.TransitionBacktestRun(context.WithoutCancel(ctx), id, []string{StatusRunning}, status, msg, payload, &finished); terr != nil {
		log.Error("backtest result not saved", zap.Error(terr))
		return
	}
	s.cfg.Metrics.IncrementBacktests()
	if status == StatusFailed {
		s.cfg.Metrics.IncrementErrors(engineerr.ClassName(err))
	}
	log.Info("backtest finished",
		zap.String("status", status),
		zap.Int("trades", res.TotalTrades),
		zap.Float64("pnl", res.PnL),
		zap.String("error", msg),
	)
	s.cfg.Bus.Publish(events.EventBacktestFinished, events.BacktestEvent{ID: id, Status: status, Error: msg})
}

// Get returns a run's status and, once completed, its result.
func (s *Service) Get(ctx context.Context, id string) (db.BacktestRun, *Result, error) {
	run, err := s.db.GetBacktestRun(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return db.BacktestRun{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return db.BacktestRun{}, nil, err
	}
	if run.Status != StatusCompleted || !run.Result.Valid {
		return run, nil, nil
	}
	var res Result
	if err := json.Unmarshal([]byte(run.Result.String), &res); err != nil {
		return run, nil, fmt.Errorf("decode backtest result %s: %w", id, err)
	}
	return run, &res, nil
}

// List returns runs newest first without result payloads.
func (s *Service) List(ctx context.Context, f db.BacktestFilter) ([]db.BacktestRun, error) {
	return s.db.ListBacktestRuns(ctx, f)
}

// Wait blocks until every submitted run has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Close cancels running simulations and waits for them to record their outcome.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
