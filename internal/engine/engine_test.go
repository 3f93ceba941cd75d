package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-engine/internal/backtest"
	"strategy-engine/internal/data"
	"strategy-engine/internal/ledger"
	"strategy-engine/internal/market"
	"strategy-engine/internal/runner"
	"strategy-engine/internal/runstate"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
	"strategy-engine/pkg/exchanges/paper"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type paperGateways struct{ gw common.Gateway }

func (p paperGateways) Get(ctx context.Context, ref string) (common.Gateway, error) {
	return p.gw, nil
}

type idleParams struct{}

type idleEvaluator struct{}

func (idleEvaluator) MinLookback() int { return 1 }

func (idleEvaluator) Evaluate(window []market.Bar) strategy.Intent {
	return strategy.Intent{Timestamp: window[len(window)-1].OpenTime, Direction: strategy.Hold, Reason: "idle"}
}

func flatBars(n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		open := epoch.Add(time.Duration(i) * time.Hour)
		bars[i] = market.Bar{OpenTime: open, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1, CloseTime: open.Add(time.Hour - time.Millisecond)}
	}
	return bars
}

func newTestEngine(t *testing.T) (*Impl, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	reg := strategy.DefaultRegistry()
	require.NoError(t, reg.Register(strategy.Definition{
		Name:     "idle",
		Defaults: func() any { return &idleParams{} },
		Build:    func(any) strategy.Evaluator { return idleEvaluator{} },
	}))

	src := data.NewStaticSource()
	src.Add("BTCUSDT", market.MustTimeframe("1h"), flatBars(60))

	led := ledger.New(database, nil)
	sup := runner.NewSupervisor(runner.Deps{
		DB:       database,
		Ledger:   led,
		Leases:   runstate.NewStore(database, "worker-test", 30*time.Second),
		Registry: reg,
		Gateways: paperGateways{gw: paper.New(paper.Config{})},
		Candles:  src,
	}, runner.Options{TickInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = sup.StopAll(context.Background()) })

	bt := backtest.NewService(database, src, reg, backtest.Config{})
	t.Cleanup(bt.Close)

	return NewImpl(Config{
		DB:         database,
		Supervisor: sup,
		Ledger:     led,
		Backtests:  bt,
		Registry:   reg,
		Meta:       SystemStatus{WorkerID: "worker-test", DryRun: true},
	}), database
}

func seedSubscription(t *testing.T, database *db.Database) int64 {
	t.Helper()
	id, err := database.UpsertSubscription(context.Background(), db.Subscription{
		UserID:        "u1",
		Strategy:      "idle",
		CredentialRef: "paper",
		Exchange:      "paper",
		Symbol:        "BTCUSDT",
		Timeframe:     "1h",
		Parameters:    "{}",
		OrderSize:     0.1,
		IsActive:      true,
	})
	require.NoError(t, err)
	return id
}

func TestStartStopLifecycle(t *testing.T) {
	eng, database := newTestEngine(t)
	ctx := context.Background()
	id := seedSubscription(t, database)

	require.NoError(t, eng.Start(ctx, id))
	require.NoError(t, eng.Start(ctx, id), "second start is a no-op")

	st, err := eng.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Local)
	assert.Equal(t, "worker-test", st.Owner)
	assert.Equal(t, "idle", st.Strategy)
	assert.True(t, st.Position.IsFlat())
	assert.Equal(t, []int64{id}, eng.GetSystemStatus(ctx).RunningRunners)

	subs, err := eng.ListSubscriptions(ctx, true)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Running)

	require.NoError(t, eng.Stop(ctx, id))
	require.NoError(t, eng.Stop(ctx, id), "second stop is a no-op")

	st, err = eng.Status(ctx, id)
	require.NoError(t, err)
	assert.False(t, st.Local)
	assert.Equal(t, runstate.StateStopped, st.State)
	assert.Equal(t, "Stopped", st.StatusMessage)

	orders, err := eng.ListOrders(ctx, id, db.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestUnknownSubscription(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	assert.ErrorIs(t, eng.Start(ctx, 404), ErrSubscriptionNotFound)
	assert.ErrorIs(t, eng.Stop(ctx, 404), ErrSubscriptionNotFound)
	_, err := eng.Status(ctx, 404)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestBacktestRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.RunBacktest(ctx, backtest.Request{
		Strategy:  "idle",
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Start:     epoch,
		End:       epoch.Add(72 * time.Hour),
	})
	require.NoError(t, err)
	eng.backtests.Wait()

	st, err := eng.GetBacktest(ctx, id)
	require.NoError(t, err)
	require.Equal(t, backtest.StatusCompleted, st.Status, st.Error)
	require.NotNil(t, st.Details)
	assert.Zero(t, st.Details.TotalTrades)
	assert.Equal(t, st.Details.InitialCapital, st.Details.FinalEquity)

	list, err := eng.ListBacktests(ctx, db.BacktestFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Details)

	_, err = eng.GetBacktest(ctx, "missing")
	assert.ErrorIs(t, err, backtest.ErrNotFound)
}

func TestStrategiesCatalog(t *testing.T) {
	eng, _ := newTestEngine(t)
	names := eng.GetSystemStatus(context.Background()).Strategies
	assert.Contains(t, names, "ema_crossover")
	assert.Contains(t, names, "idle")
	assert.Len(t, eng.Strategies(), 7)
}
