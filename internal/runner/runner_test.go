package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/events"
	"strategy-engine/internal/ledger"
	"strategy-engine/internal/market"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/runstate"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
	"strategy-engine/pkg/exchanges/common"
	"strategy-engine/pkg/exchanges/paper"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// staticCandles serves a fixed hourly series; the live feed drops bars that
// have not closed yet.
type staticCandles struct {
	bars []market.Bar
	err  error
}

func (s *staticCandles) Candles(ctx context.Context, symbol string, tf market.Timeframe, limit int, start, end time.Time) ([]market.Bar, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]market.Bar(nil), s.bars...), nil
}

func hourlyBars(n int, price float64) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		open := epoch.Add(time.Duration(i) * time.Hour)
		bars[i] = market.Bar{
			OpenTime:  open,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1,
			CloseTime: open.Add(time.Hour - time.Millisecond),
		}
	}
	return bars
}

type staticGateways struct {
	gw  common.Gateway
	err error
}

func (s staticGateways) Get(ctx context.Context, ref string) (common.Gateway, error) {
	return s.gw, s.err
}

type fixedParams struct {
	Direction string `json:"direction"`
}

type fixedEvaluator struct{ dir strategy.Direction }

func (e fixedEvaluator) MinLookback() int { return 1 }

func (e fixedEvaluator) Evaluate(window []market.Bar) strategy.Intent {
	return strategy.Intent{Timestamp: window[len(window)-1].OpenTime, Direction: e.dir, Reason: "fixed"}
}

type bracketParams struct {
	Entry             float64 `json:"entry"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
}

// bracketEvaluator buys while the close sits at the entry level and relies on
// its stop and target to get out.
type bracketEvaluator struct{ p bracketParams }

func (e bracketEvaluator) MinLookback() int { return 1 }

func (e bracketEvaluator) Evaluate(window []market.Bar) strategy.Intent {
	last := window[len(window)-1]
	if last.Close == e.p.Entry {
		return strategy.Intent{Timestamp: last.OpenTime, Direction: strategy.Long, Reason: "entry"}
	}
	return strategy.Intent{Timestamp: last.OpenTime, Direction: strategy.Hold}
}

func (e bracketEvaluator) ExitPercents() (float64, float64) {
	return e.p.StopLossPercent, e.p.TakeProfitPercent
}

func testRegistry(t *testing.T) *strategy.Registry {
	t.Helper()
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(strategy.Definition{
		Name:     "fixed",
		Defaults: func() any { return &fixedParams{Direction: "long"} },
		Build: func(p any) strategy.Evaluator {
			return fixedEvaluator{dir: strategy.Direction(p.(*fixedParams).Direction)}
		},
	}))
	require.NoError(t, reg.Register(strategy.Definition{
		Name:     "bracket",
		Defaults: func() any { return &bracketParams{} },
		Build:    func(p any) strategy.Evaluator { return bracketEvaluator{p: *p.(*bracketParams)} },
	}))
	return reg
}

type harness struct {
	db      *db.Database
	ledger  *ledger.Ledger
	ex      *paper.Exchange
	clock   *clock
	candles *staticCandles
	deps    Deps
	opts    Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	c := &clock{t: epoch.Add(26*time.Hour + 30*time.Second)}
	h := &harness{
		db:      database,
		ledger:  ledger.New(database, nil),
		ex:      paper.New(paper.Config{Now: c.Now}),
		clock:   c,
		candles: &staticCandles{bars: hourlyBars(48, 100)},
	}
	h.deps = Deps{
		DB:       database,
		Ledger:   h.ledger,
		Leases:   h.store("worker-a"),
		Registry: testRegistry(t),
		Gateways: staticGateways{gw: h.ex},
		Candles:  h.candles,
		Bus:      events.NewBus(),
		Metrics:  monitor.NewSystemMetrics(),
		Now:      c.Now,
	}
	h.opts = Options{
		TickInterval:      5 * time.Millisecond,
		SubmitMaxAttempts: 2,
		SubmitBackoffBase: time.Millisecond,
		SubmitBackoffMax:  2 * time.Millisecond,
	}
	return h
}

func (h *harness) store(owner string) *runstate.Store {
	return runstate.NewStore(h.db, owner, 30*time.Second).WithClock(h.clock.Now)
}

func (h *harness) subscribe(t *testing.T, strategyName, params string) int64 {
	t.Helper()
	id, err := h.db.UpsertSubscription(context.Background(), db.Subscription{
		UserID:        "u1",
		Strategy:      strategyName,
		CredentialRef: "paper",
		Exchange:      "paper",
		Symbol:        "BTCUSDT",
		Timeframe:     "1h",
		Parameters:    params,
		OrderSize:     0.5,
		IsActive:      true,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) orders(t *testing.T, subID int64) []db.Order {
	t.Helper()
	out, err := h.ledger.ListOrders(context.Background(), subID, db.OrderFilter{})
	require.NoError(t, err)
	return out
}

func countStates(orders []db.Order) map[db.OrderState]int {
	out := make(map[db.OrderState]int)
	for _, o := range orders {
		out[o.State]++
	}
	return out
}

func transientPlaceFault(times int, afterEffect bool) paper.Fault {
	return paper.Fault{
		Op:          paper.OpPlace,
		Err:         common.Classify(common.ErrNetwork, errors.New("connection reset")),
		Times:       times,
		AfterEffect: afterEffect,
	}
}

func TestTickSubmitsOnceAndTracksPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))

	cont, err := r.tick(ctx)
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Equal(t, 1, h.ex.PlacedCount())

	orders := h.orders(t, id)
	require.Len(t, orders, 1)
	assert.Equal(t, db.OrderFilled, orders[0].State)
	assert.NotEmpty(t, orders[0].ExchangeOrderID)

	pos, err := h.ledger.CurrentPosition(ctx, id, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, pos.NetSize.Equal(decimal.RequireFromString("0.5")), "net %s", pos.NetSize)

	// Same candle again, then a new candle with the position already held.
	_, err = r.tick(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = r.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.ex.PlacedCount())

	sub, err := h.db.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, sub.StatusMessage, "Running - Last execution: ")
	assert.True(t, sub.LastRunAt.Valid)

	rs, err := h.deps.Leases.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(26*time.Hour).UnixMilli(), rs.LastEvaluatedAt)
}

func TestFlatIntentClosesPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))
	_, err := r.tick(ctx)
	require.NoError(t, err)

	_, err = h.db.UpsertSubscription(ctx, db.Subscription{
		ID: id, UserID: "u1", Strategy: "fixed", CredentialRef: "paper", Exchange: "paper",
		Symbol: "BTCUSDT", Timeframe: "1h", Parameters: `{"direction":"flat"}`, OrderSize: 0.5, IsActive: true,
	})
	require.NoError(t, err)

	r2 := newRunner(id, h.deps, h.opts)
	require.NoError(t, r2.start(ctx))
	h.clock.Advance(time.Hour)
	_, err = r2.tick(ctx)
	require.NoError(t, err)

	orders := h.orders(t, id)
	require.Len(t, orders, 2)
	assert.ElementsMatch(t, []string{"BUY", "SELL"}, []string{orders[0].Side, orders[1].Side})
	pos, err := h.ledger.CurrentPosition(ctx, id, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, pos.IsFlat())
}

func TestProtectiveExitClosesLivePosition(t *testing.T) {
	cases := []struct {
		name   string
		price  float64
		reason string
	}{
		{"stop loss", 80, strategy.ReasonStopLoss},
		{"take profit", 110, strategy.ReasonTakeProfit},
		{"inside the bracket", 99, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			for i := 26; i < len(h.candles.bars); i++ {
				b := &h.candles.bars[i]
				b.Open, b.High, b.Low, b.Close = tc.price, tc.price, tc.price, tc.price
			}
			id := h.subscribe(t, "bracket", `{"entry":100,"stop_loss_percent":2,"take_profit_percent":4}`)

			r := newRunner(id, h.deps, h.opts)
			require.NoError(t, r.start(ctx))
			_, err := r.tick(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, h.ex.PlacedCount())

			h.clock.Advance(time.Hour)
			_, err = r.tick(ctx)
			require.NoError(t, err)

			pos, err := h.ledger.CurrentPosition(ctx, id, decimal.Zero)
			require.NoError(t, err)
			if tc.reason == "" {
				assert.Equal(t, 1, h.ex.PlacedCount())
				assert.True(t, pos.NetSize.Equal(decimal.RequireFromString("0.5")), "net %s", pos.NetSize)
				return
			}

			assert.Equal(t, 2, h.ex.PlacedCount())
			assert.True(t, pos.IsFlat(), "net %s", pos.NetSize)
			var sells []db.Order
			for _, o := range h.orders(t, id) {
				if o.Side == "SELL" {
					sells = append(sells, o)
				}
			}
			require.Len(t, sells, 1)
			assert.Equal(t, tc.reason, sells[0].Reason)
			assert.Equal(t, db.OrderFilled, sells[0].State)
			assert.True(t, sells[0].RequestedSize.Equal(decimal.RequireFromString("0.5")))

			// Flat and below the entry level: nothing more to do.
			h.clock.Advance(time.Hour)
			_, err = r.tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, h.ex.PlacedCount())
		})
	}
}

func TestNoDuplicateOrderAfterCrashBeforeSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)
	h.ex.Inject(transientPlaceFault(2, false))

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))
	_, err := r.tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrTransientGateway)
	assert.Equal(t, 0, h.ex.PlacedCount())

	orders := h.orders(t, id)
	require.Len(t, orders, 1)
	assert.Equal(t, db.OrderPendingSubmit, orders[0].State)

	// The process dies here without releasing anything; a new runner resumes.
	r2 := newRunner(id, h.deps, h.opts)
	require.NoError(t, r2.start(ctx))
	_, err = r2.tick(ctx)
	require.NoError(t, err)

	rejected, err := h.ledger.Order(ctx, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderRejected, rejected.State)
	assert.Equal(t, "never reached exchange", rejected.StatusDetail)

	orders = h.orders(t, id)
	require.Len(t, orders, 2)
	assert.Equal(t, map[db.OrderState]int{db.OrderRejected: 1, db.OrderFilled: 1}, countStates(orders))
	assert.Equal(t, 1, h.ex.PlacedCount())
}

func TestNoDuplicateOrderAfterCrashAfterSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)
	h.opts.SubmitMaxAttempts = 1
	h.ex.Inject(transientPlaceFault(1, true))

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))
	_, err := r.tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, h.ex.PlacedCount())

	r2 := newRunner(id, h.deps, h.opts)
	require.NoError(t, r2.start(ctx))

	orders := h.orders(t, id)
	require.Len(t, orders, 1)
	assert.Equal(t, db.OrderFilled, orders[0].State)

	_, err = r2.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.ex.PlacedCount())
	assert.Len(t, h.orders(t, id), 1)

	pos, err := h.ledger.CurrentPosition(ctx, id, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, pos.NetSize.Equal(decimal.RequireFromString("0.5")))
}

func TestLostAckResolvedWithinSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)
	h.ex.Inject(transientPlaceFault(1, true))

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))
	_, err := r.tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, h.ex.PlacedCount())
	orders := h.orders(t, id)
	require.Len(t, orders, 1)
	assert.Equal(t, db.OrderFilled, orders[0].State)
}

func TestTerminalRejectionRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)
	h.ex.Inject(paper.Fault{Op: paper.OpPlace, Err: common.Classify(common.ErrInsufficientFunds, errors.New("balance too low"))})

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))
	cont, err := r.tick(ctx)
	require.NoError(t, err)
	assert.True(t, cont)

	orders := h.orders(t, id)
	require.Len(t, orders, 1)
	assert.Equal(t, db.OrderRejected, orders[0].State)
	assert.Equal(t, uint64(1), h.deps.Metrics.GetSnapshot().OrdersRejected)

	// The candle counts as evaluated; nothing is retried until the next one.
	_, err = r.tick(ctx)
	require.NoError(t, err)
	assert.Len(t, h.orders(t, id), 1)
}

func TestLeaseLostStopsSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))

	h.clock.Advance(31 * time.Second)
	_, err := h.store("worker-b").Acquire(ctx, id)
	require.NoError(t, err)

	cont, err := r.tick(ctx)
	assert.False(t, cont)
	assert.ErrorIs(t, err, engineerr.ErrLeaseLost)
	assert.Equal(t, 0, h.ex.PlacedCount())
	assert.Empty(t, h.orders(t, id))
}

func TestStartSkipsWhenLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)
	_, err := h.store("worker-b").Acquire(ctx, id)
	require.NoError(t, err)

	sup := NewSupervisor(h.deps, h.opts)
	require.NoError(t, sup.Start(ctx, id))
	assert.Empty(t, sup.Running())
	assert.Equal(t, 0, h.ex.PlacedCount())
}

func TestExpiryDeactivatesSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)
	sub, err := h.db.GetSubscription(ctx, id)
	require.NoError(t, err)
	sub.ExpiresAt.Valid = true
	sub.ExpiresAt.Time = h.clock.Now().Add(time.Hour)
	_, err = h.db.UpsertSubscription(ctx, sub)
	require.NoError(t, err)

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))
	h.clock.Advance(2 * time.Hour)

	cont, err := r.tick(ctx)
	require.NoError(t, err)
	assert.False(t, cont)
	r.shutdown(ctx)

	sub, err = h.db.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.False(t, sub.IsActive)
	assert.Equal(t, "Stopped - subscription expired", sub.StatusMessage)
	assert.Equal(t, StateStopped, r.State())
}

func TestDataFetchErrorKeepsRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))
	h.candles.err = errors.New("klines unavailable")

	cont, err := r.tick(ctx)
	assert.True(t, cont)
	assert.ErrorIs(t, err, engineerr.ErrTransientGateway)

	sub, err := h.db.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Data fetch error: klines unavailable", sub.StatusMessage)
}

func TestConfigurationErrorFailsStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{"period": 3}`)

	sup := NewSupervisor(h.deps, h.opts)
	err := sup.Start(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrConfiguration)
	assert.Empty(t, sup.Running())

	sub, err := h.db.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, sub.StatusMessage, "Error: ")

	rs, err := h.deps.Leases.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runstate.StateFailed, rs.State)
}

func TestReconcileOverridesCanceledOrderFilledAtExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{"direction":"hold"}`)

	o, err := h.ledger.RecordIntentResult(ctx, db.Order{
		SubscriptionID: id, Symbol: "BTCUSDT", Side: "BUY", RequestedSize: decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	h.ex.SetPrice("BTCUSDT", 100)
	_, err = h.ex.PlaceOrder(ctx, common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket,
		Qty: o.RequestedSize, ClientID: o.ClientOrderID,
	})
	require.NoError(t, err)
	require.NoError(t, h.ledger.Transition(ctx, o.ID, db.OrderCanceled, "operator"))

	r := newRunner(id, h.deps, h.opts)
	require.NoError(t, r.start(ctx))

	got, err := h.ledger.Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderFilled, got.State)
	filled, err := h.ledger.FilledSize(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, filled.Equal(o.RequestedSize))
	assert.Equal(t, uint64(1), h.deps.Metrics.GetSnapshot().Conflicts)
}

func TestSupervisorStartStopIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.subscribe(t, "fixed", `{}`)

	sup := NewSupervisor(h.deps, h.opts)
	require.NoError(t, sup.Start(ctx, id))
	require.NoError(t, sup.Start(ctx, id))
	assert.Equal(t, []int64{id}, sup.Running())

	st, err := sup.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Local)
	assert.Equal(t, "worker-a", st.Owner)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(stopCtx, id))
	require.NoError(t, sup.Stop(stopCtx, id))
	assert.Empty(t, sup.Running())
	assert.LessOrEqual(t, h.ex.PlacedCount(), 1)

	sub, err := h.db.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Stopped", sub.StatusMessage)
	rs, err := h.deps.Leases.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runstate.StateStopped, rs.State)
	assert.Empty(t, rs.Owner)
}

func TestStopInterruptsLongSleep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.opts.TickInterval = time.Hour
	id := h.subscribe(t, "fixed", `{"direction":"hold"}`)

	sup := NewSupervisor(h.deps, h.opts)
	require.NoError(t, sup.Start(ctx, id))
	require.Eventually(t, func() bool {
		return h.deps.Metrics.GetSnapshot().TicksProcessed >= 1
	}, 2*time.Second, 5*time.Millisecond)

	began := time.Now()
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(stopCtx, id))
	assert.Less(t, time.Since(began), time.Second)
	assert.Empty(t, sup.Running())

	rs, err := h.deps.Leases.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runstate.StateStopped, rs.State)
}

func TestSweepResumesOnlyUnownedSubscriptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.subscribe(t, "fixed", `{"direction":"hold"}`)
	b := h.subscribe(t, "fixed", `{"direction":"hold"}`)
	c := h.subscribe(t, "fixed", `{"direction":"hold"}`)
	_, err := h.store("worker-b").Acquire(ctx, c)
	require.NoError(t, err)

	sup := NewSupervisor(h.deps, h.opts)
	require.NoError(t, sup.Sweep(ctx))
	assert.Equal(t, []int64{a, b}, sup.Running())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sup.StopAll(stopCtx))
	assert.Empty(t, sup.Running())

	// Deliberately stopped subscriptions stay stopped.
	require.NoError(t, sup.Sweep(ctx))
	assert.Empty(t, sup.Running())
}

func TestBackoff(t *testing.T) {
	base, ceiling := 500*time.Millisecond, 5*time.Second
	assert.Equal(t, 500*time.Millisecond, backoff(1, base, ceiling))
	assert.Equal(t, time.Second, backoff(2, base, ceiling))
	assert.Equal(t, 2*time.Second, backoff(3, base, ceiling))
	assert.Equal(t, ceiling, backoff(6, base, ceiling))
}
