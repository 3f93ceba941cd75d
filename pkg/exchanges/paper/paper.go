// Package paper is an in-memory simulated exchange. It backs dry-run
// subscriptions and serves as the gateway fake in tests.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"strategy-engine/pkg/exchanges/common"
)

// Config tunes the simulation.
type Config struct {
	FeeRate        float64 // e.g. 0.001 = 10 bps, charged in quote
	SlippageBps    float64 // adverse slippage applied to market fills
	Jitter         bool    // draw slippage uniformly from [0, SlippageBps]
	InitialBalance float64 // quote balance; 0 disables funds checks
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	AcceptOnly     bool             // market orders rest as NEW until Settle is called
	Now            func() time.Time // fill and update timestamps; nil = time.Now
}

// Op names a gateway operation for fault injection.
type Op string

const (
	OpPlace    Op = "place"
	OpCancel   Op = "cancel"
	OpStatus   Op = "status"
	OpPosition Op = "position"
)

// Fault makes the next Times calls of Op fail with Err. With AfterEffect the
// operation takes effect at the exchange before the error is returned, which
// simulates a lost acknowledgement.
type Fault struct {
	Op          Op
	Err         error
	Times       int
	AfterEffect bool
}

type order struct {
	report   common.OrderStatusReport
	limit    decimal.Decimal
	isMarket bool
}

type holding struct {
	size decimal.Decimal // signed
	avg  decimal.Decimal
}

// Exchange implements common.Gateway in memory.
type Exchange struct {
	mu       sync.Mutex
	cfg      Config
	prices   map[string]decimal.Decimal
	orders   map[string]*order
	byClient map[string]string
	holdings map[string]*holding
	balance  decimal.Decimal
	faults   []Fault
	nextID   int64
	placed   int
	rng      *rand.Rand
	now      func() time.Time
}

var _ common.Gateway = (*Exchange)(nil)

// New creates a simulated exchange.
func New(cfg Config) *Exchange {
	e := &Exchange{
		cfg:      cfg,
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*order),
		byClient: make(map[string]string),
		holdings: make(map[string]*holding),
		balance:  decimal.NewFromFloat(cfg.InitialBalance),
		nextID:   1000,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
	if cfg.Now != nil {
		e.now = cfg.Now
	}
	return e
}

// SetPrice updates the last traded price and fills resting limit orders it crosses.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sym := strings.ToUpper(symbol)
	e.prices[sym] = decimal.NewFromFloat(price)
	for _, o := range e.orders {
		if o.report.Symbol != sym || o.isMarket || o.report.Status.Terminal() {
			continue
		}
		p := e.prices[sym]
		if (o.report.Side == common.SideBuy && p.LessThanOrEqual(o.limit)) ||
			(o.report.Side == common.SideSell && p.GreaterThanOrEqual(o.limit)) {
			e.fill(o, o.limit)
		}
	}
}

// Inject queues a fault.
func (e *Exchange) Inject(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	e.mu.Lock()
	e.faults = append(e.faults, f)
	e.mu.Unlock()
}

// Settle fills every resting market order at the current price.
func (e *Exchange) Settle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.isMarket && !o.report.Status.Terminal() {
			if p, ok := e.prices[o.report.Symbol]; ok {
				e.fill(o, e.slipped(o.report.Side, p))
			}
		}
	}
}

// PlacedCount returns how many orders reached the exchange.
func (e *Exchange) PlacedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed
}

// Balance returns the simulated quote balance.
func (e *Exchange) Balance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	if err := e.latency(ctx); err != nil {
		return common.OrderAck{}, common.Classify(common.ErrNetwork, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	fault, faulted := e.takeFault(OpPlace)
	if faulted && !fault.AfterEffect {
		return common.OrderAck{}, fault.Err
	}

	sym := strings.ToUpper(req.Symbol)
	if !req.Qty.IsPositive() {
		return common.OrderAck{}, common.Classify(common.ErrRejected, fmt.Errorf("paper: quantity must be positive"))
	}
	if req.ClientID != "" {
		if id, dup := e.byClient[req.ClientID]; dup {
			return common.OrderAck{}, common.Classify(common.ErrRejected, fmt.Errorf("paper: duplicate client order id %s (order %s)", req.ClientID, id))
		}
	}
	isMarket := req.Type == "" || req.Type == common.OrderTypeMarket
	last, hasPrice := e.prices[sym]
	if isMarket && !hasPrice {
		return common.OrderAck{}, common.Classify(common.ErrRejected, fmt.Errorf("paper: no price for %s", sym))
	}
	if !isMarket && !req.Price.IsPositive() {
		return common.OrderAck{}, common.Classify(common.ErrRejected, fmt.Errorf("paper: limit order requires a price"))
	}

	ref := req.Price
	if isMarket {
		ref = e.slipped(req.Side, last)
	}
	if req.Side == common.SideBuy && e.cfg.InitialBalance > 0 {
		cost := ref.Mul(req.Qty).Mul(decimal.NewFromFloat(1 + e.cfg.FeeRate))
		if cost.GreaterThan(e.balance) {
			return common.OrderAck{}, common.Classify(common.ErrInsufficientFunds,
				fmt.Errorf("paper: need %s, have %s", cost.StringFixed(2), e.balance.StringFixed(2)))
		}
	}

	e.nextID++
	e.placed++
	o := &order{
		report: common.OrderStatusReport{
			ExchangeOrderID: strconv.FormatInt(e.nextID, 10),
			ClientID:        req.ClientID,
			Symbol:          sym,
			Side:            req.Side,
			Status:          common.StatusNew,
			OrigQty:         req.Qty,
			UpdateTime:      e.now(),
		},
		limit:    req.Price,
		isMarket: isMarket,
	}
	e.orders[o.report.ExchangeOrderID] = o
	if req.ClientID != "" {
		e.byClient[req.ClientID] = o.report.ExchangeOrderID
	}

	switch {
	case isMarket && !e.cfg.AcceptOnly:
		e.fill(o, ref)
	case !isMarket && hasPrice:
		if (req.Side == common.SideBuy && last.LessThanOrEqual(req.Price)) ||
			(req.Side == common.SideSell && last.GreaterThanOrEqual(req.Price)) {
			e.fill(o, req.Price)
		}
	}

	if faulted {
		return common.OrderAck{}, fault.Err
	}
	return common.OrderAck{
		ExchangeOrderID: o.report.ExchangeOrderID,
		ClientID:        o.report.ClientID,
		Status:          o.report.Status,
		ExecutedQty:     o.report.ExecutedQty,
		AvgPrice:        o.report.AvgPrice,
		Fee:             o.report.Fee,
		TransactTime:    o.report.UpdateTime,
	}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, ref common.OrderRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fault, faulted := e.takeFault(OpCancel)
	if faulted && !fault.AfterEffect {
		return fault.Err
	}
	o, ok := e.lookup(ref)
	if !ok {
		return common.Classify(common.ErrOrderNotFound, fmt.Errorf("paper: order %+v", ref))
	}
	if o.report.Status.Terminal() {
		return common.Classify(common.ErrRejected, fmt.Errorf("paper: order %s already %s", o.report.ExchangeOrderID, o.report.Status))
	}
	o.report.Status = common.StatusCanceled
	o.report.UpdateTime = e.now()
	if faulted {
		return fault.Err
	}
	return nil
}

func (e *Exchange) FetchOrderStatus(ctx context.Context, symbol string, ref common.OrderRef) (common.OrderStatusReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fault, faulted := e.takeFault(OpStatus); faulted {
		return common.OrderStatusReport{}, fault.Err
	}
	o, ok := e.lookup(ref)
	if !ok {
		return common.OrderStatusReport{}, common.Classify(common.ErrOrderNotFound, fmt.Errorf("paper: order %+v", ref))
	}
	return o.report, nil
}

func (e *Exchange) FetchOpenPosition(ctx context.Context, symbol string) (common.PositionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fault, faulted := e.takeFault(OpPosition); faulted {
		return common.PositionReport{}, fault.Err
	}
	sym := strings.ToUpper(symbol)
	report := common.PositionReport{Symbol: sym}
	if h, ok := e.holdings[sym]; ok {
		report.Size = h.size
		report.AvgPrice = h.avg
	}
	return report, nil
}

// fill executes the remaining quantity of o at price. Caller holds mu.
func (e *Exchange) fill(o *order, price decimal.Decimal) {
	qty := o.report.OrigQty.Sub(o.report.ExecutedQty)
	if !qty.IsPositive() {
		return
	}
	fee := price.Mul(qty).Mul(decimal.NewFromFloat(e.cfg.FeeRate))

	prevQuote := o.report.AvgPrice.Mul(o.report.ExecutedQty)
	o.report.ExecutedQty = o.report.ExecutedQty.Add(qty)
	o.report.AvgPrice = prevQuote.Add(price.Mul(qty)).Div(o.report.ExecutedQty)
	o.report.Fee = o.report.Fee.Add(fee)
	o.report.Status = common.StatusFilled
	o.report.UpdateTime = e.now()

	signed := qty
	notional := price.Mul(qty)
	if o.report.Side == common.SideSell {
		signed = qty.Neg()
		e.balance = e.balance.Add(notional)
	} else {
		e.balance = e.balance.Sub(notional)
	}
	e.balance = e.balance.Sub(fee)

	h, ok := e.holdings[o.report.Symbol]
	if !ok {
		h = &holding{}
		e.holdings[o.report.Symbol] = h
	}
	switch {
	case h.size.IsZero() || h.size.Sign() == signed.Sign():
		total := h.size.Abs().Add(qty)
		h.avg = h.avg.Mul(h.size.Abs()).Add(price.Mul(qty)).Div(total)
		h.size = h.size.Add(signed)
	default:
		next := h.size.Add(signed)
		switch {
		case next.IsZero():
			h.avg = decimal.Zero
		case next.Sign() != h.size.Sign():
			h.avg = price
		}
		h.size = next
	}
}

func (e *Exchange) slipped(side common.Side, price decimal.Decimal) decimal.Decimal {
	frac := e.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	if e.cfg.Jitter {
		frac = e.rng.Float64() * frac
	}
	if side == common.SideBuy {
		return price.Mul(decimal.NewFromFloat(1 + frac))
	}
	return price.Mul(decimal.NewFromFloat(1 - frac))
}

func (e *Exchange) lookup(ref common.OrderRef) (*order, bool) {
	if ref.ExchangeOrderID != "" {
		o, ok := e.orders[ref.ExchangeOrderID]
		return o, ok
	}
	if id, ok := e.byClient[ref.ClientID]; ok && ref.ClientID != "" {
		o, ok := e.orders[id]
		return o, ok
	}
	return nil, false
}

func (e *Exchange) takeFault(op Op) (Fault, bool) {
	for i, f := range e.faults {
		if f.Op != op {
			continue
		}
		f.Times--
		if f.Times <= 0 {
			e.faults = append(e.faults[:i], e.faults[i+1:]...)
		} else {
			e.faults[i] = f
		}
		return f, true
	}
	return Fault{}, false
}

func (e *Exchange) latency(ctx context.Context) error {
	lo, hi := e.cfg.LatencyMin, e.cfg.LatencyMax
	if hi <= 0 {
		return nil
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	e.mu.Lock()
	delay := lo + time.Duration(e.rng.Int63n(int64(hi-lo)+1))
	e.mu.Unlock()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
