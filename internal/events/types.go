package events

import "time"

// Event enumerates topics published by runners and the backtest service.
type Event string

const (
	EventRunnerStarted          Event = "runner.started"
	EventRunnerStopped          Event = "runner.stopped"
	EventRunnerFailed           Event = "runner.failed"
	EventTick                   Event = "runner.tick"
	EventStrategySignal         Event = "strategy.signal"
	EventOrderSubmitted         Event = "order.submitted"
	EventOrderRejected          Event = "order.rejected"
	EventOrderFilled            Event = "order.filled"
	EventOrderPartiallyFilled   Event = "order.partially_filled"
	EventReconciliationConflict Event = "reconciliation.conflict"
	EventBacktestFinished       Event = "backtest.finished"
)

// All lists every topic, for consumers that stream everything.
var All = []Event{
	EventRunnerStarted, EventRunnerStopped, EventRunnerFailed, EventTick, EventStrategySignal,
	EventOrderSubmitted, EventOrderRejected, EventOrderFilled, EventOrderPartiallyFilled,
	EventReconciliationConflict, EventBacktestFinished,
}

// RunnerEvent reports a runner lifecycle change or tick outcome.
type RunnerEvent struct {
	SubscriptionID int64     `json:"subscription_id"`
	State          string    `json:"state"`
	Message        string    `json:"message,omitempty"`
	ErrorClass     string    `json:"error_class,omitempty"`
	Time           time.Time `json:"time"`
}

// SignalEvent carries a non-hold evaluator decision.
type SignalEvent struct {
	SubscriptionID int64     `json:"subscription_id"`
	Strategy       string    `json:"strategy"`
	Direction      string    `json:"direction"`
	Reason         string    `json:"reason"`
	CandleTime     time.Time `json:"candle_time"`
}

// OrderEvent reports an order state change in the ledger.
type OrderEvent struct {
	SubscriptionID int64     `json:"subscription_id"`
	OrderID        string    `json:"order_id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Size           string    `json:"size"`
	Price          string    `json:"price,omitempty"`
	State          string    `json:"state"`
	Detail         string    `json:"detail,omitempty"`
	Time           time.Time `json:"time"`
}

// BacktestEvent reports a finished backtest run.
type BacktestEvent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Envelope wraps a payload with its topic for multiplexed streams.
type Envelope struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}
