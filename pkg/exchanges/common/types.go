package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRef identifies an order at the exchange. Either field may be empty;
// ClientID is known before the exchange acknowledges the order.
type OrderRef struct {
	ExchangeOrderID string
	ClientID        string
}

// OrderRequest captures an order to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string
}

// OrderAck is the exchange acknowledgment of a placed order. Market orders
// may come back already (partially) filled.
type OrderAck struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	TransactTime    time.Time
}

// OrderStatusReport is the exchange view of one order.
type OrderStatusReport struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Status          OrderStatus
	OrigQty         decimal.Decimal
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	UpdateTime      time.Time
}

// PositionReport is the exchange view of holdings for a symbol. For spot
// venues Size is the free+locked base asset balance.
type PositionReport struct {
	Symbol   string
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}
