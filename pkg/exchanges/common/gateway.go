package common

import "context"

// Gateway is the contract the engine needs from a trading venue.
//
// PlaceOrder fails with an error matching one of ErrRateLimited,
// ErrInsufficientFunds, ErrRejected or ErrNetwork. Only network and rate
// limit failures are worth retrying; see IsRetryable.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol string, ref OrderRef) error
	FetchOrderStatus(ctx context.Context, symbol string, ref OrderRef) (OrderStatusReport, error)
	FetchOpenPosition(ctx context.Context, symbol string) (PositionReport, error)
}
