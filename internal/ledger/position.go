package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"strategy-engine/pkg/db"
)

// Position is derived from fills and never stored or edited by hand.
type Position struct {
	SubscriptionID int64           `json:"subscription_id"`
	NetSize        decimal.Decimal `json:"net_size"` // signed: >0 long, <0 short
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"` // gross of fees
	Fees           decimal.Decimal `json:"fees"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	LastFillAt     time.Time       `json:"last_fill_at,omitempty"`
}

// IsFlat reports whether no size is held.
func (p Position) IsFlat() bool { return p.NetSize.IsZero() }

// Apply folds one fill into the position. Crossing through zero closes the old
// side and opens the remainder at the fill price.
func (p Position) Apply(f db.Fill) Position {
	qty := f.Size
	if strings.EqualFold(f.Side, "SELL") {
		qty = qty.Neg()
	}
	p.Fees = p.Fees.Add(f.Fee)
	if f.FilledAt.After(p.LastFillAt) {
		p.LastFillAt = f.FilledAt
	}

	switch {
	case qty.IsZero():
		return p
	case p.NetSize.IsZero():
		p.NetSize = qty
		p.AvgEntryPrice = f.Price
	case p.NetSize.Sign() == qty.Sign():
		held := p.NetSize.Abs()
		add := qty.Abs()
		p.AvgEntryPrice = p.AvgEntryPrice.Mul(held).Add(f.Price.Mul(add)).Div(held.Add(add))
		p.NetSize = p.NetSize.Add(qty)
	default:
		closing := decimal.Min(p.NetSize.Abs(), qty.Abs())
		direction := decimal.NewFromInt(int64(p.NetSize.Sign()))
		p.RealizedPnL = p.RealizedPnL.Add(f.Price.Sub(p.AvgEntryPrice).Mul(closing).Mul(direction))

		next := p.NetSize.Add(qty)
		switch {
		case next.IsZero():
			p.AvgEntryPrice = decimal.Zero
		case next.Sign() != p.NetSize.Sign():
			p.AvgEntryPrice = f.Price
		}
		p.NetSize = next
	}
	return p
}

// Fold recomputes a position from a complete fill history.
func Fold(subscriptionID int64, fills []db.Fill) Position {
	p := Position{SubscriptionID: subscriptionID}
	for _, f := range fills {
		p = p.Apply(f)
	}
	return p
}

// Mark sets unrealized PnL against a mark price.
func (p Position) Mark(price decimal.Decimal) Position {
	if p.NetSize.IsZero() || price.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		return p
	}
	p.UnrealizedPnL = price.Sub(p.AvgEntryPrice).Mul(p.NetSize)
	return p
}
