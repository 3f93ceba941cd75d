package market

import (
	"context"
	"fmt"
	"time"
)

// Feed is the pull interface strategies read windows from. Live and replayed
// data expose the same shape.
type Feed interface {
	Window(ctx context.Context, n int) ([]Bar, error)
}

// CandleSource supplies closed candles for a symbol. Zero start/end means the
// most recent candles.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, tf Timeframe, limit int, start, end time.Time) ([]Bar, error)
}

// LiveFeed pulls the latest closed candles from a CandleSource.
type LiveFeed struct {
	Source    CandleSource
	Symbol    string
	Timeframe Timeframe
	Now       func() time.Time
}

// NewLiveFeed builds a live feed over source.
func NewLiveFeed(source CandleSource, symbol string, tf Timeframe) *LiveFeed {
	return &LiveFeed{Source: source, Symbol: symbol, Timeframe: tf, Now: time.Now}
}

// Window returns up to n closed candles ending at the most recent close. The
// candle still forming is dropped.
func (f *LiveFeed) Window(ctx context.Context, n int) ([]Bar, error) {
	if f.Source == nil {
		return nil, fmt.Errorf("live feed %s: no candle source", f.Symbol)
	}
	bars, err := f.Source.Candles(ctx, f.Symbol, f.Timeframe, n+1, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	now := f.Now()
	for len(bars) > 0 && bars[len(bars)-1].CloseTime.After(now) {
		bars = bars[:len(bars)-1]
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}
