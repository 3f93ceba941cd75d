package data

import (
	"context"
	"fmt"
	"sort"
	"time"

	"strategy-engine/internal/market"
	binance "strategy-engine/pkg/market/binance"
)

// KlineClient is the subset of the Binance REST client used here.
type KlineClient interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]binance.Kline, error)
}

// HistoricalDataService fetches candles from Binance, paging through long
// ranges. It implements market.CandleSource for both live and backtest use.
type HistoricalDataService struct {
	client KlineClient
}

var _ market.CandleSource = (*HistoricalDataService)(nil)

// NewHistoricalDataService creates a new service instance.
func NewHistoricalDataService(client KlineClient) *HistoricalDataService {
	return &HistoricalDataService{client: client}
}

// Candles returns candles ordered oldest first. With a zero start it returns
// the most recent `limit` candles; otherwise it pages from start to end and
// limit caps the total (0 = no cap).
func (s *HistoricalDataService) Candles(ctx context.Context, symbol string, tf market.Timeframe, limit int, start, end time.Time) ([]market.Bar, error) {
	if start.IsZero() {
		n := limit
		if n <= 0 || n > binance.MaxKlinesPerRequest {
			n = binance.MaxKlinesPerRequest
		}
		klines, err := s.client.GetKlines(ctx, symbol, tf.String(), n, 0, 0)
		if err != nil {
			return nil, err
		}
		return toBars(klines), nil
	}

	if end.IsZero() {
		end = time.Now()
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("candles %s: start %s not before end %s", symbol, start, end)
	}

	var (
		out    []market.Bar
		cursor = start.UnixMilli()
		endMs  = end.UnixMilli()
	)
	for cursor < endMs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		klines, err := s.client.GetKlines(ctx, symbol, tf.String(), binance.MaxKlinesPerRequest, cursor, endMs)
		if err != nil {
			return nil, fmt.Errorf("candles %s page at %d: %w", symbol, cursor, err)
		}
		if len(klines) == 0 {
			break
		}
		out = append(out, toBars(klines)...)
		next := klines[len(klines)-1].OpenTime + tf.Duration().Milliseconds()
		if next <= cursor {
			break
		}
		cursor = next
		if limit > 0 && len(out) >= limit {
			out = out[:limit]
			break
		}
	}
	return dedupe(out), nil
}

func toBars(klines []binance.Kline) []market.Bar {
	bars := make([]market.Bar, 0, len(klines))
	for _, k := range klines {
		bars = append(bars, market.FromKline(k))
	}
	return bars
}

// dedupe sorts by open time and drops repeated candles at page boundaries.
func dedupe(bars []market.Bar) []market.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	out := bars[:0]
	for i, b := range bars {
		if i > 0 && b.OpenTime.Equal(out[len(out)-1].OpenTime) {
			continue
		}
		out = append(out, b)
	}
	return out
}
