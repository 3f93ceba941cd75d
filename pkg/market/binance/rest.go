package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
)

// MaxKlinesPerRequest is the largest page Binance serves for /api/v3/klines.
const MaxKlinesPerRequest = 1000

const testnetURL = "https://testnet.binance.vision"

// Client wraps public REST market data access to Binance.
type Client struct {
	api *binance.Client
}

// NewClient builds a keyless market data client; use testnet to switch base URLs.
func NewClient(testnet bool) *Client {
	api := binance.NewClient("", "")
	if testnet {
		api.BaseURL = testnetURL
	}
	api.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	return &Client{api: api}
}

// WithBaseURL points the client at another host, such as a test server.
func (c *Client) WithBaseURL(u string) *Client {
	c.api.BaseURL = strings.TrimRight(u, "/")
	return c
}

// GetKlines fetches klines using the public endpoint.
// Set startTime/endTime to 0 to use default behavior (most recent klines).
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]Kline, error) {
	symbol = strings.ToUpper(symbol)
	svc := c.api.NewKlinesService().Symbol(symbol).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	if startTime > 0 {
		svc = svc.StartTime(startTime)
	}
	if endTime > 0 {
		svc = svc.EndTime(endTime)
	}

	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		klines = append(klines, Kline{
			Symbol:         symbol,
			OpenTime:       k.OpenTime,
			Open:           toFloat(k.Open),
			High:           toFloat(k.High),
			Low:            toFloat(k.Low),
			Close:          toFloat(k.Close),
			Volume:         toFloat(k.Volume),
			CloseTime:      k.CloseTime,
			QuoteVolume:    toFloat(k.QuoteAssetVolume),
			NumberOfTrades: int(k.TradeNum),
		})
	}
	return klines, nil
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
