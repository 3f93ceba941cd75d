package market

import (
	"time"

	binance "strategy-engine/pkg/market/binance"
)

// Bar is one OHLCV candle. Windows handed to strategies are ordered oldest
// first and end at the current (or simulated current) bar.
type Bar struct {
	OpenTime  time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// FromKline converts a Binance kline into a Bar.
func FromKline(k binance.Kline) Bar {
	return Bar{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
	}
}

// Closes extracts closing prices.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts high prices.
func Highs(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts low prices.
func Lows(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}
