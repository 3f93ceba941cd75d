package market

// Kline represents a single candlestick with the Binance fields the engine uses.
type Kline struct {
	Symbol         string  // trading pair symbol
	OpenTime       int64   // 0: Open time (ms)
	Open           float64 // 1: Open price
	High           float64 // 2: High price
	Low            float64 // 3: Low price
	Close          float64 // 4: Close price
	Volume         float64 // 5: Base asset volume
	CloseTime      int64   // 6: Close time (ms)
	QuoteVolume    float64 // 7: Quote asset volume
	NumberOfTrades int     // 8: Number of trades
}
