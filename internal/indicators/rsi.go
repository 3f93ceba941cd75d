package indicators

import "github.com/markcheno/go-talib"

// RSI returns Wilder's Relative Strength Index series.
func RSI(values []float64, period int) []float64 {
	if period <= 0 || len(values) <= period {
		return make([]float64, len(values))
	}
	return talib.Rsi(values, period)
}
