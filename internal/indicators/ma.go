package indicators

import "github.com/markcheno/go-talib"

// SMA returns the simple moving average series; entries before the first full
// period are zero.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return make([]float64, len(values))
	}
	return talib.Sma(values, period)
}

// EMA returns the exponential moving average series seeded with the SMA of the
// first period values.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return make([]float64, len(values))
	}
	return talib.Ema(values, period)
}

// CrossedAbove reports whether a moved from <= b at i-1 to > b at i.
func CrossedAbove(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

// CrossedBelow reports whether a moved from >= b at i-1 to < b at i.
func CrossedBelow(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i-1] >= b[i-1] && a[i] < b[i]
}
