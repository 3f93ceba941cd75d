package indicators

import "github.com/markcheno/go-talib"

// Bollinger returns upper, middle and lower bands over an SMA basis.
func Bollinger(values []float64, period int, stdDev float64) (upper, middle, lower []float64) {
	if period <= 1 || len(values) < period {
		z := make([]float64, len(values))
		return z, z, z
	}
	return talib.BBands(values, period, stdDev, stdDev, talib.SMA)
}

// MACD returns the MACD line, signal line and histogram.
func MACD(values []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(values) < slow+signal {
		z := make([]float64, len(values))
		return z, z, z
	}
	return talib.Macd(values, fast, slow, signal)
}
