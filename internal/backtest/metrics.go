package backtest

import "math"

// maxDrawdown is the largest peak-to-trough decline in percent of the peak.
func maxDrawdown(equity []float64) float64 {
	var peak, worst float64
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - e) / peak * 100; dd > worst {
			worst = dd
		}
	}
	return worst
}

// sharpeRatio annualizes the mean over the sample standard deviation of
// per-bar returns. It is 0 with fewer than two returns or no variance.
func sharpeRatio(equity []float64, periodsPerYear float64) float64 {
	returns := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(len(returns)-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

func winsAndLosses(trades []Trade) (wins, losses int) {
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
		} else {
			losses++
		}
	}
	return wins, losses
}

func winRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total) * 100
}
