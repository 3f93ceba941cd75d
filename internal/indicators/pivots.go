package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Peaks returns the indexes of local maxima whose prominence is at least
// minProminence. A flat top counts once, at its middle. The first and last
// values are never peaks.
func Peaks(values []float64, minProminence float64) []int {
	var out []int
	n := len(values)
	for i := 1; i < n-1; i++ {
		if values[i-1] >= values[i] {
			continue
		}
		j := i
		for j+1 < n && values[j+1] == values[i] {
			j++
		}
		if j+1 >= n || values[j+1] >= values[i] {
			i = j
			continue
		}
		p := (i + j) / 2
		if prominence(values, p) >= minProminence {
			out = append(out, p)
		}
		i = j
	}
	return out
}

// Troughs is Peaks for local minima.
func Troughs(values []float64, minProminence float64) []int {
	neg := make([]float64, len(values))
	for i, v := range values {
		neg[i] = -v
	}
	return Peaks(neg, minProminence)
}

// prominence is the height of values[p] above the higher of the two lowest
// points separating it from taller terrain on either side.
func prominence(values []float64, p int) float64 {
	h := values[p]
	leftMin := h
	for i := p - 1; i >= 0 && values[i] <= h; i-- {
		leftMin = math.Min(leftMin, values[i])
	}
	rightMin := h
	for i := p + 1; i < len(values) && values[i] <= h; i++ {
		rightMin = math.Min(rightMin, values[i])
	}
	return h - math.Max(leftMin, rightMin)
}

// SampleStdDev is the n-1 standard deviation of values.
func SampleStdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	pop := talib.StdDev(values, n, 1)[n-1]
	return pop * math.Sqrt(float64(n)/float64(n-1))
}

// NadarayaWatson smooths values with a Gaussian kernel of bandwidth h and
// returns the estimate plus an envelope of multiplier times the mean absolute
// residual around it.
func NadarayaWatson(values []float64, h, multiplier float64) (estimate, upper, lower []float64) {
	n := len(values)
	estimate = make([]float64, n)
	upper = make([]float64, n)
	lower = make([]float64, n)
	if n == 0 || h <= 0 {
		return estimate, upper, lower
	}

	var residual float64
	for i := range values {
		var sum, weights float64
		for j, v := range values {
			d := float64(i - j)
			w := math.Exp(-(d * d) / (2 * h * h))
			sum += v * w
			weights += w
		}
		estimate[i] = sum / weights
		residual += math.Abs(values[i] - estimate[i])
	}
	band := residual / float64(n) * multiplier
	for i, e := range estimate {
		upper[i] = e + band
		lower[i] = e - band
	}
	return estimate, upper, lower
}
