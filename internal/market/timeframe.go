package market

import (
	"fmt"
	"strconv"
	"time"
)

const year = 365 * 24 * time.Hour

// Timeframe is a candle interval such as 15m, 4h or 1d.
type Timeframe struct {
	raw  string
	n    int
	unit byte
}

// ParseTimeframe accepts <n><m|h|d|w>.
func ParseTimeframe(s string) (Timeframe, error) {
	if len(s) < 2 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	switch unit {
	case 'm', 'h', 'd', 'w':
	default:
		return Timeframe{}, fmt.Errorf("invalid timeframe unit in %q", s)
	}
	return Timeframe{raw: s, n: n, unit: unit}, nil
}

// MustTimeframe panics on an invalid timeframe; for constants and tests.
func MustTimeframe(s string) Timeframe {
	tf, err := ParseTimeframe(s)
	if err != nil {
		panic(err)
	}
	return tf
}

func (t Timeframe) String() string { return t.raw }

// Duration is the length of one candle.
func (t Timeframe) Duration() time.Duration {
	n := time.Duration(t.n)
	switch t.unit {
	case 'm':
		return n * time.Minute
	case 'h':
		return n * time.Hour
	case 'd':
		return n * 24 * time.Hour
	case 'w':
		return n * 7 * 24 * time.Hour
	}
	return 0
}

// PeriodsPerYear is the number of candles in a 365-day year (markets trade
// around the clock).
func (t Timeframe) PeriodsPerYear() float64 {
	d := t.Duration()
	if d <= 0 {
		return 0
	}
	return float64(year) / float64(d)
}

// SleepInterval is the pause between live evaluations. It wakes slightly
// before the next candle closes so the fetch lands right after it.
func (t Timeframe) SleepInterval() time.Duration {
	v := time.Duration(t.n)
	switch t.unit {
	case 'm':
		return maxDuration(time.Second, v*60*time.Second-15*time.Second)
	case 'h':
		return maxDuration(time.Minute, v*3600*time.Second-300*time.Second)
	case 'd':
		return maxDuration(time.Hour, v*86400*time.Second-3600*time.Second)
	}
	return time.Minute
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
