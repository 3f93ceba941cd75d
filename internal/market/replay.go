package market

import (
	"context"
)

// ReplayFeed walks a historical candle series one bar at a time. Window never
// returns bars after the cursor.
type ReplayFeed struct {
	bars   []Bar
	cursor int // index of the simulated current bar; -1 before the first Advance
}

// NewReplayFeed wraps bars, which must be ordered oldest first.
func NewReplayFeed(bars []Bar) *ReplayFeed {
	return &ReplayFeed{bars: bars, cursor: -1}
}

// Advance moves the simulated now to the next bar. It returns false once the
// series is exhausted.
func (f *ReplayFeed) Advance() bool {
	if f.cursor+1 >= len(f.bars) {
		return false
	}
	f.cursor++
	return true
}

// Index is the position of the current bar.
func (f *ReplayFeed) Index() int { return f.cursor }

// Current returns the bar at the cursor.
func (f *ReplayFeed) Current() (Bar, bool) {
	if f.cursor < 0 || f.cursor >= len(f.bars) {
		return Bar{}, false
	}
	return f.bars[f.cursor], true
}

// Window returns a copy of up to n bars ending at the cursor.
func (f *ReplayFeed) Window(_ context.Context, n int) ([]Bar, error) {
	if f.cursor < 0 {
		return nil, nil
	}
	end := f.cursor + 1
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]Bar, end-start)
	copy(out, f.bars[start:end])
	return out, nil
}

// Len is the number of bars in the series.
func (f *ReplayFeed) Len() int { return len(f.bars) }
