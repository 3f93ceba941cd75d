package data

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"strategy-engine/internal/market"
)

// StaticSource serves candles held in memory, keyed by symbol and timeframe.
// It backs offline backtests and tests.
type StaticSource struct {
	series map[string][]market.Bar
}

var _ market.CandleSource = (*StaticSource)(nil)

// NewStaticSource returns an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{series: make(map[string][]market.Bar)}
}

func seriesKey(symbol string, tf market.Timeframe) string {
	return strings.ToUpper(symbol) + "@" + tf.String()
}

// Add stores bars for symbol and timeframe, replacing any earlier series.
func (s *StaticSource) Add(symbol string, tf market.Timeframe, bars []market.Bar) {
	sorted := append([]market.Bar(nil), bars...)
	s.series[seriesKey(symbol, tf)] = dedupe(sorted)
}

// Candles applies the same start/end/limit rules as the Binance source.
func (s *StaticSource) Candles(ctx context.Context, symbol string, tf market.Timeframe, limit int, start, end time.Time) ([]market.Bar, error) {
	all := s.series[seriesKey(symbol, tf)]
	if start.IsZero() {
		if limit > 0 && len(all) > limit {
			all = all[len(all)-limit:]
		}
		return append([]market.Bar(nil), all...), nil
	}

	out := make([]market.Bar, 0, len(all))
	for _, b := range all {
		if b.OpenTime.Before(start) || (!end.IsZero() && !b.OpenTime.Before(end)) {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LoadCSVFile reads a candle file; see ReadCSV for the format.
func LoadCSVFile(path string, tf market.Timeframe) ([]market.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, tf)
}

// ReadCSV parses rows of timestamp,open,high,low,close,volume. The timestamp
// is unix milliseconds or RFC3339; a header row is skipped.
func ReadCSV(r io.Reader, tf market.Timeframe) ([]market.Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var bars []market.Bar
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if len(rec) < 6 {
			return nil, fmt.Errorf("csv line %d: want 6 columns, got %d", line, len(rec))
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "timestamp") {
			continue
		}
		open, err := parseTimestamp(rec[0])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		var vals [5]float64
		for i := range vals {
			if vals[i], err = strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64); err != nil {
				return nil, fmt.Errorf("csv line %d column %d: %w", line, i+2, err)
			}
		}
		bars = append(bars, market.Bar{
			OpenTime:  open,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
			CloseTime: open.Add(tf.Duration() - time.Millisecond),
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	return bars, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
