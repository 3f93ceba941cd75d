package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetKlinesQueryAndParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1h", q.Get("interval"))
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "1700000000000", q.Get("startTime"))
		assert.Empty(t, q.Get("endTime"))
		w.Write([]byte(`[
			[1700000000000,"100.5","101.0","99.5","100.8","12.5",1700003599999,"1260.0",42,"6.0","600.0","0"],
			[1700003600000,"100.8","102.0","100.1","101.9","8.0",1700007199999,"812.0",17,"4.0","400.0","0"]
		]`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(false).WithBaseURL(srv.URL)
	klines, err := c.GetKlines(context.Background(), "btcusdt", "1h", 2, 1700000000000, 0)
	require.NoError(t, err)
	require.Len(t, klines, 2)

	k := klines[0]
	assert.Equal(t, "BTCUSDT", k.Symbol)
	assert.Equal(t, int64(1700000000000), k.OpenTime)
	assert.Equal(t, int64(1700003599999), k.CloseTime)
	assert.Equal(t, 100.5, k.Open)
	assert.Equal(t, 99.5, k.Low)
	assert.Equal(t, 1260.0, k.QuoteVolume)
	assert.Equal(t, 42, k.NumberOfTrades)
	assert.Equal(t, 101.9, klines[1].Close)
}

func TestGetKlinesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(false).WithBaseURL(srv.URL).GetKlines(context.Background(), "NOPE", "1h", 0, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binance klines")
}
