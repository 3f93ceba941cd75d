package subscriptions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-engine/internal/engineerr"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

const seedYAML = `
subscriptions:
  - id: 1
    user_id: alice
    strategy: ema_crossover
    symbol: btcusdt
    timeframe: 4h
    parameters:
      short_ema_period: 9
      long_ema_period: 21
    order_size: 0.01
    capital: 2500
    expires_at: 2030-01-01T00:00:00Z
  - id: 2
    user_id: bob
    strategy: rsi_reversion
    credential_ref: bob-main
    symbol: ETHUSDT
    is_active: false
`

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func TestLoadAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	entries, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	database := newTestDB(t)
	ctx := context.Background()
	ids, err := Sync(ctx, database, strategy.DefaultRegistry(), entries, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	first, err := database.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.Equal(t, "4h", first.Timeframe)
	assert.Equal(t, "paper", first.CredentialRef)
	assert.Equal(t, "binance_spot", first.Exchange)
	assert.True(t, first.IsActive)
	assert.Equal(t, 2500.0, first.Capital)
	assert.JSONEq(t, `{"short_ema_period":9,"long_ema_period":21}`, first.Parameters)
	require.True(t, first.ExpiresAt.Valid)
	assert.True(t, first.ExpiresAt.Time.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))

	second, err := database.GetSubscription(ctx, 2)
	require.NoError(t, err)
	assert.False(t, second.IsActive)
	assert.Equal(t, "1h", second.Timeframe)
	assert.Equal(t, "{}", second.Parameters)

	// Re-syncing keeps engine-owned fields.
	require.NoError(t, database.SetSubscriptionStatus(ctx, 1, "Stopped"))
	_, err = Sync(ctx, database, strategy.DefaultRegistry(), entries, nil)
	require.NoError(t, err)
	first, err = database.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Stopped", first.StatusMessage)
}

func TestValidateRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name  string
		entry Entry
	}{
		{"unknown strategy", Entry{Strategy: "martingale", Symbol: "BTCUSDT"}},
		{"bad params", Entry{Strategy: "ema_crossover", Symbol: "BTCUSDT", Parameters: map[string]any{"short_ema_period": 0}}},
		{"bad timeframe", Entry{Strategy: "ema_crossover", Symbol: "BTCUSDT", Timeframe: "7x"}},
		{"missing symbol", Entry{Strategy: "ema_crossover"}},
		{"negative size", Entry{Strategy: "ema_crossover", Symbol: "BTCUSDT", OrderSize: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate([]Entry{tc.entry}, strategy.DefaultRegistry())
			assert.ErrorIs(t, err, engineerr.ErrConfiguration)
		})
	}
}

func TestParse(t *testing.T) {
	entries, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = Parse([]byte("subscriptions:\n  - strategy: ema_crossover\n    colour: red\n"))
	assert.ErrorIs(t, err, engineerr.ErrConfiguration)
}
