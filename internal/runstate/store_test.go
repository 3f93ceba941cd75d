package runstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-engine/pkg/db"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStores(t *testing.T) (*Store, *Store, *fakeClock) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	a := NewStore(database, "worker-a", 30*time.Second).WithClock(clock.Now)
	b := NewStore(database, "worker-b", 30*time.Second).WithClock(clock.Now)
	return a, b, clock
}

func TestLeaseIsExclusive(t *testing.T) {
	a, b, _ := newStores(t)
	ctx := context.Background()

	la, err := a.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", la.Owner)

	_, err = b.Acquire(ctx, 1)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Reacquiring our own lease is idempotent.
	_, err = a.Acquire(ctx, 1)
	assert.NoError(t, err)

	// Other subscriptions are independent.
	_, err = b.Acquire(ctx, 2)
	assert.NoError(t, err)
}

func TestExpiredLeaseCanBeStolen(t *testing.T) {
	a, b, clock := newStores(t)
	ctx := context.Background()

	la, err := a.Acquire(ctx, 1)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	ok, err := a.Renew(ctx, &la)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(31 * time.Second)
	held, err := a.Held(ctx, la)
	require.NoError(t, err)
	assert.False(t, held)

	lb, err := b.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", lb.Owner)

	ok, err = a.Renew(ctx, &la)
	require.NoError(t, err)
	assert.False(t, ok, "renew after steal must fail")

	// A stale release does not clear the new owner.
	require.NoError(t, a.Release(ctx, la, StateStopped))
	rs, err := b.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", rs.Owner)
}

func TestReleaseAndProgress(t *testing.T) {
	a, b, clock := newStores(t)
	ctx := context.Background()

	la, err := a.Acquire(ctx, 3)
	require.NoError(t, err)

	candle := clock.Now().Add(-time.Hour).Truncate(time.Hour)
	require.NoError(t, a.Progress(ctx, la, StateRunning, candle, ""))

	rs, err := a.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rs.State)
	assert.Equal(t, candle.UnixMilli(), rs.LastEvaluatedAt)

	require.NoError(t, a.Release(ctx, la, StateStopped))
	held, err := a.Held(ctx, la)
	require.NoError(t, err)
	assert.False(t, held)

	// Released leases are free immediately.
	_, err = b.Acquire(ctx, 3)
	assert.NoError(t, err)
	rs, err = b.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, candle.UnixMilli(), rs.LastEvaluatedAt, "progress survives a takeover")
}
