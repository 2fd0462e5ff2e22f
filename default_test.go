package dbregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() { assert.NoError(t, Shutdown()) })

	require.Same(t, Default(), Default())
	assert.Equal(t, DefaultConfig(), Default().Config())

	url := sqliteURL(t, "app.db")
	e, err := GetOrCreate(ctx, url)
	require.NoError(t, err)
	locked, err := GetOrCreateLocked(ctx, url)
	require.NoError(t, err)
	assert.Same(t, e, locked)

	got, ok := Get(url)
	require.True(t, ok)
	assert.Same(t, e, got)

	cfg := Config{SweepInterval: time.Hour, ItemTTL: time.Minute, RemovalStrategy: StrategyDisposeEngine}
	require.NoError(t, Recreate(cfg))
	assert.Equal(t, cfg, Default().Config())
	got, ok = Get(url)
	require.True(t, ok)
	assert.Same(t, e, got)

	registered, err := Register(ctx, sqliteURL(t, "other.db"))
	require.NoError(t, err)
	assert.Equal(t, 2, Default().Len())
	assert.ErrorIs(t, RegisterEngine(nil), ErrNilEngine)

	require.NoError(t, Shutdown())
	assert.Error(t, e.Ping(ctx))
	assert.Error(t, registered.Ping(ctx))
	assert.Zero(t, Default().Len())
}

func TestInitReplacesDefault(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() { assert.NoError(t, Shutdown()) })

	require.NoError(t, Init(DefaultConfig(), WithLogger(discard)))
	first := Default()
	e, err := Register(ctx, sqliteURL(t, "app.db"))
	require.NoError(t, err)

	require.NoError(t, Init(Config{ItemTTL: time.Minute}, WithLogger(discard)))
	assert.NotSame(t, first, Default())
	assert.Equal(t, time.Minute, Default().Config().ItemTTL)
	assert.Zero(t, Default().Len())
	assert.Error(t, e.Ping(ctx), "engines of the replaced registry are closed")

	assert.ErrorIs(t, Init(Config{RemovalStrategy: "shred"}), ErrUnknownStrategy)
	assert.Equal(t, time.Minute, Default().Config().ItemTTL)
}
