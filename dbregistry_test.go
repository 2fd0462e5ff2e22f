package dbregistry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lucasew/dbregistry/internal/dburl"
	"github.com/lucasew/dbregistry/internal/metrics"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingOpener struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (o *countingOpener) Open(ctx context.Context, u dburl.URL, opts EngineOptions) (*Engine, error) {
	o.calls.Add(1)
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.err != nil {
		return nil, o.err
	}
	return OpenEngine(ctx, u, opts)
}

func newTestEngineRegistry(t *testing.T, cfg Config, opts ...Option) *EngineRegistry {
	t.Helper()
	opts = append([]Option{WithLogger(discard)}, opts...)
	er, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, er.Close()) })
	return er
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(Config{RemovalStrategy: "shred"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRegisterThenGetAcrossSpellings(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	dir := t.TempDir()

	e, err := er.Register(ctx, "sqlite://"+dir+"/app.db")
	require.NoError(t, err)

	got, ok := er.Get("SQLITE3://" + dir + "//./app.db")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 1, er.Len())
}

func TestRegisterReplacesWithoutClosing(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	url := sqliteURL(t, "app.db")

	first, err := er.Register(ctx, url)
	require.NoError(t, err)
	second, err := er.Register(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	got, ok := er.Get(url)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.NoError(t, first.Ping(ctx))
}

func TestRegisterErrors(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())

	_, err := er.Register(ctx, "ftp://example.com/file")
	assert.ErrorIs(t, err, dburl.ErrUnsupportedScheme)

	_, err = er.Register(ctx, "not a url")
	assert.ErrorIs(t, err, dburl.ErrInvalidURL)

	assert.ErrorIs(t, er.RegisterEngine(nil), ErrNilEngine)
	assert.Zero(t, er.Len())
}

func TestRegisterEngineUsesItsOwnKey(t *testing.T) {
	er := newTestEngineRegistry(t, DefaultConfig())
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	e, err := NewRedisEngine("redis://"+mr.Addr(), client)
	require.NoError(t, err)

	require.NoError(t, er.RegisterEngine(e))
	got, ok := er.Get("redis://" + mr.Addr() + "/0")
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestGetMisses(t *testing.T) {
	er := newTestEngineRegistry(t, DefaultConfig())

	_, ok := er.Get("sqlite://:memory:")
	assert.False(t, ok)

	_, ok = er.Get("ftp://example.com")
	assert.False(t, ok)
}

func TestGetOrCreateReusesEngine(t *testing.T) {
	ctx := context.Background()
	opener := &countingOpener{}
	er := newTestEngineRegistry(t, DefaultConfig(), WithOpener(opener.Open))
	url := sqliteURL(t, "app.db")

	first, err := er.GetOrCreate(ctx, url)
	require.NoError(t, err)
	second, err := er.GetOrCreate(ctx, url, WithMaxOpenConns(99))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, opener.calls.Load())
	// Options only apply when the engine is built.
	assert.Zero(t, second.Stats().MaxOpen)
}

func TestGetOrCreateLockedBuildsOnce(t *testing.T) {
	ctx := context.Background()
	opener := &countingOpener{delay: 20 * time.Millisecond}
	er := newTestEngineRegistry(t, DefaultConfig(), WithOpener(opener.Open))
	url := sqliteURL(t, "app.db")

	engines := make([]*Engine, 16)
	var g errgroup.Group
	for i := range engines {
		g.Go(func() error {
			e, err := er.GetOrCreateLocked(ctx, url)
			engines[i] = e
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, opener.calls.Load())
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
}

func TestGetOrCreateFailureInstallsNothing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	opener := &countingOpener{err: boom}
	er := newTestEngineRegistry(t, DefaultConfig(), WithOpener(opener.Open))
	url := sqliteURL(t, "app.db")

	_, err := er.GetOrCreate(ctx, url)
	assert.ErrorIs(t, err, boom)
	_, err = er.GetOrCreateLocked(ctx, url)
	assert.ErrorIs(t, err, boom)
	_, err = er.Register(ctx, url)
	assert.ErrorIs(t, err, boom)

	assert.Zero(t, er.Len())
	assert.EqualValues(t, 3, opener.calls.Load())
}

func TestOpenerReturningNilEngine(t *testing.T) {
	er := newTestEngineRegistry(t, DefaultConfig(), WithOpener(func(context.Context, dburl.URL, EngineOptions) (*Engine, error) {
		return nil, nil
	}))

	_, err := er.GetOrCreateLocked(context.Background(), "sqlite://:memory:")
	assert.ErrorIs(t, err, ErrNilEngine)
	assert.Zero(t, er.Len())
}

func TestExpiredEngineWithCheckoutsIsKept(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	er := newTestEngineRegistry(t, Config{ItemTTL: time.Minute}, WithClock(clock.Now))
	url := sqliteURL(t, "app.db")

	e, err := er.GetOrCreate(ctx, url)
	require.NoError(t, err)
	conn, err := e.DB().Conn(ctx)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	got, ok := er.Get(url)
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, 1, er.Len())

	require.NoError(t, conn.Close())
	_, ok = er.Get(url)
	assert.False(t, ok)
	assert.Zero(t, er.Len())

	// The caller still owns a working engine.
	assert.NoError(t, e.Ping(ctx))
	require.NoError(t, e.Close())
}

func TestExpiredEngineIsRebuilt(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	opener := &countingOpener{}
	er := newTestEngineRegistry(t, Config{ItemTTL: time.Minute}, WithClock(clock.Now), WithOpener(opener.Open))
	url := sqliteURL(t, "app.db")

	first, err := er.GetOrCreateLocked(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	clock.Advance(2 * time.Minute)
	second, err := er.GetOrCreateLocked(ctx, url)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, opener.calls.Load())
}

func TestRefreshOnGetKeepsEngineAlive(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	er := newTestEngineRegistry(t, Config{ItemTTL: time.Minute, RefreshOnGet: true}, WithClock(clock.Now))
	url := sqliteURL(t, "app.db")

	e, err := er.Register(ctx, url)
	require.NoError(t, err)

	for range 5 {
		clock.Advance(45 * time.Second)
		got, ok := er.Get(url)
		require.True(t, ok)
		assert.Same(t, e, got)
	}
}

func TestDisposeEngineStrategyKeepsEntry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	er := newTestEngineRegistry(t, Config{ItemTTL: time.Minute, RemovalStrategy: StrategyDisposeEngine}, WithClock(clock.Now))
	url := sqliteURL(t, "app.db")

	e, err := er.Register(ctx, url)
	require.NoError(t, err)
	require.Equal(t, 1, e.Stats().Idle)

	clock.Advance(2 * time.Minute)
	got, ok := er.Get(url)
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Zero(t, e.Stats().Idle)
	assert.Equal(t, 1, er.Len())
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	url := sqliteURL(t, "app.db")

	e, err := er.Register(ctx, url)
	require.NoError(t, err)
	conn, err := e.DB().Conn(ctx)
	require.NoError(t, err)

	assert.False(t, er.Remove(url))
	assert.Equal(t, 1, er.Len())

	require.NoError(t, conn.Close())
	assert.True(t, er.Remove(url))
	assert.Zero(t, er.Len())
	assert.False(t, er.Remove("ftp://nowhere"))
	require.NoError(t, e.Close())
}

func TestBackgroundSweepDisposesIdleEngines(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, Config{SweepInterval: 5 * time.Millisecond, ItemTTL: 20 * time.Millisecond})
	busyURL := sqliteURL(t, "busy.db")
	idleURL := sqliteURL(t, "idle.db")

	busy, err := er.Register(ctx, busyURL)
	require.NoError(t, err)
	idle, err := er.Register(ctx, idleURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idle.Close() })

	conn, err := busy.DB().Conn(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return er.Len() == 1 }, time.Second, 5*time.Millisecond)
	got, ok := er.Get(busyURL)
	require.True(t, ok)
	assert.Same(t, busy, got)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return er.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, busy.Close())
}

func TestBackgroundSweepWithDisposeEngineStrategy(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, Config{
		SweepInterval:   5 * time.Millisecond,
		ItemTTL:         20 * time.Millisecond,
		RemovalStrategy: StrategyDisposeEngine,
	})

	e, err := er.Register(ctx, sqliteURL(t, "app.db"))
	require.NoError(t, err)
	require.Equal(t, 1, e.Stats().Idle)

	require.Eventually(t, func() bool { return e.Stats().Idle == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, er.Len())
}

func TestRecreateMigratesEngines(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	first, err := er.Register(ctx, sqliteURL(t, "first.db"))
	require.NoError(t, err)
	second, err := er.Register(ctx, sqliteURL(t, "second.db"))
	require.NoError(t, err)

	cfg := Config{SweepInterval: time.Hour, ItemTTL: time.Minute, RemovalStrategy: StrategyDisposeEngine}
	require.NoError(t, er.Recreate(cfg))

	assert.Equal(t, cfg, er.Config())
	assert.Equal(t, 2, er.Len())
	got, ok := er.Get(string(first.Key))
	require.True(t, ok)
	assert.Same(t, first, got)
	got, ok = er.Get(string(second.Key))
	require.True(t, ok)
	assert.Same(t, second, got)

	third, err := er.Register(ctx, sqliteURL(t, "third.db"))
	require.NoError(t, err)
	for _, info := range er.Snapshot() {
		if info.ID == third.ID {
			assert.Equal(t, "1m0s", info.TTL)
			assert.NotNil(t, info.ExpiresAt)
		} else {
			assert.Empty(t, info.TTL)
		}
	}
}

func TestRecreateWithUnknownStrategyKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	e, err := er.Register(ctx, sqliteURL(t, "app.db"))
	require.NoError(t, err)

	err = er.Recreate(Config{RemovalStrategy: "shred"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.Equal(t, DefaultConfig(), er.Config())

	got, ok := er.Get(string(e.Key))
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestRecreateDuringConcurrentUse(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	url := sqliteURL(t, "app.db")
	e, err := er.GetOrCreateLocked(ctx, url)
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for range 8 {
		g.Go(func() error {
			for range 50 {
				got, err := er.GetOrCreateLocked(gctx, url)
				if err != nil {
					return err
				}
				if got != e {
					return errors.New("engine changed during recreate")
				}
			}
			return nil
		})
	}
	for i := range 5 {
		require.NoError(t, er.Recreate(Config{SweepInterval: time.Duration(i+1) * time.Hour}))
	}
	require.NoError(t, g.Wait())
}

func TestCloseClosesEveryEngine(t *testing.T) {
	ctx := context.Background()
	er, err := New(Config{SweepInterval: time.Hour}, WithLogger(discard))
	require.NoError(t, err)

	e, err := er.Register(ctx, sqliteURL(t, "app.db"))
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	r, err := er.Register(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)

	require.NoError(t, er.Close())
	assert.Zero(t, er.Len())
	assert.Error(t, e.Ping(ctx))
	assert.Error(t, r.Ping(ctx))

	require.NoError(t, er.Close(), "closing twice is a no-op")
}

func TestClosedRegistryRefusesWork(t *testing.T) {
	ctx := context.Background()
	er, err := New(Config{SweepInterval: time.Hour}, WithLogger(discard))
	require.NoError(t, err)
	dbURL := sqliteURL(t, "app.db")
	_, err = er.Register(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, er.Close())

	_, err = er.Register(ctx, dbURL)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = er.GetOrCreate(ctx, dbURL)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = er.GetOrCreateLocked(ctx, dbURL)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, er.Recreate(DefaultConfig()), ErrClosed)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()
	e, err := NewSQLEngine("postgres://app@db/orders", db)
	require.NoError(t, err)
	assert.ErrorIs(t, er.RegisterEngine(e), ErrClosed)
	require.NoError(t, e.Close())
	require.NoError(t, mock.ExpectationsWereMet())

	_, ok := er.Get(dbURL)
	assert.False(t, ok)
	assert.False(t, er.Remove(dbURL))
	assert.Zero(t, er.Len())
	assert.Empty(t, er.Snapshot())
	assert.NoError(t, er.PingAll(ctx))
}

func TestSnapshotRedactsPasswords(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	mr := miniredis.RunT(t)
	mr.RequireAuth("hunter2")

	e, err := er.Register(ctx, "redis://:hunter2@"+mr.Addr())
	require.NoError(t, err)

	infos := er.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, e.ID, infos[0].ID)
	assert.Equal(t, dburl.Redis, infos[0].Driver)
	assert.NotContains(t, infos[0].Key, "hunter2")
	assert.Contains(t, infos[0].Key, "xxxxx")
	assert.Nil(t, infos[0].ExpiresAt)
}

func TestPingAll(t *testing.T) {
	ctx := context.Background()
	er := newTestEngineRegistry(t, DefaultConfig())
	mr := miniredis.RunT(t)

	_, err := er.Register(ctx, sqliteURL(t, "app.db"))
	require.NoError(t, err)
	_, err = er.Register(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	require.NoError(t, er.PingAll(ctx))

	mr.Close()
	assert.ErrorContains(t, er.PingAll(ctx), "ping redis://")
}

func TestObserverReceivesEngineEvents(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	obs, err := metrics.NewObserver(reg)
	require.NoError(t, err)
	er := newTestEngineRegistry(t, DefaultConfig(), WithObserver(obs))
	url := sqliteURL(t, "app.db")

	_, err = er.GetOrCreateLocked(ctx, url)
	require.NoError(t, err)
	_, err = er.GetOrCreateLocked(ctx, url)
	require.NoError(t, err)

	expected := `
# HELP dbregistry_entries Number of engines currently held by the registry
# TYPE dbregistry_entries gauge
dbregistry_entries 1
# HELP dbregistry_events_total Registry operations by outcome
# TYPE dbregistry_events_total counter
dbregistry_events_total{event="hit"} 1
dbregistry_events_total{event="miss"} 1
dbregistry_events_total{event="set"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dbregistry_entries", "dbregistry_events_total"))
}
