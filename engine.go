package dbregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/lucasew/dbregistry/internal/dburl"
	"github.com/lucasew/dbregistry/internal/migration"
)

// ErrNilEngine is returned when registering a nil engine.
var ErrNilEngine = errors.New("nil engine")

// Engine is a shared connection pool to one database or redis server.
//
// Exactly one of DB and Redis is usable, depending on Driver.
type Engine struct {
	// ID distinguishes engine instances in logs and diagnostics.
	ID     string
	Key    dburl.Key
	Driver string

	db      *sql.DB
	maxIdle int
	// memory engines hold a private sqlite database on their only connection.
	memory bool

	mu        sync.RWMutex
	redis     *redis.Client
	redisOpts *redis.Options
}

// EngineStats is a point-in-time view of an engine's pool.
type EngineStats struct {
	Open      int   `json:"open" yaml:"open"`
	InUse     int   `json:"in_use" yaml:"in_use"`
	Idle      int   `json:"idle" yaml:"idle"`
	WaitCount int64 `json:"wait_count" yaml:"wait_count"`
	MaxOpen   int   `json:"max_open" yaml:"max_open"`
}

// NewSQLEngine wraps an already opened database under the key derived from
// rawURL. The engine takes ownership of db.
func NewSQLEngine(rawURL string, db *sql.DB) (*Engine, error) {
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Driver == dburl.Redis {
		return nil, fmt.Errorf("%s is not a SQL url", u.Key.Redacted())
	}
	return &Engine{
		ID:      uuid.NewString(),
		Key:     u.Key,
		Driver:  u.Driver,
		db:      db,
		maxIdle: defaultMaxIdleConns,
		memory:  u.InMemory(),
	}, nil
}

// NewRedisEngine wraps an already created redis client under the key derived
// from rawURL. The engine takes ownership of client.
func NewRedisEngine(rawURL string, client *redis.Client) (*Engine, error) {
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Driver != dburl.Redis {
		return nil, fmt.Errorf("%s is not a redis url", u.Key.Redacted())
	}
	opts := *client.Options()
	return &Engine{
		ID:        uuid.NewString(),
		Key:       u.Key,
		Driver:    u.Driver,
		redis:     client,
		redisOpts: &opts,
	}, nil
}

// DB returns the SQL pool, or nil for redis engines.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Redis returns the current redis client, or nil for SQL engines. The
// client changes after Dispose, so callers should not keep it around.
func (e *Engine) Redis() *redis.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.redis
}

// Stats reports pool usage.
func (e *Engine) Stats() EngineStats {
	if e.db != nil {
		s := e.db.Stats()
		return EngineStats{
			Open:      s.OpenConnections,
			InUse:     s.InUse,
			Idle:      s.Idle,
			WaitCount: s.WaitCount,
			MaxOpen:   s.MaxOpenConnections,
		}
	}
	c := e.Redis()
	if c == nil {
		return EngineStats{}
	}
	s := c.PoolStats()
	return EngineStats{
		Open:    int(s.TotalConns),
		InUse:   int(s.TotalConns) - int(s.IdleConns),
		Idle:    int(s.IdleConns),
		MaxOpen: e.redisOpts.PoolSize,
	}
}

// CheckedOut returns the number of connections currently borrowed from the pool.
func (e *Engine) CheckedOut() int {
	return e.Stats().InUse
}

// HasOutstandingCheckouts reports whether any connection is in use.
func (e *Engine) HasOutstandingCheckouts() bool {
	return e.CheckedOut() > 0
}

// Ping verifies the engine can reach its server.
func (e *Engine) Ping(ctx context.Context) error {
	if e.db != nil {
		return e.db.PingContext(ctx)
	}
	return e.Redis().Ping(ctx).Err()
}

// Dispose releases every pooled connection. The engine stays usable and
// opens new connections on demand. In-memory sqlite engines are left alone,
// since dropping their connection drops the database.
func (e *Engine) Dispose() error {
	if e.memory {
		return nil
	}
	if e.db != nil {
		e.db.SetMaxIdleConns(0)
		e.db.SetMaxIdleConns(e.maxIdle)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.redis
	e.redis = redis.NewClient(e.redisOpts)
	return old.Close()
}

// Close shuts the engine down for good.
func (e *Engine) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return e.Redis().Close()
}

// releaseIfIdle is the close callback used by the registry: the engine is
// only disposed when nothing is checked out.
func releaseIfIdle(logger *slog.Logger) func(*Engine) bool {
	return func(e *Engine) bool {
		if n := e.CheckedOut(); n > 0 {
			logger.Info("Engine still has checked out connections, keeping it", "key", e.Key, "engine_id", e.ID, "checked_out", n)
			return false
		}
		if err := e.Dispose(); err != nil {
			logger.Warn("Engine dispose reported an error", "key", e.Key, "engine_id", e.ID, "error", err)
		}
		logger.Debug("Engine disposed", "key", e.Key, "engine_id", e.ID)
		return true
	}
}

// EngineOptions control how OpenEngine builds an engine.
type EngineOptions struct {
	PrePing         bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// MigrationsURL is a golang-migrate source URL applied after opening.
	MigrationsURL string
}

// EngineOption mutates EngineOptions.
type EngineOption func(*EngineOptions)

// WithPrePing toggles the connectivity check done right after opening.
func WithPrePing(enabled bool) EngineOption {
	return func(o *EngineOptions) { o.PrePing = enabled }
}

func WithMaxOpenConns(n int) EngineOption {
	return func(o *EngineOptions) { o.MaxOpenConns = n }
}

func WithMaxIdleConns(n int) EngineOption {
	return func(o *EngineOptions) { o.MaxIdleConns = n }
}

func WithConnMaxLifetime(d time.Duration) EngineOption {
	return func(o *EngineOptions) { o.ConnMaxLifetime = d }
}

// WithMigrations applies the migrations found at sourceURL (for example
// file://db/migrations) when the engine is created.
func WithMigrations(sourceURL string) EngineOption {
	return func(o *EngineOptions) { o.MigrationsURL = sourceURL }
}

const defaultMaxIdleConns = 2

func buildEngineOptions(opts []EngineOption) EngineOptions {
	o := EngineOptions{PrePing: true, MaxIdleConns: defaultMaxIdleConns}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Opener builds a new engine for a parsed URL.
type Opener func(ctx context.Context, u dburl.URL, opts EngineOptions) (*Engine, error)

// OpenEngine is the default Opener. Anything opened is closed again if a
// later step fails.
func OpenEngine(ctx context.Context, u dburl.URL, opts EngineOptions) (*Engine, error) {
	if u.Driver == dburl.Redis {
		return openRedis(ctx, u, opts)
	}

	memory := u.InMemory()
	if memory && opts.MigrationsURL != "" {
		// golang-migrate would open its own connection, and so its own database.
		return nil, fmt.Errorf("migrations are not supported for %s", u.Key.Redacted())
	}

	db, err := sql.Open(u.Driver, u.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", u.Key.Redacted(), err)
	}

	maxOpen, maxIdle, lifetime := opts.MaxOpenConns, opts.MaxIdleConns, opts.ConnMaxLifetime
	if memory {
		// Every connection to :memory: is a separate database, so the one
		// connection must never be closed by the pool.
		maxOpen, maxIdle, lifetime = 1, 1, 0
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	e := &Engine{
		ID:      uuid.NewString(),
		Key:     u.Key,
		Driver:  u.Driver,
		db:      db,
		maxIdle: maxIdle,
		memory:  memory,
	}

	if opts.PrePing {
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping %s: %w", u.Key.Redacted(), err)
		}
	}

	if opts.MigrationsURL != "" {
		if err := migration.Up(ctx, opts.MigrationsURL, u.MigrateURL); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate %s: %w", u.Key.Redacted(), err)
		}
	}

	return e, nil
}

func openRedis(ctx context.Context, u dburl.URL, opts EngineOptions) (*Engine, error) {
	if opts.MigrationsURL != "" {
		return nil, fmt.Errorf("migrations are not supported for %s", u.Key.Redacted())
	}

	ropts, err := redis.ParseURL(u.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", u.Key.Redacted(), err)
	}
	if opts.MaxOpenConns > 0 {
		ropts.PoolSize = opts.MaxOpenConns
	}
	if opts.ConnMaxLifetime > 0 {
		ropts.MaxConnAge = opts.ConnMaxLifetime
	}

	client := redis.NewClient(ropts)
	e := &Engine{
		ID:        uuid.NewString(),
		Key:       u.Key,
		Driver:    u.Driver,
		redis:     client,
		redisOpts: ropts,
	}

	if opts.PrePing {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping %s: %w", u.Key.Redacted(), err)
		}
	}
	return e, nil
}
