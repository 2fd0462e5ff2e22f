// Package dbregistry shares connection engines across a process.
//
// Engines are keyed by their normalized URL, so every spelling of the same
// database resolves to one pool. Engines can expire after a TTL; an expired
// engine is only disposed once none of its connections are checked out, and
// stays registered until then.
//
// The package keeps a process-wide EngineRegistry reachable through Default
// and the package-level helpers, and EngineRegistry can be used directly.
package dbregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasew/dbregistry/internal/dburl"
	"github.com/lucasew/dbregistry/registry"
)

// Config is the registry policy. It is read once when a registry generation
// is built; use Recreate to change it.
type Config struct {
	// SweepInterval enables the background sweep when positive.
	SweepInterval time.Duration
	// RefreshOnGet restarts an engine's TTL every time it is looked up.
	RefreshOnGet bool
	// ItemTTL is applied to every engine registered. Zero means engines
	// never expire.
	ItemTTL time.Duration
	// RemovalStrategy is a name known to GetStrategy.
	RemovalStrategy string
}

// DefaultConfig returns the policy used when nothing is configured: no
// sweep, no refresh, no TTL and the default removal strategy.
func DefaultConfig() Config {
	return Config{RemovalStrategy: StrategyDefault}
}

// Option customizes an EngineRegistry.
type Option func(*options)

type options struct {
	opener   Opener
	logger   *slog.Logger
	observer registry.Observer
	now      func() time.Time
}

// WithOpener replaces OpenEngine as the way new engines are built.
func WithOpener(opener Opener) Option {
	return func(o *options) { o.opener = opener }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver reports registry activity, see internal/metrics.
func WithObserver(observer registry.Observer) Option {
	return func(o *options) { o.observer = observer }
}

// WithClock overrides the clock used for TTLs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type generation struct {
	engines *registry.Registry[dburl.Key, *Engine]
	cfg     Config
}

// EngineRegistry hands out shared engines.
//
// The active registry generation sits behind an atomic pointer. Recreate
// swaps it while holding the write side of swapMu, and every operation holds
// the read side, so callers see either the old generation or the fully
// migrated new one.
type EngineRegistry struct {
	opts    options
	swapMu  sync.RWMutex
	current atomic.Pointer[generation]
	// closed is guarded by swapMu.
	closed bool
}

// ErrClosed is returned by operations on a closed EngineRegistry.
var ErrClosed = errors.New("engine registry is closed")

// New builds an EngineRegistry with the given policy.
func New(cfg Config, opts ...Option) (*EngineRegistry, error) {
	o := options{opener: OpenEngine, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	er := &EngineRegistry{opts: o}
	gen, err := er.newGeneration(cfg)
	if err != nil {
		return nil, err
	}
	er.current.Store(gen)
	return er, nil
}

func (er *EngineRegistry) newGeneration(cfg Config) (*generation, error) {
	strategy, err := GetStrategy(cfg.RemovalStrategy)
	if err != nil {
		return nil, err
	}
	engines := registry.New(registry.Options[dburl.Key, *Engine]{
		SweepInterval: cfg.SweepInterval,
		RefreshOnGet:  cfg.RefreshOnGet,
		Strategy:      strategy,
		Logger:        er.opts.logger,
		Observer:      er.opts.observer,
		Now:           er.opts.now,
	})
	return &generation{engines: engines, cfg: cfg}, nil
}

// Config returns the policy of the active generation.
func (er *EngineRegistry) Config() Config {
	return er.current.Load().cfg
}

// Register opens a new engine for rawURL and registers it, replacing any
// engine already registered under the same key without closing it.
func (er *EngineRegistry) Register(ctx context.Context, rawURL string, opts ...EngineOption) (*Engine, error) {
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	er.swapMu.RLock()
	defer er.swapMu.RUnlock()
	if er.closed {
		return nil, ErrClosed
	}
	return er.register(ctx, er.current.Load(), u, opts)
}

func (er *EngineRegistry) register(ctx context.Context, gen *generation, u dburl.URL, opts []EngineOption) (*Engine, error) {
	e, err := er.open(ctx, u, opts)
	if err != nil {
		return nil, err
	}
	gen.engines.Set(e.Key, e, gen.cfg.ItemTTL, releaseIfIdle(er.opts.logger))
	return e, nil
}

func (er *EngineRegistry) open(ctx context.Context, u dburl.URL, opts []EngineOption) (*Engine, error) {
	er.opts.logger.Debug("Opening engine", "key", u.Key, "driver", u.Driver)
	e, err := er.opts.opener(ctx, u, buildEngineOptions(opts))
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("opener returned no engine for %s: %w", u.Key.Redacted(), ErrNilEngine)
	}
	e.Key = u.Key
	er.opts.logger.Info("Engine opened", "key", e.Key, "driver", e.Driver, "engine_id", e.ID)
	return e, nil
}

// RegisterEngine registers an engine built elsewhere under its own key.
func (er *EngineRegistry) RegisterEngine(e *Engine) error {
	if e == nil {
		return ErrNilEngine
	}

	er.swapMu.RLock()
	defer er.swapMu.RUnlock()
	if er.closed {
		return ErrClosed
	}
	gen := er.current.Load()
	gen.engines.Set(e.Key, e, gen.cfg.ItemTTL, releaseIfIdle(er.opts.logger))
	return nil
}

// Get returns the live engine for rawURL.
func (er *EngineRegistry) Get(rawURL string) (*Engine, bool) {
	key, err := dburl.Normalize(rawURL)
	if err != nil {
		er.opts.logger.Debug("Unusable engine url", "error", err)
		return nil, false
	}

	er.swapMu.RLock()
	defer er.swapMu.RUnlock()
	if er.closed {
		return nil, false
	}
	return er.current.Load().engines.Get(key)
}

// GetOrCreate returns the engine for rawURL, opening and registering one on
// a miss. Two concurrent misses may both open an engine, and the last one
// registered wins; use GetOrCreateLocked when that matters.
func (er *EngineRegistry) GetOrCreate(ctx context.Context, rawURL string, opts ...EngineOption) (*Engine, error) {
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	er.swapMu.RLock()
	defer er.swapMu.RUnlock()
	if er.closed {
		return nil, ErrClosed
	}
	gen := er.current.Load()
	if e, ok := gen.engines.Get(u.Key); ok {
		return e, nil
	}
	return er.register(ctx, gen, u, opts)
}

// GetOrCreateLocked is GetOrCreate with the lookup and the construction in
// one critical section: at most one engine is opened per key. Other
// registry calls wait while an engine is being opened.
func (er *EngineRegistry) GetOrCreateLocked(ctx context.Context, rawURL string, opts ...EngineOption) (*Engine, error) {
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	er.swapMu.RLock()
	defer er.swapMu.RUnlock()
	if er.closed {
		return nil, ErrClosed
	}
	gen := er.current.Load()
	return gen.engines.GetOrCreate(u.Key, func() (registry.Entry[*Engine], error) {
		e, err := er.open(ctx, u, opts)
		if err != nil {
			return registry.Entry[*Engine]{}, err
		}
		return registry.Entry[*Engine]{
			Value: e,
			TTL:   gen.cfg.ItemTTL,
			Close: releaseIfIdle(er.opts.logger),
		}, nil
	})
}

// Remove evicts the engine for rawURL through the removal strategy and
// reports whether the strategy succeeded.
func (er *EngineRegistry) Remove(rawURL string) bool {
	key, err := dburl.Normalize(rawURL)
	if err != nil {
		return false
	}

	er.swapMu.RLock()
	defer er.swapMu.RUnlock()
	if er.closed {
		return false
	}
	return er.current.Load().engines.Remove(key)
}

// Recreate switches to a new policy. Every registered engine is carried
// over with its TTL restarted, then the old generation's sweep is stopped.
// Engines already handed out are not affected.
func (er *EngineRegistry) Recreate(cfg Config) error {
	next, err := er.newGeneration(cfg)
	if err != nil {
		return err
	}

	er.swapMu.Lock()
	if er.closed {
		er.swapMu.Unlock()
		next.engines.Close()
		return ErrClosed
	}
	prev := er.current.Load()
	prev.engines.CopyTo(next.engines)
	er.current.Store(next)
	er.swapMu.Unlock()

	prev.engines.Close()
	er.opts.logger.Info("Engine registry recreated",
		"sweep_interval", cfg.SweepInterval,
		"refresh_on_get", cfg.RefreshOnGet,
		"item_ttl", cfg.ItemTTL,
		"removal_strategy", cfg.RemovalStrategy,
		"engines", next.engines.Len(),
	)
	return nil
}

// Close stops the sweep and closes every registered engine. Afterwards
// Register, GetOrCreate and Recreate fail with ErrClosed and lookups miss.
// Closing again is a no-op.
func (er *EngineRegistry) Close() error {
	er.swapMu.Lock()
	defer er.swapMu.Unlock()
	if er.closed {
		return nil
	}
	er.closed = true

	gen := er.current.Load()
	gen.engines.Close()

	var errs []error
	for key, entry := range gen.engines.Drain() {
		if err := entry.Value.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", key.Redacted(), err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered engines.
func (er *EngineRegistry) Len() int {
	return er.current.Load().engines.Len()
}

// EngineInfo describes a registered engine.
type EngineInfo struct {
	Key       string      `json:"key" yaml:"key"`
	ID        string      `json:"id" yaml:"id"`
	Driver    string      `json:"driver" yaml:"driver"`
	TTL       string      `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Stats     EngineStats `json:"stats" yaml:"stats"`
}

// Snapshot describes every registered engine, sorted by key. Keys are
// redacted.
func (er *EngineRegistry) Snapshot() []EngineInfo {
	var infos []EngineInfo
	er.current.Load().engines.Range(func(key dburl.Key, item registry.Item[*Engine]) bool {
		info := EngineInfo{
			Key:    key.Redacted(),
			ID:     item.Value.ID,
			Driver: item.Value.Driver,
			Stats:  item.Value.Stats(),
		}
		if item.TTL > 0 {
			info.TTL = item.TTL.String()
			expires := item.ExpiresAt
			info.ExpiresAt = &expires
		}
		infos = append(infos, info)
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// PingAll pings every registered engine concurrently and returns the first
// failure.
func (er *EngineRegistry) PingAll(ctx context.Context) error {
	var engines []*Engine
	er.current.Load().engines.Range(func(_ dburl.Key, item registry.Item[*Engine]) bool {
		engines = append(engines, item.Value)
		return true
	})

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			if err := e.Ping(ctx); err != nil {
				return fmt.Errorf("ping %s: %w", e.Key.Redacted(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
