package dbregistry

import (
	"context"
	"sync"
)

var (
	defaultMu       sync.Mutex
	defaultRegistry *EngineRegistry
)

// Init replaces the process-wide registry with one built from cfg. Engines
// held by the previous registry are closed; use Recreate to keep them.
func Init(cfg Config, opts ...Option) error {
	er, err := New(cfg, opts...)
	if err != nil {
		return err
	}

	defaultMu.Lock()
	prev := defaultRegistry
	defaultRegistry = er
	defaultMu.Unlock()

	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Default returns the process-wide registry, creating it with DefaultConfig
// on first use.
func Default() *EngineRegistry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		// DefaultConfig names a built-in strategy, so New cannot fail.
		defaultRegistry, _ = New(DefaultConfig())
	}
	return defaultRegistry
}

// Shutdown closes every engine held by the process-wide registry and drops
// it. The next call to Default starts from scratch.
func Shutdown() error {
	defaultMu.Lock()
	prev := defaultRegistry
	defaultRegistry = nil
	defaultMu.Unlock()

	if prev == nil {
		return nil
	}
	return prev.Close()
}

// Register calls Register on the process-wide registry.
func Register(ctx context.Context, rawURL string, opts ...EngineOption) (*Engine, error) {
	return Default().Register(ctx, rawURL, opts...)
}

// RegisterEngine calls RegisterEngine on the process-wide registry.
func RegisterEngine(e *Engine) error {
	return Default().RegisterEngine(e)
}

// Get calls Get on the process-wide registry.
func Get(rawURL string) (*Engine, bool) {
	return Default().Get(rawURL)
}

// GetOrCreate calls GetOrCreate on the process-wide registry.
func GetOrCreate(ctx context.Context, rawURL string, opts ...EngineOption) (*Engine, error) {
	return Default().GetOrCreate(ctx, rawURL, opts...)
}

// GetOrCreateLocked calls GetOrCreateLocked on the process-wide registry.
func GetOrCreateLocked(ctx context.Context, rawURL string, opts ...EngineOption) (*Engine, error) {
	return Default().GetOrCreateLocked(ctx, rawURL, opts...)
}

// Recreate calls Recreate on the process-wide registry.
func Recreate(cfg Config) error {
	return Default().Recreate(cfg)
}
