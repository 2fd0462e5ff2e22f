package dbregistry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lucasew/dbregistry/internal/dburl"
	"github.com/lucasew/dbregistry/registry"
)

// Removal strategy names accepted by Config.RemovalStrategy.
const (
	// StrategyDefault disposes the engine and forgets it, unless it still
	// has checked out connections.
	StrategyDefault = "default"
	// StrategyDisposeEngine disposes the engine but keeps it registered.
	StrategyDisposeEngine = "dispose_engine"
)

// ErrUnknownStrategy is returned for removal strategy names nobody registered.
var ErrUnknownStrategy = errors.New("unknown removal strategy")

// EngineStrategy is a removal strategy over engines.
type EngineStrategy = registry.RemovalStrategy[dburl.Key, *Engine]

var (
	strategiesMu sync.RWMutex
	strategies   = make(map[string]func() EngineStrategy)
)

func init() {
	RegisterStrategy(StrategyDefault, registry.DefaultStrategy[dburl.Key, *Engine])
	RegisterStrategy(StrategyDisposeEngine, func() EngineStrategy {
		return registry.CloseOnly[dburl.Key, *Engine]{}
	})
}

// RegisterStrategy makes a removal strategy selectable by name, replacing
// any previous factory with that name.
func RegisterStrategy(name string, factory func() EngineStrategy) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	strategies[name] = factory
}

// GetStrategy returns a new instance of the named strategy. An empty name
// selects StrategyDefault.
func GetStrategy(name string) (EngineStrategy, error) {
	if name == "" {
		name = StrategyDefault
	}

	strategiesMu.RLock()
	defer strategiesMu.RUnlock()

	factory, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return factory(), nil
}

// StrategyNames lists the registered strategy names in order.
func StrategyNames() []string {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
