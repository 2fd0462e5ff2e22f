package registry

import "log/slog"

// Store is the view of a registry handed to removal strategies.
//
// Strategies run while the registry lock is held, so Store methods never
// lock and must not be retained past the Remove call.
type Store[K comparable, V any] interface {
	Item(key K) (*Item[V], bool)
	Delete(key K)
	Logger() *slog.Logger
}

// RemovalStrategy decides what happens to an item when it is evicted,
// either explicitly or because it expired.
type RemovalStrategy[K comparable, V any] interface {
	// Remove reports whether the removal succeeded. A missing key is a failure.
	Remove(s Store[K, V], key K) bool
}

// StrategyFunc adapts a function to RemovalStrategy.
type StrategyFunc[K comparable, V any] func(s Store[K, V], key K) bool

func (f StrategyFunc[K, V]) Remove(s Store[K, V], key K) bool {
	return f(s, key)
}

// CloseOnly closes the item but leaves it in the map.
type CloseOnly[K comparable, V any] struct{}

func (CloseOnly[K, V]) Remove(s Store[K, V], key K) bool {
	item, ok := s.Item(key)
	if !ok {
		s.Logger().Debug("Item not found", "key", key)
		return false
	}

	s.Logger().Debug("Closing item", "key", key)
	if !item.Close() {
		s.Logger().Debug("Failed to close item", "key", key)
		return false
	}
	s.Logger().Debug("Item closed", "key", key)
	return true
}

// RemoveOnly deletes the map entry without closing the item.
type RemoveOnly[K comparable, V any] struct{}

func (RemoveOnly[K, V]) Remove(s Store[K, V], key K) bool {
	if _, ok := s.Item(key); !ok {
		s.Logger().Debug("Item not found", "key", key)
		return false
	}
	s.Delete(key)
	s.Logger().Debug("Item removed", "key", key)
	return true
}

// Composite runs its stages in order.
//
// With BreakOnFailure the first failing stage stops the run. Without it every
// stage runs, and the result is false if any of them failed.
type Composite[K comparable, V any] struct {
	Stages         []RemovalStrategy[K, V]
	BreakOnFailure bool
}

func (c Composite[K, V]) Remove(s Store[K, V], key K) bool {
	ok := true
	for _, stage := range c.Stages {
		if stage.Remove(s, key) {
			continue
		}
		if c.BreakOnFailure {
			return false
		}
		ok = false
	}
	return ok
}

// DefaultStrategy closes the item and only deletes it if the close succeeded,
// so a resource that refuses to close stays discoverable.
func DefaultStrategy[K comparable, V any]() RemovalStrategy[K, V] {
	return Composite[K, V]{
		Stages:         []RemovalStrategy[K, V]{CloseOnly[K, V]{}, RemoveOnly[K, V]{}},
		BreakOnFailure: true,
	}
}
