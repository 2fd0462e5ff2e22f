// Package registry provides a concurrent keyed registry for shared,
// lifecycle-bearing values with optional time-to-live expiry.
//
// Every item may carry a TTL and a close callback. Expired items are removed
// lazily on Get and, when a sweep interval is configured, proactively by a
// background goroutine. Removal goes through a RemovalStrategy, which by
// default closes the item first and only forgets it if the close succeeded.
//
// All operations are serialized by a single mutex. The registry is meant for a
// small number of expensive values, such as one connection pool per database.
package registry

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Options configure a Registry. The zero value is a registry without sweep,
// without refresh on get and with DefaultStrategy.
type Options[K comparable, V any] struct {
	// SweepInterval enables the background sweep when positive.
	SweepInterval time.Duration
	// RefreshOnGet restarts an item's TTL on every successful Get.
	RefreshOnGet bool
	// Strategy is applied on every removal. Defaults to DefaultStrategy.
	Strategy RemovalStrategy[K, V]

	Logger   *slog.Logger
	Observer Observer
	// Now is the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

// Registry is a thread-safe key to value store with TTL expiry.
//
// A Registry with a sweep interval owns a goroutine; call Close to stop it.
// If the Registry becomes unreachable without Close, the goroutine is stopped
// once the garbage collector reclaims it.
type Registry[K comparable, V any] struct {
	*store[K, V]
}

// store holds the state shared with the sweep goroutine. It never points back
// to the Registry, so the Registry stays collectable while the sweep runs.
type store[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]*Item[V]

	refreshOnGet  bool
	sweepInterval time.Duration
	strategy      RemovalStrategy[K, V]
	logger        *slog.Logger
	observer      Observer
	now           func() time.Time

	sweeper *sweeper
}

// New creates a Registry and, if configured, starts its sweep.
func New[K comparable, V any](opts Options[K, V]) *Registry[K, V] {
	s := &store[K, V]{
		items:         make(map[K]*Item[V]),
		refreshOnGet:  opts.RefreshOnGet,
		sweepInterval: opts.SweepInterval,
		strategy:      opts.Strategy,
		logger:        opts.Logger,
		observer:      opts.Observer,
		now:           opts.Now,
	}
	if s.strategy == nil {
		s.strategy = DefaultStrategy[K, V]()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := &Registry[K, V]{store: s}
	if s.sweepInterval > 0 {
		s.sweeper = startSweeper(s.sweepInterval, s.Sweep)
		runtime.AddCleanup(r, func(sw *sweeper) { sw.stop() }, s.sweeper)
	} else {
		s.sweeper = stoppedSweeper()
	}
	return r
}

// Set installs value under key, replacing any previous item.
//
// The replaced item is not closed and does not go through the removal
// strategy; closing it is up to the caller. A zero ttl means no expiry.
func (s *store[K, V]) Set(key K, value V, ttl time.Duration, closer CloseFunc[V]) {
	if ttl > 0 && s.sweepInterval <= 0 {
		s.logger.Warn("TTL is set but sweep interval is not, expired items are only removed on access", "key", key, "ttl", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, Entry[V]{Value: value, TTL: ttl, Close: closer})
}

func (s *store[K, V]) setLocked(key K, e Entry[V]) {
	if _, exists := s.items[key]; exists {
		s.logger.Debug("Replacing item without closing it", "key", key)
	} else {
		s.logger.Debug("Setting item", "key", key)
	}
	s.items[key] = newItem(e, s.now())
	s.observer.Observe(EventSet)
	s.observer.Entries(len(s.items))
}

// Get returns the value stored under key.
//
// An expired item is removed first. If the removal fails, for example
// because the close callback refused, the expired value is still returned
// so the only handle to a stuck resource is not lost.
func (s *store[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *store[K, V]) getLocked(key K) (V, bool) {
	var zero V

	item, ok := s.items[key]
	if !ok {
		s.logger.Debug("Item not found", "key", key)
		s.observer.Observe(EventMiss)
		return zero, false
	}

	if item.Expired(s.now()) {
		s.logger.Debug("Item is expired", "key", key)
		s.observer.Observe(EventExpired)
		s.removeLocked(key)
		if _, still := s.items[key]; !still {
			s.observer.Observe(EventMiss)
			return zero, false
		}
		s.logger.Warn("Expired item is still registered after removal, returning it anyway", "key", key)
	}

	if s.refreshOnGet {
		s.logger.Debug("Refreshing item", "key", key)
		item.RefreshExpiry(s.now())
	}

	s.observer.Observe(EventHit)
	return item.Value, true
}

// GetItem returns a copy of the item under key without expiry checks or
// refresh.
func (s *store[K, V]) GetItem(key K) (Item[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return Item[V]{}, false
	}
	return *item, true
}

// GetOrCreate returns the live value under key, or builds one with create
// and stores it. create runs with the lock held, so concurrent callers for
// any key wait for it and at most one value is built per key. If create
// fails nothing is stored.
func (s *store[K, V]) GetOrCreate(key K, create func() (Entry[V], error)) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.getLocked(key); ok {
		return v, nil
	}

	e, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	if e.TTL > 0 && s.sweepInterval <= 0 {
		s.logger.Warn("TTL is set but sweep interval is not, expired items are only removed on access", "key", key, "ttl", e.TTL)
	}
	s.setLocked(key, e)
	return e.Value, nil
}

// Remove applies the removal strategy to key and reports its result.
// Removing a missing key is a no-op that reports false.
func (s *store[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *store[K, V]) removeLocked(key K) bool {
	ok := s.strategy.Remove(lockedStore[K, V]{s}, key)
	if ok {
		s.observer.Observe(EventRemoved)
	} else {
		s.observer.Observe(EventRemovalFailed)
	}
	s.observer.Entries(len(s.items))
	return ok
}

// CopyTo sets every current item into dst with its original TTL and close
// callback. The TTL countdown restarts in dst. The source is not modified.
func (s *store[K, V]) CopyTo(dst *Registry[K, V]) {
	s.mu.Lock()
	snapshot := make(map[K]Entry[V], len(s.items))
	for k, item := range s.items {
		snapshot[k] = item.Entry()
	}
	s.mu.Unlock()

	for k, e := range snapshot {
		dst.Set(k, e.Value, e.TTL, e.Close)
	}
}

// Drain empties the registry without running the removal strategy and
// returns what it held, leaving the caller responsible for closing it.
func (s *store[K, V]) Drain() map[K]Entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := make(map[K]Entry[V], len(s.items))
	for k, item := range s.items {
		drained[k] = item.Entry()
	}
	clear(s.items)
	s.observer.Entries(0)
	return drained
}

// Len returns the number of stored items, expired or not.
func (s *store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Keys returns the stored keys in no particular order.
func (s *store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]K, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

// Range calls fn for a snapshot of the items until fn returns false.
func (s *store[K, V]) Range(fn func(key K, item Item[V]) bool) {
	s.mu.Lock()
	snapshot := make(map[K]Item[V], len(s.items))
	for k, item := range s.items {
		snapshot[k] = *item
	}
	s.mu.Unlock()

	for k, item := range snapshot {
		if !fn(k, item) {
			return
		}
	}
}

// lockedStore exposes the map to strategies while the registry lock is held.
type lockedStore[K comparable, V any] struct {
	s *store[K, V]
}

func (l lockedStore[K, V]) Item(key K) (*Item[V], bool) {
	item, ok := l.s.items[key]
	return item, ok
}

func (l lockedStore[K, V]) Delete(key K) {
	delete(l.s.items, key)
}

func (l lockedStore[K, V]) Logger() *slog.Logger {
	return l.s.logger
}
