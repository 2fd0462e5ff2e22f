package registry

import (
	"context"
	"sync"
	"time"

	"github.com/lucasew/dbregistry/internal/errutil"
)

// sweeper runs a function on every tick until stopped.
type sweeper struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startSweeper(interval time.Duration, sweep func() int) *sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &sweeper{cancel: cancel, done: make(chan struct{})}
	go sw.run(ctx, interval, sweep)
	return sw
}

func stoppedSweeper() *sweeper {
	sw := &sweeper{cancel: func() {}, done: make(chan struct{})}
	close(sw.done)
	return sw
}

func (sw *sweeper) run(ctx context.Context, interval time.Duration, sweep func() int) {
	defer close(sw.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick and a stop can be ready together; stop wins.
			if ctx.Err() != nil {
				return
			}
			sweep()
		}
	}
}

// stop signals the loop and waits for an in-flight sweep to finish.
func (sw *sweeper) stop() {
	sw.once.Do(sw.cancel)
	<-sw.done
}

// Sweep removes every expired item through the removal strategy and returns
// how many removals succeeded. A panicking close callback is logged and does
// not stop the sweep.
func (s *store[K, V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []K
	for k, item := range s.items {
		if item.Expired(now) {
			expired = append(expired, k)
		}
	}
	if len(expired) == 0 {
		return 0
	}

	s.logger.Debug("Sweeping expired items", "count", len(expired))
	removed := 0
	for _, k := range expired {
		s.observer.Observe(EventExpired)
		if s.sweepOne(k) {
			removed++
		}
	}
	s.logger.Debug("Finished sweeping expired items", "removed", removed)
	return removed
}

func (s *store[K, V]) sweepOne(key K) (ok bool) {
	defer errutil.Recover("Panic while removing expired item", "key", key)
	return s.removeLocked(key)
}

// Close stops the background sweep and waits for it to exit. Items are left
// untouched. Close must not be called from a close callback.
func (s *store[K, V]) Close() {
	s.sweeper.stop()
}

// Done is closed once the background sweep has exited. For a registry
// without a sweep it is closed from the start.
func (s *store[K, V]) Done() <-chan struct{} {
	return s.sweeper.done
}
