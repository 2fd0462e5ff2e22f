package registry

import "time"

// CloseFunc releases the resource held by an item. It reports whether the
// release succeeded; a false result keeps the item in the registry under the
// default removal strategy.
type CloseFunc[V any] func(value V) bool

// Entry is what callers hand to the registry: a value with its optional TTL
// and close callback.
type Entry[V any] struct {
	Value V
	TTL   time.Duration
	Close CloseFunc[V]
}

// Item is a registered value plus its expiry bookkeeping.
//
// A zero TTL means the item never expires, in which case ExpiresAt is the
// zero time as well.
type Item[V any] struct {
	Value     V
	TTL       time.Duration
	ExpiresAt time.Time

	closer CloseFunc[V]
}

func newItem[V any](e Entry[V], now time.Time) *Item[V] {
	it := &Item[V]{
		Value:  e.Value,
		TTL:    e.TTL,
		closer: e.Close,
	}
	it.RefreshExpiry(now)
	return it
}

// Expired reports whether the item is past its expiration time.
func (i *Item[V]) Expired(now time.Time) bool {
	if i.ExpiresAt.IsZero() {
		return false
	}
	return now.After(i.ExpiresAt)
}

// RefreshExpiry restarts the TTL countdown from now.
func (i *Item[V]) RefreshExpiry(now time.Time) {
	if i.TTL <= 0 {
		return
	}
	i.ExpiresAt = now.Add(i.TTL)
}

// Close runs the close callback. Items without one close trivially.
func (i *Item[V]) Close() bool {
	if i.closer == nil {
		return true
	}
	return i.closer(i.Value)
}

// Entry returns the original value, TTL and close callback, dropping the
// absolute deadline.
func (i *Item[V]) Entry() Entry[V] {
	return Entry[V]{Value: i.Value, TTL: i.TTL, Close: i.closer}
}
