package registry

// Event identifies something the registry did.
type Event string

const (
	EventSet           Event = "set"
	EventHit           Event = "hit"
	EventMiss          Event = "miss"
	EventExpired       Event = "expired"
	EventRemoved       Event = "removed"
	EventRemovalFailed Event = "removal_failed"
)

// Observer receives registry events. Calls happen with the registry lock
// held, so implementations must be fast and must not call back into the
// registry.
type Observer interface {
	Observe(event Event)
	// Entries reports the item count after every mutation.
	Entries(n int)
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
func (nopObserver) Entries(int)   {}
