package event

import "sync"

// Observer receives events published on a Bus. Notify runs on the publisher's
// goroutine and must not block for long.
type Observer interface {
	Notify(ev Event)
}

// Bus fans events out to its observers synchronously. There is no queue:
// Publish returns after every observer has seen the event.
type Bus struct {
	observers map[Observer]struct{}
	mu        sync.Mutex
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{observers: make(map[Observer]struct{})}
}

var defaultBus = sync.OnceValue(NewBus) //nolint:gochecknoglobals // process-wide bus, one session at a time

// Default returns the process-wide bus. It is created on first use and lives
// for the whole process; callers that run one session at a time share it.
func Default() *Bus {
	return defaultBus()
}

// Subscribe registers o. Subscribing the same observer twice is a no-op.
// Observers must be comparable (typically pointers).
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[o] = struct{}{}
}

// Unsubscribe removes o. Removing an unknown observer is a no-op.
func (b *Bus) Unsubscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, o)
}

// Publish delivers ev to every current observer in unspecified order.
// The observer set is copied before delivery so observers may subscribe,
// unsubscribe or publish from inside Notify. Publishing on a nil bus is a
// no-op.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	targets := make([]Observer, 0, len(b.observers))
	for o := range b.observers {
		targets = append(targets, o)
	}
	b.mu.Unlock()

	for _, o := range targets {
		o.Notify(ev)
	}
}

// Len returns the number of subscribed observers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Recorder is an Observer that keeps every event it sees.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events in delivery order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Transfers returns only the TransferEvents of the given kind.
func (r *Recorder) Transfers(kind TransferKind) []TransferEvent {
	var out []TransferEvent
	for _, ev := range r.Events() {
		if te, ok := ev.(TransferEvent); ok && te.Kind == kind {
			out = append(out, te)
		}
	}
	return out
}

// Generals returns only the GeneralEvents.
func (r *Recorder) Generals() []GeneralEvent {
	var out []GeneralEvent
	for _, ev := range r.Events() {
		if ge, ok := ev.(GeneralEvent); ok {
			out = append(out, ge)
		}
	}
	return out
}
