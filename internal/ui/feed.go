package ui

import (
	"sync"

	"github.com/bamsammich/diskbeam/internal/event"
)

// feed forwards bus events to a channel for a presenter goroutine.
type feed struct {
	ch     chan event.Event
	mu     sync.Mutex
	closed bool
}

func (f *feed) Notify(ev event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.ch <- ev
	}
}

// Feed subscribes to bus and returns the events it publishes. stop
// unsubscribes and closes the channel; the presenter must keep reading
// until then.
func Feed(bus *event.Bus, buffer int) (events <-chan event.Event, stop func()) {
	f := &feed{ch: make(chan event.Event, buffer)}
	bus.Subscribe(f)
	return f.ch, func() {
		bus.Unsubscribe(f)
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.closed {
			f.closed = true
			close(f.ch)
		}
	}
}
