package webhook

import (
	"github.com/wagate-io/wagate/internal/event"
)

// Forwarder bridges the in-process event bus to the webhook dispatcher,
// filtering by the configured enabled-event set.
type Forwarder struct {
	dispatcher *Dispatcher
	enabled    event.Set
	unsub      func()
}

// NewForwarder creates a forwarder. Call Start to attach it to a bus.
func NewForwarder(dispatcher *Dispatcher, enabled event.Set) *Forwarder {
	return &Forwarder{dispatcher: dispatcher, enabled: enabled}
}

// Start subscribes the forwarder to all events on the bus.
func (f *Forwarder) Start(bus *event.Bus) {
	f.unsub = bus.SubscribeAll(f.handle)
}

// Stop detaches the forwarder from the bus.
func (f *Forwarder) Stop() {
	if f.unsub != nil {
		f.unsub()
		f.unsub = nil
	}
}

func (f *Forwarder) handle(e event.Event) {
	if !f.enabled.Enabled(e.Kind) {
		return
	}
	// Subscribers already run on bus-owned goroutines, so deliver inline.
	f.dispatcher.DispatchSync(e.Target, e.SessionID, string(e.Kind), e.Data)
}
