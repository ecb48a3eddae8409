package connman

import (
	"sync"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

// binding owns one bound remote object and its PropertyChanged
// subscription. At most one subscription is active at any time: rebinding
// removes the old one before adding the new one. Signals reach the current
// handler through deliver, so the handler can change under a live
// subscription.
type binding struct {
	mu          sync.Mutex
	obj         RemoteObject
	handler     SignalHandler
	unsubscribe func()
}

// current returns the bound object, or nil.
func (b *binding) current() RemoteObject {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.obj
}

// bind swaps in obj and subscribes handler to its PropertyChanged signal.
func (b *binding) bind(obj RemoteObject, handler SignalHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropLocked()
	b.obj = obj
	b.handler = handler
	return b.subscribeLocked()
}

// resubscribe installs handler on the current object. A live subscription
// keeps its bus match rule and only has its handler replaced, so signals
// sent meanwhile still arrive.
func (b *binding) resubscribe(handler SignalHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.obj == nil {
		return nil
	}
	b.handler = handler
	if b.unsubscribe != nil {
		return nil
	}
	return b.subscribeLocked()
}

// release drops the subscription and forgets the object.
func (b *binding) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropLocked()
	b.obj = nil
	b.handler = nil
}

func (b *binding) dropLocked() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
}

func (b *binding) subscribeLocked() error {
	unsub, err := b.obj.Subscribe(dbustypes.SignalPropertyChanged, b.deliver(b.obj))
	if err != nil {
		return err
	}
	b.unsubscribe = unsub
	return nil
}

// deliver passes signals from obj to the current handler. Signals still
// queued for an object that has since been replaced are dropped.
func (b *binding) deliver(obj RemoteObject) SignalHandler {
	return func(body []interface{}) {
		b.mu.Lock()
		handler := b.handler
		current := b.obj
		b.mu.Unlock()
		if current != obj || handler == nil {
			return
		}
		handler(body)
	}
}

// propertyForwarder turns PropertyChanged signal bodies into events.
func propertyForwarder(events *emitter[Event]) SignalHandler {
	return func(body []interface{}) {
		name, value, ok := decodePropertyChanged(body)
		if !ok {
			return
		}
		events.emit(EventPropertyChanged, Event{Kind: EventPropertyChanged, Name: name, Value: value})
	}
}
