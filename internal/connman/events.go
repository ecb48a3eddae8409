package connman

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

// EventKind names an event broadcast by a Technology, Service, Manager or Agent.
type EventKind string

const (
	// EventAll subscribes to every kind.
	EventAll EventKind = ""

	EventPropertyChanged   EventKind = "PropertyChanged"
	EventConnectResult     EventKind = "ConnectResult"
	EventTechnologyAdded   EventKind = "TechnologyAdded"
	EventTechnologyRemoved EventKind = "TechnologyRemoved"

	EventRelease         EventKind = "Release"
	EventReportError     EventKind = "ReportError"
	EventRequestBrowser  EventKind = "RequestBrowser"
	EventRequestInput    EventKind = "RequestInput"
	EventRequestResolved EventKind = "RequestResolved"
	EventCancel          EventKind = "Cancel"
)

// Event is broadcast by technologies, services and the manager.
type Event struct {
	Kind EventKind

	// PropertyChanged
	Name  string
	Value dbus.Variant

	// ConnectResult: outcome of the background Connect call.
	Err error

	// TechnologyAdded / TechnologyRemoved
	Technology string
}

// Subscription identifies a registered event handler.
type Subscription uint64

type handlerEntry[E any] struct {
	kind EventKind
	fn   func(E)
}

// emitter multiplexes events to subscribers. Handlers run synchronously on
// the emitting goroutine, in subscription order.
type emitter[E any] struct {
	mu       sync.RWMutex
	next     Subscription
	order    []Subscription
	handlers map[Subscription]handlerEntry[E]
}

func (e *emitter[E]) subscribe(kind EventKind, fn func(E)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Subscription]handlerEntry[E])
	}
	e.next++
	e.handlers[e.next] = handlerEntry[E]{kind: kind, fn: fn}
	e.order = append(e.order, e.next)
	return e.next
}

func (e *emitter[E]) unsubscribe(s Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[s]; !ok {
		return
	}
	delete(e.handlers, s)
	for i, o := range e.order {
		if o == s {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *emitter[E]) emit(kind EventKind, ev E) {
	e.mu.RLock()
	fns := make([]func(E), 0, len(e.order))
	for _, s := range e.order {
		h := e.handlers[s]
		if h.kind == EventAll || h.kind == kind {
			fns = append(fns, h.fn)
		}
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *emitter[E]) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
