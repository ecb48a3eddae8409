package connman

import (
	"context"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/connman-dispatcher/internal/logging"
)

type signalKey struct {
	path dbus.ObjectPath
	name string // interface.member
}

// signalRouter owns the connection's signal channel and dispatches signals
// to per-(path, member) subscribers. Dispatch happens on a single goroutine,
// so subscribers see signals in the order the bus delivered them.
type signalRouter struct {
	conn   *dbus.Conn
	logger *logging.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[signalKey]map[uint64]SignalHandler

	ch        chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

func newSignalRouter(conn *dbus.Conn, logger *logging.Logger) *signalRouter {
	r := &signalRouter{
		conn:     conn,
		logger:   logger,
		handlers: make(map[signalKey]map[uint64]SignalHandler),
		ch:       make(chan *dbus.Signal, 64),
		done:     make(chan struct{}),
	}
	conn.Signal(r.ch)
	go r.run()
	return r
}

func matchOptions(path dbus.ObjectPath, iface, member string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
}

func (r *signalRouter) subscribe(path dbus.ObjectPath, iface, member string, handler SignalHandler) (func(), error) {
	key := signalKey{path: path, name: iface + "." + member}

	r.mu.Lock()
	subs, ok := r.handlers[key]
	if !ok {
		// First subscriber for this key installs the bus-side match rule.
		if err := r.conn.AddMatchSignal(matchOptions(path, iface, member)...); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		subs = make(map[uint64]SignalHandler)
		r.handlers[key] = subs
	}
	r.nextID++
	id := r.nextID
	subs[id] = handler
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(key, id, iface, member) })
	}, nil
}

func (r *signalRouter) unsubscribe(key signalKey, id uint64, iface, member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.handlers[key]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.handlers, key)
		if err := r.conn.RemoveMatchSignal(matchOptions(key.path, iface, member)...); err != nil {
			r.logger.Debug("remove match rule failed", "path", key.path, "signal", key.name, "error", err)
		}
	}
}

func (r *signalRouter) run() {
	for {
		select {
		case <-r.done:
			return
		case sig, ok := <-r.ch:
			if !ok {
				// Channel closed by godbus when the connection closes
				return
			}
			r.dispatch(sig)
		}
	}
}

func (r *signalRouter) dispatch(sig *dbus.Signal) {
	key := signalKey{path: sig.Path, name: sig.Name}

	r.mu.Lock()
	subs := r.handlers[key]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]SignalHandler, len(ids))
	for i, id := range ids {
		handlers[i] = subs[id]
	}
	r.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	r.logger.LogSignal(context.Background(), string(sig.Path), sig.Name, nil)
	for _, h := range handlers {
		h(sig.Body)
	}
}

func (r *signalRouter) close() {
	r.closeOnce.Do(func() {
		close(r.done)
		// Don't close r.ch: godbus owns it once registered.
		r.conn.RemoveSignal(r.ch)
	})
}
