package credentials

import (
	"context"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/connman-dispatcher/internal/connman"
)

// PropertySource fetches service properties.
type PropertySource interface {
	ServiceProperties(ctx context.Context, path dbus.ObjectPath) (connman.Properties, error)
}

// AgentEvents is the agent's event surface.
type AgentEvents interface {
	Subscribe(kind connman.EventKind, fn func(connman.AgentEvent)) connman.Subscription
	Unsubscribe(s connman.Subscription)
}

// Responder answers RequestInput calls for services found in the store.
// A service whose stored credentials were rejected by the daemon
// (ReportError) is not answered again until the store is reloaded.
type Responder struct {
	store *Store
	props PropertySource
	agent AgentEvents
	subs  []connman.Subscription
	wg    sync.WaitGroup

	mu       sync.Mutex
	answered map[dbus.ObjectPath]bool
	rejected map[dbus.ObjectPath]bool
	// Set by Stop. Lookups are only started while it is false.
	stopped bool
}

// NewResponder creates a responder. Call Start to attach it to the agent.
func NewResponder(store *Store, props PropertySource, agent AgentEvents) *Responder {
	r := &Responder{
		store:    store,
		props:    props,
		agent:    agent,
		answered: make(map[dbus.ObjectPath]bool),
		rejected: make(map[dbus.ObjectPath]bool),
	}
	store.OnLoad(r.reset)
	return r
}

// Start subscribes to the agent's events.
func (r *Responder) Start() {
	r.subs = append(r.subs,
		r.agent.Subscribe(connman.EventRequestInput, r.onRequestInput),
		r.agent.Subscribe(connman.EventReportError, r.onReportError),
	)
}

// Stop unsubscribes and waits for in-flight lookups.
func (r *Responder) Stop() {
	for _, s := range r.subs {
		r.agent.Unsubscribe(s)
	}
	r.subs = nil

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Responder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answered = make(map[dbus.ObjectPath]bool)
	r.rejected = make(map[dbus.ObjectPath]bool)
}

func (r *Responder) onReportError(ev connman.AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered[ev.Service] {
		r.rejected[ev.Service] = true
		slog.Warn("stored credentials rejected", "service", ev.Service, "error", ev.Error)
	}
}

func (r *Responder) onRequestInput(ev connman.AgentEvent) {
	// An emit that began before Stop can still arrive here.
	r.mu.Lock()
	if r.stopped || r.rejected[ev.Service] {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	// Event handlers must not block; the property lookup is a bus round-trip.
	go func() {
		defer r.wg.Done()
		r.answer(ev.Request)
	}()
}

func (r *Responder) answer(req *connman.InputRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), connman.DefaultTimeout)
	defer cancel()

	props, err := r.props.ServiceProperties(ctx, req.Service)
	if err != nil {
		slog.Debug("credentials lookup skipped", "service", req.Service, "error", err)
		return
	}
	entry, ok := r.store.Lookup(props.String("Name"), props.String("Type"))
	if !ok {
		return
	}

	fields, ok := Fill(entry, req.FieldSpecs())
	if !ok {
		slog.Debug("stored credentials incomplete", "service", req.Service, "name", entry.Name)
		return
	}

	if err := req.Respond(fields); err != nil {
		// Someone else answered first.
		return
	}
	r.mu.Lock()
	r.answered[req.Service] = true
	r.mu.Unlock()
	slog.Info("answered input request from credentials", "service", req.Service, "name", entry.Name)
}

// Fill builds an answer for the requested fields. Informational fields are
// skipped; it fails when a mandatory field has no stored value.
func Fill(entry *Entry, specs []connman.FieldSpec) (map[string]interface{}, bool) {
	fields := make(map[string]interface{})
	for _, spec := range specs {
		if spec.Requirement == "informational" {
			continue
		}
		v, ok := entry.Value(spec.Name)
		if !ok {
			if spec.Requirement == "mandatory" {
				return nil, false
			}
			continue
		}
		fields[spec.Name] = v
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}
