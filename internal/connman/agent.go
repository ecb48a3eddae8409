package connman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
	"github.com/nikicat/connman-dispatcher/internal/logging"
)

// DefaultInputTimeout bounds how long a RequestInput call waits for an answer.
const DefaultInputTimeout = 2 * time.Minute

// AgentRegistrar registers agent objects with the daemon.
type AgentRegistrar interface {
	RegisterAgent(ctx context.Context, path dbus.ObjectPath) error
	UnregisterAgent(ctx context.Context, path dbus.ObjectPath) error
}

// AgentConfig holds agent settings.
type AgentConfig struct {
	// Path is where the agent object is exported.
	Path dbus.ObjectPath
	// BusName, if set, is requested as a well-known name before registering.
	BusName string
	// InputTimeout bounds how long RequestInput waits for the application.
	InputTimeout time.Duration
	// HistoryLimit is the number of resolved requests to remember.
	HistoryLimit int
}

// AgentEvent is broadcast for every call the daemon makes on the agent,
// and when an input request is resolved.
type AgentEvent struct {
	Kind    EventKind
	Service dbus.ObjectPath

	// ReportError
	Error string
	// RequestBrowser
	URL string
	// RequestInput, RequestResolved
	Request *InputRequest
	// RequestResolved
	Resolution Resolution
}

// Agent is the daemon's interactive-authentication endpoint. It is exported
// on the bus as net.connman.Agent and registered with the manager.
type Agent struct {
	cfg       AgentConfig
	bus       Bus
	registrar AgentRegistrar
	logger    *logging.Logger
	pending   *pendingInputs
	events    emitter[AgentEvent]

	mu         sync.Mutex
	registered bool
}

// NewAgent creates an agent. Call Init to export and register it.
func NewAgent(bus Bus, registrar AgentRegistrar, cfg AgentConfig) *Agent {
	if cfg.Path == "" {
		cfg.Path = dbustypes.DefaultAgentPath
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = DefaultInputTimeout
	}
	return &Agent{
		cfg:       cfg,
		bus:       bus,
		registrar: registrar,
		logger:    logging.New("agent"),
		pending:   newPendingInputs(cfg.HistoryLimit),
	}
}

// Path returns the agent's object path.
func (a *Agent) Path() dbus.ObjectPath {
	return a.cfg.Path
}

// InputTimeout returns the configured input timeout.
func (a *Agent) InputTimeout() time.Duration {
	return a.cfg.InputTimeout
}

// Init exports the agent object and registers it with the daemon. The
// result of RegisterAgent is the result of Init.
func (a *Agent) Init(ctx context.Context) error {
	obj := &agentObject{agent: a}
	if err := a.bus.Export(obj, a.cfg.Path, dbustypes.AgentInterface); err != nil {
		return fmt.Errorf("export agent: %w", err)
	}

	// Always export Introspectable so the daemon and busctl can inspect the agent.
	node := &introspect.Node{
		Name: string(a.cfg.Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    dbustypes.AgentInterface,
				Methods: introspect.Methods(obj),
			},
		},
	}
	if err := a.bus.Export(introspect.NewIntrospectable(node), a.cfg.Path, dbustypes.IntrospectableInterface); err != nil {
		a.unexport()
		return fmt.Errorf("export agent introspectable: %w", err)
	}

	if a.cfg.BusName != "" {
		if err := a.bus.RequestName(a.cfg.BusName); err != nil {
			a.unexport()
			return err
		}
	}

	if err := a.registrar.RegisterAgent(ctx, a.cfg.Path); err != nil {
		a.unexport()
		return fmt.Errorf("register agent: %w", err)
	}

	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()

	a.logger.Info("agent registered", "path", a.cfg.Path)
	return nil
}

// Close unregisters the agent, cancels outstanding input requests and
// removes the exported object.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	registered := a.registered
	a.registered = false
	a.mu.Unlock()

	var err error
	if registered {
		if uerr := a.registrar.UnregisterAgent(ctx, a.cfg.Path); uerr != nil {
			err = fmt.Errorf("unregister agent: %w", uerr)
		}
	}
	a.pending.cancelAll(ResolutionCancelled)
	a.unexport()
	return err
}

func (a *Agent) unexport() {
	a.bus.Export(nil, a.cfg.Path, dbustypes.AgentInterface)          //nolint:errcheck
	a.bus.Export(nil, a.cfg.Path, dbustypes.IntrospectableInterface) //nolint:errcheck
}

// Registered reports whether the daemon currently holds the registration.
func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// Subscribe registers fn for agent events of the given kind (EventAll for every kind).
func (a *Agent) Subscribe(kind EventKind, fn func(AgentEvent)) Subscription {
	return a.events.subscribe(kind, fn)
}

// Unsubscribe removes a handler registered with Subscribe.
func (a *Agent) Unsubscribe(s Subscription) {
	a.events.unsubscribe(s)
}

// Pending returns outstanding input requests, oldest first.
func (a *Agent) Pending() []*InputRequest {
	return a.pending.list()
}

// PendingCount returns the number of outstanding input requests.
func (a *Agent) PendingCount() int {
	return a.pending.count()
}

// History returns resolved input requests, newest first.
func (a *Agent) History() []HistoryEntry {
	return a.pending.historyCopy()
}

// Answer responds to the pending request with the given ID.
func (a *Agent) Answer(id string, fields map[string]interface{}) error {
	r, ok := a.pending.get(id)
	if !ok {
		return ErrRequestNotFound
	}
	return r.Respond(fields)
}

// RejectRequest declines the pending request with the given ID.
func (a *Agent) RejectRequest(id string) error {
	r, ok := a.pending.get(id)
	if !ok {
		return ErrRequestNotFound
	}
	return r.Reject()
}

// requestInput runs the RequestInput handshake: it publishes the request and
// blocks until the application answers, rejects, the input timeout fires, or
// the daemon cancels.
func (a *Agent) requestInput(service dbus.ObjectPath, fields map[string]dbus.Variant) (map[string]dbus.Variant, Resolution) {
	req := NewInputRequest(service, fields, a.cfg.InputTimeout)
	a.pending.add(req)

	a.events.emit(EventRequestInput, AgentEvent{Kind: EventRequestInput, Service: service, Request: req})

	timer := time.NewTimer(a.cfg.InputTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
	case <-timer.C:
		req.resolve(ResolutionExpired, nil)
	}

	a.pending.remove(req)
	a.events.emit(EventRequestResolved, AgentEvent{
		Kind:       EventRequestResolved,
		Service:    service,
		Request:    req,
		Resolution: req.resolution,
	})

	return req.answer, req.resolution
}

// agentObject carries only the methods exported on the bus.
type agentObject struct {
	agent *Agent
}

// Release is called when the daemon drops the agent registration.
func (o *agentObject) Release() *dbus.Error {
	a := o.agent
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()

	a.logger.LogAgent(context.Background(), "Release", nil, "ok")
	a.events.emit(EventRelease, AgentEvent{Kind: EventRelease})
	return nil
}

// ReportError reports a connection error for a service.
func (o *agentObject) ReportError(service dbus.ObjectPath, message string) *dbus.Error {
	a := o.agent
	a.logger.LogAgent(context.Background(), "ReportError", map[string]any{
		"service": string(service),
		"error":   message,
	}, "ok")
	a.events.emit(EventReportError, AgentEvent{Kind: EventReportError, Service: service, Error: message})
	return nil
}

// RequestBrowser asks the user to open url to log in to service.
func (o *agentObject) RequestBrowser(service dbus.ObjectPath, url string) *dbus.Error {
	a := o.agent
	a.logger.LogAgent(context.Background(), "RequestBrowser", map[string]any{
		"service": string(service),
		"url":     url,
	}, "ok")
	a.events.emit(EventRequestBrowser, AgentEvent{Kind: EventRequestBrowser, Service: service, URL: url})
	return nil
}

// RequestInput asks for credentials for service. Signature: (oa{sv}) -> a{sv}
func (o *agentObject) RequestInput(service dbus.ObjectPath, fields map[string]dbus.Variant) (map[string]dbus.Variant, *dbus.Error) {
	a := o.agent
	answer, res := a.requestInput(service, fields)

	a.logger.LogAgent(context.Background(), "RequestInput", map[string]any{
		"service": string(service),
		"fields":  len(fields),
	}, string(res))

	if res != ResolutionAnswered {
		return nil, dbustypes.ErrCanceled("input request " + string(res))
	}
	return answer, nil
}

// Cancel tells the agent that outstanding requests are no longer needed.
// The daemon does not say which one, so all of them are cancelled.
func (o *agentObject) Cancel() *dbus.Error {
	a := o.agent
	n := a.pending.cancelAll(ResolutionCancelled)
	a.logger.LogAgent(context.Background(), "Cancel", map[string]any{"cancelled": n}, "ok")
	a.events.emit(EventCancel, AgentEvent{Kind: EventCancel})
	return nil
}
