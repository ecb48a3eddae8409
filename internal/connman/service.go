package connman

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

// TechnologyRegistry looks technologies up by type.
type TechnologyRegistry interface {
	Technology(technologyType string) (*Technology, bool)
}

// Service represents one ConnMan service (a connection profile or access point).
//
// The owning technology is kept as a type key and looked up in the registry
// on each use, so a technology that left the registry is reported as
// ErrNoTechnology instead of being used through a stale pointer.
type Service struct {
	bus          Bus
	technologies TechnologyRegistry
	agent        *Agent

	mu       sync.Mutex
	techType string
	name     string

	binding binding
	events  emitter[Event]
}

// NewService creates an unbound Service. agent is returned from Connect
// and may be nil when interactive authentication is disabled.
func NewService(bus Bus, technologies TechnologyRegistry, agent *Agent) *Service {
	return &Service{
		bus:          bus,
		technologies: technologies,
		agent:        agent,
	}
}

// Init resolves the owning technology by type and selects serviceName,
// which is either an object path or a bare service identifier.
func (s *Service) Init(ctx context.Context, technologyType, serviceName string) error {
	s.mu.Lock()
	s.techType = ""
	if _, ok := s.technologies.Technology(technologyType); ok {
		s.techType = technologyType
	}
	s.name = serviceName
	s.mu.Unlock()

	return s.SelectService(ctx, ServiceObjectPath(serviceName))
}

// ServiceObjectPath returns name if it is already an object path and the
// path under the service root for a bare service identifier.
func ServiceObjectPath(name string) dbus.ObjectPath {
	if strings.HasPrefix(name, "/") {
		return dbus.ObjectPath(name)
	}
	return dbustypes.ServicePath(name)
}

// Technology returns the owning technology, if it is still registered.
func (s *Service) Technology() (*Technology, bool) {
	s.mu.Lock()
	techType := s.techType
	s.mu.Unlock()
	if techType == "" {
		return nil, false
	}
	return s.technologies.Technology(techType)
}

// Path returns the bound object path, or "" when unbound.
func (s *Service) Path() dbus.ObjectPath {
	if obj := s.binding.current(); obj != nil {
		return obj.Path()
	}
	return ""
}

// SelectService binds the service at objectPath, replacing the current one.
// The previous PropertyChanged subscription is removed before the new one
// is added.
func (s *Service) SelectService(ctx context.Context, objectPath dbus.ObjectPath) error {
	if _, ok := s.Technology(); !ok {
		return ErrNoTechnology
	}
	obj, err := s.bus.Object(ctx, dbustypes.BusName, objectPath, dbustypes.ServiceInterface)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNoSuchService, objectPath, err)
	}
	if err := s.binding.bind(obj, propertyForwarder(&s.events)); err != nil {
		return fmt.Errorf("subscribe to %s: %w", objectPath, err)
	}
	return nil
}

// Subscribe registers fn for events of the given kind (EventAll for every kind).
func (s *Service) Subscribe(kind EventKind, fn func(Event)) Subscription {
	return s.events.subscribe(kind, fn)
}

// Unsubscribe removes a handler registered with Subscribe.
func (s *Service) Unsubscribe(sub Subscription) {
	s.events.unsubscribe(sub)
}

// Close drops the signal subscription and unbinds the service.
func (s *Service) Close() {
	s.binding.release()
}

// GetProperties fetches the service's current properties.
func (s *Service) GetProperties(ctx context.Context) (Properties, error) {
	obj := s.binding.current()
	if obj == nil {
		return nil, ErrNoService
	}
	body, err := callTimeout(ctx, obj, DefaultTimeout, "GetProperties")
	if err != nil {
		return nil, err
	}
	return decodeProperties("GetProperties", body)
}

// SetProperty changes one service property.
func (s *Service) SetProperty(ctx context.Context, name string, value interface{}) error {
	obj := s.binding.current()
	if obj == nil {
		return ErrNoService
	}
	_, err := callTimeout(ctx, obj, DefaultTimeout, "SetProperty", name, asVariant(value))
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// Connect starts connecting the service and returns the shared agent when
// interactive authentication is enabled.
//
// The Connect call runs in the background and its outcome is not returned:
// progress is observed through PropertyChanged events (State, Error). The
// raw outcome is emitted as an EventConnectResult for diagnostics.
func (s *Service) Connect(ctx context.Context) (*Agent, error) {
	if _, ok := s.Technology(); !ok {
		return nil, ErrNoTechnology
	}
	obj := s.binding.current()
	if obj == nil {
		return nil, nil
	}

	// The subscription must be in place before the daemon starts sending
	// State changes for this attempt.
	if err := s.binding.resubscribe(propertyForwarder(&s.events)); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", obj.Path(), err)
	}

	go func() {
		// Detached from ctx: the daemon completes the connection on its own schedule.
		_, err := callTimeout(context.Background(), obj, ConnectTimeout, "Connect")
		if err != nil {
			slog.Debug("connect call finished with error", "service", obj.Path(), "error", err)
		}
		s.events.emit(EventConnectResult, Event{Kind: EventConnectResult, Err: err})
	}()

	if s.agent != nil {
		return s.agent, nil
	}
	return nil, nil
}

// Disconnect disconnects the service. The call is bounded only by ctx.
func (s *Service) Disconnect(ctx context.Context) error {
	if _, ok := s.Technology(); !ok {
		return ErrNoTechnology
	}
	obj := s.binding.current()
	if obj == nil {
		return nil
	}
	_, err := callTimeout(ctx, obj, 0, "Disconnect")
	return err
}

// Remove makes the daemon forget the service's saved configuration.
func (s *Service) Remove(ctx context.Context) error {
	if _, ok := s.Technology(); !ok {
		return ErrNoTechnology
	}
	obj := s.binding.current()
	if obj == nil {
		return nil
	}
	_, err := callTimeout(ctx, obj, DefaultTimeout, "Remove")
	return err
}
