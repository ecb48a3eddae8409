package connman

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

// ManagerConfig holds manager settings.
type ManagerConfig struct {
	// EnableAgent turns on interactive authentication: the agent is
	// registered during Init and returned from Service.Connect.
	EnableAgent bool
	Agent       AgentConfig
}

// Manager binds net.connman.Manager. It owns the technology registry,
// answers service queries and registers the agent.
type Manager struct {
	bus   Bus
	agent *Agent

	obj    RemoteObject
	unsubs []func()
	events emitter[Event]

	mu           sync.RWMutex
	technologies map[string]*Technology
}

// NewManager creates a manager. Call Init to bind it.
func NewManager(bus Bus, cfg ManagerConfig) *Manager {
	m := &Manager{
		bus:          bus,
		technologies: make(map[string]*Technology),
	}
	if cfg.EnableAgent {
		m.agent = NewAgent(bus, m, cfg.Agent)
	}
	return m
}

// Init binds the manager object, loads the technologies and, when enabled,
// registers the agent.
func (m *Manager) Init(ctx context.Context) error {
	obj, err := m.bus.Object(ctx, dbustypes.BusName, dbustypes.ManagerPath, dbustypes.ManagerInterface)
	if err != nil {
		return &BindingError{Path: dbustypes.ManagerPath, Interface: dbustypes.ManagerInterface, Err: err}
	}
	m.obj = obj

	for signal, handler := range map[string]SignalHandler{
		dbustypes.SignalTechnologyAdded:   m.onTechnologyAdded,
		dbustypes.SignalTechnologyRemoved: m.onTechnologyRemoved,
		dbustypes.SignalPropertyChanged:   propertyForwarder(&m.events),
	} {
		unsub, err := obj.Subscribe(signal, handler)
		if err != nil {
			m.Close(ctx)
			return fmt.Errorf("subscribe to %s: %w", signal, err)
		}
		m.unsubs = append(m.unsubs, unsub)
	}

	if err := m.loadTechnologies(ctx); err != nil {
		m.Close(ctx)
		return err
	}

	if m.agent != nil {
		if err := m.agent.Init(ctx); err != nil {
			m.Close(ctx)
			return err
		}
	}
	return nil
}

func (m *Manager) loadTechnologies(ctx context.Context) error {
	body, err := callTimeout(ctx, m.obj, DefaultTimeout, "GetTechnologies")
	if err != nil {
		return fmt.Errorf("get technologies: %w", err)
	}
	if len(body) == 0 {
		return fmt.Errorf("get technologies: empty reply")
	}
	techs, err := decodeObjectArray(body[0])
	if err != nil {
		return fmt.Errorf("get technologies: %w", err)
	}
	for _, t := range techs {
		m.addTechnology(ctx, t.path, t.props)
	}
	return nil
}

func (m *Manager) addTechnology(ctx context.Context, p dbus.ObjectPath, props map[string]dbus.Variant) {
	technologyType := Properties(props).String("Type")
	if technologyType == "" {
		technologyType = path.Base(string(p))
	}
	t := NewTechnology(m.bus, m, Properties(props).String("Name"), technologyType)
	if err := t.Init(ctx); err != nil {
		slog.Warn("technology unavailable", "type", technologyType, "error", err)
		return
	}

	m.mu.Lock()
	if old, ok := m.technologies[technologyType]; ok {
		old.Close()
	}
	m.technologies[technologyType] = t
	m.mu.Unlock()

	m.events.emit(EventTechnologyAdded, Event{Kind: EventTechnologyAdded, Technology: technologyType})
}

func (m *Manager) onTechnologyAdded(body []interface{}) {
	if len(body) != 2 {
		return
	}
	p, ok1 := body[0].(dbus.ObjectPath)
	props, ok2 := body[1].(map[string]dbus.Variant)
	if !ok1 || !ok2 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	m.addTechnology(ctx, p, props)
}

func (m *Manager) onTechnologyRemoved(body []interface{}) {
	if len(body) != 1 {
		return
	}
	p, ok := body[0].(dbus.ObjectPath)
	if !ok {
		return
	}

	var removed string
	m.mu.Lock()
	for typ, t := range m.technologies {
		if t.Path == p {
			t.Close()
			delete(m.technologies, typ)
			removed = typ
			break
		}
	}
	m.mu.Unlock()

	if removed != "" {
		m.events.emit(EventTechnologyRemoved, Event{Kind: EventTechnologyRemoved, Technology: removed})
	}
}

// Close releases signal subscriptions, unregisters the agent and unbinds
// every technology.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	if m.agent != nil {
		err = m.agent.Close(ctx)
	}
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil

	m.mu.Lock()
	for _, t := range m.technologies {
		t.Close()
	}
	m.technologies = make(map[string]*Technology)
	m.mu.Unlock()
	return err
}

// Agent returns the shared agent, or nil when the agent is disabled.
func (m *Manager) Agent() *Agent {
	return m.agent
}

// Technology implements TechnologyRegistry.
func (m *Manager) Technology(technologyType string) (*Technology, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.technologies[technologyType]
	return t, ok
}

// Technologies returns the registered technologies sorted by type.
func (m *Manager) Technologies() []*Technology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Technology, 0, len(m.technologies))
	for _, t := range m.technologies {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Subscribe registers fn for manager events of the given kind.
func (m *Manager) Subscribe(kind EventKind, fn func(Event)) Subscription {
	return m.events.subscribe(kind, fn)
}

// Unsubscribe removes a handler registered with Subscribe.
func (m *Manager) Unsubscribe(s Subscription) {
	m.events.unsubscribe(s)
}

// GetProperties fetches the manager's global properties (State, OfflineMode).
func (m *Manager) GetProperties(ctx context.Context) (Properties, error) {
	if m.obj == nil {
		return nil, ErrNotBound
	}
	body, err := callTimeout(ctx, m.obj, DefaultTimeout, "GetProperties")
	if err != nil {
		return nil, err
	}
	return decodeProperties("GetProperties", body)
}

// allServices returns every service in daemon order.
func (m *Manager) allServices(ctx context.Context) ([]ServiceRecord, error) {
	if m.obj == nil {
		return nil, ErrNotBound
	}
	body, err := callTimeout(ctx, m.obj, DefaultTimeout, "GetServices")
	if err != nil {
		return nil, fmt.Errorf("get services: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("get services: empty reply")
	}
	objs, err := decodeObjectArray(body[0])
	if err != nil {
		return nil, fmt.Errorf("get services: %w", err)
	}
	records := make([]ServiceRecord, len(objs))
	for i, o := range objs {
		records[i] = newServiceRecord(o.path, o.props)
	}
	return records, nil
}

// GetServices returns the services of the given technology type in daemon
// order. An empty type returns every service.
func (m *Manager) GetServices(ctx context.Context, technologyType string) ([]ServiceRecord, error) {
	all, err := m.allServices(ctx)
	if err != nil {
		return nil, err
	}
	if technologyType == "" {
		return all, nil
	}
	out := make([]ServiceRecord, 0, len(all))
	for _, r := range all {
		if r.Type() == technologyType {
			out = append(out, r)
		}
	}
	return out, nil
}

// SearchService returns the first service of the given type that matches
// query, or nil.
func (m *Manager) SearchService(ctx context.Context, query ServiceQuery, technologyType string) (*ServiceRecord, error) {
	services, err := m.GetServices(ctx, technologyType)
	if err != nil {
		return nil, err
	}
	for _, r := range services {
		if query.Matches(r) {
			found := r
			return &found, nil
		}
	}
	return nil, nil
}

// ServiceProperties returns the properties of the service at p.
func (m *Manager) ServiceProperties(ctx context.Context, p dbus.ObjectPath) (Properties, error) {
	obj, err := m.bus.Object(ctx, dbustypes.BusName, p, dbustypes.ServiceInterface)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoSuchService, p, err)
	}
	body, err := callTimeout(ctx, obj, DefaultTimeout, "GetProperties")
	if err != nil {
		return nil, err
	}
	return decodeProperties("GetProperties", body)
}

// NewService creates a Service bound to serviceName of the given technology.
func (m *Manager) NewService(ctx context.Context, technologyType, serviceName string) (*Service, error) {
	s := NewService(m.bus, m, m.agent)
	if err := s.Init(ctx, technologyType, serviceName); err != nil {
		return nil, err
	}
	return s, nil
}

// RegisterAgent implements AgentRegistrar.
func (m *Manager) RegisterAgent(ctx context.Context, p dbus.ObjectPath) error {
	if m.obj == nil {
		return ErrNotBound
	}
	_, err := callTimeout(ctx, m.obj, DefaultTimeout, "RegisterAgent", p)
	return err
}

// UnregisterAgent implements AgentRegistrar.
func (m *Manager) UnregisterAgent(ctx context.Context, p dbus.ObjectPath) error {
	if m.obj == nil {
		return ErrNotBound
	}
	_, err := callTimeout(ctx, m.obj, DefaultTimeout, "UnregisterAgent", p)
	return err
}
