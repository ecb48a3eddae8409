// Package testutil provides test utilities including a mock ConnMan daemon.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

// MockConnMan is a minimal ConnMan implementation for testing. It exports
// the manager, technologies and services on a private bus and drives the
// agent handshake when a protected service is connected.
type MockConnMan struct {
	conn *dbus.Conn

	mu           sync.RWMutex
	technologies map[string]*MockTechnology
	services     []*MockService
	agentOwner   string
	agentPath    dbus.ObjectPath
	scans        int
}

// MockTechnology is a technology exported by the mock.
type MockTechnology struct {
	m          *MockConnMan
	Path       dbus.ObjectPath
	Properties map[string]dbus.Variant
}

// MockService is a service exported by the mock.
type MockService struct {
	m    *MockConnMan
	Path dbus.ObjectPath
	// Passphrase, when set, is requested through the agent on Connect.
	Passphrase string
	Properties map[string]dbus.Variant
}

// NewMockConnMan creates a new mock daemon.
func NewMockConnMan() *MockConnMan {
	return &MockConnMan{technologies: make(map[string]*MockTechnology)}
}

// AddTechnology adds a technology. Call before Register.
func (m *MockConnMan) AddTechnology(technologyType, name string) *MockTechnology {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &MockTechnology{
		m:    m,
		Path: dbustypes.TechnologyPath(technologyType),
		Properties: map[string]dbus.Variant{
			"Name":      dbus.MakeVariant(name),
			"Type":      dbus.MakeVariant(technologyType),
			"Powered":   dbus.MakeVariant(true),
			"Connected": dbus.MakeVariant(false),
			"Tethering": dbus.MakeVariant(false),
		},
	}
	m.technologies[technologyType] = t
	return t
}

// AddService adds a service. Call before Register.
func (m *MockConnMan) AddService(id, name, technologyType, iface, passphrase string) *MockService {
	m.mu.Lock()
	defer m.mu.Unlock()
	security := []string{"none"}
	if passphrase != "" {
		security = []string{"psk"}
	}
	s := &MockService{
		m:          m,
		Path:       dbustypes.ServicePath(id),
		Passphrase: passphrase,
		Properties: map[string]dbus.Variant{
			"Name":     dbus.MakeVariant(name),
			"Type":     dbus.MakeVariant(technologyType),
			"State":    dbus.MakeVariant("idle"),
			"Security": dbus.MakeVariant(security),
			"Ethernet": dbus.MakeVariant(map[string]dbus.Variant{
				"Interface": dbus.MakeVariant(iface),
			}),
		},
	}
	m.services = append(m.services, s)
	return s
}

// Register exports the mock on the given connection and claims net.connman.
func (m *MockConnMan) Register(conn *dbus.Conn) error {
	m.conn = conn

	if err := exportWithIntrospection(conn, &mockManager{m}, dbustypes.ManagerPath, dbustypes.ManagerInterface); err != nil {
		return err
	}

	m.mu.RLock()
	types := make([]string, 0, len(m.technologies))
	for typ := range m.technologies {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		t := m.technologies[typ]
		if err := exportWithIntrospection(conn, t, t.Path, dbustypes.TechnologyInterface); err != nil {
			m.mu.RUnlock()
			return err
		}
	}
	for _, s := range m.services {
		if err := exportWithIntrospection(conn, s, s.Path, dbustypes.ServiceInterface); err != nil {
			m.mu.RUnlock()
			return err
		}
	}
	m.mu.RUnlock()

	reply, err := conn.RequestName(dbustypes.BusName, dbus.NameFlagReplaceExisting)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner (reply=%d)", reply)
	}
	return nil
}

func exportWithIntrospection(conn *dbus.Conn, v interface{}, path dbus.ObjectPath, iface string) error {
	if err := conn.Export(v, path, iface); err != nil {
		return fmt.Errorf("export %s at %s: %w", iface, path, err)
	}
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: iface, Methods: introspect.Methods(v)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, dbustypes.IntrospectableInterface); err != nil {
		return fmt.Errorf("export introspection at %s: %w", path, err)
	}
	return nil
}

// AnnounceTechnology emits TechnologyAdded for an existing technology, as
// the daemon does when a device disappears and comes back.
func (m *MockConnMan) AnnounceTechnology(technologyType string) error {
	m.mu.RLock()
	t, ok := m.technologies[technologyType]
	var props map[string]dbus.Variant
	if ok {
		props = copyProps(t.Properties)
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown technology %q", technologyType)
	}
	return m.conn.Emit(dbustypes.ManagerPath, dbustypes.ManagerInterface+"."+dbustypes.SignalTechnologyAdded, t.Path, props)
}

// AgentRegistered reports whether an agent is registered.
func (m *MockConnMan) AgentRegistered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agentOwner != ""
}

// Scans returns the number of Scan calls received.
func (m *MockConnMan) Scans() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scans
}

// CancelAgent calls Cancel on the registered agent.
func (m *MockConnMan) CancelAgent(ctx context.Context) error {
	obj, err := m.agent()
	if err != nil {
		return err
	}
	return obj.CallWithContext(ctx, dbustypes.AgentInterface+".Cancel", 0).Err
}

// State returns the service's current State property.
func (s *MockService) State() string {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	state, _ := s.Properties["State"].Value().(string)
	return state
}

func (m *MockConnMan) agent() (dbus.BusObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.agentOwner == "" {
		return nil, fmt.Errorf("no agent registered")
	}
	return m.conn.Object(m.agentOwner, m.agentPath), nil
}

func (m *MockConnMan) emitPropertyChanged(path dbus.ObjectPath, iface, name string, value dbus.Variant) {
	m.conn.Emit(path, iface+"."+dbustypes.SignalPropertyChanged, name, value) //nolint:errcheck
}

type mockManager struct {
	m *MockConnMan
}

func (mm *mockManager) GetProperties() (map[string]dbus.Variant, *dbus.Error) {
	return map[string]dbus.Variant{
		"State":       dbus.MakeVariant("idle"),
		"OfflineMode": dbus.MakeVariant(false),
	}, nil
}

type objectEntry struct {
	Path       dbus.ObjectPath
	Properties map[string]dbus.Variant
}

func (mm *mockManager) GetTechnologies() ([]objectEntry, *dbus.Error) {
	m := mm.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.technologies))
	for typ := range m.technologies {
		types = append(types, typ)
	}
	sort.Strings(types)
	out := make([]objectEntry, 0, len(types))
	for _, typ := range types {
		t := m.technologies[typ]
		out = append(out, objectEntry{t.Path, copyProps(t.Properties)})
	}
	return out, nil
}

func (mm *mockManager) GetServices() ([]objectEntry, *dbus.Error) {
	m := mm.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]objectEntry, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, objectEntry{s.Path, copyProps(s.Properties)})
	}
	return out, nil
}

func (mm *mockManager) RegisterAgent(msg dbus.Message, path dbus.ObjectPath) *dbus.Error {
	m := mm.m
	sender, _ := msg.Headers[dbus.FieldSender].Value().(string)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agentOwner != "" {
		return dbustypes.NewDBusError("net.connman.Error.AlreadyExists", "agent already registered")
	}
	m.agentOwner = sender
	m.agentPath = path
	return nil
}

func (mm *mockManager) UnregisterAgent(path dbus.ObjectPath) *dbus.Error {
	m := mm.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agentPath != path {
		return dbustypes.NewDBusError("net.connman.Error.NotRegistered", "agent not registered")
	}
	m.agentOwner = ""
	m.agentPath = ""
	return nil
}

func (t *MockTechnology) GetProperties() (map[string]dbus.Variant, *dbus.Error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return copyProps(t.Properties), nil
}

func (t *MockTechnology) SetProperty(name string, value dbus.Variant) *dbus.Error {
	t.m.mu.Lock()
	t.Properties[name] = value
	t.m.mu.Unlock()
	t.m.emitPropertyChanged(t.Path, dbustypes.TechnologyInterface, name, value)
	return nil
}

func (t *MockTechnology) Scan() *dbus.Error {
	t.m.mu.Lock()
	t.m.scans++
	t.m.mu.Unlock()
	return nil
}

func (s *MockService) GetProperties() (map[string]dbus.Variant, *dbus.Error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return copyProps(s.Properties), nil
}

func (s *MockService) SetProperty(name string, value dbus.Variant) *dbus.Error {
	s.setProperty(name, value)
	return nil
}

func (s *MockService) setProperty(name string, value dbus.Variant) {
	s.m.mu.Lock()
	s.Properties[name] = value
	s.m.mu.Unlock()
	s.m.emitPropertyChanged(s.Path, dbustypes.ServiceInterface, name, value)
}

// Connect asks the agent for the passphrase when the service is protected,
// then moves the service to "ready" or "failure".
func (s *MockService) Connect() *dbus.Error {
	s.setProperty("State", dbus.MakeVariant("association"))

	if s.Passphrase != "" {
		agent, err := s.m.agent()
		if err != nil {
			s.setProperty("State", dbus.MakeVariant("failure"))
			return dbustypes.NewDBusError("net.connman.Error.NoAgent", err.Error())
		}

		fields := map[string]dbus.Variant{
			"Passphrase": dbus.MakeVariant(map[string]dbus.Variant{
				"Type":        dbus.MakeVariant("psk"),
				"Requirement": dbus.MakeVariant("mandatory"),
			}),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var answer map[string]dbus.Variant
		call := agent.CallWithContext(ctx, dbustypes.AgentInterface+".RequestInput", 0, s.Path, fields)
		if call.Err != nil {
			s.setProperty("State", dbus.MakeVariant("failure"))
			return dbustypes.NewDBusError("net.connman.Error.OperationAborted", call.Err.Error())
		}
		if err := call.Store(&answer); err != nil {
			return dbustypes.ErrFailedWith(err)
		}

		got, _ := answer["Passphrase"].Value().(string)
		if got != s.Passphrase {
			agent.CallWithContext(ctx, dbustypes.AgentInterface+".ReportError", 0, s.Path, "invalid-key") //nolint:errcheck
			s.setProperty("Error", dbus.MakeVariant("invalid-key"))
			s.setProperty("State", dbus.MakeVariant("failure"))
			return dbustypes.NewDBusError("net.connman.Error.InvalidArguments", "invalid passphrase")
		}
	}

	s.setProperty("State", dbus.MakeVariant("ready"))
	return nil
}

func (s *MockService) Disconnect() *dbus.Error {
	if s.State() == "idle" {
		return dbustypes.NewDBusError("net.connman.Error.NotConnected", "not connected")
	}
	s.setProperty("State", dbus.MakeVariant("idle"))
	return nil
}

func (s *MockService) Remove() *dbus.Error {
	s.setProperty("State", dbus.MakeVariant("idle"))
	return nil
}

func copyProps(in map[string]dbus.Variant) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
