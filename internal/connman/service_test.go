package connman

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

type serviceFixture struct {
	bus      *fakeBus
	registry *fakeRegistry
	wifi     *Technology
	svc      *fakeObject
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{bus: newFakeBus(), registry: &fakeRegistry{}}
	f.bus.add(dbustypes.TechnologyPath("wifi"), dbustypes.TechnologyInterface)
	f.wifi = NewTechnology(f.bus, f.registry, "WiFi", "wifi")
	if err := f.wifi.Init(context.Background()); err != nil {
		t.Fatalf("technology Init failed: %v", err)
	}
	f.registry.setTechnology(f.wifi)
	f.svc = f.bus.add(dbustypes.ServicePath("wifi_home"), dbustypes.ServiceInterface)
	return f
}

func TestService_InitBindsByIdentifierOrPath(t *testing.T) {
	for _, name := range []string{"wifi_home", "/net/connman/service/wifi_home"} {
		t.Run(name, func(t *testing.T) {
			f := newServiceFixture(t)
			s := NewService(f.bus, f.registry, nil)

			if err := s.Init(context.Background(), "wifi", name); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			if s.Path() != "/net/connman/service/wifi_home" {
				t.Errorf("unexpected path %q", s.Path())
			}
			if tech, ok := s.Technology(); !ok || tech != f.wifi {
				t.Error("technology not resolved")
			}
		})
	}
}

func TestService_InitUnknownTechnology(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)

	err := s.Init(context.Background(), "cellular", "wifi_home")
	if !errors.Is(err, ErrNoTechnology) {
		t.Fatalf("expected ErrNoTechnology, got %v", err)
	}
}

func TestService_ReinitUnknownTechnology(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)
	ctx := context.Background()

	if err := s.Init(ctx, "wifi", "wifi_home"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.Init(ctx, "cellular", "wifi_home"); !errors.Is(err, ErrNoTechnology) {
		t.Fatalf("expected ErrNoTechnology, got %v", err)
	}
	if _, ok := s.Technology(); ok {
		t.Error("technology still resolved after re-init with an unknown type")
	}
	if _, err := s.Connect(ctx); !errors.Is(err, ErrNoTechnology) {
		t.Errorf("Connect: expected ErrNoTechnology, got %v", err)
	}
}

func TestService_SelectServiceKeepsCause(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)
	f.bus.objectErr = &TimeoutError{Method: "Introspect", Timeout: DefaultTimeout}

	err := s.Init(context.Background(), "wifi", "wifi_home")
	if !errors.Is(err, ErrNoSuchService) {
		t.Fatalf("expected ErrNoSuchService, got %v", err)
	}
	var timeout *TimeoutError
	if !errors.As(err, &timeout) || timeout.Method != "Introspect" {
		t.Errorf("cause lost: %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout in chain, got %v", err)
	}
}

func TestService_SelectServiceNoSuchService(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)

	err := s.Init(context.Background(), "wifi", "wifi_missing")
	if !errors.Is(err, ErrNoSuchService) {
		t.Fatalf("expected ErrNoSuchService, got %v", err)
	}
	if s.Path() != "" {
		t.Errorf("expected unbound service, got %q", s.Path())
	}
}

func TestService_UnboundOperations(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)
	ctx := context.Background()

	if _, err := s.GetProperties(ctx); !errors.Is(err, ErrNoService) {
		t.Errorf("GetProperties: expected ErrNoService, got %v", err)
	}
	if err := s.SetProperty(ctx, "AutoConnect", true); !errors.Is(err, ErrNoService) {
		t.Errorf("SetProperty: expected ErrNoService, got %v", err)
	}
}

func TestService_SingleSubscriptionAcrossRebinds(t *testing.T) {
	f := newServiceFixture(t)
	other := f.bus.add(dbustypes.ServicePath("wifi_cafe"), dbustypes.ServiceInterface)
	s := NewService(f.bus, f.registry, nil)
	ctx := context.Background()

	if err := s.Init(ctx, "wifi", "wifi_home"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.SelectService(ctx, other.Path()); err != nil {
		t.Fatalf("SelectService failed: %v", err)
	}
	if n := f.svc.activeSubscriptions("PropertyChanged"); n != 0 {
		t.Errorf("old service still has %d subscriptions", n)
	}
	if n := other.activeSubscriptions("PropertyChanged"); n != 1 {
		t.Errorf("new service has %d subscriptions, want 1", n)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if n := other.activeSubscriptions("PropertyChanged"); n != 1 {
		t.Errorf("after reconnects service has %d subscriptions, want 1", n)
	}

	var events int
	s.Subscribe(EventPropertyChanged, func(Event) { events++ })
	other.emit("PropertyChanged", "State", dbus.MakeVariant("ready"))
	f.svc.emit("PropertyChanged", "State", dbus.MakeVariant("ready"))
	if events != 1 {
		t.Errorf("expected 1 event, got %d", events)
	}
}

func TestService_ConnectKeepsSubscriptionLive(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)
	if err := s.Init(context.Background(), "wifi", "wifi_home"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// The daemon reports progress while Connect is still running.
	subscribed := make(chan int, 1)
	f.svc.reply("Connect", func(context.Context, []interface{}) ([]interface{}, error) {
		subscribed <- f.svc.activeSubscriptions("PropertyChanged")
		f.svc.emit("PropertyChanged", "State", dbus.MakeVariant("association"))
		f.svc.emit("PropertyChanged", "State", dbus.MakeVariant("ready"))
		return nil, nil
	})

	states := make(chan string, 4)
	s.Subscribe(EventPropertyChanged, func(ev Event) {
		states <- ev.Value.Value().(string)
	})

	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if n := <-subscribed; n != 1 {
		t.Errorf("Connect issued with %d subscriptions, want 1", n)
	}
	for _, want := range []string{"association", "ready"} {
		select {
		case got := <-states:
			if got != want {
				t.Errorf("got state %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("state %s not received", want)
		}
	}
	// Re-establishing swaps the handler; the bus subscription is never dropped.
	if n := f.svc.subscribeCalls("PropertyChanged"); n != 1 {
		t.Errorf("PropertyChanged subscribed %d times, want 1", n)
	}
}

func TestService_ConnectRunsInBackground(t *testing.T) {
	f := newServiceFixture(t)
	release := make(chan struct{})
	f.svc.reply("Connect", func(context.Context, []interface{}) ([]interface{}, error) {
		<-release
		return nil, &dbus.Error{Name: "net.connman.Error.InProgress", Body: []interface{}{"busy"}}
	})

	s := NewService(f.bus, f.registry, nil)
	if err := s.Init(context.Background(), "wifi", "wifi_home"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	result := make(chan error, 1)
	s.Subscribe(EventConnectResult, func(ev Event) { result <- ev.Err })

	agent, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if agent != nil {
		t.Error("expected no agent when interactive authentication is disabled")
	}

	close(release)
	select {
	case err := <-result:
		if !IsRemoteError(err, "net.connman.Error.InProgress") {
			t.Errorf("unexpected connect result: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect result not emitted")
	}
}

func TestService_ConnectReturnsAgent(t *testing.T) {
	f := newServiceFixture(t)
	agent := NewAgent(f.bus, &fakeRegistrar{}, AgentConfig{})
	s := NewService(f.bus, f.registry, agent)
	if err := s.Init(context.Background(), "wifi", "wifi_home"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	got, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got != agent {
		t.Error("expected the shared agent")
	}
}

func TestService_ConnectUnbound(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, NewAgent(f.bus, &fakeRegistrar{}, AgentConfig{}))
	s.Init(context.Background(), "wifi", "wifi_missing") //nolint:errcheck

	agent, err := s.Connect(context.Background())
	if err != nil || agent != nil {
		t.Errorf("expected trivial success, got agent=%v err=%v", agent, err)
	}
}

func TestService_ConnectWithoutTechnology(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)

	if _, err := s.Connect(context.Background()); !errors.Is(err, ErrNoTechnology) {
		t.Errorf("expected ErrNoTechnology, got %v", err)
	}
}

func TestService_Disconnect(t *testing.T) {
	t.Run("no technology", func(t *testing.T) {
		f := newServiceFixture(t)
		s := NewService(f.bus, f.registry, nil)
		if err := s.Disconnect(context.Background()); !errors.Is(err, ErrNoTechnology) {
			t.Errorf("expected ErrNoTechnology, got %v", err)
		}
	})

	t.Run("unbound is a no-op", func(t *testing.T) {
		f := newServiceFixture(t)
		s := NewService(f.bus, f.registry, nil)
		s.Init(context.Background(), "wifi", "wifi_missing") //nolint:errcheck

		if err := s.Disconnect(context.Background()); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if calls := f.svc.recorded(); len(calls) != 0 {
			t.Errorf("expected no remote calls, got %v", calls)
		}
	})

	t.Run("error surfaced", func(t *testing.T) {
		f := newServiceFixture(t)
		f.svc.fail("Disconnect", "net.connman.Error.NotConnected", "not connected")
		s := NewService(f.bus, f.registry, nil)
		if err := s.Init(context.Background(), "wifi", "wifi_home"); err != nil {
			t.Fatalf("Init failed: %v", err)
		}

		err := s.Disconnect(context.Background())
		if !IsRemoteError(err, "net.connman.Error.NotConnected") {
			t.Errorf("expected remote error, got %v", err)
		}
	})
}

func TestService_TechnologyLeavesRegistry(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)
	if err := s.Init(context.Background(), "wifi", "wifi_home"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	f.registry.dropTechnology("wifi")

	if err := s.Disconnect(context.Background()); !errors.Is(err, ErrNoTechnology) {
		t.Errorf("expected ErrNoTechnology, got %v", err)
	}
}

func TestService_Remove(t *testing.T) {
	f := newServiceFixture(t)
	s := NewService(f.bus, f.registry, nil)
	if err := s.Init(context.Background(), "wifi", "wifi_home"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if err := s.Remove(context.Background()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if m := f.svc.methods(); len(m) != 1 || m[0] != "Remove" {
		t.Errorf("unexpected calls %v", m)
	}
}

func TestServiceObjectPath(t *testing.T) {
	tests := []struct {
		name string
		want dbus.ObjectPath
	}{
		{"wifi_home", "/net/connman/service/wifi_home"},
		{"/net/connman/service/wifi_home", "/net/connman/service/wifi_home"},
		{"/custom/path", "/custom/path"},
	}
	for _, tt := range tests {
		if got := ServiceObjectPath(tt.name); got != tt.want {
			t.Errorf("ServiceObjectPath(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}
