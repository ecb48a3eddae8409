package connman

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/connman-dispatcher/internal/testutil"
)

// startDBusDaemon starts a private dbus-daemon and returns its address.
func startDBusDaemon(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	socketPath := filepath.Join(t.TempDir(), "bus.sock")
	addr := "unix:path=" + socketPath

	cmd := exec.Command("dbus-daemon",
		"--session",
		"--nofork",
		"--address="+addr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	// Wait for socket to be created
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("dbus-daemon socket not created: %s", socketPath)
	return ""
}

func connectPrivate(t *testing.T, addr string) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect to bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startMockConnMan(t *testing.T) (*testutil.MockConnMan, string) {
	t.Helper()
	addr := startDBusDaemon(t)

	mock := testutil.NewMockConnMan()
	mock.AddTechnology("wifi", "WiFi")
	mock.AddTechnology("ethernet", "Wired")
	mock.AddService("ethernet_eth0_cable", "Wired", "ethernet", "eth0", "")
	mock.AddService("wifi_home_psk", "home", "wifi", "wlan0", "correct horse")
	if err := mock.Register(connectPrivate(t, addr)); err != nil {
		t.Fatalf("register mock: %v", err)
	}
	return mock, addr
}

func TestIntegration_TechnologiesAndServices(t *testing.T) {
	mock, addr := startMockConnMan(t)

	bus := NewConn(connectPrivate(t, addr))
	m := NewManager(bus, ManagerConfig{})
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer m.Close(ctx)

	wifi, ok := m.Technology("wifi")
	if !ok {
		t.Fatal("wifi technology missing")
	}

	changed := make(chan Event, 4)
	wifi.Subscribe(EventPropertyChanged, func(ev Event) { changed <- ev })

	if err := wifi.EnableTethering(ctx, TetheringOptions{SSID: "hotspot", Passphrase: "secret123"}); err != nil {
		t.Fatalf("EnableTethering failed: %v", err)
	}

	want := []string{"TetheringIdentifier", "TetheringPassphrase", "Tethering"}
	for _, name := range want {
		select {
		case ev := <-changed:
			if ev.Name != name {
				t.Errorf("got PropertyChanged %s, want %s", ev.Name, name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("PropertyChanged %s not received", name)
		}
	}

	if err := wifi.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if mock.Scans() != 1 {
		t.Errorf("expected 1 scan, got %d", mock.Scans())
	}

	ap, err := wifi.FindAccessPoint(ctx, "home", "wlan0")
	if err != nil || ap == nil || ap.ServiceName != "wifi_home_psk" {
		t.Errorf("FindAccessPoint: got %v (%v)", ap, err)
	}

	eth, _ := m.Technology("ethernet")
	ap, err = eth.FindAccessPoint(ctx, "Wired", "eth1")
	if err != nil || ap != nil {
		t.Errorf("FindAccessPoint with wrong interface: got %v (%v)", ap, err)
	}
}

func TestIntegration_RequestInputHandshake(t *testing.T) {
	mock, addr := startMockConnMan(t)

	bus := NewConn(connectPrivate(t, addr))
	m := NewManager(bus, ManagerConfig{EnableAgent: true})
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer m.Close(ctx)

	if !mock.AgentRegistered() {
		t.Fatal("agent not registered with mock")
	}

	svc, err := m.NewService(ctx, "wifi", "wifi_home_psk")
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	defer svc.Close()

	ready := make(chan struct{})
	var once sync.Once
	svc.Subscribe(EventPropertyChanged, func(ev Event) {
		if ev.Name == "State" && ev.Value.Value() == "ready" {
			once.Do(func() { close(ready) })
		}
	})

	// The request can arrive before Connect returns, so subscribe first.
	m.Agent().Subscribe(EventRequestInput, func(ev AgentEvent) {
		if ev.Service != svc.Path() {
			t.Errorf("unexpected service %s", ev.Service)
		}
		go ev.Request.Respond(map[string]interface{}{"Passphrase": "correct horse"}) //nolint:errcheck
	})

	agent, err := svc.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if agent != m.Agent() {
		t.Fatal("expected the shared agent from Connect")
	}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not become ready")
	}

	if err := svc.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
}

func TestIntegration_ConnectReportsStates(t *testing.T) {
	_, addr := startMockConnMan(t)

	bus := NewConn(connectPrivate(t, addr))
	m := NewManager(bus, ManagerConfig{})
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer m.Close(ctx)

	for i := 0; i < 20; i++ {
		svc, err := m.NewService(ctx, "ethernet", "ethernet_eth0_cable")
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}

		states := make(chan string, 4)
		sub := svc.Subscribe(EventPropertyChanged, func(ev Event) {
			if ev.Name == "State" {
				states <- ev.Value.Value().(string)
			}
		})

		if _, err := svc.Connect(ctx); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		for _, want := range []string{"association", "ready"} {
			select {
			case got := <-states:
				if got != want {
					t.Fatalf("attempt %d: got state %s, want %s", i, got, want)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("attempt %d: state %s not received", i, want)
			}
		}

		if err := svc.Disconnect(ctx); err != nil {
			t.Fatalf("Disconnect failed: %v", err)
		}
		select {
		case got := <-states:
			if got != "idle" {
				t.Fatalf("attempt %d: got state %s after Disconnect, want idle", i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d: idle not received", i)
		}
		svc.Unsubscribe(sub)
		svc.Close()
	}
}

func TestIntegration_CancelFromDaemon(t *testing.T) {
	mock, addr := startMockConnMan(t)

	bus := NewConn(connectPrivate(t, addr))
	m := NewManager(bus, ManagerConfig{EnableAgent: true})
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer m.Close(ctx)

	svc, err := m.NewService(ctx, "wifi", "wifi_home_psk")
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	result := make(chan error, 1)
	svc.Subscribe(EventConnectResult, func(ev Event) { result <- ev.Err })

	agent, err := svc.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitPending(t, agent, 1)

	if err := mock.CancelAgent(ctx); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case err := <-result:
		if !IsRemoteError(err, "net.connman.Error.OperationAborted") {
			t.Errorf("unexpected connect result: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not finish")
	}
	if h := agent.History(); len(h) != 1 || h[0].Resolution != ResolutionCancelled {
		t.Errorf("unexpected history: %+v", h)
	}
}
