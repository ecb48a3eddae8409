package connman

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

func newBoundTechnology(t *testing.T, registry *fakeRegistry) (*Technology, *fakeObject) {
	t.Helper()
	bus := newFakeBus()
	obj := bus.add(dbustypes.TechnologyPath("wifi"), dbustypes.TechnologyInterface)
	tech := NewTechnology(bus, registry, "WiFi", "wifi")
	if err := tech.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return tech, obj
}

func TestTechnology_InitBindingError(t *testing.T) {
	tech := NewTechnology(newFakeBus(), &fakeRegistry{}, "WiFi", "wifi")

	err := tech.Init(context.Background())
	var be *BindingError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BindingError, got %v", err)
	}
	if be.Path != "/net/connman/technology/wifi" {
		t.Errorf("unexpected path %q", be.Path)
	}
	if tech.Bound() {
		t.Error("technology should not be bound")
	}
}

func TestTechnology_UnboundOperations(t *testing.T) {
	tech := NewTechnology(newFakeBus(), &fakeRegistry{}, "WiFi", "wifi")
	ctx := context.Background()

	if _, err := tech.GetProperties(ctx); !errors.Is(err, ErrNotBound) {
		t.Errorf("GetProperties: expected ErrNotBound, got %v", err)
	}
	if err := tech.SetProperty(ctx, "Powered", true); !errors.Is(err, ErrNotBound) {
		t.Errorf("SetProperty: expected ErrNotBound, got %v", err)
	}
	if err := tech.Scan(ctx); !errors.Is(err, ErrNotBound) {
		t.Errorf("Scan: expected ErrNotBound, got %v", err)
	}
	if _, err := tech.ListAccessPoints(ctx); !errors.Is(err, ErrNotBound) {
		t.Errorf("ListAccessPoints: expected ErrNotBound, got %v", err)
	}
	if _, err := tech.FindAccessPoint(ctx, "home", ""); !errors.Is(err, ErrNotBound) {
		t.Errorf("FindAccessPoint: expected ErrNotBound, got %v", err)
	}
}

func TestTechnology_PropertyChangedForwarded(t *testing.T) {
	tech, obj := newBoundTechnology(t, &fakeRegistry{})

	var got []Event
	tech.Subscribe(EventPropertyChanged, func(ev Event) { got = append(got, ev) })

	obj.emit("PropertyChanged", "Powered", dbus.MakeVariant(true))
	obj.emit("PropertyChanged", "Connected", dbus.MakeVariant(false))
	// Malformed bodies are ignored.
	obj.emit("PropertyChanged", "Powered")

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Name != "Powered" || got[0].Value.Value() != true {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].Name != "Connected" {
		t.Errorf("unexpected second event: %+v", got[1])
	}
}

func TestTechnology_GetProperties(t *testing.T) {
	tech, obj := newBoundTechnology(t, &fakeRegistry{})
	obj.replyBody("GetProperties", map[string]dbus.Variant{
		"Powered": dbus.MakeVariant(true),
		"Name":    dbus.MakeVariant("WiFi"),
	})

	props, err := tech.GetProperties(context.Background())
	if err != nil {
		t.Fatalf("GetProperties failed: %v", err)
	}
	if !props.Bool("Powered") || props.String("Name") != "WiFi" {
		t.Errorf("unexpected properties: %v", props)
	}
}

func TestTechnology_RemoteErrorPassedThrough(t *testing.T) {
	tech, obj := newBoundTechnology(t, &fakeRegistry{})
	obj.fail("SetProperty", "net.connman.Error.InvalidArguments", "bad value")

	err := tech.SetProperty(context.Background(), "Powered", "yes")
	if !IsRemoteError(err, "net.connman.Error.InvalidArguments") {
		t.Fatalf("expected remote error, got %v", err)
	}
	var re *RemoteError
	errors.As(err, &re)
	if re.Message != "bad value" {
		t.Errorf("unexpected message %q", re.Message)
	}
}

func TestTechnology_ScanTimeout(t *testing.T) {
	tech, obj := newBoundTechnology(t, &fakeRegistry{})
	obj.reply("Scan", func(ctx context.Context, _ []interface{}) ([]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The caller's deadline fires before ScanTimeout.
	err := tech.Scan(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestCallTimeout_ReturnsTimeoutError(t *testing.T) {
	obj := newFakeObject("/x", "x")
	obj.reply("Slow", func(ctx context.Context, _ []interface{}) ([]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := callTimeout(context.Background(), obj, 20*time.Millisecond, "Slow")
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if te.Method != "Slow" || te.Timeout != 20*time.Millisecond {
		t.Errorf("unexpected timeout error: %+v", te)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
}

func TestTechnology_EnableTethering(t *testing.T) {
	tests := []struct {
		name      string
		opts      TetheringOptions
		wantProps []string
	}{
		{
			name:      "ssid and passphrase",
			opts:      TetheringOptions{SSID: "hotspot", Passphrase: "secret123"},
			wantProps: []string{"TetheringIdentifier", "TetheringPassphrase", "Tethering"},
		},
		{
			name:      "ssid only",
			opts:      TetheringOptions{SSID: "hotspot"},
			wantProps: []string{"TetheringIdentifier", "Tethering"},
		},
		{
			name:      "passphrase only",
			opts:      TetheringOptions{Passphrase: "secret123"},
			wantProps: []string{"TetheringPassphrase", "Tethering"},
		},
		{
			name:      "no credentials",
			wantProps: []string{"Tethering"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tech, obj := newBoundTechnology(t, &fakeRegistry{})

			if err := tech.EnableTethering(context.Background(), tt.opts); err != nil {
				t.Fatalf("EnableTethering failed: %v", err)
			}

			var props []string
			for _, c := range obj.recorded() {
				if c.Method != "SetProperty" {
					t.Fatalf("unexpected call %s", c.Method)
				}
				props = append(props, c.Args[0].(string))
			}
			if !reflect.DeepEqual(props, tt.wantProps) {
				t.Errorf("got properties %v, want %v", props, tt.wantProps)
			}

			last := obj.recorded()[len(props)-1]
			if v := last.Args[1].(dbus.Variant); v.Value() != true {
				t.Errorf("Tethering set to %v, want true", v.Value())
			}
		})
	}
}

func TestTechnology_EnableTetheringAbortsOnFailure(t *testing.T) {
	tech, obj := newBoundTechnology(t, &fakeRegistry{})
	obj.reply("SetProperty", func(_ context.Context, args []interface{}) ([]interface{}, error) {
		if args[0] == "TetheringIdentifier" {
			return nil, &dbus.Error{Name: "net.connman.Error.InvalidArguments", Body: []interface{}{"ssid"}}
		}
		return nil, nil
	})

	err := tech.EnableTethering(context.Background(), TetheringOptions{SSID: "x", Passphrase: "secret123"})
	if !IsRemoteError(err, "net.connman.Error.InvalidArguments") {
		t.Fatalf("expected remote error, got %v", err)
	}
	if calls := obj.recorded(); len(calls) != 1 {
		t.Errorf("expected remaining steps to be skipped, got %d calls", len(calls))
	}
}

func TestTechnology_DisableTethering(t *testing.T) {
	tech, obj := newBoundTechnology(t, &fakeRegistry{})

	if err := tech.DisableTethering(context.Background()); err != nil {
		t.Fatalf("DisableTethering failed: %v", err)
	}
	calls := obj.recorded()
	if len(calls) != 1 || calls[0].Args[0] != "Tethering" || calls[0].Args[1].(dbus.Variant).Value() != false {
		t.Errorf("unexpected calls: %+v", calls)
	}
}

func TestTechnology_ListAccessPoints(t *testing.T) {
	registry := &fakeRegistry{services: []ServiceRecord{
		service("wifi_a", "home", "wifi", nil),
		service("ethernet_b", "Wired", "ethernet", nil),
		service("wifi_c", "cafe", "wifi", nil),
	}}
	tech, _ := newBoundTechnology(t, registry)

	aps, err := tech.ListAccessPoints(context.Background())
	if err != nil {
		t.Fatalf("ListAccessPoints failed: %v", err)
	}
	if len(aps) != 2 {
		t.Fatalf("expected 2 access points, got %d", len(aps))
	}
	if aps[0].ServiceName != "wifi_a" || aps[1].ServiceName != "wifi_c" {
		t.Errorf("unexpected service names: %s, %s", aps[0].ServiceName, aps[1].ServiceName)
	}
}

func TestTechnology_FindAccessPoint(t *testing.T) {
	registry := &fakeRegistry{services: []ServiceRecord{
		service("wifi_1", "home", "wifi", ethernet("wlan1")),
		service("wifi_2", "home", "wifi", ethernet("wlan0")),
		service("wifi_3", "cafe", "wifi", ethernet("wlan0")),
	}}
	tech, _ := newBoundTechnology(t, registry)
	ctx := context.Background()

	tests := []struct {
		name  string
		ssid  string
		iface string
		want  string
	}{
		{"first match wins", "home", "", "wifi_1"},
		{"interface filter", "home", "wlan0", "wifi_2"},
		{"interface filter excludes all", "home", "eth0", ""},
		{"no such ssid", "airport", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tech.FindAccessPoint(ctx, tt.ssid, tt.iface)
			if err != nil {
				t.Fatalf("FindAccessPoint failed: %v", err)
			}
			if tt.want == "" {
				if got != nil {
					t.Errorf("expected no match, got %s", got.ServiceName)
				}
				return
			}
			if got == nil || got.ServiceName != tt.want {
				t.Errorf("got %v, want %s", got, tt.want)
			}
		})
	}

	if _, err := tech.FindAccessPoint(ctx, "", ""); !errors.Is(err, ErrNotBound) {
		t.Errorf("empty SSID: expected ErrNotBound, got %v", err)
	}
}

func TestTechnology_CloseStopsEvents(t *testing.T) {
	tech, obj := newBoundTechnology(t, &fakeRegistry{})

	count := 0
	tech.Subscribe(EventAll, func(Event) { count++ })
	tech.Close()

	obj.emit("PropertyChanged", "Powered", dbus.MakeVariant(true))
	if count != 0 {
		t.Errorf("expected no events after Close, got %d", count)
	}
	if obj.activeSubscriptions("PropertyChanged") != 0 {
		t.Error("expected subscription to be removed")
	}
}
