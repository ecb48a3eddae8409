package connman

import (
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestEmitter_OrderAndFiltering(t *testing.T) {
	var e emitter[Event]
	var got []string

	e.subscribe(EventPropertyChanged, func(Event) { got = append(got, "a") })
	b := e.subscribe(EventAll, func(Event) { got = append(got, "b") })
	e.subscribe(EventConnectResult, func(Event) { got = append(got, "c") })
	e.subscribe(EventPropertyChanged, func(Event) { got = append(got, "d") })

	e.emit(EventPropertyChanged, Event{Kind: EventPropertyChanged})
	if want := []string{"a", "b", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got = nil
	e.unsubscribe(b)
	e.unsubscribe(b)
	e.emit(EventConnectResult, Event{Kind: EventConnectResult})
	if want := []string{"c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if e.count() != 3 {
		t.Errorf("expected 3 handlers, got %d", e.count())
	}
}

func TestEmitter_UnsubscribeDuringEmit(t *testing.T) {
	var e emitter[Event]
	var sub Subscription
	calls := 0
	sub = e.subscribe(EventAll, func(Event) {
		calls++
		e.unsubscribe(sub)
	})

	e.emit(EventPropertyChanged, Event{})
	e.emit(EventPropertyChanged, Event{})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestProperties_Lookup(t *testing.T) {
	props := Properties{
		"Name": dbus.MakeVariant("home"),
		"Ethernet": dbus.MakeVariant(map[string]dbus.Variant{
			"Interface": dbus.MakeVariant("wlan0"),
		}),
		"Security": dbus.MakeVariant([]string{"psk", "wps"}),
	}
	r := newServiceRecord("/net/connman/service/wifi_home", props)

	if r.ServiceName != "wifi_home" {
		t.Errorf("unexpected service name %q", r.ServiceName)
	}
	if r.Interface() != "wlan0" {
		t.Errorf("unexpected interface %q", r.Interface())
	}
	if !reflect.DeepEqual(r.Security(), []string{"psk", "wps"}) {
		t.Errorf("unexpected security %v", r.Security())
	}
	if _, ok := props.Lookup("Name.Sub"); ok {
		t.Error("lookup through a non-dictionary should fail")
	}
	if _, ok := props.Lookup("Missing"); ok {
		t.Error("lookup of a missing key should fail")
	}
}

func TestDecodeObjectArray_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
	}{
		{"not a slice", "x"},
		{"short struct", []interface{}{[]interface{}{dbus.ObjectPath("/a")}}},
		{"bad path", []interface{}{[]interface{}{"/a", map[string]dbus.Variant{}}}},
		{"bad dict", []interface{}{[]interface{}{dbus.ObjectPath("/a"), "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeObjectArray(tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
}
