package connman

import (
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Properties is a ConnMan property dictionary (a{sv}).
type Properties map[string]dbus.Variant

// Lookup resolves a possibly dotted key ("Ethernet.Interface") through
// nested dictionaries.
func (p Properties) Lookup(key string) (interface{}, bool) {
	first, rest, nested := strings.Cut(key, ".")
	v, ok := p[first]
	if !ok {
		return nil, false
	}
	if !nested {
		return v.Value(), true
	}
	sub, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	return Properties(sub).Lookup(rest)
}

// String returns the string value at key, or "".
func (p Properties) String(key string) string {
	v, _ := p.Lookup(key)
	s, _ := v.(string)
	return s
}

// Bool returns the boolean value at key, or false.
func (p Properties) Bool(key string) bool {
	v, _ := p.Lookup(key)
	b, _ := v.(bool)
	return b
}

// ServiceRecord is one entry of the daemon's service list.
type ServiceRecord struct {
	// ServiceName is the service identifier, the last element of Path.
	ServiceName string
	Path        dbus.ObjectPath
	Properties  Properties
}

// Name returns the display name (SSID for wifi).
func (r ServiceRecord) Name() string { return r.Properties.String("Name") }

// Type returns the technology type of the service.
func (r ServiceRecord) Type() string { return r.Properties.String("Type") }

// State returns the service state ("idle", "association", "ready", ...).
func (r ServiceRecord) State() string { return r.Properties.String("State") }

// Interface returns the network interface name from the Ethernet dictionary.
func (r ServiceRecord) Interface() string { return r.Properties.String("Ethernet.Interface") }

// Security returns the security methods advertised by the service.
func (r ServiceRecord) Security() []string {
	v, _ := r.Properties.Lookup("Security")
	s, _ := v.([]string)
	return s
}

// ServiceQuery matches service properties by key; dotted keys address
// nested dictionaries.
type ServiceQuery map[string]interface{}

// Matches reports whether every key of q equals the record's property.
func (q ServiceQuery) Matches(r ServiceRecord) bool {
	for k, want := range q {
		got, ok := r.Properties.Lookup(k)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func newServiceRecord(p dbus.ObjectPath, props map[string]dbus.Variant) ServiceRecord {
	return ServiceRecord{
		ServiceName: path.Base(string(p)),
		Path:        p,
		Properties:  Properties(props),
	}
}

type objectProperties struct {
	path  dbus.ObjectPath
	props map[string]dbus.Variant
}

// decodeObjectArray decodes an a(oa{sv}) value, as returned by GetServices
// and GetTechnologies, preserving order.
func decodeObjectArray(v interface{}) ([]objectProperties, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("expected array of (oa{sv}), got %T", v)
	}
	out := make([]objectProperties, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		e := rv.Index(i)
		if e.Kind() == reflect.Interface {
			e = e.Elem()
		}
		if e.Kind() != reflect.Slice || e.Len() != 2 {
			return nil, fmt.Errorf("element %d: expected (oa{sv}) struct", i)
		}
		p, ok := e.Index(0).Interface().(dbus.ObjectPath)
		if !ok {
			return nil, fmt.Errorf("element %d: expected object path", i)
		}
		props, ok := e.Index(1).Interface().(map[string]dbus.Variant)
		if !ok {
			return nil, fmt.Errorf("element %d: expected a{sv}", i)
		}
		out = append(out, objectProperties{path: p, props: props})
	}
	return out, nil
}

func decodeProperties(method string, body []interface{}) (Properties, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%s: empty reply", method)
	}
	props, ok := body[0].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected reply type %T", method, body[0])
	}
	return Properties(props), nil
}

// decodePropertyChanged decodes the (sv) body of a PropertyChanged signal.
func decodePropertyChanged(body []interface{}) (string, dbus.Variant, bool) {
	if len(body) != 2 {
		return "", dbus.Variant{}, false
	}
	name, ok1 := body[0].(string)
	value, ok2 := body[1].(dbus.Variant)
	if !ok1 || !ok2 {
		return "", dbus.Variant{}, false
	}
	return name, value, true
}
