package connman

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

// ServiceRegistry answers service queries for a technology type.
type ServiceRegistry interface {
	GetServices(ctx context.Context, technologyType string) ([]ServiceRecord, error)
	SearchService(ctx context.Context, query ServiceQuery, technologyType string) (*ServiceRecord, error)
}

// TetheringOptions are the optional credentials for EnableTethering.
type TetheringOptions struct {
	SSID       string
	Passphrase string
}

// Technology represents one ConnMan technology (wifi, ethernet, ...).
type Technology struct {
	Name string
	Type string
	Path dbus.ObjectPath

	bus      Bus
	registry ServiceRegistry
	binding  binding
	events   emitter[Event]
}

// NewTechnology creates an unbound Technology. Call Init to bind it.
func NewTechnology(bus Bus, registry ServiceRegistry, name, technologyType string) *Technology {
	return &Technology{
		Name:     name,
		Type:     technologyType,
		Path:     dbustypes.TechnologyPath(technologyType),
		bus:      bus,
		registry: registry,
	}
}

// Init binds the remote technology object and starts forwarding its
// PropertyChanged signals.
func (t *Technology) Init(ctx context.Context) error {
	obj, err := t.bus.Object(ctx, dbustypes.BusName, t.Path, dbustypes.TechnologyInterface)
	if err != nil {
		return &BindingError{Path: t.Path, Interface: dbustypes.TechnologyInterface, Err: err}
	}
	if err := t.binding.bind(obj, propertyForwarder(&t.events)); err != nil {
		return &BindingError{Path: t.Path, Interface: dbustypes.TechnologyInterface, Err: err}
	}
	return nil
}

// Bound reports whether Init has succeeded.
func (t *Technology) Bound() bool {
	return t.binding.current() != nil
}

// Close drops the signal subscription. The technology must be Init'ed again before use.
func (t *Technology) Close() {
	t.binding.release()
}

// Subscribe registers fn for events of the given kind (EventAll for every kind).
func (t *Technology) Subscribe(kind EventKind, fn func(Event)) Subscription {
	return t.events.subscribe(kind, fn)
}

// Unsubscribe removes a handler registered with Subscribe.
func (t *Technology) Unsubscribe(s Subscription) {
	t.events.unsubscribe(s)
}

// GetProperties fetches the technology's current properties.
func (t *Technology) GetProperties(ctx context.Context) (Properties, error) {
	obj := t.binding.current()
	if obj == nil {
		return nil, ErrNotBound
	}
	body, err := callTimeout(ctx, obj, DefaultTimeout, "GetProperties")
	if err != nil {
		return nil, err
	}
	return decodeProperties("GetProperties", body)
}

// SetProperty changes one technology property.
func (t *Technology) SetProperty(ctx context.Context, name string, value interface{}) error {
	obj := t.binding.current()
	if obj == nil {
		return ErrNotBound
	}
	_, err := callTimeout(ctx, obj, DefaultTimeout, "SetProperty", name, asVariant(value))
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// Scan asks the daemon to scan for services of this technology.
func (t *Technology) Scan(ctx context.Context) error {
	obj := t.binding.current()
	if obj == nil {
		return ErrNotBound
	}
	_, err := callTimeout(ctx, obj, ScanTimeout, "Scan")
	return err
}

// EnableTethering sets the tethering identifier and passphrase when given,
// then enables tethering. Steps run in order and stop at the first failure:
// the daemon may refuse to tether before credentials are set.
func (t *Technology) EnableTethering(ctx context.Context, opts TetheringOptions) error {
	slog.Debug("enable tethering", "technology", t.Type, "ssid", opts.SSID)
	if opts.SSID != "" {
		if err := t.SetProperty(ctx, "TetheringIdentifier", opts.SSID); err != nil {
			return err
		}
	}
	if opts.Passphrase != "" {
		if err := t.SetProperty(ctx, "TetheringPassphrase", opts.Passphrase); err != nil {
			return err
		}
	}
	return t.SetProperty(ctx, "Tethering", true)
}

// DisableTethering turns tethering off.
func (t *Technology) DisableTethering(ctx context.Context) error {
	return t.SetProperty(ctx, "Tethering", false)
}

// Services returns the services of this technology's type.
func (t *Technology) Services(ctx context.Context) ([]ServiceRecord, error) {
	return t.registry.GetServices(ctx, t.Type)
}

// SearchService returns the first service of this technology matching query, or nil.
func (t *Technology) SearchService(ctx context.Context, query ServiceQuery) (*ServiceRecord, error) {
	return t.registry.SearchService(ctx, query, t.Type)
}

// ListAccessPoints returns all services of this technology, each carrying
// its service identifier.
func (t *Technology) ListAccessPoints(ctx context.Context) ([]ServiceRecord, error) {
	if !t.Bound() {
		return nil, ErrNotBound
	}
	services, err := t.registry.GetServices(ctx, t.Type)
	if err != nil {
		return nil, fmt.Errorf("list access points: %w", err)
	}
	return services, nil
}

// FindAccessPoint returns the first service whose Name equals ssid. With a
// non-empty iface, only services on that network interface are considered.
// It returns nil, nil when nothing matches.
func (t *Technology) FindAccessPoint(ctx context.Context, ssid, iface string) (*ServiceRecord, error) {
	if !t.Bound() {
		return nil, ErrNotBound
	}
	if ssid == "" {
		return nil, fmt.Errorf("%w: no SSID given", ErrNotBound)
	}
	services, err := t.registry.GetServices(ctx, t.Type)
	if err != nil {
		return nil, fmt.Errorf("find access point: %w", err)
	}
	for _, svc := range services {
		if iface != "" && svc.Interface() != iface {
			continue
		}
		if svc.Name() == ssid {
			found := svc
			return &found, nil
		}
	}
	return nil, nil
}

func asVariant(v interface{}) dbus.Variant {
	if variant, ok := v.(dbus.Variant); ok {
		return variant
	}
	return dbus.MakeVariant(v)
}
