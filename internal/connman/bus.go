// Package connman implements a client for the ConnMan network daemon:
// technologies, services, the manager registry and the interactive
// authentication agent.
package connman

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
	"github.com/nikicat/connman-dispatcher/internal/logging"
)

// Default call timeouts.
const (
	DefaultTimeout = 10 * time.Second
	ConnectTimeout = 30 * time.Second
	ScanTimeout    = 30 * time.Second
)

// SignalHandler receives the body of a subscribed signal.
type SignalHandler func(body []interface{})

// RemoteObject is one remote object's method-call and signal surface.
type RemoteObject interface {
	Path() dbus.ObjectPath
	// Call invokes method on the object's interface and returns the reply body.
	// The call is bounded by ctx.
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
	// Subscribe registers handler for the named signal of the object's
	// interface. The returned function removes the subscription.
	Subscribe(signal string, handler SignalHandler) (func(), error)
}

// Bus resolves remote objects and exports local ones.
type Bus interface {
	// Object resolves the remote object at path and checks that it
	// implements iface.
	Object(ctx context.Context, busName string, path dbus.ObjectPath, iface string) (RemoteObject, error)
	// Export publishes v at path under iface. A nil v removes the export.
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	// RequestName claims a well-known bus name.
	RequestName(name string) error
}

// Conn is the production Bus on top of a godbus connection.
type Conn struct {
	conn   *dbus.Conn
	logger *logging.Logger
	router *signalRouter
}

// Dial connects to the given bus address. An empty address means the system bus.
func Dial(address string) (*Conn, error) {
	var conn *dbus.Conn
	var err error
	if address == "" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to D-Bus: %w", err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an established godbus connection.
func NewConn(conn *dbus.Conn) *Conn {
	logger := logging.New("bus")
	return &Conn{
		conn:   conn,
		logger: logger,
		router: newSignalRouter(conn, logger),
	}
}

// DBus returns the underlying godbus connection.
func (c *Conn) DBus() *dbus.Conn {
	return c.conn
}

// Close stops signal dispatch and closes the connection.
func (c *Conn) Close() error {
	c.router.close()
	return c.conn.Close()
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

// Object implements Bus. Resolution introspects the object and fails if
// the interface is missing.
func (c *Conn) Object(ctx context.Context, busName string, path dbus.ObjectPath, iface string) (RemoteObject, error) {
	if !path.IsValid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}

	obj := c.conn.Object(busName, path)

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	call := obj.CallWithContext(ctx, dbustypes.IntrospectableInterface+".Introspect", 0)
	if call.Err != nil {
		return nil, wrapCallError(ctx, "Introspect", DefaultTimeout, call.Err)
	}

	var data string
	if err := call.Store(&data); err != nil {
		return nil, fmt.Errorf("store introspection: %w", err)
	}

	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("parse introspection: %w", err)
	}
	for _, i := range node.Interfaces {
		if i.Name == iface {
			return &remoteObject{conn: c, obj: obj, busName: busName, iface: iface}, nil
		}
	}
	return nil, fmt.Errorf("object %s does not implement %s", path, iface)
}

// Export implements Bus.
func (c *Conn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return c.conn.Export(v, path, iface)
}

// RequestName implements Bus.
func (c *Conn) RequestName(name string) error {
	reply, err := c.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %q: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return fmt.Errorf("not primary owner of %q (reply=%d)", name, reply)
	}
	return nil
}

type remoteObject struct {
	conn    *Conn
	obj     dbus.BusObject
	busName string
	iface   string
}

func (r *remoteObject) Path() dbus.ObjectPath {
	return r.obj.Path()
}

func (r *remoteObject) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	start := time.Now()
	call := r.obj.CallWithContext(ctx, r.iface+"."+method, 0, args...)
	err := call.Err
	r.conn.logger.LogCall(ctx, string(r.obj.Path()), method, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return call.Body, nil
}

func (r *remoteObject) Subscribe(signal string, handler SignalHandler) (func(), error) {
	return r.conn.router.subscribe(r.obj.Path(), r.iface, signal, handler)
}

// callTimeout invokes method on obj bounded by timeout (0 means only ctx
// bounds the call) and converts timeouts and daemon errors into
// *TimeoutError and *RemoteError.
func callTimeout(ctx context.Context, obj RemoteObject, timeout time.Duration, method string, args ...interface{}) ([]interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	body, err := obj.Call(ctx, method, args...)
	if err != nil {
		return nil, wrapCallError(ctx, method, timeout, err)
	}
	return body, nil
}

func wrapCallError(ctx context.Context, method string, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded && timeout > 0:
		return &TimeoutError{Method: method, Timeout: timeout}
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
	return remoteError(method, err)
}
