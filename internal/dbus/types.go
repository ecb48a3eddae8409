// Package dbus provides D-Bus names and error helpers for the ConnMan API.
package dbus

import "github.com/godbus/dbus/v5"

// D-Bus interface and path constants for ConnMan.
const (
	BusName = "net.connman"

	ManagerInterface    = "net.connman.Manager"
	TechnologyInterface = "net.connman.Technology"
	ServiceInterface    = "net.connman.Service"
	AgentInterface      = "net.connman.Agent"

	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"

	ManagerPath    = dbus.ObjectPath("/")
	TechnologyRoot = "/net/connman/technology"
	ServiceRoot    = "/net/connman/service"

	// DefaultAgentPath is where the agent object is exported unless configured otherwise.
	DefaultAgentPath = dbus.ObjectPath("/net/connman/dispatcher/agent")
)

// Signal names emitted by ConnMan objects.
const (
	SignalPropertyChanged   = "PropertyChanged"
	SignalTechnologyAdded   = "TechnologyAdded"
	SignalTechnologyRemoved = "TechnologyRemoved"
	SignalServicesChanged   = "ServicesChanged"
)

// Error names defined by the ConnMan agent API.
const (
	ErrAgentCanceled      = "net.connman.Agent.Error.Canceled"
	ErrAgentRetry         = "net.connman.Agent.Error.Retry"
	ErrAgentLaunchBrowser = "net.connman.Agent.Error.LaunchBrowser"
	ErrFailed             = "org.freedesktop.DBus.Error.Failed"
)

// TechnologyPath returns the object path of the technology with the given type.
func TechnologyPath(technologyType string) dbus.ObjectPath {
	return dbus.ObjectPath(TechnologyRoot + "/" + technologyType)
}

// ServicePath returns the object path of the service with the given identifier.
func ServicePath(serviceID string) dbus.ObjectPath {
	return dbus.ObjectPath(ServiceRoot + "/" + serviceID)
}

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}

// ErrCanceled returns the error an agent replies with when input was not provided.
func ErrCanceled(reason string) *dbus.Error {
	return NewDBusError(ErrAgentCanceled, reason)
}

// ErrFailedWith wraps an arbitrary error as org.freedesktop.DBus.Error.Failed.
func ErrFailedWith(err error) *dbus.Error {
	return NewDBusError(ErrFailed, err.Error())
}
