package connman

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// Precondition errors. They are detected locally, before any remote call.
var (
	// ErrNotBound is returned by Technology operations before Init succeeded.
	ErrNotBound = errors.New("no technology device was found")
	// ErrNoService is returned by Service operations while no service is selected.
	ErrNoService = errors.New("no service was found")
	// ErrNoTechnology is returned by Service operations when the owning
	// technology was never resolved or has left the registry.
	ErrNoTechnology = errors.New("no technology was found")
)

// ErrNoSuchService is returned when a service object cannot be resolved on the bus.
var ErrNoSuchService = errors.New("no such service")

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("call timed out")

// ErrAlreadyAnswered is returned when an input request is answered twice.
var ErrAlreadyAnswered = errors.New("input request already answered")

// ErrRequestNotFound is returned when a pending input request ID doesn't exist.
var ErrRequestNotFound = errors.New("input request not found")

// BindingError reports that a remote object could not be resolved.
type BindingError struct {
	Path      dbus.ObjectPath
	Interface string
	Err       error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind %s at %s: %v", e.Interface, e.Path, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }

// TimeoutError reports that a remote call did not complete in time.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no reply within %s", e.Method, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) and errors.Is(err, context.DeadlineExceeded) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// RemoteError is an explicit failure returned by the daemon.
type RemoteError struct {
	Method  string
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Name)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Name, e.Message)
}

// remoteError converts a godbus error reply into a *RemoteError.
// Other errors are returned unchanged.
func remoteError(method string, err error) error {
	var name string
	var body []interface{}

	var ptr *dbus.Error
	var val dbus.Error
	switch {
	case errors.As(err, &ptr):
		name, body = ptr.Name, ptr.Body
	case errors.As(err, &val):
		name, body = val.Name, val.Body
	default:
		return err
	}

	re := &RemoteError{Method: method, Name: name}
	if len(body) > 0 {
		if msg, ok := body[0].(string); ok {
			re.Message = msg
		}
	}
	return re
}

// IsRemoteError reports whether err carries a daemon error with the given D-Bus name.
func IsRemoteError(err error, name string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Name == name
}
