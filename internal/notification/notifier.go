// Package notification shows desktop notifications for agent requests.
package notification

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"

	signalActionInvoked      = notifyInterface + ".ActionInvoked"
	signalNotificationClosed = notifyInterface + ".NotificationClosed"
)

// Urgency levels of the notification protocol.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

// Notification is one desktop notification.
type Notification struct {
	Summary string
	Body    string
	Icon    string
	// Actions are alternating (key, label) pairs. The key "default" is
	// invoked by clicking the notification itself.
	Actions []string
	Urgency Urgency
	// ReplacesID updates an existing notification in place when non-zero.
	ReplacesID uint32
}

// Notifier sends desktop notifications.
type Notifier interface {
	Notify(n Notification) (uint32, error)
	Close(id uint32) error
}

// ActionClosed is reported when the server closed a notification for any
// reason other than a button click.
const ActionClosed = "closed"

// Action is a user interaction with a notification.
type Action struct {
	NotificationID uint32
	// Key is the action key of the clicked button, "default", or ActionClosed.
	Key string
}

// DBusNotifier talks to the notification server on the session bus. A
// dropped connection is re-established on the next call.
type DBusNotifier struct {
	mu   sync.Mutex
	conn *dbus.Conn

	actions chan Action
	done    chan struct{}
}

// NewDBusNotifier connects to the session bus and starts listening for
// notification signals.
func NewDBusNotifier() (*DBusNotifier, error) {
	n := &DBusNotifier{
		actions: make(chan Action, 16),
		done:    make(chan struct{}),
	}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

// connect opens a private session bus connection and starts a reader for
// its signals. The reader exits when godbus closes the channel. Callers
// hold n.mu, except during construction.
func (n *DBusNotifier) connect() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	for _, member := range []string{"ActionInvoked", "NotificationClosed"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(notifyInterface),
			dbus.WithMatchMember(member),
		); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe to %s: %w", member, err)
		}
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go n.readSignals(signals)

	n.conn = conn
	return nil
}

// Actions returns a channel that receives notification interactions.
func (n *DBusNotifier) Actions() <-chan Action {
	return n.actions
}

// Stop stops the signal reader and closes the connection.
func (n *DBusNotifier) Stop() {
	close(n.done)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *DBusNotifier) readSignals(ch <-chan *dbus.Signal) {
	for {
		select {
		case <-n.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			action, ok := parseSignal(sig)
			if !ok {
				continue
			}
			select {
			case n.actions <- action:
			case <-n.done:
				return
			}
		}
	}
}

// parseSignal decodes ActionInvoked (id, key) and NotificationClosed
// (id, reason). Closing caused by an action click (reason 2) is skipped
// because the action itself is reported.
func parseSignal(sig *dbus.Signal) (Action, bool) {
	if len(sig.Body) != 2 {
		return Action{}, false
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return Action{}, false
	}
	switch sig.Name {
	case signalActionInvoked:
		key, ok := sig.Body[1].(string)
		return Action{NotificationID: id, Key: key}, ok
	case signalNotificationClosed:
		reason, ok := sig.Body[1].(uint32)
		if !ok || reason == 2 {
			return Action{}, false
		}
		return Action{NotificationID: id, Key: ActionClosed}, true
	}
	return Action{}, false
}

// call invokes a notification server method, reconnecting once when the
// connection turns out to be closed.
func (n *DBusNotifier) call(method string, args ...interface{}) (*dbus.Call, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c := n.conn.Object(notifyDest, notifyPath).Call(notifyInterface+"."+method, 0, args...)
	if c.Err != nil && errors.Is(c.Err, dbus.ErrClosed) {
		n.conn.Close()
		if err := n.connect(); err != nil {
			return nil, fmt.Errorf("%s: %w (reconnect failed: %v)", method, c.Err, err)
		}
		slog.Info("reconnected to D-Bus session bus")
		c = n.conn.Object(notifyDest, notifyPath).Call(notifyInterface+"."+method, 0, args...)
	}
	if c.Err != nil {
		return nil, fmt.Errorf("%s: %w", method, c.Err)
	}
	return c, nil
}

// Notify shows or replaces a notification and returns its ID.
func (n *DBusNotifier) Notify(note Notification) (uint32, error) {
	actions := note.Actions
	if actions == nil {
		actions = []string{}
	}
	c, err := n.call("Notify",
		"connman-dispatcher",
		note.ReplacesID,
		note.Icon,
		note.Summary,
		note.Body,
		actions,
		map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(note.Urgency))},
		int32(-1), // server default expiry
	)
	if err != nil {
		return 0, err
	}
	var id uint32
	if err := c.Store(&id); err != nil {
		return 0, fmt.Errorf("store notify result: %w", err)
	}
	return id, nil
}

// Close closes a notification by ID.
func (n *DBusNotifier) Close(id uint32) error {
	_, err := n.call("CloseNotification", id)
	return err
}
