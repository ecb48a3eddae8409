package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/connman-dispatcher/internal/connman"
)

// Rejecter declines pending input requests.
type Rejecter interface {
	RejectRequest(id string) error
}

// shown is what an open notification stands for. Exactly one of requestID
// and url is set for actionable notifications; error reports set neither.
type shown struct {
	requestID string
	url       string
	service   dbus.ObjectPath
}

// Handler turns agent events into desktop notifications and notification
// actions back into agent calls.
type Handler struct {
	notifier    Notifier
	rejecter    Rejecter
	serviceName func(dbus.ObjectPath) string
	openURL     func(string)

	mu        sync.Mutex
	open      map[uint32]shown
	byRequest map[string]uint32
	// Last error report per service, replaced by the next one.
	errorsBy map[dbus.ObjectPath]uint32
}

// NewHandler creates a notification handler. serviceName maps a service
// path to a display name; nil uses the service identifier.
func NewHandler(notifier Notifier, rejecter Rejecter, serviceName func(dbus.ObjectPath) string) *Handler {
	if serviceName == nil {
		serviceName = func(p dbus.ObjectPath) string { return path.Base(string(p)) }
	}
	return &Handler{
		notifier:    notifier,
		rejecter:    rejecter,
		serviceName: serviceName,
		openURL:     func(u string) { exec.Command("xdg-open", u).Start() },
		open:        make(map[uint32]shown),
		byRequest:   make(map[string]uint32),
		errorsBy:    make(map[dbus.ObjectPath]uint32),
	}
}

// ListenActions handles notification interactions until actions is closed
// or ctx is cancelled.
func (h *Handler) ListenActions(ctx context.Context, actions <-chan Action) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			h.handleAction(action)
		}
	}
}

// forget drops every reference to notification id. Callers hold h.mu.
func (h *Handler) forget(id uint32) (shown, bool) {
	s, ok := h.open[id]
	if !ok {
		return shown{}, false
	}
	delete(h.open, id)
	if s.requestID != "" {
		delete(h.byRequest, s.requestID)
	}
	if h.errorsBy[s.service] == id {
		delete(h.errorsBy, s.service)
	}
	return s, true
}

func (h *Handler) handleAction(action Action) {
	// Any interaction dismisses the notification, so the resolution event
	// that follows must not close it again.
	h.mu.Lock()
	s, ok := h.forget(action.NotificationID)
	h.mu.Unlock()
	if !ok || action.Key == ActionClosed {
		return
	}

	switch {
	case s.url != "":
		if action.Key == "open" || action.Key == "default" {
			h.openURL(s.url)
		}
	case s.requestID != "" && action.Key == "reject":
		err := h.rejecter.RejectRequest(s.requestID)
		switch {
		case err == nil:
			slog.Info("rejected request from notification", "request_id", s.requestID)
		case errors.Is(err, connman.ErrRequestNotFound), errors.Is(err, connman.ErrAlreadyAnswered):
			slog.Debug("request already resolved", "request_id", s.requestID)
		default:
			slog.Error("failed to reject request from notification", "request_id", s.requestID, "error", err)
		}
	case s.requestID != "":
		// "dismiss" and "default" leave the request pending.
		slog.Debug("notification dismissed", "action", action.Key, "request_id", s.requestID)
	}
}

// OnEvent handles an agent event.
func (h *Handler) OnEvent(event connman.AgentEvent) {
	switch event.Kind {
	case connman.EventRequestInput:
		h.notifyRequest(event)
	case connman.EventRequestResolved:
		h.closeRequest(event.Request.ID)
	case connman.EventReportError:
		h.notifyError(event)
	case connman.EventRequestBrowser:
		h.notifyBrowser(event)
	}
}

func (h *Handler) show(note Notification, s shown) (uint32, bool) {
	id, err := h.notifier.Notify(note)
	if err != nil {
		slog.Error("failed to send notification", "error", err, "service", s.service)
		return 0, false
	}
	h.mu.Lock()
	h.open[id] = s
	h.mu.Unlock()
	return id, true
}

func (h *Handler) notifyRequest(event connman.AgentEvent) {
	req := event.Request
	id, ok := h.show(Notification{
		Summary: "Network credentials required",
		Body:    h.requestBody(event.Service, req),
		Icon:    "network-wireless-encrypted",
		Actions: []string{"default", "", "reject", "Cancel", "dismiss", "Later"},
		Urgency: UrgencyCritical,
	}, shown{requestID: req.ID, service: event.Service})
	if !ok {
		return
	}

	h.mu.Lock()
	h.byRequest[req.ID] = id
	h.mu.Unlock()
	slog.Debug("sent desktop notification", "request_id", req.ID, "notification_id", id)
}

func (h *Handler) notifyError(event connman.AgentEvent) {
	h.mu.Lock()
	previous := h.errorsBy[event.Service]
	h.mu.Unlock()

	id, ok := h.show(Notification{
		Summary:    "Connection failed",
		Body:       fmt.Sprintf("<b>%s</b>: %s", h.serviceName(event.Service), event.Error),
		Icon:       "network-error",
		Urgency:    UrgencyNormal,
		ReplacesID: previous,
	}, shown{service: event.Service})
	if !ok {
		return
	}

	h.mu.Lock()
	if previous != 0 && previous != id {
		delete(h.open, previous)
	}
	h.errorsBy[event.Service] = id
	h.mu.Unlock()
}

func (h *Handler) notifyBrowser(event connman.AgentEvent) {
	h.show(Notification{
		Summary: "Network login",
		Body:    fmt.Sprintf("<b>%s</b> requires a web login\n%s", h.serviceName(event.Service), event.URL),
		Icon:    "web-browser",
		Actions: []string{"default", "", "open", "Open browser"},
		Urgency: UrgencyNormal,
	}, shown{url: event.URL, service: event.Service})
}

func (h *Handler) closeRequest(requestID string) {
	h.mu.Lock()
	id, ok := h.byRequest[requestID]
	if ok {
		h.forget(id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.notifier.Close(id); err != nil {
		slog.Debug("failed to close notification", "error", err, "notification_id", id)
		return
	}
	slog.Debug("closed desktop notification", "request_id", requestID, "notification_id", id)
}

func (h *Handler) requestBody(service dbus.ObjectPath, req *connman.InputRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", h.serviceName(service))

	var fields []string
	for _, f := range req.FieldSpecs() {
		switch {
		case f.Requirement == "informational":
		case f.Type != "":
			fields = append(fields, fmt.Sprintf("%s (%s)", f.Name, f.Type))
		default:
			fields = append(fields, f.Name)
		}
	}
	if len(fields) > 0 {
		fmt.Fprintf(&b, ": <i>%s</i>", strings.Join(fields, ", "))
	}

	short := req.ID
	if len(short) > 8 {
		short = short[:8]
	}
	fmt.Fprintf(&b, "\nconnman-dispatcher answer %s", short)
	return b.String()
}
