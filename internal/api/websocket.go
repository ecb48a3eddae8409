package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nikicat/connman-dispatcher/internal/connman"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// Client messages carry at most one answer.
	maxMessageSize = 8 << 10

	outboxSize = 256
)

// WSMessage is a server-to-client message.
type WSMessage struct {
	Type string `json:"type"`

	// snapshot; always present so clients can rely on the array
	Requests []PendingRequest `json:"requests"`

	// request_created
	Request *PendingRequest `json:"request,omitempty"`

	// request_resolved, ack, error
	ID     string `json:"id,omitempty"`
	Result string `json:"result,omitempty"`

	// report_error, request_browser
	Service string `json:"service,omitempty"`
	Error   string `json:"error,omitempty"`
	URL     string `json:"url,omitempty"`
}

// WSCommand is a client-to-server message: "answer" with fields, or "reject".
type WSCommand struct {
	Type   string            `json:"type"`
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields,omitempty"`
}

// WSHandler streams agent events to WebSocket clients and accepts answers
// from them.
type WSHandler struct {
	agent Agent

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
}

// NewWSHandler creates a new WebSocket handler. agent may be nil, in which
// case clients receive an empty snapshot and commands fail.
func NewWSHandler(agent Agent) *WSHandler {
	return &WSHandler{
		agent:    agent,
		sessions: make(map[*wsSession]struct{}),
	}
}

type wsSession struct {
	h      *WSHandler
	conn   *websocket.Conn
	outbox chan []byte
	peer   string
	sub    connman.Subscription

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// HandleWS upgrades the request and serves the session until either side
// closes it.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	// The session outlives the HTTP request.
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		h:      h,
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		peer:   peerLabel(r.Context()),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	// Subscribe before the snapshot so no request falls between the two.
	if h.agent != nil {
		s.sub = h.agent.Subscribe(connman.EventAll, s.onEvent)
	}
	if err := s.write(h.snapshot()); err != nil {
		slog.Debug("WebSocket snapshot failed", "error", err)
		s.close()
		return
	}

	go s.writeLoop()
	go s.readLoop()
}

// CloseAll closes every open session.
func (h *WSHandler) CloseAll() {
	h.mu.Lock()
	sessions := make([]*wsSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (h *WSHandler) snapshot() WSMessage {
	msg := WSMessage{Type: "snapshot", Requests: []PendingRequest{}}
	if h.agent != nil {
		for _, req := range h.agent.Pending() {
			msg.Requests = append(msg.Requests, *convertRequest(req))
		}
	}
	return msg
}

// eventMessage maps an agent event to its wire form. ok is false for
// events clients don't see.
func eventMessage(ev connman.AgentEvent) (msg WSMessage, ok bool) {
	switch ev.Kind {
	case connman.EventRequestInput:
		return WSMessage{Type: "request_created", Request: convertRequest(ev.Request)}, true
	case connman.EventRequestResolved:
		return WSMessage{Type: "request_resolved", ID: ev.Request.ID, Result: string(ev.Resolution)}, true
	case connman.EventReportError:
		return WSMessage{Type: "report_error", Service: string(ev.Service), Error: ev.Error}, true
	case connman.EventRequestBrowser:
		return WSMessage{Type: "request_browser", Service: string(ev.Service), URL: ev.URL}, true
	case connman.EventRelease:
		return WSMessage{Type: "release"}, true
	case connman.EventCancel:
		return WSMessage{Type: "cancel"}, true
	}
	return WSMessage{}, false
}

func (s *wsSession) onEvent(ev connman.AgentEvent) {
	if msg, ok := eventMessage(ev); ok {
		s.enqueue(msg)
	}
}

// enqueue never blocks: a client that stops reading loses messages.
func (s *wsSession) enqueue(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal WebSocket message", "error", err)
		return
	}
	select {
	case s.outbox <- data:
	default:
		slog.Warn("WebSocket send buffer full, dropping message", "type", msg.Type)
	}
}

func (s *wsSession) write(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeWait)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSession) writeLoop() {
	defer s.close()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.outbox:
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err = s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
		case <-ping.C:
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err = s.conn.Ping(ctx)
			cancel()
		}
		if err != nil {
			slog.Debug("WebSocket write failed", "error", err)
			return
		}
	}
}

func (s *wsSession) readLoop() {
	defer s.close()
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var cmd WSCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.enqueue(WSMessage{Type: "error", Error: "invalid message"})
			continue
		}
		s.enqueue(s.h.execute(cmd, s.peer))
	}
}

// execute runs a client command and returns the reply.
func (h *WSHandler) execute(cmd WSCommand, peer string) WSMessage {
	if h.agent == nil {
		return WSMessage{Type: "error", ID: cmd.ID, Error: "agent not enabled"}
	}

	var err error
	switch cmd.Type {
	case "answer":
		if len(cmd.Fields) == 0 {
			return WSMessage{Type: "error", ID: cmd.ID, Error: "fields are required"}
		}
		fields := make(map[string]interface{}, len(cmd.Fields))
		for k, v := range cmd.Fields {
			fields[k] = v
		}
		err = h.agent.Answer(cmd.ID, fields)
	case "reject":
		err = h.agent.RejectRequest(cmd.ID)
	default:
		return WSMessage{Type: "error", ID: cmd.ID, Error: fmt.Sprintf("unknown command %q", cmd.Type)}
	}
	if err != nil {
		return WSMessage{Type: "error", ID: cmd.ID, Error: err.Error()}
	}

	slog.Info("input request resolved over WebSocket", "id", cmd.ID, "action", cmd.Type, "peer", peer)
	return WSMessage{Type: "ack", ID: cmd.ID, Result: cmd.Type}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.cancel()

		if s.h.agent != nil {
			s.h.agent.Unsubscribe(s.sub)
		}

		s.h.mu.Lock()
		delete(s.h.sessions, s)
		s.h.mu.Unlock()

		s.conn.Close(websocket.StatusNormalClosure, "")
	})
}
