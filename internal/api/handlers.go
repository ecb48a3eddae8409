package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nikicat/connman-dispatcher/internal/connman"
)

// Handlers serves the REST part of the API.
type Handlers struct {
	agent        Agent
	technologies TechnologySource
}

// NewHandlers creates new API handlers. agent is nil when the daemon runs
// without an agent.
func NewHandlers(agent Agent, technologies TechnologySource) *Handlers {
	return &Handlers{
		agent:        agent,
		technologies: technologies,
	}
}

// Routes registers the REST endpoints and ws on a new mux. Requests with
// a known path but the wrong method get 405 from the mux.
func (h *Handlers) Routes(ws http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/technologies", h.listTechnologies)
	mux.HandleFunc("GET /api/v1/pending", h.listPending)
	mux.HandleFunc("POST /api/v1/pending/{id}/answer", h.answer)
	mux.HandleFunc("POST /api/v1/pending/{id}/reject", h.reject)
	mux.HandleFunc("GET /api/v1/history", h.history)
	if ws != nil {
		mux.HandleFunc("GET /api/v1/ws", ws)
	}
	return mux
}

func (h *Handlers) techInfo(w http.ResponseWriter, r *http.Request) ([]TechnologyInfo, bool) {
	if h.technologies == nil {
		return nil, true
	}
	techs, err := h.technologies.TechnologyInfo(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return nil, false
	}
	return techs, true
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	techs, ok := h.techInfo(w, r)
	if !ok {
		return
	}
	resp := StatusResponse{Running: true, Technologies: make([]string, 0, len(techs))}
	for _, t := range techs {
		resp.Technologies = append(resp.Technologies, t.Type)
	}
	if h.agent != nil {
		resp.AgentRegistered = h.agent.Registered()
		resp.PendingCount = h.agent.PendingCount()
	}
	writeJSON(w, resp)
}

func (h *Handlers) listTechnologies(w http.ResponseWriter, r *http.Request) {
	techs, ok := h.techInfo(w, r)
	if !ok {
		return
	}
	writeJSON(w, TechnologiesResponse{Technologies: append([]TechnologyInfo{}, techs...)})
}

func (h *Handlers) listPending(w http.ResponseWriter, r *http.Request) {
	requests := []PendingRequest{}
	if h.agent != nil {
		for _, req := range h.agent.Pending() {
			requests = append(requests, *convertRequest(req))
		}
	}
	writeJSON(w, PendingListResponse{Requests: requests})
}

func (h *Handlers) answer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Fields) == 0 {
		writeError(w, "no fields given", http.StatusBadRequest)
		return
	}
	if h.agent == nil {
		writeAgentError(w, connman.ErrRequestNotFound)
		return
	}

	fields := make(map[string]interface{}, len(body.Fields))
	for k, v := range body.Fields {
		fields[k] = v
	}
	if err := h.agent.Answer(id, fields); err != nil {
		writeAgentError(w, err)
		return
	}

	slog.Info("input request answered", "id", id, "peer", peerLabel(r.Context()))
	writeJSON(w, ActionResponse{Status: string(connman.ResolutionAnswered)})
}

func (h *Handlers) reject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.agent == nil {
		writeAgentError(w, connman.ErrRequestNotFound)
		return
	}
	if err := h.agent.RejectRequest(id); err != nil {
		writeAgentError(w, err)
		return
	}

	slog.Info("input request rejected", "id", id, "peer", peerLabel(r.Context()))
	writeJSON(w, ActionResponse{Status: string(connman.ResolutionRejected)})
}

func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	entries := []connman.HistoryEntry{}
	if h.agent != nil {
		entries = append(entries, h.agent.History()...)
	}
	writeJSON(w, HistoryResponse{Entries: entries})
}

func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connman.ErrRequestNotFound):
		writeError(w, "request not found or expired", http.StatusNotFound)
	case errors.Is(err, connman.ErrAlreadyAnswered):
		writeError(w, "request already resolved", http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeStatus(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeStatus(w, status, ErrorResponse{Error: message})
}

func writeStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
