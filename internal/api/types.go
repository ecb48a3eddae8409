package api

import (
	"context"
	"time"

	"github.com/nikicat/connman-dispatcher/internal/connman"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Running         bool     `json:"running"`
	AgentRegistered bool     `json:"agent_registered"`
	PendingCount    int      `json:"pending_count"`
	Technologies    []string `json:"technologies"`
}

// TechnologyInfo describes one technology in API responses.
type TechnologyInfo struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Bound     bool   `json:"bound"`
	Powered   bool   `json:"powered"`
	Connected bool   `json:"connected"`
	Tethering bool   `json:"tethering"`
}

// TechnologiesResponse is returned by GET /api/v1/technologies.
type TechnologiesResponse struct {
	Technologies []TechnologyInfo `json:"technologies"`
}

// PendingListResponse is returned by GET /api/v1/pending.
type PendingListResponse struct {
	Requests []PendingRequest `json:"requests"`
}

// PendingRequest represents a pending input request in API responses.
type PendingRequest struct {
	ID        string              `json:"id"`
	Service   string              `json:"service"`
	Fields    []connman.FieldSpec `json:"fields"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// AnswerRequest is the body of POST /api/v1/pending/{id}/answer.
type AnswerRequest struct {
	Fields map[string]string `json:"fields"`
}

// ActionResponse is returned by answer/reject endpoints.
type ActionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HistoryResponse is returned by GET /api/v1/history.
type HistoryResponse struct {
	Entries []connman.HistoryEntry `json:"entries"`
}

// Agent is the part of *connman.Agent served over the API.
type Agent interface {
	Registered() bool
	Pending() []*connman.InputRequest
	PendingCount() int
	History() []connman.HistoryEntry
	Answer(id string, fields map[string]interface{}) error
	RejectRequest(id string) error
	Subscribe(kind connman.EventKind, fn func(connman.AgentEvent)) connman.Subscription
	Unsubscribe(s connman.Subscription)
}

// TechnologySource reports the daemon's technologies.
type TechnologySource interface {
	TechnologyInfo(ctx context.Context) ([]TechnologyInfo, error)
}

// ManagerTechnologies adapts a connman.Manager to TechnologySource.
type ManagerTechnologies struct {
	Manager *connman.Manager
}

// TechnologyInfo fetches the properties of every known technology. A
// technology whose properties cannot be read is reported with only its
// type, name and binding state.
func (s ManagerTechnologies) TechnologyInfo(ctx context.Context) ([]TechnologyInfo, error) {
	techs := s.Manager.Technologies()
	out := make([]TechnologyInfo, 0, len(techs))
	for _, t := range techs {
		info := TechnologyInfo{Type: t.Type, Name: t.Name, Bound: t.Bound()}
		if props, err := t.GetProperties(ctx); err == nil {
			info.Powered = props.Bool("Powered")
			info.Connected = props.Bool("Connected")
			info.Tethering = props.Bool("Tethering")
		}
		out = append(out, info)
	}
	return out, nil
}

func convertRequest(req *connman.InputRequest) *PendingRequest {
	return &PendingRequest{
		ID:        req.ID,
		Service:   string(req.Service),
		Fields:    req.FieldSpecs(),
		CreatedAt: req.CreatedAt,
		ExpiresAt: req.ExpiresAt,
	}
}
