package cli

import "time"

// The types below mirror the API's JSON. The cli package does not import
// internal/api so that the client stays free of the daemon's dependencies.

// FieldSpec describes one field the daemon asks for.
type FieldSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Requirement string   `json:"requirement"`
	Alternates  []string `json:"alternates,omitempty"`
	Value       string   `json:"value,omitempty"`
}

// PendingRequest is an input request waiting for an answer.
type PendingRequest struct {
	ID        string      `json:"id"`
	Service   string      `json:"service"`
	Fields    []FieldSpec `json:"fields"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// HistoryEntry is a resolved input request.
type HistoryEntry struct {
	ID         string      `json:"id"`
	Service    string      `json:"service"`
	Fields     []FieldSpec `json:"fields"`
	Resolution string      `json:"resolution"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt time.Time   `json:"resolved_at"`
}

// Status is the daemon status.
type Status struct {
	Running         bool     `json:"running"`
	AgentRegistered bool     `json:"agent_registered"`
	PendingCount    int      `json:"pending_count"`
	Technologies    []string `json:"technologies"`
}

// Event is one message of the daemon's event stream.
type Event struct {
	Type     string           `json:"type"`
	Requests []PendingRequest `json:"requests"`
	Request  *PendingRequest  `json:"request,omitempty"`
	ID       string           `json:"id,omitempty"`
	Result   string           `json:"result,omitempty"`
	Service  string           `json:"service,omitempty"`
	Error    string           `json:"error,omitempty"`
	URL      string           `json:"url,omitempty"`
}
