package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nikicat/connman-dispatcher/internal/connman"
)

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

// Technology is one row of the technologies table.
type Technology struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Powered   bool   `json:"powered"`
	Connected bool   `json:"connected"`
	Tethering bool   `json:"tethering"`
}

// Service is one row of the services table.
type Service struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	State     string   `json:"state"`
	Strength  uint8    `json:"strength,omitempty"`
	Interface string   `json:"interface,omitempty"`
	Security  []string `json:"security,omitempty"`
}

// ServiceFromRecord converts a manager service record to a table row.
func ServiceFromRecord(r connman.ServiceRecord) Service {
	strength, _ := r.Properties["Strength"].Value().(uint8)
	return Service{
		ID:        r.ServiceName,
		Name:      r.Name(),
		Type:      r.Type(),
		State:     r.State(),
		Strength:  strength,
		Interface: r.Interface(),
		Security:  r.Security(),
	}
}

// FormatStatus outputs the daemon status.
func (f *Formatter) FormatStatus(s *Status) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(s)
	}
	agent := "not registered"
	if s.AgentRegistered {
		agent = "registered"
	}
	fmt.Fprintf(f.w, "Agent:        %s\n", agent)
	fmt.Fprintf(f.w, "Pending:      %d\n", s.PendingCount)
	fmt.Fprintf(f.w, "Technologies: %s\n", orDash(strings.Join(s.Technologies, ", ")))
	return nil
}

// FormatTechnologies outputs technologies as a table.
func (f *Formatter) FormatTechnologies(techs []Technology) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(techs)
	}

	if len(techs) == 0 {
		fmt.Fprintln(f.w, "No technologies")
		return nil
	}

	fmt.Fprintf(f.w, "%-12s  %-16s  %-7s  %-9s  %s\n", "TYPE", "NAME", "POWERED", "CONNECTED", "TETHERING")
	fmt.Fprintf(f.w, "%-12s  %-16s  %-7s  %-9s  %s\n", "------------", "----------------", "-------", "---------", "---------")
	for _, t := range techs {
		fmt.Fprintf(f.w, "%-12s  %-16s  %-7s  %-9s  %s\n",
			truncate(t.Type, 12), truncate(t.Name, 16), yesNo(t.Powered), yesNo(t.Connected), yesNo(t.Tethering))
	}
	return nil
}

// FormatServices outputs services as a table.
func (f *Formatter) FormatServices(services []Service) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(services)
	}

	if len(services) == 0 {
		fmt.Fprintln(f.w, "No services")
		return nil
	}

	fmt.Fprintf(f.w, "%-32s  %-20s  %-9s  %-13s  %4s  %-8s  %s\n", "ID", "NAME", "TYPE", "STATE", "SIG", "IFACE", "SECURITY")
	fmt.Fprintf(f.w, "%-32s  %-20s  %-9s  %-13s  %4s  %-8s  %s\n", "--------------------------------", "--------------------", "---------", "-------------", "----", "--------", "--------")
	for _, s := range services {
		fmt.Fprintf(f.w, "%-32s  %-20s  %-9s  %-13s  %4s  %-8s  %s\n",
			truncate(s.ID, 32), truncate(orDash(s.Name), 20), truncate(s.Type, 9), truncate(s.State, 13),
			formatStrength(s.Strength), truncate(orDash(s.Interface), 8), orDash(strings.Join(s.Security, ",")))
	}
	return nil
}

// FormatService outputs a single service, e.g. the result of find.
func (f *Formatter) FormatService(s *Service) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(s)
	}
	if s == nil {
		fmt.Fprintln(f.w, "No matching service")
		return nil
	}
	fmt.Fprintf(f.w, "ID:        %s\n", s.ID)
	fmt.Fprintf(f.w, "Name:      %s\n", orDash(s.Name))
	fmt.Fprintf(f.w, "Type:      %s\n", s.Type)
	fmt.Fprintf(f.w, "State:     %s\n", s.State)
	if s.Strength != 0 {
		fmt.Fprintf(f.w, "Strength:  %d%%\n", s.Strength)
	}
	if s.Interface != "" {
		fmt.Fprintf(f.w, "Interface: %s\n", s.Interface)
	}
	if len(s.Security) > 0 {
		fmt.Fprintf(f.w, "Security:  %s\n", strings.Join(s.Security, ", "))
	}
	return nil
}

// FormatEvent outputs one event received by monitor. source names the
// technology or service it came from.
func (f *Formatter) FormatEvent(at time.Time, source string, ev connman.Event) error {
	if f.asJSON {
		out := map[string]interface{}{
			"time":   at,
			"source": source,
			"kind":   ev.Kind,
		}
		switch ev.Kind {
		case connman.EventPropertyChanged:
			out["name"] = ev.Name
			out["value"] = ev.Value.Value()
		case connman.EventTechnologyAdded, connman.EventTechnologyRemoved:
			out["technology"] = ev.Technology
		case connman.EventConnectResult:
			if ev.Err != nil {
				out["error"] = ev.Err.Error()
			}
		}
		return json.NewEncoder(f.w).Encode(out)
	}

	var detail string
	switch ev.Kind {
	case connman.EventPropertyChanged:
		detail = fmt.Sprintf("%s=%v", ev.Name, ev.Value.Value())
	case connman.EventTechnologyAdded, connman.EventTechnologyRemoved:
		detail = ev.Technology
	case connman.EventConnectResult:
		detail = "ok"
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
	}
	fmt.Fprintf(f.w, "%s  %-12s  %-17s  %s\n", at.Format("15:04:05"), truncate(source, 12), ev.Kind, detail)
	return nil
}

// FormatStreamEvent outputs one message of the daemon's event stream.
func (f *Formatter) FormatStreamEvent(at time.Time, ev Event) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(ev)
	}

	var id, detail string
	switch ev.Type {
	case "snapshot":
		detail = fmt.Sprintf("%d pending", len(ev.Requests))
	case "request_created":
		if ev.Request != nil {
			id = ev.Request.ID
			detail = serviceID(ev.Request.Service) + "  " + fieldSummary(ev.Request.Fields)
		}
	case "request_resolved":
		id, detail = ev.ID, ev.Result
	case "report_error":
		detail = serviceID(ev.Service) + "  " + ev.Error
	case "request_browser":
		detail = serviceID(ev.Service) + "  " + ev.URL
	}
	fmt.Fprintf(f.w, "%s  %-16s  %-8s  %s\n", at.Format("15:04:05"), ev.Type, orDash(truncate(id, 8)), detail)
	return nil
}

// FormatRequests outputs a list of pending requests as a table.
func (f *Formatter) FormatRequests(requests []PendingRequest) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(requests)
	}

	if len(requests) == 0 {
		fmt.Fprintln(f.w, "No pending requests")
		return nil
	}

	fmt.Fprintf(f.w, "%-8s  %-32s  %-30s  %s\n", "ID", "SERVICE", "FIELDS", "EXPIRES")
	fmt.Fprintf(f.w, "%-8s  %-32s  %-30s  %s\n", "--------", "--------------------------------", "------------------------------", "-------")

	for _, req := range requests {
		fmt.Fprintf(f.w, "%-8s  %-32s  %-30s  %s\n",
			truncate(req.ID, 8), truncate(serviceID(req.Service), 32), truncate(fieldSummary(req.Fields), 30), formatRemaining(req.ExpiresAt))
	}
	return nil
}

// FormatRequest outputs a single request.
func (f *Formatter) FormatRequest(req *PendingRequest) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(req)
	}

	remaining := max(time.Until(req.ExpiresAt).Round(time.Second), 0)

	fmt.Fprintf(f.w, "ID:      %s\n", req.ID)
	fmt.Fprintf(f.w, "Service: %s\n", req.Service)
	fmt.Fprintln(f.w, "Fields:")
	for _, field := range req.Fields {
		line := fmt.Sprintf("  - %s (%s, %s)", field.Name, field.Type, field.Requirement)
		if len(field.Alternates) > 0 {
			line += " or " + strings.Join(field.Alternates, ", ")
		}
		if field.Value != "" {
			line += fmt.Sprintf(" [%s]", field.Value)
		}
		fmt.Fprintln(f.w, line)
	}
	fmt.Fprintf(f.w, "Expires: %s (%s remaining)\n", req.ExpiresAt.Format(time.RFC3339), remaining)
	return nil
}

// FormatHistory outputs history entries as a table.
func (f *Formatter) FormatHistory(entries []HistoryEntry) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(f.w, "No history entries")
		return nil
	}

	fmt.Fprintf(f.w, "%-8s  %-32s  %-10s  %-20s  %s\n", "ID", "SERVICE", "RESULT", "FIELDS", "RESOLVED")
	fmt.Fprintf(f.w, "%-8s  %-32s  %-10s  %-20s  %s\n", "--------", "--------------------------------", "----------", "--------------------", "--------")

	for _, entry := range entries {
		fmt.Fprintf(f.w, "%-8s  %-32s  %-10s  %-20s  %s\n",
			truncate(entry.ID, 8), truncate(serviceID(entry.Service), 32), truncate(entry.Resolution, 10),
			truncate(fieldSummary(entry.Fields), 20), formatAgo(entry.ResolvedAt))
	}
	return nil
}

// FormatAction outputs an action result.
func (f *Formatter) FormatAction(action, id string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"status": action,
			"id":     id,
		})
	}
	fmt.Fprintf(f.w, "Request %s: %s\n", id, action)
	return nil
}

// FormatResult outputs the outcome of a direct ConnMan operation on subject.
func (f *Formatter) FormatResult(subject, status string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"subject": subject,
			"status":  status,
		})
	}
	fmt.Fprintf(f.w, "%s: %s\n", subject, status)
	return nil
}

// ParseFields parses NAME=VALUE arguments into an answer.
func ParseFields(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no fields given, expected NAME=VALUE")
	}
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, expected NAME=VALUE", arg)
		}
		fields[name] = value
	}
	return fields, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func serviceID(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

func fieldSummary(fields []FieldSpec) string {
	if len(fields) == 0 {
		return "-"
	}
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name
	}
	return strings.Join(names, ", ")
}

func formatRemaining(expiresAt time.Time) string {
	remaining := time.Until(expiresAt).Round(time.Second)
	if remaining <= 0 {
		return "expired"
	}
	return remaining.String()
}

func formatAgo(t time.Time) string {
	ago := time.Since(t).Round(time.Second)
	if ago < 0 {
		return "just now"
	}
	return ago.String() + " ago"
}

func formatStrength(s uint8) string {
	if s == 0 {
		return "-"
	}
	return fmt.Sprintf("%d%%", s)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
