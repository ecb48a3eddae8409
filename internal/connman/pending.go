package connman

import (
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// Resolution represents how an input request was resolved.
type Resolution string

const (
	ResolutionAnswered  Resolution = "answered"
	ResolutionRejected  Resolution = "rejected"
	ResolutionExpired   Resolution = "expired"
	ResolutionCancelled Resolution = "cancelled"
)

// FieldSpec describes one field the daemon asks for in RequestInput.
type FieldSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Requirement string   `json:"requirement"`
	Alternates  []string `json:"alternates,omitempty"`
	Value       string   `json:"value,omitempty"`
}

// InputRequest is one RequestInput call awaiting an answer from the application.
type InputRequest struct {
	ID        string
	Service   dbus.ObjectPath
	Fields    map[string]dbus.Variant
	CreatedAt time.Time
	ExpiresAt time.Time

	once       sync.Once
	done       chan struct{}
	answer     map[string]dbus.Variant
	resolution Resolution
}

// NewInputRequest creates an unresolved request for service.
func NewInputRequest(service dbus.ObjectPath, fields map[string]dbus.Variant, timeout time.Duration) *InputRequest {
	now := time.Now()
	return &InputRequest{
		ID:        uuid.New().String(),
		Service:   service,
		Fields:    fields,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		done:      make(chan struct{}),
	}
}

// Respond answers the request. Values that are not dbus.Variant are wrapped.
// Only the first Respond or Reject takes effect; later calls return
// ErrAlreadyAnswered.
func (r *InputRequest) Respond(fields map[string]interface{}) error {
	answer := make(map[string]dbus.Variant, len(fields))
	for k, v := range fields {
		answer[k] = asVariant(v)
	}
	if !r.resolve(ResolutionAnswered, answer) {
		return ErrAlreadyAnswered
	}
	return nil
}

// Reject declines the request; the daemon receives a Canceled error.
func (r *InputRequest) Reject() error {
	if !r.resolve(ResolutionRejected, nil) {
		return ErrAlreadyAnswered
	}
	return nil
}

// Resolution returns how the request was resolved, or "" while pending.
func (r *InputRequest) Resolution() Resolution {
	select {
	case <-r.done:
		return r.resolution
	default:
		return ""
	}
}

// Answer returns the submitted fields once the request was answered.
func (r *InputRequest) Answer() map[string]dbus.Variant {
	select {
	case <-r.done:
		return r.answer
	default:
		return nil
	}
}

// Done is closed once the request is resolved.
func (r *InputRequest) Done() <-chan struct{} {
	return r.done
}

func (r *InputRequest) resolve(res Resolution, answer map[string]dbus.Variant) bool {
	resolved := false
	r.once.Do(func() {
		r.answer = answer
		r.resolution = res
		close(r.done)
		resolved = true
	})
	return resolved
}

// FieldSpecs decodes the field descriptors, sorted by name.
func (r *InputRequest) FieldSpecs() []FieldSpec {
	specs := make([]FieldSpec, 0, len(r.Fields))
	for name, v := range r.Fields {
		spec := FieldSpec{Name: name}
		if desc, ok := v.Value().(map[string]dbus.Variant); ok {
			p := Properties(desc)
			spec.Type = p.String("Type")
			spec.Requirement = p.String("Requirement")
			spec.Value = p.String("Value")
			if alt, ok := desc["Alternates"].Value().([]string); ok {
				spec.Alternates = alt
			}
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// HistoryEntry represents a resolved input request. Answers are not kept.
type HistoryEntry struct {
	ID         string          `json:"id"`
	Service    dbus.ObjectPath `json:"service"`
	Fields     []FieldSpec     `json:"fields"`
	Resolution Resolution      `json:"resolution"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// pendingInputs tracks outstanding input requests and a bounded history.
type pendingInputs struct {
	mu      sync.RWMutex
	pending map[string]*InputRequest

	historyMu  sync.RWMutex
	history    []HistoryEntry
	historyMax int
}

func newPendingInputs(historyMax int) *pendingInputs {
	if historyMax <= 0 {
		historyMax = 100
	}
	return &pendingInputs{
		pending:    make(map[string]*InputRequest),
		historyMax: historyMax,
	}
}

func (p *pendingInputs) add(r *InputRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[r.ID] = r
}

func (p *pendingInputs) remove(r *InputRequest) {
	p.mu.Lock()
	delete(p.pending, r.ID)
	p.mu.Unlock()

	entry := HistoryEntry{
		ID:         r.ID,
		Service:    r.Service,
		Fields:     r.FieldSpecs(),
		Resolution: r.resolution,
		CreatedAt:  r.CreatedAt,
		ResolvedAt: time.Now(),
	}

	p.historyMu.Lock()
	defer p.historyMu.Unlock()

	// Prepend to slice (newest first)
	p.history = append([]HistoryEntry{entry}, p.history...)
	if len(p.history) > p.historyMax {
		p.history = p.history[:p.historyMax]
	}
}

func (p *pendingInputs) get(id string) (*InputRequest, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.pending[id]
	return r, ok
}

// list returns pending requests, oldest first.
func (p *pendingInputs) list() []*InputRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*InputRequest, 0, len(p.pending))
	for _, r := range p.pending {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (p *pendingInputs) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// cancelAll resolves every pending request with res.
func (p *pendingInputs) cancelAll(res Resolution) int {
	n := 0
	for _, r := range p.list() {
		if r.resolve(res, nil) {
			n++
		}
	}
	return n
}

func (p *pendingInputs) historyCopy() []HistoryEntry {
	p.historyMu.RLock()
	defer p.historyMu.RUnlock()
	return append([]HistoryEntry{}, p.history...)
}
