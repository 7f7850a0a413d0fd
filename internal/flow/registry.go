// Package flow tracks in-flight OAuth authorization flows and the most recent
// OAuth error reported by the frontend.
package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/log"
)

// StatusInitiated is the status of a freshly started flow.
const StatusInitiated = "initiated"

// Flow is one in-progress authorization attempt.
type Flow struct {
	ID        string    `json:"flow_id"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
}

// Registry is the concurrency-safe table of active flows plus a single
// last-error slot. Events are emitted after the lock is released.
type Registry struct {
	mu        sync.Mutex
	flows     map[string]*Flow
	lastError *string

	sink  events.Sink
	now   func() time.Time
	newID func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for StartedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator overrides flow id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// NewRegistry creates an empty registry that reports to sink.
func NewRegistry(sink events.Sink, opts ...Option) *Registry {
	if sink == nil {
		sink = events.Discard
	}
	r := &Registry{
		flows: make(map[string]*Flow),
		sink:  sink,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginFlow records a new flow for provider and asks the frontend to open the
// provider's authorization page. Flows are not deduplicated by provider.
func (r *Registry) BeginFlow(provider string, forceReauth bool) string {
	f := &Flow{
		ID:        r.newID(),
		Provider:  provider,
		StartedAt: r.now(),
		Status:    StatusInitiated,
	}

	r.mu.Lock()
	r.flows[f.ID] = f
	active := len(r.flows)
	r.mu.Unlock()

	log.LogInfoWithFields("flow", "OAuth flow started", map[string]any{
		"flow_id":      f.ID,
		"provider":     provider,
		"force_reauth": forceReauth,
		"active":       active,
	})

	r.sink.Emit(events.FlowStarted, events.FlowStartedPayload{
		FlowID:      f.ID,
		Provider:    provider,
		ForceReauth: forceReauth,
	})

	return f.ID
}

// GetFlowStatus returns the status of a flow. Unknown, completed and
// abandoned flows all report false.
func (r *Registry) GetFlowStatus(flowID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flows[flowID]
	if !ok {
		return "", false
	}
	return f.Status, true
}

// Flow returns a copy of the flow record.
func (r *Registry) Flow(flowID string) (Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flows[flowID]
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// Flows returns a snapshot of all active flows, oldest first.
func (r *Registry) Flows() []Flow {
	r.mu.Lock()
	out := make([]Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, *f)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of active flows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// UpdateFlowStatus overwrites the status of an existing flow. Unknown ids are
// ignored.
func (r *Registry) UpdateFlowStatus(flowID, status string) {
	r.mu.Lock()
	f, ok := r.flows[flowID]
	if ok {
		f.Status = status
	}
	r.mu.Unlock()

	if !ok {
		log.LogDebugWithFields("flow", "Status update for unknown flow ignored", map[string]any{
			"flow_id": flowID,
		})
		return
	}

	log.LogDebugWithFields("flow", "OAuth flow status updated", map[string]any{
		"flow_id": flowID,
		"status":  status,
	})
}

// CompleteFlow removes the flow, whether or not it exists, and broadcasts the
// result.
func (r *Registry) CompleteFlow(flowID string, result events.OAuthResult) {
	r.mu.Lock()
	_, existed := r.flows[flowID]
	delete(r.flows, flowID)
	r.mu.Unlock()

	log.LogInfoWithFields("flow", "OAuth flow completed", map[string]any{
		"flow_id": flowID,
		"success": result.Success,
		"known":   existed,
	})

	r.sink.Emit(events.FlowCompleted, events.FlowCompletedPayload{
		FlowID: flowID,
		Result: result,
	})
}

// ReportError records errMsg as the last error. A non-nil flowID abandons
// that flow. The error event is emitted regardless of whether the flow existed.
func (r *Registry) ReportError(flowID *string, errMsg string, description *string) {
	r.mu.Lock()
	msg := errMsg
	r.lastError = &msg
	if flowID != nil {
		delete(r.flows, *flowID)
	}
	r.mu.Unlock()

	fields := map[string]any{"error": errMsg}
	if flowID != nil {
		fields["flow_id"] = *flowID
	}
	if description != nil {
		fields["error_description"] = *description
	}
	log.LogWarnWithFields("flow", "OAuth error reported", fields)

	r.sink.Emit(events.Error, events.ErrorPayload{
		FlowID:           flowID,
		Error:            errMsg,
		ErrorDescription: description,
	})
}

// LastError returns the most recently reported error.
func (r *Registry) LastError() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastError == nil {
		return "", false
	}
	return *r.lastError, true
}

// ClearErrors resets the last-error slot.
func (r *Registry) ClearErrors() {
	r.mu.Lock()
	r.lastError = nil
	r.mu.Unlock()
}
