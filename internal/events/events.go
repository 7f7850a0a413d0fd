// Package events defines the one-way notification channel from the OAuth core
// to the frontend collaborator that performs token exchange.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgellow/oauth-loopback/internal/log"
)

// Event names delivered to the frontend.
const (
	FlowStarted             = "oauth-flow-started"
	StatusRequested         = "oauth-status-requested"
	AllStatusRequested      = "oauth-all-status-requested"
	LogoutRequested         = "oauth-logout-requested"
	ProvidersRequested      = "oauth-providers-requested"
	RefreshRequested        = "oauth-refresh-requested"
	FlowCompleted           = "oauth-flow-completed"
	Error                   = "oauth-error"
	ConfigValidationRequest = "oauth-config-validation-requested"
	ConfigStatusRequested   = "oauth-config-status-requested"
	ServerCallback          = "oauth-server-callback"
)

// Sink receives events. Implementations must not block for long and must be
// safe for concurrent use; delivery is best-effort and never fails the caller.
type Sink interface {
	Emit(name string, payload any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, payload any)

func (f SinkFunc) Emit(name string, payload any) {
	f(name, payload)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, any) {})

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(name string, payload any) {
	for _, s := range m {
		if s != nil {
			s.Emit(name, payload)
		}
	}
}

// LogSink logs every event at debug level.
type LogSink struct{}

func (LogSink) Emit(name string, payload any) {
	log.LogDebugWithFields("events", "Emitting event", map[string]any{
		"event": name,
	})
	log.LogTraceWithFields("events", "Event payload", map[string]any{
		"event":   name,
		"payload": payload,
	})
}

// Record is a single captured event.
type Record struct {
	Name    string
	Payload any
}

// Buffer records events in memory and lets callers wait for them.
type Buffer struct {
	mu      sync.Mutex
	records []Record
	notify  chan struct{}
}

// NewBuffer creates an empty event buffer.
func NewBuffer() *Buffer {
	return &Buffer{notify: make(chan struct{}, 1)}
}

func (b *Buffer) Emit(name string, payload any) {
	b.mu.Lock()
	b.records = append(b.records, Record{Name: name, Payload: payload})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Records returns a copy of everything recorded so far.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Named returns the recorded events with the given name.
func (b *Buffer) Named(name string) []Record {
	var out []Record
	for _, r := range b.Records() {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// Wait returns a channel signalled whenever a new event is recorded.
func (b *Buffer) Wait() <-chan struct{} {
	return b.notify
}

// ToParams converts a payload to a JSON object map, the shape notification
// transports carry. Payloads that do not encode to an object are wrapped
// under "value".
func ToParams(payload any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding event payload: %w", err)
	}

	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("decoding event payload: %w", err)
		}
		return map[string]any{"value": value}, nil
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
