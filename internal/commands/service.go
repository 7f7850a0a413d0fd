// Package commands is the command surface the application shell invokes.
// Commands that the frontend answers asynchronously emit a request event and
// return a placeholder.
package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/oauth-loopback/internal/callback"
	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/flow"
	"github.com/dgellow/oauth-loopback/internal/log"
)

// Service executes commands against a flow registry and starts callback
// listeners. It is safe for concurrent use.
type Service struct {
	registry *flow.Registry
	sink     events.Sink

	// baseCtx scopes listeners to the service lifetime rather than to the
	// request that started them.
	baseCtx         context.Context
	callbackTimeout time.Duration
	defaultPort     int

	mu        sync.Mutex
	listeners map[*callback.Listener]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithCallbackTimeout bounds how long started listeners wait.
func WithCallbackTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.callbackTimeout = d
	}
}

// WithDefaultPort sets the port StartDefaultServer binds.
func WithDefaultPort(port int) Option {
	return func(s *Service) {
		s.defaultPort = port
	}
}

// NewService creates a command service. Listeners started through it stop
// when ctx is cancelled.
func NewService(ctx context.Context, registry *flow.Registry, sink events.Sink, opts ...Option) *Service {
	if sink == nil {
		sink = events.Discard
	}
	s := &Service{
		registry:  registry,
		sink:      sink,
		baseCtx:   ctx,
		listeners: make(map[*callback.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying flow registry.
func (s *Service) Registry() *flow.Registry {
	return s.registry
}

// Authenticate begins a flow and returns its id.
func (s *Service) Authenticate(provider string, forceReauth bool) string {
	return s.registry.BeginFlow(provider, forceReauth)
}

// GetStatus asks the frontend for a provider's status. The returned value is a
// placeholder; the real status arrives through the frontend.
func (s *Service) GetStatus(provider string) events.OAuthStatus {
	s.sink.Emit(events.StatusRequested, events.ProviderPayload{Provider: provider})
	return events.OAuthStatus{Provider: provider, IsAuthenticated: false}
}

// GetAllStatus asks the frontend for every provider's status.
func (s *Service) GetAllStatus() []events.OAuthStatus {
	s.sink.Emit(events.AllStatusRequested, events.Empty{})
	return []events.OAuthStatus{}
}

// Logout asks the frontend to log out of provider.
func (s *Service) Logout(provider string, revokeTokens bool) bool {
	s.sink.Emit(events.LogoutRequested, events.LogoutPayload{
		Provider:     provider,
		RevokeTokens: revokeTokens,
	})
	return true
}

// GetProviders asks the frontend for its provider list.
func (s *Service) GetProviders() []events.OAuthProvider {
	s.sink.Emit(events.ProvidersRequested, events.Empty{})
	return []events.OAuthProvider{}
}

// RefreshTokens asks the frontend to refresh provider's tokens.
func (s *Service) RefreshTokens(provider string) bool {
	s.sink.Emit(events.RefreshRequested, events.ProviderPayload{Provider: provider})
	return true
}

// GetFlowStatus returns a flow's status, or nil when the flow is not active.
func (s *Service) GetFlowStatus(flowID string) *string {
	status, ok := s.registry.GetFlowStatus(flowID)
	if !ok {
		return nil
	}
	return &status
}

// UpdateFlowStatus sets a flow's status; unknown flows are ignored.
func (s *Service) UpdateFlowStatus(flowID, status string) {
	s.registry.UpdateFlowStatus(flowID, status)
}

// CompleteFlow ends a flow with result.
func (s *Service) CompleteFlow(flowID string, result events.OAuthResult) {
	s.registry.CompleteFlow(flowID, result)
}

// HandleError records an OAuth error reported by the frontend.
func (s *Service) HandleError(flowID *string, errMsg string, description *string) {
	s.registry.ReportError(flowID, errMsg, description)
}

// GetLastError returns the last reported error, or nil.
func (s *Service) GetLastError() *string {
	msg, ok := s.registry.LastError()
	if !ok {
		return nil
	}
	return &msg
}

// ClearErrors resets the last error.
func (s *Service) ClearErrors() {
	s.registry.ClearErrors()
}

// ValidateConfig asks the frontend to validate its provider configuration.
func (s *Service) ValidateConfig() bool {
	s.sink.Emit(events.ConfigValidationRequest, events.Empty{})
	return true
}

// GetConfigStatus asks the frontend which providers are configured.
func (s *Service) GetConfigStatus() map[string]bool {
	s.sink.Emit(events.ConfigStatusRequested, events.Empty{})
	return map[string]bool{}
}

// StartDefaultServer starts a callback listener on the configured default
// port, or on an ephemeral one when there is none.
func (s *Service) StartDefaultServer() (string, error) {
	return s.StartServer(s.defaultPort)
}

// StartServer binds a callback listener and returns its URL. Port 0 asks the
// OS for a free port.
func (s *Service) StartServer(port int) (string, error) {
	var opts []callback.Option
	if s.callbackTimeout > 0 {
		opts = append(opts, callback.WithTimeout(s.callbackTimeout))
	}

	l, err := callback.Start(s.baseCtx, port, s.sink, opts...)
	if err != nil {
		log.LogWarnWithFields("commands", "Callback server failed to start", map[string]any{
			"port":  port,
			"error": err.Error(),
		})
		return "", fmt.Errorf("starting callback server: %w", err)
	}

	s.track(l)
	return l.URL(), nil
}

// PendingListeners returns how many started listeners are still running.
func (s *Service) PendingListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Close stops every listener that is still waiting for a redirect.
func (s *Service) Close() {
	s.mu.Lock()
	pending := make([]*callback.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		pending = append(pending, l)
	}
	s.mu.Unlock()

	for _, l := range pending {
		_ = l.Close()
		<-l.Done()
	}
}

func (s *Service) track(l *callback.Listener) {
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-l.Done()
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()
}
