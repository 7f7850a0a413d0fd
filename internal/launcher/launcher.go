// Package launcher opens a provider's authorization page when a flow starts,
// for providers the process has been configured to know about.
package launcher

import (
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/dgellow/oauth-loopback/internal/callback"
	"github.com/dgellow/oauth-loopback/internal/config"
	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/log"
)

// Opener opens a URL for the user.
type Opener func(url string) error

// Launcher is an events.Sink reacting to flow-started events. Providers it
// has no configuration for are left to the frontend.
type Launcher struct {
	providers   map[string]*config.ProviderConfig
	defaultPort int
	open        Opener
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithOpener replaces the system browser.
func WithOpener(open Opener) Option {
	return func(l *Launcher) {
		l.open = open
	}
}

// WithDefaultPort sets the callback port used for providers that do not
// name their own.
func WithDefaultPort(port int) Option {
	return func(l *Launcher) {
		l.defaultPort = port
	}
}

// New creates a launcher for the configured providers.
func New(providers map[string]*config.ProviderConfig, opts ...Option) *Launcher {
	l := &Launcher{
		providers: providers,
		open:      browser.OpenURL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AuthorizationURL builds the authorization URL for a flow. The flow id is
// used as the state parameter so the callback can be correlated.
func (l *Launcher) AuthorizationURL(flowID, provider string, forceReauth bool) (string, bool) {
	p, ok := l.providers[provider]
	if !ok || p == nil {
		return "", false
	}

	cfg := &oauth2.Config{
		ClientID: p.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL: p.AuthorizationURL,
		},
		Scopes: p.Scopes,
	}

	port := p.CallbackPort
	if port == 0 {
		port = l.defaultPort
	}
	if port != 0 {
		cfg.RedirectURL = callback.URLFor(port)
	}

	var opts []oauth2.AuthCodeOption
	if forceReauth {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}

	return cfg.AuthCodeURL(flowID, opts...), true
}

// Emit implements events.Sink.
func (l *Launcher) Emit(name string, payload any) {
	if name != events.FlowStarted {
		return
	}
	started, ok := payload.(events.FlowStartedPayload)
	if !ok {
		return
	}

	authURL, ok := l.AuthorizationURL(started.FlowID, started.Provider, started.ForceReauth)
	if !ok {
		log.LogDebugWithFields("launcher", "No provider configuration, leaving browser launch to frontend", map[string]any{
			"provider": started.Provider,
		})
		return
	}

	go func() {
		log.LogInfoWithFields("launcher", "Opening browser", map[string]any{
			"provider": started.Provider,
			"flow_id":  started.FlowID,
		})
		if err := l.open(authURL); err != nil {
			log.LogWarnWithFields("launcher", "Failed to open browser", map[string]any{
				"provider": started.Provider,
				"error":    err.Error(),
				"url":      authURL,
			})
		}
	}()
}
