package launcher

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/oauth-loopback/internal/config"
	"github.com/dgellow/oauth-loopback/internal/events"
)

func testProviders() map[string]*config.ProviderConfig {
	return map[string]*config.ProviderConfig{
		"github": {
			ClientID:         "gh-client",
			AuthorizationURL: "https://github.com/login/oauth/authorize",
			Scopes:           []string{"repo", "gist"},
			CallbackPort:     8765,
		},
		"gitlab": {
			ClientID:         "gl-client",
			AuthorizationURL: "https://gitlab.com/oauth/authorize",
		},
	}
}

func TestAuthorizationURL(t *testing.T) {
	l := New(testProviders(), WithDefaultPort(9000))

	raw, ok := l.AuthorizationURL("flow-1", "github", false)
	require.True(t, ok)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "github.com", u.Host)
	q := u.Query()
	assert.Equal(t, "gh-client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "flow-1", q.Get("state"))
	assert.Equal(t, "repo gist", q.Get("scope"))
	assert.Equal(t, "http://127.0.0.1:8765/callback", q.Get("redirect_uri"))
	assert.Empty(t, q.Get("prompt"))
}

func TestAuthorizationURL_DefaultPortAndReauth(t *testing.T) {
	l := New(testProviders(), WithDefaultPort(9000))

	raw, ok := l.AuthorizationURL("flow-2", "gitlab", true)
	require.True(t, ok)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/callback", u.Query().Get("redirect_uri"))
	assert.Equal(t, "consent", u.Query().Get("prompt"))
}

func TestAuthorizationURL_NoPortOmitsRedirect(t *testing.T) {
	l := New(testProviders())

	raw, ok := l.AuthorizationURL("flow-3", "gitlab", false)
	require.True(t, ok)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.False(t, u.Query().Has("redirect_uri"))
}

func TestAuthorizationURL_UnknownProvider(t *testing.T) {
	l := New(testProviders())
	_, ok := l.AuthorizationURL("flow", "dropbox", false)
	assert.False(t, ok)
}

func TestEmit_OpensBrowserForConfiguredProvider(t *testing.T) {
	opened := make(chan string, 1)
	l := New(testProviders(), WithOpener(func(u string) error {
		opened <- u
		return nil
	}))

	l.Emit(events.FlowStarted, events.FlowStartedPayload{FlowID: "f1", Provider: "github"})

	select {
	case u := <-opened:
		assert.Contains(t, u, "state=f1")
	case <-time.After(2 * time.Second):
		t.Fatal("browser was not opened")
	}
}

func TestEmit_IgnoresOtherEventsAndProviders(t *testing.T) {
	opened := make(chan string, 4)
	l := New(testProviders(), WithOpener(func(u string) error {
		opened <- u
		return errors.New("no display")
	}))

	l.Emit(events.FlowCompleted, events.FlowCompletedPayload{FlowID: "f1"})
	l.Emit(events.FlowStarted, events.FlowStartedPayload{FlowID: "f2", Provider: "dropbox"})
	l.Emit(events.FlowStarted, "not a payload")

	select {
	case u := <-opened:
		t.Fatalf("unexpected open of %s", u)
	case <-time.After(100 * time.Millisecond):
	}
}
