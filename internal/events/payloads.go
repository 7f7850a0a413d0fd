package events

// OAuthTokens is the token set a frontend reports on completion. The core
// passes it through without interpreting it.
type OAuthTokens struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	ExpiresAt    string  `json:"expires_at"` // ISO 8601
	Scope        string  `json:"scope"`
	TokenType    string  `json:"token_type"`
}

// OAuthResult is the outcome of a flow as reported by the frontend.
type OAuthResult struct {
	Success          bool         `json:"success"`
	Provider         string       `json:"provider"`
	Tokens           *OAuthTokens `json:"tokens"`
	Error            *string      `json:"error"`
	ErrorDescription *string      `json:"error_description"`
}

// OAuthStatus describes a provider's authentication state.
type OAuthStatus struct {
	Provider        string  `json:"provider"`
	IsAuthenticated bool    `json:"is_authenticated"`
	ExpiresAt       *string `json:"expires_at"`
	LastRefresh     *string `json:"last_refresh"`
}

// OAuthProvider describes a provider known to the frontend.
type OAuthProvider struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Enabled     bool   `json:"enabled"`
}

type FlowStartedPayload struct {
	FlowID      string `json:"flow_id"`
	Provider    string `json:"provider"`
	ForceReauth bool   `json:"force_reauth"`
}

type ProviderPayload struct {
	Provider string `json:"provider"`
}

type LogoutPayload struct {
	Provider     string `json:"provider"`
	RevokeTokens bool   `json:"revoke_tokens"`
}

type FlowCompletedPayload struct {
	FlowID string      `json:"flow_id"`
	Result OAuthResult `json:"result"`
}

type ErrorPayload struct {
	FlowID           *string `json:"flow_id"`
	Error            string  `json:"error"`
	ErrorDescription *string `json:"error_description"`
}

// Empty is the payload of events that carry no data; it encodes as {}.
type Empty struct{}

// CallbackParams are the raw query parameters captured from a redirect.
type CallbackParams map[string]string
