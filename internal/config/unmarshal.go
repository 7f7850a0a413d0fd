package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// UnmarshalJSON parses the timeout as a duration string
func (c *CallbackConfig) UnmarshalJSON(data []byte) error {
	type rawCallback struct {
		DefaultPort int    `json:"defaultPort,omitempty"`
		Timeout     string `json:"timeout,omitempty"`
	}

	var raw rawCallback
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.DefaultPort = raw.DefaultPort
	c.Timeout = DefaultCallbackTimeout
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parsing timeout: %w", err)
		}
		c.Timeout = timeout
	}

	return nil
}

// MarshalJSON writes the timeout back as a duration string
func (c CallbackConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"defaultPort": c.DefaultPort,
		"timeout":     c.Timeout.String(),
	})
}

// UnmarshalJSON resolves the clientId reference
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		DisplayName      string          `json:"displayName,omitempty"`
		ClientID         json.RawMessage `json:"clientId,omitempty"`
		AuthorizationURL string          `json:"authorizationUrl"`
		Scopes           []string        `json:"scopes,omitempty"`
		CallbackPort     int             `json:"callbackPort,omitempty"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.DisplayName = raw.DisplayName
	p.AuthorizationURL = raw.AuthorizationURL
	p.Scopes = raw.Scopes
	p.CallbackPort = raw.CallbackPort

	if len(raw.ClientID) > 0 {
		parsed, err := ParseConfigValue(raw.ClientID)
		if err != nil {
			return fmt.Errorf("parsing clientId: %w", err)
		}
		p.ClientID = parsed.Value()
	}

	return nil
}
