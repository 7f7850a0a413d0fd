package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SupportedVersionPrefix is the config version prefix this build understands.
const SupportedVersionPrefix = "v0.1"

// DefaultCallbackTimeout bounds how long a callback listener waits for the
// provider redirect when the config does not say otherwise.
const DefaultCallbackTimeout = 5 * time.Minute

// Config is the root configuration
type Config struct {
	Version   string                     `json:"version"`
	Name      string                     `json:"name,omitempty"`
	LogLevel  string                     `json:"logLevel,omitempty"`
	Callback  CallbackConfig             `json:"callback"`
	Browser   BrowserConfig              `json:"browser"`
	Providers map[string]*ProviderConfig `json:"providers,omitempty"`
}

// CallbackConfig configures loopback callback listeners
type CallbackConfig struct {
	// DefaultPort is used when a start request does not name a port.
	DefaultPort int `json:"defaultPort,omitempty"`
	// Timeout stops a listener that never receives the redirect. Zero waits
	// for as long as the process runs.
	Timeout time.Duration `json:"-"`
}

// BrowserConfig controls whether the process opens authorization pages itself
type BrowserConfig struct {
	Open bool `json:"open"`
}

// ProviderConfig describes an identity provider well enough to build its
// authorization URL. Token exchange is left to the frontend.
type ProviderConfig struct {
	DisplayName      string   `json:"displayName,omitempty"`
	ClientID         string   `json:"-"`
	AuthorizationURL string   `json:"authorizationUrl"`
	Scopes           []string `json:"scopes,omitempty"`
	CallbackPort     int      `json:"callbackPort,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Version:  SupportedVersionPrefix,
		Name:     "oauth-loopback",
		LogLevel: "info",
		Callback: CallbackConfig{
			Timeout: DefaultCallbackTimeout,
		},
	}
}

// RawConfigValue is a config value that may come from the environment
type RawConfigValue struct {
	value string
}

// Value returns the resolved value.
func (r *RawConfigValue) Value() string {
	return r.value
}

// ParseConfigValue parses a plain string or a {"$env": "VAR"} reference.
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value}, nil
}
