package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/oauth-loopback/internal/log"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config bytes
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, SupportedVersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	// Start from defaults so omitted sections keep them
	config := Default()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if err := validatePort(config.Callback.DefaultPort); err != nil {
		return fmt.Errorf("callback.defaultPort: %w", err)
	}
	if config.Callback.Timeout < 0 {
		return fmt.Errorf("callback.timeout cannot be negative")
	}
	if config.Callback.Timeout == 0 {
		log.LogWarn("Callback timeout is 0 - listeners wait for a redirect until the process exits")
	}
	if config.LogLevel != "" {
		switch strings.ToLower(config.LogLevel) {
		case "error", "warn", "warning", "info", "debug", "trace":
		default:
			return fmt.Errorf("invalid logLevel: %s", config.LogLevel)
		}
	}

	for name, provider := range config.Providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	if config.Browser.Open && len(config.Providers) == 0 {
		log.LogWarn("browser.open is set but no providers are configured - nothing will be opened")
	}

	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

func validateProvider(name string, provider *ProviderConfig) error {
	if provider == nil {
		return fmt.Errorf("provider %s has no configuration", name)
	}
	if provider.AuthorizationURL == "" {
		return fmt.Errorf("provider %s must have authorizationUrl", name)
	}
	u, err := url.Parse(provider.AuthorizationURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %s has invalid authorizationUrl: %s", name, provider.AuthorizationURL)
	}
	if provider.ClientID == "" {
		return fmt.Errorf("provider %s must have clientId", name)
	}
	if err := validatePort(provider.CallbackPort); err != nil {
		return fmt.Errorf("provider %s callbackPort: %w", name, err)
	}
	return nil
}
