package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var bashStyleRegex = regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes validates raw config JSON without resolving env vars
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("version field is required. Hint: Add \"version\": \"%s\"", SupportedVersionPrefix),
		})
	} else if !strings.HasPrefix(version, SupportedVersionPrefix) {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("unsupported version '%s' - use '%s'", version, SupportedVersionPrefix),
		})
	}

	if callback, ok := rawConfig["callback"]; ok {
		validateCallbackStructure(callback, result)
	}

	if browser, ok := rawConfig["browser"]; ok {
		b, isMap := browser.(map[string]any)
		if !isMap {
			result.Errors = append(result.Errors, ValidationError{Path: "browser", Message: "browser must be an object"})
		} else if open, has := b["open"]; has {
			if _, isBool := open.(bool); !isBool {
				result.Errors = append(result.Errors, ValidationError{Path: "browser.open", Message: "open must be true or false"})
			}
		}
	}

	if providers, ok := rawConfig["providers"]; ok {
		validateProvidersStructure(providers, result)
	}

	return result
}

// validateCallbackStructure checks the callback listener section
func validateCallbackStructure(value any, result *ValidationResult) {
	callback, ok := value.(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "callback",
			Message: "callback must be an object",
		})
		return
	}

	if port, ok := callback["defaultPort"]; ok {
		validatePortValue(port, "callback.defaultPort", result)
	}

	if timeout, ok := callback["timeout"]; ok {
		s, isString := timeout.(string)
		if !isString {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "callback.timeout",
				Message: "timeout must be a duration string. Example: \"5m\"",
			})
			return
		}
		d, err := time.ParseDuration(s)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, ValidationError{
				Path:    "callback.timeout",
				Message: fmt.Sprintf("invalid duration '%s': %v", s, err),
			})
		case d < 0:
			result.Errors = append(result.Errors, ValidationError{
				Path:    "callback.timeout",
				Message: "timeout cannot be negative",
			})
		case d == 0:
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    "callback.timeout",
				Message: "timeout of 0 lets an unanswered listener hold its port until the process exits",
			})
		}
	}
}

// validateProvidersStructure checks each provider entry
func validateProvidersStructure(value any, result *ValidationResult) {
	providers, ok := value.(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "providers",
			Message: "providers must be an object keyed by provider name",
		})
		return
	}

	for name, raw := range providers {
		path := "providers." + name
		provider, ok := raw.(map[string]any)
		if !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    path,
				Message: "provider must be an object",
			})
			continue
		}

		if u, ok := provider["authorizationUrl"].(string); !ok || u == "" {
			result.Errors = append(result.Errors, ValidationError{
				Path:    path + ".authorizationUrl",
				Message: "authorizationUrl is required. Example: \"https://github.com/login/oauth/authorize\"",
			})
		}

		clientID, ok := provider["clientId"]
		if !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    path + ".clientId",
				Message: "clientId is required. Use a string or {\"$env\": \"CLIENT_ID_VAR\"}",
			})
		} else if err := validateValueReference(clientID, "clientId", path+".clientId"); err != nil {
			result.Errors = append(result.Errors, *err)
		}

		if port, ok := provider["callbackPort"]; ok {
			validatePortValue(port, path+".callbackPort", result)
		}

		if scopes, ok := provider["scopes"]; ok {
			if _, isList := scopes.([]any); !isList {
				result.Errors = append(result.Errors, ValidationError{
					Path:    path + ".scopes",
					Message: "scopes must be a list of strings",
				})
			}
		}
	}
}

func validatePortValue(value any, path string, result *ValidationResult) {
	n, ok := value.(float64)
	if !ok || n != float64(int(n)) {
		result.Errors = append(result.Errors, ValidationError{
			Path:    path,
			Message: "port must be an integer",
		})
		return
	}
	if err := validatePort(int(n)); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Path:    path,
			Message: err.Error(),
		})
	}
}

// validateValueReference accepts a plain string or an env reference
func validateValueReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		return nil
	case map[string]any:
		envVar, hasEnv := v["$env"]
		if !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format, not %v", fieldName, v),
			}
		}
		if _, isString := envVar.(string); !isString {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s $env must name a variable", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be a string or {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName),
			})
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
