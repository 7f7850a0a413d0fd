package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/oauth-loopback/internal"
	"github.com/dgellow/oauth-loopback/internal/config"
	"github.com/dgellow/oauth-loopback/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version":  "v0.1.0",
		"name":     "oauth-loopback",
		"logLevel": "info",
		"callback": map[string]any{
			"defaultPort": 8765,
			"timeout":     "5m",
		},
		"browser": map[string]any{
			"open": false,
		},
		"providers": map[string]any{
			"github": map[string]any{
				"displayName":      "GitHub",
				"clientId":         map[string]string{"$env": "GITHUB_CLIENT_ID"},
				"authorizationUrl": "https://github.com/login/oauth/authorize",
				"scopes":           []string{"read:user", "user:email"},
			},
			"google": map[string]any{
				"displayName":      "Google",
				"clientId":         map[string]string{"$env": "GOOGLE_CLIENT_ID"},
				"authorizationUrl": "https://accounts.google.com/o/oauth2/v2/auth",
				"scopes":           []string{"openid", "email", "profile"},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (optional, built-in defaults when empty)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	cfg := config.Default()
	if *conf != "" {
		loaded, err := config.Load(*conf)
		if err != nil {
			log.LogError("Failed to load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// LOG_LEVEL wins over the config file.
	if os.Getenv("LOG_LEVEL") == "" && cfg.LogLevel != "" {
		if err := log.SetLogLevel(cfg.LogLevel); err != nil {
			log.LogWarn("Ignoring config log level: %v", err)
		}
	}

	log.LogInfoWithFields("main", "Starting oauth-loopback", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	app := internal.NewApp(context.Background(), cfg, BuildVersion)
	if err := app.Run(); err != nil {
		log.LogError("Application stopped with error: %v", err)
		os.Exit(1)
	}
}
