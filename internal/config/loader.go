package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CheckExtension enforces the file-extension contract from the
// configuration surface: ".yaml" is accepted outright, ".yml" is accepted
// but reported back as a warning (callers should log it), and anything
// else is rejected outright. An empty path (no config file supplied) is
// not an error — the caller falls back to defaults.
func CheckExtension(path string) (warn string, err error) {
	if path == "" {
		return "", nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml":
		return "", nil
	case ".yml":
		return fmt.Sprintf("config file %q uses the .yml extension; prefer .yaml", path), nil
	default:
		return "", fmt.Errorf("config file %q: unsupported extension, expected .yaml or .yml", path)
	}
}

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns an empty Config with no errors
// (the caller is expected to layer it over Defaults()).
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid entries stripped
// plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return &Config{}, nil
	}

	// Expand ${ENV_VAR} references before parsing YAML.
	data = []byte(os.Expand(string(data), os.Getenv))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	var validationErrors []error

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		validationErrors = append(validationErrors, fmt.Errorf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
		cfg.Server.Port = 0
	}

	if cfg.Controller.SleepinessDurationSeconds < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("controller.sleepiness_duration: must be non-negative, got %d", cfg.Controller.SleepinessDurationSeconds))
		cfg.Controller.SleepinessDurationSeconds = 0
	}
	if cfg.Controller.RefreshIntervalSeconds < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("controller.refresh_interval: must be non-negative, got %d", cfg.Controller.RefreshIntervalSeconds))
		cfg.Controller.RefreshIntervalSeconds = 0
	}

	seen := make(map[string]struct{}, len(cfg.Targets.IncludeNamespaces))
	for _, ns := range cfg.Targets.IncludeNamespaces {
		seen[strings.TrimSpace(ns)] = struct{}{}
	}
	for _, ns := range cfg.Targets.ExcludeNamespaces {
		if _, dup := seen[strings.TrimSpace(ns)]; dup {
			validationErrors = append(validationErrors, fmt.Errorf("targets.excludeNamespaces: namespace %q also present in includeNamespaces", ns))
		}
	}

	if cfg.Notifications != nil {
		validAdapters := make([]AdapterConfig, 0, len(cfg.Notifications.Adapters))
		seenNames := make(map[string]struct{}, len(cfg.Notifications.Adapters))
		for i, a := range cfg.Notifications.Adapters {
			valid := true
			name := strings.TrimSpace(a.Name)
			if name == "" {
				validationErrors = append(validationErrors, fmt.Errorf("notifications.adapters[%d].name: required field missing", i))
				valid = false
			}
			if _, dup := seenNames[name]; name != "" && dup {
				validationErrors = append(validationErrors, fmt.Errorf("notifications.adapters[%d].name: duplicate adapter name %q", i, name))
				valid = false
			}
			switch a.Type {
			case "webhook":
				rawURL := strings.TrimSpace(a.URL)
				if rawURL == "" {
					validationErrors = append(validationErrors, fmt.Errorf("notifications.adapters[%d].url: required field missing", i))
					valid = false
				} else if parsed, err := url.Parse(rawURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
					validationErrors = append(validationErrors, fmt.Errorf("notifications.adapters[%d].url: invalid URL %q", i, rawURL))
					valid = false
				}
			default:
				validationErrors = append(validationErrors, fmt.Errorf("notifications.adapters[%d].type: unknown adapter type %q", i, a.Type))
				valid = false
			}
			if valid {
				seenNames[name] = struct{}{}
				validAdapters = append(validAdapters, a)
			}
		}
		cfg.Notifications.Adapters = validAdapters
	}

	if cfg.History.Path != "" && strings.TrimSpace(cfg.History.Path) == "" {
		validationErrors = append(validationErrors, fmt.Errorf("history.path: must not be blank"))
		cfg.History.Path = ""
	}
	if cfg.History.RetentionDays < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("history.retentionDays: must be non-negative, got %d", cfg.History.RetentionDays))
		cfg.History.RetentionDays = 0
	}

	return &cfg, validationErrors
}

// Merge layers override onto base: any field left at its zero value in
// override falls back to base's value. Used to apply Defaults() first,
// then a loaded file, then CLI flags.
func Merge(base, override Config) Config {
	merged := base

	if override.Server.Port != 0 {
		merged.Server.Port = override.Server.Port
	}
	if override.Controller.SleepinessDurationSeconds != 0 {
		merged.Controller.SleepinessDurationSeconds = override.Controller.SleepinessDurationSeconds
	}
	if override.Controller.RefreshIntervalSeconds != 0 {
		merged.Controller.RefreshIntervalSeconds = override.Controller.RefreshIntervalSeconds
	}
	if len(override.Targets.IncludeNamespaces) > 0 {
		merged.Targets.IncludeNamespaces = override.Targets.IncludeNamespaces
	}
	if len(override.Targets.ExcludeNamespaces) > 0 {
		merged.Targets.ExcludeNamespaces = override.Targets.ExcludeNamespaces
	}
	if override.Notifications != nil {
		merged.Notifications = override.Notifications
	}
	if override.History.Path != "" {
		merged.History.Path = override.History.Path
	}
	if override.History.RetentionDays != 0 {
		merged.History.RetentionDays = override.History.RetentionDays
	}

	return merged
}
