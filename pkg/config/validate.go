package config

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
}

// Validate checks the configuration for errors. Struct tags cover the
// field-level rules; cross-field rules are checked explicitly.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level %q: must be one of DEBUG, INFO, WARN, ERROR", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("invalid log format %q: must be text or json", cfg.Logging.Format)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}

	if !cfg.Queue.InMemory && cfg.Queue.Path == "" {
		return fmt.Errorf("queue path is required")
	}

	if cfg.Uploads.CentralURL != "" {
		parsed, err := url.Parse(cfg.Uploads.CentralURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid central_nomad_url %q", cfg.Uploads.CentralURL)
		}
	}

	return nil
}
