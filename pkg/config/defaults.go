package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(cfg)
	applyDeploymentDefaults(&cfg.Deployment)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	cfg.Database.ApplyDefaults()
	applyFilesDefaults(cfg)
	applyQueueDefaults(cfg)

	cfg.Process.ApplyDefaults()
	cfg.Uploads.ApplyDefaults()
	cfg.BundleImport.ApplyDefaults()
	cfg.API.ApplyDefaults()
}

func applyLoggingDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func applyDeploymentDefaults(cfg *DeploymentConfig) {
	if cfg.Name == "" {
		cfg.Name = "nomad"
	}
	// A generated id keeps bundle provenance working on installations
	// that never configured one, at the cost of changing on re-init.
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
}

// applyFilesDefaults roots the file areas under the data directory.
func applyFilesDefaults(cfg *Config) {
	dataDir := getDataDir()
	if cfg.Files.StagingRoot == "" {
		cfg.Files.StagingRoot = filepath.Join(dataDir, "staging")
	}
	if cfg.Files.PublicRoot == "" {
		cfg.Files.PublicRoot = filepath.Join(dataDir, "public")
	}
	if cfg.Files.TmpRoot == "" {
		cfg.Files.TmpRoot = filepath.Join(dataDir, "tmp")
	}
	cfg.Files.ApplyDefaults()
}

func applyQueueDefaults(cfg *Config) {
	if !cfg.Queue.InMemory && cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(getDataDir(), "queue")
	}
}

// GetDefaultConfig returns a Config with all default values applied.
// Useful for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
