package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/api"
	"github.com/nomad-lab/nomad-core/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the NOMAD processing service",
	Long: `Start the NOMAD processing service with the specified configuration.

The service runs the processing scheduler and, when an auth secret is
configured, the HTTP upload API. It runs in the foreground until it
receives SIGINT or SIGTERM.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/nomad/config.yaml.

Examples:
  # Start with default config
  nomad start

  # Start with custom config file
  nomad start --config /etc/nomad/config.yaml

  # Start with environment variable overrides
  NOMAD_LOGGING_LEVEL=DEBUG nomad start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	core, err := config.BuildCore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}()

	// Starting the scheduler resurrects jobs interrupted by the previous
	// shutdown before new work is accepted.
	if err := core.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	logger.Info("Scheduler started", "workers", cfg.Process.Workers)

	var serverDone chan error
	if cfg.API.IsEnabled() {
		if core.Auth == nil {
			logger.Warn("API disabled: no auth secret configured (set NOMAD_API_AUTH_SECRET)")
		} else {
			server := api.NewServer(cfg.API, api.Dependencies{
				Controller: core.Controller,
				State:      core.State,
				Files:      core.Files,
				Auth:       core.Auth,
			})
			serverDone = make(chan error, 1)
			go func() {
				serverDone <- server.Start(ctx)
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Service is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if serverDone != nil {
			if err := <-serverDone; err != nil {
				logger.Error("API server shutdown error", "error", err)
			}
		}

	case err := <-serverDone:
		signal.Stop(sigChan)
		cancel()
		if err != nil {
			stopErr := core.Scheduler.Stop()
			if stopErr != nil {
				logger.Error("Scheduler shutdown error", "error", stopErr)
			}
			return err
		}
	}

	if err := core.Scheduler.Stop(); err != nil {
		logger.Error("Scheduler shutdown error", "error", err)
		return err
	}
	logger.Info("Service stopped gracefully")

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
