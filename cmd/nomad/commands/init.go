package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nomad-lab/nomad-core/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample NOMAD configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/nomad/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  nomad init

  # Initialize with custom path
  nomad init --config /etc/nomad/config.yaml

  # Force overwrite existing config
  nomad init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: nomad start")
	fmt.Printf("  3. Or specify custom config: nomad start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  The HTTP API stays disabled until an auth secret is configured.")
	fmt.Println("  Generate one and pass it through an environment variable:")
	fmt.Println("    # Generates a 64-character hex string (32 bytes of entropy)")
	fmt.Println("    export NOMAD_API_AUTH_SECRET=$(openssl rand -hex 32)")

	return nil
}
