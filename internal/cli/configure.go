package cli

import (
	"fmt"
	"os"

	"github.com/harun/vocera/internal/config"
	"github.com/spf13/cobra"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write a starter configuration file with defaults.
Edit the file afterwards to set the remote endpoint, system prompt,
global parameters, and tool catalog. A running daemon picks up edits
without a restart.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing configuration file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath, err := loader.Path()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.SystemPrompt = "You are a helpful voice assistant."

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration saved to: %s\n", configPath)
	cmd.Println("\nSet remote.url and add tools, then start Vocera with: vocera start")

	return nil
}
