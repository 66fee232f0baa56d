package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gridbase/internal/config"
	"github.com/alfredjeanlab/gridbase/internal/logging"
)

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "gridd <command>",
	Short:         "Gridbase record engine server and tools",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// loadConfig reads the configuration, honouring --config over
// GRIDBASE_CONFIG, and installs the configured default logger.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		os.Setenv("GRIDBASE_CONFIG", configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (overrides GRIDBASE_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
