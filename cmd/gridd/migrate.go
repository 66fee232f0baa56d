package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gridbase/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Apply pending Postgres migrations",
	GroupID: "admin",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("GRIDBASE_DATABASE_URL is required")
		}
		version, err := postgres.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if jsonOutput {
			data, err := json.Marshal(map[string]uint{"version": version})
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Schema at migration version %d\n", version)
		return nil
	},
}
