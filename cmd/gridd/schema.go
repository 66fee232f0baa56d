package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store/postgres"
)

var schemaCmd = &cobra.Command{
	Use:     "schema",
	Short:   "Manage table and field definitions",
	GroupID: "admin",
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply <file.yaml>",
	Short: "Create or update tables and fields from a YAML schema document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := schema.ReadDocument(args[0])
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if dryRun {
			if err := doc.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tables valid\n", args[0], len(doc.Tables))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("GRIDBASE_DATABASE_URL is required")
		}
		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := schema.Apply(context.Background(), st, schema.NewLoader(st, slog.Default()), doc)
		if err != nil {
			return err
		}
		return printApplyResult(cmd.OutOrStdout(), res)
	},
}

func printApplyResult(w io.Writer, res *schema.ApplyResult) error {
	if jsonOutput {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	if res.IsEmpty() {
		fmt.Fprintln(w, "Schema up to date")
		return nil
	}
	for _, line := range []struct {
		label string
		ids   []string
	}{
		{"Created tables", res.CreatedTables},
		{"Created fields", res.CreatedFields},
		{"Updated fields", res.UpdatedFields},
	} {
		if len(line.ids) > 0 {
			fmt.Fprintf(w, "%s: %s\n", line.label, strings.Join(line.ids, ", "))
		}
	}
	return nil
}

func init() {
	schemaApplyCmd.Flags().Bool("dry-run", false, "validate the document without touching the database")
	schemaCmd.AddCommand(schemaApplyCmd)
}
