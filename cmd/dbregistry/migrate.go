package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasew/dbregistry"
	"github.com/lucasew/dbregistry/internal/errutil"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <url>",
	Short: "Applies golang-migrate migrations to a database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := cmd.Flags().GetString("source")
		if err != nil {
			return err
		}

		cfg, err := registryConfig()
		if err != nil {
			return err
		}
		engines, err := dbregistry.New(cfg)
		if err != nil {
			return err
		}
		defer func() {
			errutil.ReportError(engines.Close(), "Failed to close engines")
		}()

		e, err := engines.GetOrCreateLocked(cmd.Context(), args[0], dbregistry.WithMigrations(source))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", e.Key.Redacted())
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("source", "file://migrations", "golang-migrate source URL")
}
