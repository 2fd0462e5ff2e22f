package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasew/dbregistry/internal/dburl"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize <url>...",
	Short: "Prints the registry key of each URL",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		redact, err := cmd.Flags().GetBool("redact")
		if err != nil {
			return err
		}
		for _, raw := range args {
			key, err := dburl.Normalize(raw)
			if err != nil {
				return err
			}
			out := key.String()
			if redact {
				out = key.Redacted()
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), out); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(normalizeCmd)
	normalizeCmd.Flags().Bool("redact", true, "Hide passwords in the output")
}
