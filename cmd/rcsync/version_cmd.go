package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/rcsync/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print rcsync version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.DetailedWithApp())
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(version.Get())
		},
	}

	cmd.Flags().Bool("json", false, "print version information as JSON")
	return cmd
}
