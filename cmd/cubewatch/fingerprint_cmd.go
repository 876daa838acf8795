package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dskow/cubewatch/internal/fingerprint"
)

func newFingerprintCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "fingerprint <file>...",
		Short: "Print the xxh64 content fingerprint of files",
		Long: `Print the fingerprint cubewatch would compute for each file, in the same
hex form it logs. Useful for checking whether an edit will trigger a reload.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				fp := fingerprint.Sum(content)
				out := fp.String()
				if short {
					out = fp.Short()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", out, path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print the 8-character form used in change logs")
	return cmd
}
