package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/umuteyi/movliqbot/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Printing the version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "movliqbot %s\n", version.RichVersion())
			return err
		},
	}
}
