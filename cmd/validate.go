package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
)

// newValidateCmd creates the 'validate' subcommand. It never touches the
// network or the checkpoint store.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <case-list>",
		Short: "Checks case numbers without fetching them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := caseid.LoadArg(args[0])
			if err != nil {
				return &casefetch.ConfigurationError{Field: "cases", Reason: err.Error()}
			}
			valid, rejected := caseid.ParseAll(raw)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "valid:    %d\n", len(valid))
			fmt.Fprintf(out, "rejected: %d\n", len(rejected))
			for _, r := range rejected {
				fmt.Fprintf(out, "  %s\n", r)
			}
			return nil
		},
	}
}
