package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devkiln/kiln/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <extension>",
		Short: "Check that an installed extension works",
		Long: `Run the validate hook and validation commands of an extension on the
target without changing the ledger.

This command checks:
  - The validate hook exits zero
  - Each validation command runs and its output matches the expected pattern`,
		Example: `  # Validate docker on the default target
  kiln validate docker

  # Validate on a remote target as JSON
  kiln validate python --target build-box --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				log.Info().Str("target", targetName).Str("extension", args[0]).Msg("Validating extension")

				res, err := s.manager.ValidateExtension(ctx, args[0], targetName)
				if res == nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					if perr := printJSON(out, res); perr != nil {
						return perr
					}
					return err
				}

				printChecks(out, res)
				return err
			})
		},
	}

	return cmd
}

func printChecks(w io.Writer, res *engine.ValidationResult) {
	for _, check := range res.Checks {
		mark := "✓"
		if !check.Passed {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s\n", mark, check.Name)
		if !check.Passed && check.Error != "" {
			fmt.Fprintf(w, "    %s\n", check.Error)
		}
	}
	verdict := "passed"
	if !res.Passed {
		verdict = "failed"
	}
	fmt.Fprintf(w, "\n%s on %s: %s (%d checks)\n", res.Extension, res.Target, verdict, len(res.Checks))
}
