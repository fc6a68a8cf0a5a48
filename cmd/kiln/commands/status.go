package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installation status of a target",
		Long: `Show the current phase of every extension the target's ledger has seen,
or, with --profile, how much of a profile is installed.`,
		Example: `  # Everything known on the default target
  kiln status

  # Progress of a profile on a remote target
  kiln status --profile minimal --target build-box`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				out := cmd.OutOrStdout()

				if profile != "" {
					ps, err := s.manager.ProfileStatus(ctx, profile, targetName)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(out, ps)
					}
					fmt.Fprintf(out, "%s on %s: %d/%d installed (%.0f%%)\n",
						ps.Profile, ps.Target, ps.Installed, ps.Total, ps.Percent)
					if len(ps.Missing) > 0 {
						fmt.Fprintf(out, "missing: %s\n", strings.Join(ps.Missing, ", "))
					}
					if len(ps.Failed) > 0 {
						fmt.Fprintf(out, "failed:  %s\n", strings.Join(ps.Failed, ", "))
					}
					return nil
				}

				statuses, err := s.manager.Status(ctx, targetName)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, statuses)
				}
				if len(statuses) == 0 {
					fmt.Fprintf(out, "No extensions recorded on %s\n", targetName)
					return nil
				}

				tw := newTable(out)
				fmt.Fprintln(tw, "EXTENSION\tVERSION\tPHASE\tUPDATED\tERROR")
				for _, st := range statuses {
					phase := string(st.Phase)
					if st.FailedAt != "" {
						phase += " (at " + string(st.FailedAt) + ")"
					}
					version := st.Version
					if version == "" {
						version = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						st.Extension, version, phase, formatTime(st.LastEvent), st.ErrorCode)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "report progress of a profile")

	return cmd
}
