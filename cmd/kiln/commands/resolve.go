package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newResolveCommand() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "resolve [extension...]",
		Short: "Show the install order of a profile or extension set",
		Long: `Resolve a profile, or the named extensions, into an install plan.

The plan lists every extension after all of its dependencies. Extensions on
the same level have no dependency path between them and may be installed in
parallel. Nothing is installed.`,
		Example: `  # Plan a profile
  kiln resolve --profile minimal

  # Plan extensions as JSON
  kiln resolve docker python --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSelection(profile, args); err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				plan, err := s.manager.Resolve(profile, args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, plan)
				}

				for i, name := range plan.Order {
					m := plan.Manifests[name]
					line := fmt.Sprintf("%3d. %-20s %s", i+1, name, m.Version)
					if deps := plan.Dependencies[name]; len(deps) > 0 {
						line += "  <- " + strings.Join(deps, ", ")
					}
					fmt.Fprintln(out, line)
				}
				fmt.Fprintf(out, "\n%d extensions in %d levels\n", len(plan.Order), len(plan.Levels))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile to resolve")

	return cmd
}

func newGraphCommand() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "graph [extension...]",
		Short: "Print the dependency graph in DOT format",
		Example: `  # Render a profile's graph with graphviz
  kiln graph --profile minimal | dot -Tsvg > minimal.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSelection(profile, args); err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *session) error {
				dot, err := s.manager.Graph(profile, args)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile to graph")

	return cmd
}
