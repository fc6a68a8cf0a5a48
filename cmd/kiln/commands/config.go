package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devkiln/kiln/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the kiln.cue configuration",
	}

	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration, registry and policies",
		Long: `Validate kiln.cue and everything it points at without contacting any
target.

This command checks:
  - CUE syntax and schema conformance
  - Field constraints such as SSH settings on ssh targets
  - Every manifest and profile in the registry
  - Rego policy modules compile`,
		Example: `  # Validate ./kiln.cue
  kiln config validate

  # Validate a directory of CUE files
  kiln config validate --config ./environments/ci`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := withSession(cmd, func(ctx context.Context, s *session) error {
				fmt.Fprintf(out, "✓ Configuration: %s\n", strings.Join(s.cfg.SourceFiles, ", "))
				fmt.Fprintf(out, "✓ Registry: %d extensions, %d profiles\n",
					s.manager.Registry().Len(), len(s.manager.Registry().Profiles()))
				fmt.Fprintf(out, "✓ Policies: %d loaded\n", len(s.manager.Policies()))
				fmt.Fprintf(out, "✓ Targets: %s\n", strings.Join(s.cfg.TargetNames(), ", "))
				return nil
			})
			if problems := config.Errors(err); len(problems) > 0 {
				for _, p := range problems {
					fmt.Fprintf(out, "✗ %s\n", p)
				}
			}
			return err
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
}
