package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/installer"
)

func newInstallCommand() *cobra.Command {
	var (
		profile         string
		continueOnError bool
		parallelism     int
		overrides       []string
	)

	cmd := &cobra.Command{
		Use:   "install [extension...]",
		Short: "Install a profile or a set of extensions",
		Long: `Install a profile, or the named extensions, with all of their dependencies.

Extensions already installed at the requested version are re-validated and
skipped. Independent extensions are installed in parallel. When an extension
fails, everything depending on it is skipped as blocked unless
--continue-on-error is set.`,
		Example: `  # Install a profile on the default target
  kiln install --profile minimal

  # Install two extensions on an SSH target
  kiln install docker python --target build-box

  # Override a configuration variable
  kiln install --profile minimal --set python.PYTHON_VERSION=3.12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSelection(profile, args); err != nil {
				return err
			}
			vars, err := parseOverrides(overrides)
			if err != nil {
				return err
			}

			return withSession(cmd, func(ctx context.Context, s *session) error {
				opts := s.manager.DefaultOptions()
				opts.Overrides = vars
				if cmd.Flags().Changed("continue-on-error") {
					opts.ContinueOnError = continueOnError
				}
				if cmd.Flags().Changed("parallelism") {
					opts.Parallelism = parallelism
				}

				log.Info().
					Str("target", targetName).
					Str("profile", profile).
					Strs("extensions", args).
					Int("parallelism", opts.Parallelism).
					Msg("Installing")

				var report *engine.Report
				if profile != "" {
					report, err = s.manager.InstallProfile(ctx, profile, targetName, opts)
				} else {
					report, err = s.manager.InstallExtensions(ctx, args, targetName, opts)
				}
				if report != nil {
					if perr := printReport(cmd.OutOrStdout(), report); err == nil {
						err = perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile to install")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "attempt dependents of failed extensions")
	cmd.Flags().IntVar(&parallelism, "parallelism", installer.DefaultParallelism, "max concurrent installs")
	cmd.Flags().StringArrayVar(&overrides, "set", nil, "variable override as extension.NAME=VALUE")

	return cmd
}

func newUninstallCommand() *cobra.Command {
	var (
		profile string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "uninstall [extension...]",
		Short: "Remove a profile or a set of extensions",
		Long: `Remove a profile, or the named extensions, with their dependencies in
reverse install order.

Protected extensions are never removed. Without --force, an extension still
required by another installed extension is kept and the first failed removal
stops the rest.`,
		Example: `  # Remove a profile
  kiln uninstall --profile minimal

  # Remove docker even if something still depends on it
  kiln uninstall docker --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSelection(profile, args); err != nil {
				return err
			}

			return withSession(cmd, func(ctx context.Context, s *session) error {
				log.Info().
					Str("target", targetName).
					Str("profile", profile).
					Strs("extensions", args).
					Bool("force", force).
					Msg("Uninstalling")

				var (
					report *engine.Report
					err    error
				)
				if profile != "" {
					report, err = s.manager.UninstallProfile(ctx, profile, targetName, force)
				} else {
					report, err = s.manager.UninstallExtensions(ctx, args, targetName, force)
				}
				if report != nil {
					if perr := printReport(cmd.OutOrStdout(), report); err == nil {
						err = perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile to remove")
	cmd.Flags().BoolVar(&force, "force", false, "remove extensions still in use and keep going after failures")

	return cmd
}

func requireSelection(profile string, args []string) error {
	switch {
	case profile == "" && len(args) == 0:
		return engine.NewConfigError("specify --profile or at least one extension", nil).
			WithCode(engine.ErrCodeValidation)
	case profile != "" && len(args) > 0:
		return engine.NewConfigError("--profile and extension arguments are mutually exclusive", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// parseOverrides turns extension.NAME=VALUE flags into per-extension maps.
func parseOverrides(flags []string) (map[string]map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]string)
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		ext, name, dotted := strings.Cut(key, ".")
		if !ok || !dotted || ext == "" || name == "" {
			return nil, engine.NewConfigError(fmt.Sprintf("invalid override %q, want extension.NAME=VALUE", f), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if out[ext] == nil {
			out[ext] = make(map[string]string)
		}
		out[ext][name] = value
	}
	return out, nil
}
