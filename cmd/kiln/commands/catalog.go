package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/manager"
	"github.com/devkiln/kiln/pkg/registry"
)

func newProfilesCommand() *cobra.Command {
	var withStatus bool

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the registry's profiles",
		Example: `  # List profiles
  kiln profiles

  # Include how much of each is installed on a target
  kiln profiles --status --target build-box`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				profiles := s.manager.Registry().Profiles()
				out := cmd.OutOrStdout()

				var statuses []*manager.ProfileStatus
				if withStatus {
					for _, p := range profiles {
						ps, err := s.manager.ProfileStatus(ctx, p.Name, targetName)
						if err != nil {
							return err
						}
						statuses = append(statuses, ps)
					}
				}

				if jsonOutput {
					if withStatus {
						return printJSON(out, statuses)
					}
					return printJSON(out, profiles)
				}

				tw := newTable(out)
				if withStatus {
					fmt.Fprintln(tw, "PROFILE\tINSTALLED\tEXTENSIONS")
					for i, p := range profiles {
						ps := statuses[i]
						fmt.Fprintf(tw, "%s\t%d/%d (%.0f%%)\t%s\n", p.Name, ps.Installed, ps.Total, ps.Percent, strings.Join(p.Extensions, ", "))
					}
				} else {
					fmt.Fprintln(tw, "PROFILE\tDESCRIPTION\tEXTENSIONS")
					for _, p := range profiles {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Description, strings.Join(p.Extensions, ", "))
					}
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&withStatus, "status", false, "show installation progress on the target")

	return cmd
}

func newExtensionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "extensions",
		Aliases: []string{"ext"},
		Short:   "Browse the extension registry",
	}

	cmd.AddCommand(newExtensionsListCommand())
	cmd.AddCommand(newExtensionsSearchCommand())
	cmd.AddCommand(newExtensionsShowCommand())

	return cmd
}

func newExtensionsListCommand() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extensions, optionally of one category",
		Example: `  # Everything
  kiln extensions list

  # Only languages
  kiln extensions list --category languages`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				var filter registry.Filter
				if category != "" {
					filter = registry.ByCategory(category)
				}
				return printManifests(cmd, slices.Collect(s.manager.Registry().List(filter)))
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "only extensions of this category")

	return cmd
}

func newExtensionsSearchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search extension names, descriptions and categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				return printManifests(cmd, s.manager.Registry().Search(args[0]))
			})
		},
	}
}

func newExtensionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <extension>",
		Short: "Show the manifest of an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				m, ok := s.manager.Registry().Get(args[0])
				if !ok {
					return engine.NewConfigError(fmt.Sprintf("extension %q not found", args[0]), engine.ErrNotFound).
						WithCode(engine.ErrCodeNotFound).
						WithResource(args[0])
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, m)
				}

				tw := newTable(out)
				fmt.Fprintf(tw, "Name:\t%s\n", m.Name)
				fmt.Fprintf(tw, "Version:\t%s\n", m.Version)
				fmt.Fprintf(tw, "Category:\t%s\n", m.Category)
				if m.Description != "" {
					fmt.Fprintf(tw, "Description:\t%s\n", m.Description)
				}
				if deps := m.DependencyNames(); len(deps) > 0 {
					fmt.Fprintf(tw, "Depends on:\t%s\n", strings.Join(deps, ", "))
				}
				if conflicts := s.manager.Registry().Conflicts(m.Name); len(conflicts) > 0 {
					fmt.Fprintf(tw, "Conflicts:\t%s\n", strings.Join(conflicts, ", "))
				}
				if m.Protected {
					fmt.Fprintf(tw, "Protected:\tyes\n")
				}
				r := m.Requirements
				fmt.Fprintf(tw, "Requires:\t%d MB memory, %d MB disk, ~%s install", r.MemoryMB, r.DiskMB, r.InstallTime)
				if r.GPU {
					fmt.Fprint(tw, ", GPU")
				}
				fmt.Fprintln(tw)
				if m.Source != nil {
					fmt.Fprintf(tw, "Source:\t%s\n", m.Source.URL)
				}
				fmt.Fprintf(tw, "Manifest:\t%s\n", m.File)
				return tw.Flush()
			})
		},
	}
}

func printManifests(cmd *cobra.Command, manifests []engine.ExtensionManifest) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, manifests)
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "NAME\tVERSION\tCATEGORY\tDESCRIPTION")
	for _, m := range manifests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.Version, m.Category, m.Description)
	}
	return tw.Flush()
}
