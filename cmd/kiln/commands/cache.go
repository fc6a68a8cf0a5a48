package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the artifact cache",
	}

	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCacheFetchCommand())

	return cmd
}

func newCacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List verified cached artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				artifacts := s.manager.Distributor().Cached()
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, artifacts)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "NAME\tVERSION\tSHA256\tPATH")
				for _, a := range artifacts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.Version, a.Checksum, a.LocalPath)
				}
				return tw.Flush()
			})
		},
	}
}

func newCacheFetchCommand() *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "fetch [extension...]",
		Short: "Download and verify artifacts without installing",
		Long: `Download, checksum and signature-check the artifacts of a profile or
extension set, dependencies included, so a later install can run offline.`,
		Example: `  # Warm the cache for a profile
  kiln cache fetch --profile minimal`,
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
				for _, name := range plan.Order {
					m := plan.Manifests[name]
					if m.Source == nil {
						log.Debug().Str("extension", name).Msg("No artifact to fetch")
						continue
					}
					a, err := s.manager.Distributor().FetchManifest(ctx, m)
					if err != nil {
						return err
					}
					signed := ""
					if a.SignatureVerified {
						signed = " (signed)"
					}
					fmt.Fprintf(out, "✓ %-20s %s%s\n", a.Name, a.Checksum, signed)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile to fetch")

	return cmd
}

func newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose Prometheus metrics until interrupted",
		Long: `Serve the Prometheus endpoint configured under telemetry in kiln.cue.
Metrics must be enabled with telemetry: metrics: true.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				log.Info().Str("address", s.cfg.Telemetry.MetricsAddress).Msg("Serving metrics")
				return s.telemetry.Metrics.Serve(ctx)
			})
		},
	}
}
