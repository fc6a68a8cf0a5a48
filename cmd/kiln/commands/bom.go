package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devkiln/kiln/pkg/bom"
)

func newBomCommand() *cobra.Command {
	var (
		format  string
		output  string
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "bom",
		Short: "Export the bill of materials of a target",
		Long: `Export every extension installed on the target, with version, category,
checksum and install time, as JSON, YAML or TOML.

The output is derived from the ledger alone, so repeated exports of an
unchanged target are identical.`,
		Example: `  # Print YAML
  kiln bom --format yaml

  # Write TOML to a file, format taken from the extension
  kiln bom --output bom.toml

  # Count extensions per category
  kiln bom --summary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" && !cmd.Flags().Changed("format") {
				if ext := strings.TrimPrefix(filepath.Ext(output), "."); ext != "" {
					format = ext
				}
			}
			if jsonOutput {
				format = bom.FormatJSON
			}

			return withSession(cmd, func(ctx context.Context, s *session) error {
				b, err := s.manager.GenerateBom(ctx, targetName)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				if summary {
					tw := newTable(out)
					fmt.Fprintln(tw, "CATEGORY\tCOUNT\tEXTENSIONS")
					for _, c := range bom.Summary(b) {
						fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Category, c.Count, strings.Join(c.Extensions, ", "))
					}
					return tw.Flush()
				}

				if output == "" {
					return bom.Write(out, b, format)
				}
				return writeFile(output, func(w io.Writer) error {
					return bom.Write(w, b, format)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", bom.FormatJSON, "output format: "+strings.Join(bom.Formats, ", "))
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&summary, "summary", false, "print counts per category")

	return cmd
}

// writeFile writes through a temporary file so a failed export never leaves
// a truncated file behind.
func writeFile(path string, fn func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Wrote bill of materials")
	return nil
}
