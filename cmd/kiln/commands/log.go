package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/ledger"
)

// followPoll rereads the ledger even without file events, for filesystems
// that do not deliver them.
const followPoll = 2 * time.Second

func newLogCommand() *cobra.Command {
	var (
		extension string
		runID     string
		follow    bool
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the ledger of a target",
		Long: `Print lifecycle events from the target's ledger in the order they were
recorded. With --follow, keep printing events appended by other kiln
processes until interrupted.`,
		Example: `  # Full history of docker
  kiln log --extension docker

  # Watch an install running in another terminal
  kiln log --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				filter := ledger.Filter{Extension: extension, RunID: runID}
				out := cmd.OutOrStdout()

				last, err := printEvents(ctx, s, out, filter)
				if err != nil || !follow {
					return err
				}
				filter.AfterSeq = last
				return followLedger(ctx, s, out, filter)
			})
		},
	}

	cmd.Flags().StringVarP(&extension, "extension", "e", "", "only events of this extension")
	cmd.Flags().StringVar(&runID, "run", "", "only events of this run")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for new events")

	return cmd
}

// printEvents prints the events accepted by filter and returns the largest
// sequence number seen.
func printEvents(ctx context.Context, s *session, w io.Writer, filter ledger.Filter) (int64, error) {
	events, err := s.manager.Events(ctx, targetName, filter)
	if err != nil {
		return filter.AfterSeq, err
	}
	last := filter.AfterSeq
	for ev, err := range events {
		if err != nil {
			return last, err
		}
		if jsonOutput {
			if err := printJSON(w, ev); err != nil {
				return last, err
			}
		} else {
			fmt.Fprintln(w, eventLine(ev))
		}
		last = max(last, ev.Seq)
	}
	return last, nil
}

func eventLine(ev engine.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %-16s %-12s %s", ev.Timestamp.Local().Format(time.StampMilli), ev.Extension, ev.Phase, ev.Version)
	if ev.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", ev.Reason)
	}
	if ev.Error != "" {
		fmt.Fprintf(&sb, " [%s] %s", ev.ErrorCode, ev.Error)
	}
	return sb.String()
}

// followLedger watches the ledger's directory and prints new events until
// ctx is cancelled.
func followLedger(ctx context.Context, s *session, w io.Writer, filter ledger.Filter) error {
	path := s.manager.LedgerPath(targetName)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory: SQLite writes through its -wal file and JSONL
	// appends may replace the file.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	log.Debug().Str("ledger", path).Msg("Following ledger")

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(evt.Name, path) || evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Ledger watcher error")
			continue
		case <-ticker.C:
		}

		last, err := printEvents(ctx, s, w, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		filter.AfterSeq = last
	}
}
