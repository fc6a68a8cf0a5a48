package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/installer"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// jsonResult adds the error text, which ExtensionResult does not marshal.
type jsonResult struct {
	engine.ExtensionResult
	Error string `json:"error,omitempty"`
}

// printReport writes one line per extension followed by a summary and
// returns errFailures when anything failed.
func printReport(w io.Writer, report *engine.Report) error {
	if jsonOutput {
		results := make([]jsonResult, len(report.Results))
		for i, res := range report.Results {
			results[i] = jsonResult{ExtensionResult: res}
			if res.Error != nil {
				results[i].Error = res.Error.Error()
			}
		}
		if err := printJSON(w, struct {
			*engine.Report
			Results []jsonResult `json:"results"`
		}{report, results}); err != nil {
			return err
		}
	} else {
		for _, res := range report.Results {
			fmt.Fprintln(w, resultLine(res))
		}
		s := installer.Summarize(report)
		fmt.Fprintf(w, "\n%d extensions: %d installed, %d removed, %d skipped, %d failed (%s)\n",
			s.Total, s.Installed, s.Removed, s.Skipped, s.Failed,
			report.EndedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	if report.HasFailures() {
		return errFailures
	}
	return nil
}

func resultLine(res engine.ExtensionResult) string {
	mark := "✓"
	switch res.Outcome {
	case engine.OutcomeSkipped:
		mark = "-"
	case engine.OutcomeFailed:
		mark = "✗"
	}
	line := fmt.Sprintf("%s %-20s %-12s %s", mark, res.Name, res.Version, res.Outcome)
	if res.Reason != "" {
		line += " (" + res.Reason + ")"
	}
	if res.Error != nil {
		line += ": " + res.Error.Error()
	}
	return line
}
