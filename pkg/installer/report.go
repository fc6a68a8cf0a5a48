package installer

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/devkiln/kiln/pkg/engine"
)

// Summary counts the outcomes of a report.
type Summary struct {
	Total     int
	Installed int
	Removed   int
	Skipped   int
	Failed    int
}

func calculateSummary(report *engine.Report) Summary {
	summary := Summary{Total: len(report.Results)}
	for _, res := range report.Results {
		switch res.Outcome {
		case engine.OutcomeInstalled:
			summary.Installed++
		case engine.OutcomeRemoved:
			summary.Removed++
		case engine.OutcomeSkipped:
			summary.Skipped++
		case engine.OutcomeFailed:
			summary.Failed++
		}
	}
	return summary
}

// Summarize counts the outcomes of a report.
func Summarize(report *engine.Report) Summary {
	if report == nil {
		return Summary{}
	}
	return calculateSummary(report)
}

// Errors combines the errors of every failed extension in report, or
// returns nil when nothing failed.
func Errors(report *engine.Report) error {
	if report == nil {
		return nil
	}
	var result *multierror.Error
	for _, res := range report.Failed() {
		err := res.Error
		if err == nil {
			err = fmt.Errorf("failed")
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", res.Name, err))
	}
	return result.ErrorOrNil()
}
