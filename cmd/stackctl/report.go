package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/whitewater-guide/aws/internal/orchestrator"
)

const outcomeSkipped = "skipped"

// renderReport prints a per-resource summary table of a run followed by a
// one-line tally.
func renderReport(w io.Writer, report *orchestrator.Report) {
	if report == nil {
		return
	}

	r := lipgloss.NewRenderer(w)
	var (
		cell   = r.NewStyle().Padding(0, 1)
		header = cell.Bold(true)
		ok     = cell.Foreground(lipgloss.Color("2"))
		failed = cell.Foreground(lipgloss.Color("1"))
		muted  = cell.Foreground(lipgloss.Color("8"))
	)

	if len(report.Results) == 0 && len(report.Skipped) == 0 {
		fmt.Fprintf(w, "Nothing to %s: every managed resource is already %s.\n",
			report.Target.Verb(), report.Target)
		return
	}

	rows := make([][]string, 0, len(report.Results)+len(report.Skipped))
	for _, res := range report.Results {
		rows = append(rows, []string{
			string(res.Resource.Kind),
			res.Resource.Label(),
			string(res.Outcome),
			detail(res),
		})
	}
	for _, kind := range report.Skipped {
		rows = append(rows, []string{string(kind), "-", outcomeSkipped, "an earlier kind failed"})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers("KIND", "RESOURCE", "OUTCOME", "DETAIL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col != 2 || row < 0 || row >= len(rows) {
				return cell
			}
			switch rows[row][2] {
			case string(orchestrator.OutcomeSucceeded):
				return ok
			case string(orchestrator.OutcomeFailed):
				return failed
			default:
				return muted
			}
		})

	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, tally(report))
}

func detail(res orchestrator.Result) string {
	switch res.Outcome {
	case orchestrator.OutcomeFailed:
		if res.Err == nil {
			return ""
		}
		// Keep the table one row per resource.
		return strings.ReplaceAll(res.Err.Error(), "\n", "; ")
	case orchestrator.OutcomePlanned:
		return fmt.Sprintf("%s -> %s", res.Resource.CurrentState, res.Resource.DesiredState)
	default:
		return res.Duration.Round(time.Second).String()
	}
}

func tally(report *orchestrator.Report) string {
	if report.DryRun {
		return fmt.Sprintf("dry run: %d resource(s) would %s", report.Count(orchestrator.OutcomePlanned), report.Target.Verb())
	}
	parts := []string{
		fmt.Sprintf("%d succeeded", report.Count(orchestrator.OutcomeSucceeded)),
		fmt.Sprintf("%d failed", report.Count(orchestrator.OutcomeFailed)),
	}
	if n := len(report.Skipped); n > 0 {
		parts = append(parts, fmt.Sprintf("%d kind(s) skipped", n))
	}
	return strings.Join(parts, ", ")
}
