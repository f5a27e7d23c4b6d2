// Package output renders run progress and summaries to the terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/edgesim/loadbench/internal/stats"
	"github.com/edgesim/loadbench/internal/store"
)

// Printer writes run progress and result tables.
type Printer struct {
	w       io.Writer
	noColor bool
}

// NewPrinter creates a printer for w. Colors are disabled automatically
// when w is not a terminal, and always when noColor is set.
func NewPrinter(w io.Writer, noColor bool) *Printer {
	if w == nil {
		w = os.Stdout
	}
	if !noColor {
		if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
			noColor = true
		}
	}
	return &Printer{w: w, noColor: noColor}
}

func (p *Printer) sprint(c *color.Color, format string, args ...any) string {
	if p.noColor {
		c.DisableColor()
	}
	return c.Sprintf(format, args...)
}

// PrintRunHeader announces a starting run.
func (p *Printer) PrintRunHeader(scenario, runID string, workers int, identityMode string) {
	bold := color.New(color.Bold)
	fmt.Fprintf(p.w, "%s  scenario=%s workers=%d identity=%s\n",
		p.sprint(bold, "Starting run %s", runID), scenario, workers, identityMode)
}

// PrintProgress writes one live progress line.
func (p *Printer) PrintProgress(snap stats.Snapshot) {
	errPart := fmt.Sprintf("%d failed", snap.FailedTasks)
	if snap.FailedTasks > 0 {
		errPart = p.sprint(color.New(color.FgRed), "%d failed", snap.FailedTasks)
	}
	fmt.Fprintf(p.w, "[%8s] devices=%-4d tasks=%-6d %s  %.1f/s  p95=%s\n",
		snap.Elapsed.Truncate(time.Second),
		snap.ActiveDevices,
		snap.TotalTasks,
		errPart,
		snap.TasksPerSec,
		snap.Latency.P95.Truncate(time.Millisecond))
}

// PrintSummary writes the end-of-run report.
func (p *Printer) PrintSummary(snap stats.Snapshot, perTask map[string]stats.LatencyStats) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	fmt.Fprintf(p.w, "\n%s\n", p.sprint(bold, "Run complete (%s)", snap.Elapsed.Truncate(time.Second)))
	fmt.Fprintf(p.w, "  tasks:      %d (%s, %s)\n",
		snap.TotalTasks,
		p.sprint(green, "%d ok", snap.SuccessTasks),
		p.sprint(red, "%d failed", snap.FailedTasks))
	fmt.Fprintf(p.w, "  throughput: %.1f tasks/s\n", snap.TasksPerSec)
	fmt.Fprintf(p.w, "  latency:    p50=%s p95=%s p99=%s max=%s\n",
		snap.Latency.P50.Truncate(time.Millisecond),
		snap.Latency.P95.Truncate(time.Millisecond),
		snap.Latency.P99.Truncate(time.Millisecond),
		snap.Latency.Max.Truncate(time.Millisecond))

	if len(perTask) == 0 {
		return
	}

	names := make([]string, 0, len(perTask))
	for name := range perTask {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(p.w, "\n  %-30s %8s %10s %10s\n", "task", "count", "p50", "p95")
	for _, name := range names {
		ts := perTask[name]
		fmt.Fprintf(p.w, "  %-30s %8d %10s %10s\n",
			name, ts.Count,
			ts.P50.Truncate(time.Millisecond),
			ts.P95.Truncate(time.Millisecond))
	}
}

// PrintRecords writes queried metric records, one line each.
func (p *Printer) PrintRecords(rows *store.Rows) (int, error) {
	dim := color.New(color.Faint)
	red := color.New(color.FgRed)

	n := 0
	for rows.Next() {
		rec := rows.Record()
		n++

		status := string(rec.Status)
		if rec.Status == store.StatusFailure {
			status = p.sprint(red, "%s", rec.Status)
		}

		runID := rec.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		line := fmt.Sprintf("%s  %s  %-20s %-25s %-25s %8dms  %s",
			p.sprint(dim, "%s", rec.Timestamp.Format(time.RFC3339)),
			runID,
			rec.ScenarioName,
			rec.DeviceID,
			rec.TaskName,
			rec.Latency.Milliseconds(),
			status)
		if rec.ErrorMessage != "" {
			line += "  " + rec.ErrorMessage
		}
		fmt.Fprintln(p.w, line)
	}
	return n, rows.Err()
}

// PrintSummaries writes the cross-run analysis table.
func (p *Printer) PrintSummaries(summaries []store.RunSummary) {
	bold := color.New(color.Bold)

	fmt.Fprintln(p.w, p.sprint(bold, "%-38s %-20s %8s %8s %12s %9s",
		"run_id", "scenario", "tasks", "devices", "avg_latency", "success"))
	for _, s := range summaries {
		fmt.Fprintf(p.w, "%-38s %-20s %8d %8d %10.1fms %8.1f%%\n",
			s.RunID, s.ScenarioName, s.TotalRequests, s.DeviceCount, s.AvgLatencyMS, s.SuccessRate)
	}
}
