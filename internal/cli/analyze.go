package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgesim/loadbench/internal/output"
	"github.com/edgesim/loadbench/internal/store"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize recorded runs",
	Long: `Aggregate a metric store per run and scenario: total tasks, distinct
devices, average latency, and success rate.

  loadbench analyze --store results/metrics.db`,
	RunE: analyzeRuns,
}

func init() {
	analyzeCmd.Flags().StringP("store", "s", "results/metrics.db", "metric store path")
	analyzeCmd.Flags().Bool("no-color", false, "disable colored output")
}

func analyzeRuns(cmd *cobra.Command, args []string) error {
	storePath, _ := cmd.Flags().GetString("store")
	noColor, _ := cmd.Flags().GetBool("no-color")

	metrics, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("opening metric store: %w", err)
	}
	defer metrics.Close()

	summaries, err := metrics.Summarize(cmd.Context())
	if err != nil {
		return fmt.Errorf("summarizing metric store: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(os.Stdout, "No runs recorded.")
		return nil
	}

	printer := output.NewPrinter(os.Stdout, noColor)
	printer.PrintSummaries(summaries)
	return nil
}
