package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgesim/loadbench/internal/output"
	"github.com/edgesim/loadbench/internal/store"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List recorded task metrics",
	Long: `List individual task records from a metric store, optionally filtered
by run, scenario, device, or time window.

  loadbench query --store results/metrics.db --run 5f3a...
  loadbench query --store results/metrics.db --device device-pool-01 --since 2h`,
	RunE: queryRecords,
}

func init() {
	queryCmd.Flags().StringP("store", "s", "results/metrics.db", "metric store path")
	queryCmd.Flags().String("run", "", "filter by run identifier")
	queryCmd.Flags().String("scenario", "", "filter by scenario name")
	queryCmd.Flags().String("device", "", "filter by device identifier")
	queryCmd.Flags().String("since", "", "only records newer than this age (e.g. 2h)")
	queryCmd.Flags().String("until", "", "only records older than this age (e.g. 30m)")
	queryCmd.Flags().Bool("no-color", false, "disable colored output")
}

func queryRecords(cmd *cobra.Command, args []string) error {
	storePath, _ := cmd.Flags().GetString("store")
	noColor, _ := cmd.Flags().GetBool("no-color")

	filter := store.Filter{}
	filter.RunID, _ = cmd.Flags().GetString("run")
	filter.ScenarioName, _ = cmd.Flags().GetString("scenario")
	filter.DeviceID, _ = cmd.Flags().GetString("device")

	if since, _ := cmd.Flags().GetString("since"); since != "" {
		age, err := time.ParseDuration(since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		filter.From = time.Now().Add(-age)
	}
	if until, _ := cmd.Flags().GetString("until"); until != "" {
		age, err := time.ParseDuration(until)
		if err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
		filter.To = time.Now().Add(-age)
	}

	metrics, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("opening metric store: %w", err)
	}
	defer metrics.Close()

	rows, err := metrics.Query(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("querying metric store: %w", err)
	}
	defer rows.Close()

	printer := output.NewPrinter(os.Stdout, noColor)
	n, err := printer.PrintRecords(rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\n%d record(s)\n", n)
	return nil
}
