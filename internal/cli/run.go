package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgesim/loadbench/internal/config"
	"github.com/edgesim/loadbench/internal/identity"
	"github.com/edgesim/loadbench/internal/logging"
	"github.com/edgesim/loadbench/internal/offload"
	"github.com/edgesim/loadbench/internal/output"
	"github.com/edgesim/loadbench/internal/run"
	"github.com/edgesim/loadbench/internal/stats"
	"github.com/edgesim/loadbench/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a load-test scenario",
	Long: `Execute a scenario file: spawn the configured simulated devices, offload
their tasks to the remote platform, and record one metric row per completed
task.

  loadbench run --config scenario.yaml
  loadbench run --config scenario.yaml --duration 5m --store results/run.db`,
	RunE: runScenario,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "scenario file to execute (required)")
	runCmd.Flags().String("store", "", "override the metric store path")
	runCmd.Flags().String("duration", "", "override the run duration (e.g. 2m)")
	runCmd.Flags().Int("workers", 0, "override the worker count")
	runCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	runCmd.Flags().BoolP("quiet", "q", false, "suppress live progress output")
	runCmd.Flags().Bool("no-color", false, "disable colored output")
	runCmd.MarkFlagRequired("config")
}

func runScenario(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	storeOverride, _ := cmd.Flags().GetString("store")
	durationOverride, _ := cmd.Flags().GetString("duration")
	workersOverride, _ := cmd.Flags().GetInt("workers")
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")

	scenario, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading scenario: %w", err)
	}
	if storeOverride != "" {
		scenario.Store.Path = storeOverride
	}
	if workersOverride > 0 {
		scenario.Load.Workers = workersOverride
	}
	duration := scenario.Load.Duration.GetDuration(0)
	if durationOverride != "" {
		d, err := time.ParseDuration(durationOverride)
		if err != nil {
			return fmt.Errorf("invalid --duration: %w", err)
		}
		duration = d
	}

	logger := logging.New(verbose)
	printer := output.NewPrinter(os.Stdout, noColor)

	metrics, err := store.Open(scenario.Store.Path)
	if err != nil {
		return fmt.Errorf("opening metric store: %w", err)
	}
	defer metrics.Close()

	allocator, err := buildAllocator(scenario)
	if err != nil {
		return err
	}

	clientOpts := []offload.Option{
		offload.WithTimeout(scenario.Offload.Timeout.GetDuration(30 * time.Second)),
	}
	for k, v := range scenario.Offload.Headers {
		clientOpts = append(clientOpts, offload.WithHeader(k, v))
	}
	client := offload.NewClient(scenario.Offload.Endpoint, clientOpts...)

	live := stats.NewEngine()

	coord, err := run.NewCoordinator(run.Options{
		ScenarioName: scenario.Name,
		Workers:      scenario.Load.Workers,
		SpawnRate:    scenario.Load.SpawnRate,
		WaitMin:      scenario.Load.WaitTime.Min.GetDuration(0),
		WaitMax:      scenario.Load.WaitTime.Max.GetDuration(0),
		Tasks:        buildTasks(scenario),
		Workload:     run.OffloadWorkload(client),
		Allocator:    allocator,
		Metrics:      metrics,
		Live:         live,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runCtx, err := coord.Start(ctx)
	if err != nil {
		return err
	}

	if !quiet {
		printer.PrintRunHeader(scenario.Name, runCtx.RunID, scenario.Load.Workers, string(allocator.Mode()))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("stop signal received, draining")
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			if !quiet {
				printer.PrintProgress(live.Snapshot())
			}
		}
	}

	if err := coord.Stop(); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}

	if !quiet {
		printer.PrintSummary(live.Snapshot(), live.TaskStats())
		fmt.Fprintf(os.Stdout, "\nMetrics stored in %s (run %s)\n", scenario.Store.Path, runCtx.RunID)
	}
	return nil
}

func buildAllocator(sc *config.Scenario) (*identity.Allocator, error) {
	switch sc.Identity.Mode {
	case config.IdentityPool:
		entries := make([]identity.Entry, 0, len(sc.Identity.Pool))
		for _, e := range sc.Identity.Pool {
			entries = append(entries, identity.Entry{
				DeviceID:     e.DeviceID,
				Requirements: e.Requirements,
			})
		}
		return identity.NewPoolAllocator(identity.NewPool(entries)), nil
	case config.IdentityRandom:
		return identity.NewRandomAllocator(sc.Identity.BaseID, sc.Identity.Requirements), nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", sc.Identity.Mode)
	}
}

func buildTasks(sc *config.Scenario) []run.Task {
	tasks := make([]run.Task, 0, len(sc.Tasks))
	for _, t := range sc.Tasks {
		tasks = append(tasks, run.Task{
			Name:       t.Name,
			Weight:     t.Weight,
			Parameters: t.Parameters,
			MetricPath: t.MetricPath,
		})
	}
	return tasks
}
