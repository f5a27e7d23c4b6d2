package run

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/edgesim/loadbench/internal/identity"
	"github.com/edgesim/loadbench/internal/stats"
	"github.com/edgesim/loadbench/internal/store"
)

// WorkerState is the lifecycle state of a simulated device worker.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker is one simulated device. It holds a stable identity for the run
// and repeatedly executes weighted tasks through the injected workload,
// recording one metric row per completion.
type Worker struct {
	// ID is the worker's ordinal within the run, for logging only; the
	// device identity is what tags metric records.
	ID int

	identity identity.Entry
	runID    string
	scenario string

	tasks       []Task
	totalWeight int
	workload    Workload

	metrics *store.Store
	live    *stats.Engine
	logger  *slog.Logger

	waitMin time.Duration
	waitMax time.Duration

	state      atomic.Int32
	stopCh     chan struct{}
	doneCh     chan struct{}
	iterations atomic.Int64

	// Per-worker source so task selection and pacing never contend.
	rng *rand.Rand
}

// WorkerConfig wires a worker's collaborators.
type WorkerConfig struct {
	ID       int
	Identity identity.Entry
	RunID    string
	Scenario string
	Tasks    []Task
	Workload Workload
	Metrics  *store.Store
	Live     *stats.Engine
	Logger   *slog.Logger
	WaitMin  time.Duration
	WaitMax  time.Duration
}

// NewWorker creates a worker; Run starts its task loop.
func NewWorker(cfg WorkerConfig) *Worker {
	total := 0
	for _, t := range cfg.Tasks {
		total += t.Weight
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		ID:          cfg.ID,
		identity:    cfg.Identity,
		runID:       cfg.RunID,
		scenario:    cfg.Scenario,
		tasks:       cfg.Tasks,
		totalWeight: total,
		workload:    cfg.Workload,
		metrics:     cfg.Metrics,
		live:        cfg.Live,
		logger:      logger.With("device_id", cfg.Identity.DeviceID),
		waitMin:     cfg.WaitMin,
		waitMax:     cfg.WaitMax,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
	}
}

// DeviceID returns the worker's assigned device identity.
func (w *Worker) DeviceID() string {
	return w.identity.DeviceID
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Iterations returns the number of completed tasks.
func (w *Worker) Iterations() int64 {
	return w.iterations.Load()
}

// Run executes tasks until the context is cancelled or the worker is asked
// to stop. It blocks; callers run it in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer w.markStopped()

	w.state.Store(int32(WorkerRunning))
	if w.live != nil {
		w.live.DeviceStarted()
		defer w.live.DeviceStopped()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		w.runTask(ctx)
		w.iterations.Add(1)

		if !w.applyWaitTime(ctx) {
			return
		}
	}
}

// runTask executes one task and records its outcome. Store failures are
// logged and swallowed so a storage hiccup never fails the measured load.
func (w *Worker) runTask(ctx context.Context) {
	task := w.pickTask()

	outcome := w.workload(ctx, w.identity.DeviceID, w.identity.Requirements, task)

	// A cancelled run is not a workload failure; drop the partial sample.
	if ctx.Err() != nil {
		return
	}

	status := store.StatusSuccess
	errMsg := ""
	if outcome.Err != nil {
		status = store.StatusFailure
		errMsg = outcome.Err.Error()
	}

	if w.live != nil {
		w.live.RecordTask(task.Name, outcome.Latency, outcome.Err == nil)
	}

	err := w.metrics.Record(store.Record{
		RunID:        w.runID,
		Timestamp:    time.Now(),
		ScenarioName: w.scenario,
		DeviceID:     w.identity.DeviceID,
		DeviceReqs:   w.identity.Requirements,
		TaskName:     task.Name,
		TaskParams:   task.Parameters,
		Latency:      outcome.Latency,
		Status:       status,
		MetricValue:  outcome.MetricValue,
		ErrorMessage: errMsg,
	})
	if err != nil {
		w.logger.Warn("dropping metric record", "task", task.Name, "error", err)
	}
}

// pickTask selects a task by weight.
func (w *Worker) pickTask() Task {
	if len(w.tasks) == 1 || w.totalWeight <= 0 {
		return w.tasks[0]
	}

	n := w.rng.Intn(w.totalWeight)
	for _, t := range w.tasks {
		n -= t.Weight
		if n < 0 {
			return t
		}
	}
	return w.tasks[len(w.tasks)-1]
}

// applyWaitTime pauses between tasks. Returns false if the worker should
// stop instead of starting another task.
func (w *Worker) applyWaitTime(ctx context.Context) bool {
	wait := w.waitMin
	if w.waitMax > w.waitMin {
		wait += time.Duration(w.rng.Int63n(int64(w.waitMax - w.waitMin)))
	}
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// RequestStop asks the worker to stop after its current task.
func (w *Worker) RequestStop() {
	if w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopping)) ||
		w.state.CompareAndSwap(int32(WorkerIdle), int32(WorkerStopping)) {
		close(w.stopCh)
	}
}

// WaitForStop blocks until the worker has fully stopped or the timeout
// elapses. Returns true if it stopped in time.
func (w *Worker) WaitForStop(timeout time.Duration) bool {
	select {
	case <-w.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *Worker) markStopped() {
	w.state.Store(int32(WorkerStopped))
	select {
	case <-w.doneCh:
	default:
		close(w.doneCh)
	}
}
